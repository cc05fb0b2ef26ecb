// Package cmd provides the commands of the fsstream operator CLI.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/colebrumley/fsstream/internal/config"
)

var configPath string

// NewRootCmd creates the root command for the fsstream CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fsstream",
		Short: "Operate the fsstreamd file event daemon",
		Long: `fsstream manages the configuration and saved checkpoints of fsstreamd,
the daemon that delivers file system events for watched paths and resumes
from where it stopped after a restart.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultConfigPath(), "Path to config.yaml")

	cmd.AddCommand(newInitCmd())
	cmd.AddCommand(newValidateCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newResetCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

func loadConfig() (*config.Global, error) {
	cfg, err := config.LoadGlobal(configPath)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

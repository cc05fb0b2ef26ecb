package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the config for errors",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config %s:\n%w", configPath, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Config %s is valid (%d watches)\n", configPath, len(cfg.Watches))
			return nil
		},
	}
}

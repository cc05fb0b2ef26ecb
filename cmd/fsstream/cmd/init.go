package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/colebrumley/fsstream/internal/config"
	"github.com/colebrumley/fsstream/internal/security"
)

func newInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config and create the state directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd, force)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config")
	return cmd
}

func runInit(cmd *cobra.Command, force bool) error {
	out := cmd.OutOrStdout()

	if _, err := os.Stat(configPath); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", configPath)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(config.Sample), 0644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	fmt.Fprintf(out, "Created %s\n", configPath)

	cfg, err := config.LoadGlobal(configPath)
	if err != nil {
		return err
	}
	if err := security.EnsureStateDir(cfg.Daemon.StateDir); err != nil {
		return err
	}
	fmt.Fprintf(out, "Created %s\n", cfg.Daemon.StateDir)

	fmt.Fprintln(out, "\nInitialization complete. Edit the watches in", configPath)
	return nil
}

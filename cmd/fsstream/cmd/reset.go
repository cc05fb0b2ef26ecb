package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/colebrumley/fsstream/internal/checkpoint"
	"github.com/colebrumley/fsstream/internal/config"
	"github.com/colebrumley/fsstream/internal/security"
)

func newResetCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "reset [path...]",
		Short: "Discard saved checkpoints so the paths are watched from now on",
		Long: `Discard saved checkpoints. The next daemon start skips history for the
reset paths and only delivers events that happen after it starts.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(args) == 0 {
				return errors.New("give at least one path or --all")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runReset(cmd, cfg, args, all)
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Reset every saved checkpoint")
	return cmd
}

func runReset(cmd *cobra.Command, cfg *config.Global, paths []string, all bool) error {
	return checkpoint.Exclusive(cfg.Daemon.StateDir, func() error {
		store, err := checkpoint.Open(cfg.Checkpoint.DBPath)
		if err != nil {
			return err
		}
		defer store.Close()

		if all {
			records, err := store.List()
			if err != nil {
				return err
			}
			for _, rec := range records {
				paths = append(paths, rec.Path)
			}
		}

		out := cmd.OutOrStdout()
		for _, p := range paths {
			p = config.ExpandHome(p)
			existed, err := store.Reset(p)
			if err != nil {
				return err
			}
			if existed {
				fmt.Fprintf(out, "Reset %s\n", security.DisplayPath(p))
			} else {
				fmt.Fprintf(out, "No checkpoint for %s\n", security.DisplayPath(p))
			}
		}
		return nil
	})
}

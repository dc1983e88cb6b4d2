package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/msageha/conductor/internal/formation"
)

// newWorkerCmd creates the "conductor worker" command group.
func newWorkerCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Inspect and repair workers",
	}
	cmd.AddCommand(newWorkerResetCmd(g))
	return cmd
}

// newWorkerResetCmd creates the "conductor worker reset" subcommand.
func newWorkerResetCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset NAME",
		Short: "Return a worker in the error state to idle",
		Long: `Returns an error-state worker to idle and releases its task back to
pending. The daemon must be stopped: reset takes the daemon lock and
edits the state file directly.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, cfg, err := g.resolve()
			if err != nil {
				return err
			}
			if err := formation.ResetWorker(dir, cfg, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Worker %s reset to idle.\n", args[0])
			return nil
		},
	}
}

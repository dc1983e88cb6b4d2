package main

import (
	"github.com/spf13/cobra"

	"github.com/msageha/conductor/internal/status"
)

// newStatusCmd creates the "conductor status" subcommand.
func newStatusCmd(g *globalOptions) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon, overseer, worker and task status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir, cfg, err := g.resolve()
			if err != nil {
				return err
			}
			return status.Run(dir, cfg, jsonOutput, cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print the report as JSON")
	return cmd
}

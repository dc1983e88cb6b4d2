package main

import (
	"github.com/spf13/cobra"

	"github.com/msageha/conductor/internal/formation"
)

// newDownCmd creates the "conductor down" subcommand.
func newDownCmd(g *globalOptions) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "down",
		Short: "Stop the overseer and the daemon",
		Long: `Asks the overseer, then the daemon, to shut down over their sockets
and waits for both to exit. With --force, a daemon that does not answer
is killed along with its worker sessions.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir, cfg, err := g.resolve()
			if err != nil {
				return err
			}
			return formation.RunDown(formation.DownOptions{
				ConductorDir: dir,
				Config:       cfg,
				Force:        force,
				Out:          cmd.OutOrStdout(),
			})
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "kill the daemon and its sessions if it does not stop")
	return cmd
}

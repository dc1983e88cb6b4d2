package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/msageha/conductor/internal/formation"
)

// newOverseerCmd creates the "conductor overseer" subcommand.
func newOverseerCmd(g *globalOptions) *cobra.Command {
	var (
		taskList    string
		concurrency int
	)

	cmd := &cobra.Command{
		Use:   "overseer",
		Short: "Supervise the daemon and remediate its failures",
		Long: `Starts the daemon, watches its heartbeat, identity and log, and on
failure stops it, runs the remediation agent with a diagnostic prompt and
restarts it. A failure spiral or a manual_intervention_required marker
stops supervision.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir, cfg, err := g.resolve()
			if err != nil {
				return err
			}
			f, err := formation.OverseerLog(dir)
			if err != nil {
				return err
			}
			defer f.Close()

			o, err := formation.NewOverseer(formation.UpOptions{
				ConductorDir: dir,
				Config:       cfg,
				TaskList:     taskList,
				Concurrency:  concurrency,
			}, io.MultiWriter(f, cmd.ErrOrStderr()))
			if err != nil {
				return fmt.Errorf("overseer: %w", err)
			}
			if err := o.Run(); err != nil {
				return fmt.Errorf("overseer: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&taskList, "task-list", "", "task list id (overrides auto.task_list_id)")
	cmd.Flags().IntVarP(&concurrency, "concurrency", "c", 0, "number of workers, 1-16 (overrides auto.concurrency)")
	return cmd
}

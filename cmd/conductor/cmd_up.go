package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/msageha/conductor/internal/formation"
)

// newUpCmd creates the "conductor up" subcommand.
func newUpCmd(g *globalOptions) *cobra.Command {
	var (
		auto        bool
		taskList    string
		concurrency int
	)

	cmd := &cobra.Command{
		Use:   "up --auto",
		Short: "Run the auto-mode daemon in the foreground",
		Long: `Runs the daemon that assigns tasks to workers, accepts their commits
onto trunk and records progress. It exits on shutdown, a signal, or a
hard failure; logs/last_failure.json records the cause of the latter.
Usually started by 'conductor overseer' rather than directly.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !auto {
				return errors.New("up requires --auto")
			}
			dir, cfg, err := g.resolve()
			if err != nil {
				return err
			}
			if err := formation.RunUp(formation.UpOptions{
				ConductorDir: dir,
				Config:       cfg,
				TaskList:     taskList,
				Concurrency:  concurrency,
			}); err != nil {
				return fmt.Errorf("up: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&auto, "auto", false, "run in auto mode")
	cmd.Flags().StringVar(&taskList, "task-list", "", "task list id (overrides auto.task_list_id)")
	cmd.Flags().IntVarP(&concurrency, "concurrency", "c", 0, "number of workers, 1-16 (overrides auto.concurrency)")
	return cmd
}

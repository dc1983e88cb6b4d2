package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/msageha/conductor/internal/setup"
)

// newInitCmd creates the "conductor init" subcommand.
func newInitCmd() *cobra.Command {
	var opts setup.Options

	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Create .conductor/ in a project",
		Long: `Creates .conductor/ with a default config.yaml, context.toml and an
empty task list directory. The project directory (default: the working
directory) is recorded as repo.source. Edit overseer.remediation_prompt
before running the overseer.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectDir := "."
			if len(args) > 0 {
				projectDir = args[0]
			}
			base, err := setup.Run(projectDir, opts)
			if err != nil {
				return fmt.Errorf("init: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Initialized %s\n", base)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.TaskList, "task-list", "", "task list id written to auto.task_list_id")
	cmd.Flags().IntVar(&opts.Concurrency, "concurrency", 0, "worker count written to auto.concurrency")
	return cmd
}

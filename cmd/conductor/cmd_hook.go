package main

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/msageha/conductor/internal/overseer"
	"github.com/msageha/conductor/internal/uds"
)

// newHookCmd creates the "conductor hook" command. Agent sessions call it
// from their Stop and SessionEnd hooks.
func newHookCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:    "hook",
		Short:  "Report an agent session event (called by agent hooks)",
		Hidden: true,
	}
	cmd.AddCommand(
		newHookEventCmd(g, "stop", uds.HookStop, "Report that a worker finished its turn"),
		newHookEventCmd(g, "session-end", uds.HookSessionEnd, "Report that a worker session ended"),
	)
	return cmd
}

func newHookEventCmd(g *globalOptions, use, event, short string) *cobra.Command {
	var worker string

	cmd := &cobra.Command{
		Use:   use + " --worker NAME",
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if worker == "" {
				return errors.New("--worker is required")
			}
			dir, _, err := g.resolve()
			if err != nil {
				return err
			}
			return sendHook(dir, event, worker)
		},
	}

	cmd.Flags().StringVar(&worker, "worker", "", "worker name (auto-N, or overseer)")
	return cmd
}

// sendHook delivers event to the process that owns worker: the overseer
// for its remediation session, the daemon otherwise.
func sendHook(conductorDir, event, worker string) error {
	sock := uds.DaemonSocketName
	if worker == overseer.SessionWorker {
		sock = uds.OverseerSocketName
	}
	if err := uds.NewClient(filepath.Join(conductorDir, sock)).Hook(event, worker); err != nil {
		return fmt.Errorf("hook %s worker=%s: %w", event, worker, err)
	}
	return nil
}

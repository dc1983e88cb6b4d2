package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/msageha/conductor/internal/formation"
	"github.com/msageha/conductor/internal/model"
	"github.com/msageha/conductor/internal/setup"
)

// globalOptions holds the persistent flags shared by every subcommand.
type globalOptions struct {
	conductorDir string
}

// newRootCmd creates the root conductor command with all subcommands attached.
func newRootCmd() *cobra.Command {
	g := &globalOptions{}
	cmd := &cobra.Command{
		Use:   "conductor",
		Short: "Autonomous task orchestration for coding agents",
		Long: `conductor drains a task list with a fixed pool of agent workers.
Each worker runs in its own tmux session and git worktree; finished work
is validated and fast-forwarded onto trunk. The overseer keeps the daemon
running and calls a remediation agent when it fails.`,
		Version:       fmt.Sprintf("conductor %s", version),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate("{{.Version}}\n")
	cmd.PersistentFlags().StringVar(&g.conductorDir, "conductor-dir", "",
		"path to the .conductor directory (default: search upward from the working directory)")

	cmd.AddCommand(
		newInitCmd(),
		newUpCmd(g),
		newOverseerCmd(g),
		newDownCmd(g),
		newStatusCmd(g),
		newHookCmd(g),
		newWorkerCmd(g),
	)
	return cmd
}

// resolve returns the conductor dir and its config.
func (g *globalOptions) resolve() (string, model.Config, error) {
	dir := g.conductorDir
	if dir == "" {
		dir = findConductorDir()
		if dir == "" {
			return "", model.Config{}, errors.New(setup.DirName + "/ directory not found. Run 'conductor init' first")
		}
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", model.Config{}, fmt.Errorf("resolve conductor dir: %w", err)
	}
	cfg, err := formation.LoadConfig(abs)
	if err != nil {
		return "", model.Config{}, fmt.Errorf("load config: %w", err)
	}
	return abs, cfg, nil
}

// findConductorDir searches for .conductor/ in the current directory and ancestors.
func findConductorDir() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, setup.DirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

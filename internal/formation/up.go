// Package formation brings the auto-mode pipeline up and down from the
// CLI: config loading, daemon and overseer wiring, shutdown over the
// sockets, and offline worker repair.
package formation

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/conductor/internal/agent"
	"github.com/msageha/conductor/internal/command"
	"github.com/msageha/conductor/internal/daemon"
	"github.com/msageha/conductor/internal/gitops"
	"github.com/msageha/conductor/internal/model"
	"github.com/msageha/conductor/internal/overseer"
)

// ConfigFile is the conductor config, relative to the conductor dir.
const ConfigFile = "config.yaml"

// LoadConfig reads config.yaml and applies defaults.
func LoadConfig(conductorDir string) (model.Config, error) {
	data, err := os.ReadFile(filepath.Join(conductorDir, ConfigFile))
	if err != nil {
		return model.Config{}, fmt.Errorf("read config.yaml: %w", err)
	}
	var cfg model.Config
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return model.Config{}, fmt.Errorf("parse config.yaml: %w", err)
	}
	if cfg.Repo.Source != "" && !filepath.IsAbs(cfg.Repo.Source) {
		// relative to the project holding .conductor/
		cfg.Repo.Source = filepath.Join(filepath.Dir(conductorDir), cfg.Repo.Source)
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// UpOptions holds what `conductor up --auto` and `conductor overseer` need.
type UpOptions struct {
	ConductorDir string
	Config       model.Config
	// Executable is the conductor binary agents call back through hooks.
	Executable string
	// TaskList and Concurrency override the config when set.
	TaskList    string
	Concurrency int
}

func (o UpOptions) applyFlags() model.Config {
	cfg := o.Config
	if o.TaskList != "" {
		cfg.Auto.TaskListID = o.TaskList
	}
	if o.Concurrency > 0 {
		cfg.Auto.Concurrency = o.Concurrency
	}
	return cfg
}

func (o UpOptions) executable() string {
	if o.Executable != "" {
		return o.Executable
	}
	if exe, err := os.Executable(); err == nil {
		return exe
	}
	return "conductor"
}

// Sessions builds the tmux session host for cfg. Agents report their
// Stop and SessionEnd hooks back through the conductor binary.
func (o UpOptions) Sessions(cfg model.Config, w io.Writer) *agent.TmuxSessions {
	return agent.NewTmuxSessions(agent.Options{
		Prefix:       cfg.Auto.SessionPrefix,
		Command:      cfg.Agent.Command,
		Model:        cfg.Agent.Model,
		ReadyTimeout: time.Duration(cfg.Agent.ReadyTimeoutSec) * time.Second,
		Hooks:        agent.HookCommand{Executable: o.executable(), ConductorDir: o.ConductorDir},
		LogLevel:     cfg.Logging.Level,
	}, w)
}

// NewDaemon validates the config and wires the daemon with the real git,
// tmux and shell collaborators. Session logs go to stderr, which the
// overseer points at daemon.log.
func NewDaemon(opts UpOptions) (*daemon.Daemon, error) {
	cfg := opts.applyFlags()
	if err := cfg.ValidateAuto(); err != nil {
		return nil, err
	}
	return daemon.New(opts.ConductorDir, cfg, daemon.Deps{
		Git:      gitops.NewClient(cfg.Repo.WorktreeDir),
		Sessions: opts.Sessions(cfg, os.Stderr),
		Runner:   command.NewShellRunner(),
	})
}

// RunUp runs the daemon in the foreground until it stops.
func RunUp(opts UpOptions) error {
	d, err := NewDaemon(opts)
	if err != nil {
		return err
	}
	return d.Run()
}

// NewOverseer validates the config and wires the overseer, logging to w.
// Session remediation reuses the worker session host under the name
// "overseer".
func NewOverseer(opts UpOptions, w io.Writer) (*overseer.Overseer, error) {
	cfg := opts.applyFlags()
	if err := cfg.ValidateOverseer(); err != nil {
		return nil, err
	}
	var sessions overseer.SessionHost
	if cfg.Overseer.RemediationMode == model.RemediationModeSession {
		sessions = opts.Sessions(cfg, w)
	}
	return overseer.New(opts.ConductorDir, cfg, overseer.Options{
		Sessions: sessions,
		Git:      gitops.NewClient(cfg.Repo.WorktreeDir),
		Runner:   command.NewShellRunner(),
	}, w)
}

// OverseerLog opens logs/overseer.log for appending.
func OverseerLog(conductorDir string) (*os.File, error) {
	path := filepath.Join(conductorDir, overseer.LogFile)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open overseer log: %w", err)
	}
	return f, nil
}

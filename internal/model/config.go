// Package model defines configuration, task records, the worker state
// machine, and the daemon's persisted state.
package model

import (
	"fmt"
	"path/filepath"
	"strings"
)

type Config struct {
	Repo     RepoConfig     `yaml:"repo"`
	Tasks    TasksConfig    `yaml:"tasks"`
	Auto     AutoConfig     `yaml:"auto"`
	Agent    AgentConfig    `yaml:"agent"`
	Daemon   DaemonConfig   `yaml:"daemon"`
	Overseer OverseerConfig `yaml:"overseer"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type RepoConfig struct {
	Source      string `yaml:"source"`
	TrunkBranch string `yaml:"trunk_branch"`
	WorktreeDir string `yaml:"worktree_dir"`
}

type TasksConfig struct {
	// Root holds one directory per task list. Relative paths resolve
	// against the conductor dir.
	Root string `yaml:"root"`
}

type AutoConfig struct {
	TaskListID           string `yaml:"task_list_id"`
	Concurrency          int    `yaml:"concurrency"`
	PatrolIntervalSec    int    `yaml:"patrol_interval_sec"`
	HeartbeatIntervalSec int    `yaml:"heartbeat_interval_sec"`
	PostAcceptCommand    string `yaml:"post_accept_command"`
	MaxRetryAttempts     int    `yaml:"max_retry_attempts"`
	ContextConfig        string `yaml:"context_config"`
	SessionPrefix        string `yaml:"session_prefix"`
}

type AgentConfig struct {
	Command         string `yaml:"command"`
	Model           string `yaml:"model"`
	ReadyTimeoutSec int    `yaml:"ready_timeout_sec"`
}

type DaemonConfig struct {
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`
}

type OverseerConfig struct {
	RemediationPrompt      string `yaml:"remediation_prompt"`
	HeartbeatTimeoutSec    int    `yaml:"heartbeat_timeout_sec"`
	StallTimeoutSec        int    `yaml:"stall_timeout_sec"`
	RestartCooldownSec     int    `yaml:"restart_cooldown_sec"`
	HealthCheckIntervalSec int    `yaml:"health_check_interval_sec"`
	TerminationGraceSec    int    `yaml:"termination_grace_sec"`
	RemediationTimeoutSec  int    `yaml:"remediation_timeout_sec"`
	StartupTimeoutSec      int    `yaml:"startup_timeout_sec"`
	RemediationMode        string `yaml:"remediation_mode"`
	RemediationCommand     string `yaml:"remediation_command"`
	Notify                 bool   `yaml:"notify"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

const (
	RemediationModeCommand = "command"
	RemediationModeSession = "session"
)

// ApplyDefaults fills zero values with the documented defaults.
func (c *Config) ApplyDefaults() {
	if c.Repo.TrunkBranch == "" {
		c.Repo.TrunkBranch = "main"
	}
	if c.Repo.WorktreeDir == "" {
		c.Repo.WorktreeDir = ".worktrees"
	}
	if c.Tasks.Root == "" {
		c.Tasks.Root = "tasks"
	}
	if c.Auto.Concurrency <= 0 {
		c.Auto.Concurrency = 1
	}
	if c.Auto.PatrolIntervalSec <= 0 {
		c.Auto.PatrolIntervalSec = 5
	}
	if c.Auto.HeartbeatIntervalSec <= 0 {
		c.Auto.HeartbeatIntervalSec = 5
	}
	if c.Auto.MaxRetryAttempts <= 0 {
		c.Auto.MaxRetryAttempts = 2
	}
	if c.Auto.ContextConfig == "" {
		c.Auto.ContextConfig = "context.toml"
	}
	if c.Auto.SessionPrefix == "" {
		c.Auto.SessionPrefix = "conductor"
	}
	if c.Agent.Command == "" {
		c.Agent.Command = "claude"
	}
	if c.Agent.Model == "" {
		c.Agent.Model = "opus"
	}
	if c.Agent.ReadyTimeoutSec <= 0 {
		c.Agent.ReadyTimeoutSec = 30
	}
	if c.Daemon.ShutdownTimeoutSec <= 0 {
		c.Daemon.ShutdownTimeoutSec = 30
	}
	o := &c.Overseer
	if o.HeartbeatTimeoutSec <= 0 {
		o.HeartbeatTimeoutSec = 30
	}
	if o.StallTimeoutSec <= 0 {
		o.StallTimeoutSec = 3600
	}
	if o.RestartCooldownSec <= 0 {
		o.RestartCooldownSec = 300
	}
	if o.HealthCheckIntervalSec <= 0 {
		o.HealthCheckIntervalSec = 5
	}
	if o.TerminationGraceSec <= 0 {
		o.TerminationGraceSec = 30
	}
	if o.RemediationTimeoutSec <= 0 {
		o.RemediationTimeoutSec = 1800
	}
	if o.StartupTimeoutSec <= 0 {
		o.StartupTimeoutSec = 60
	}
	if o.RemediationMode == "" {
		o.RemediationMode = RemediationModeCommand
	}
	if o.RemediationCommand == "" {
		o.RemediationCommand = "claude -p --dangerously-skip-permissions"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// ValidateAuto checks the fields auto mode cannot run without.
func (c *Config) ValidateAuto() error {
	if c.Auto.TaskListID == "" {
		return fmt.Errorf("auto.task_list_id is required (or pass --task-list)")
	}
	if strings.ContainsAny(c.Auto.TaskListID, `/\`) || c.Auto.TaskListID == "." || c.Auto.TaskListID == ".." {
		return fmt.Errorf("invalid task list id %q", c.Auto.TaskListID)
	}
	if c.Auto.Concurrency < 1 || c.Auto.Concurrency > 16 {
		return fmt.Errorf("auto.concurrency must be 1-16, got %d", c.Auto.Concurrency)
	}
	if c.Repo.Source == "" {
		return fmt.Errorf("repo.source is required")
	}
	return nil
}

// ValidateOverseer checks the fields the overseer cannot run without.
func (c *Config) ValidateOverseer() error {
	if strings.TrimSpace(c.Overseer.RemediationPrompt) == "" {
		return fmt.Errorf("overseer.remediation_prompt is required")
	}
	switch c.Overseer.RemediationMode {
	case RemediationModeCommand, RemediationModeSession:
	default:
		return fmt.Errorf("overseer.remediation_mode must be %q or %q, got %q",
			RemediationModeCommand, RemediationModeSession, c.Overseer.RemediationMode)
	}
	return c.ValidateAuto()
}

// TaskListDir resolves the directory holding the configured task list.
func (c *Config) TaskListDir(conductorDir string) string {
	root := c.Tasks.Root
	if !filepath.IsAbs(root) {
		root = filepath.Join(conductorDir, root)
	}
	return filepath.Join(root, c.Auto.TaskListID)
}

// ContextConfigPath resolves the context-injection file.
func (c *Config) ContextConfigPath(conductorDir string) string {
	if filepath.IsAbs(c.Auto.ContextConfig) {
		return c.Auto.ContextConfig
	}
	return filepath.Join(conductorDir, c.Auto.ContextConfig)
}

// WorktreeRoot resolves the directory that holds worker worktrees.
func (c *Config) WorktreeRoot() string {
	if filepath.IsAbs(c.Repo.WorktreeDir) {
		return c.Repo.WorktreeDir
	}
	return filepath.Join(c.Repo.Source, c.Repo.WorktreeDir)
}

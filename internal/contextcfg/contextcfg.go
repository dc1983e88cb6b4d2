// Package contextcfg loads the label-keyed prologue/epilogue file and builds
// the initial prompt sent to a worker for a task.
package contextcfg

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/msageha/conductor/internal/model"
)

const defaultKey = "default"

type Entry struct {
	Prologue string `toml:"prologue"`
	Epilogue string `toml:"epilogue"`
}

// Config maps a label to its entry. The "default" entry applies to tasks
// with no label or a label that has no entry of its own.
type Config struct {
	entries map[string]Entry
}

// Load reads path. A missing file yields an empty config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{entries: map[string]Entry{}}, nil
		}
		return nil, fmt.Errorf("read context config: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	entries := map[string]Entry{}
	if err := toml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse context config: %w", err)
	}
	return &Config{entries: entries}, nil
}

// Resolve returns the entry for label. An explicit entry replaces the
// default wholesale; fields it leaves empty stay empty.
func (c *Config) Resolve(label string) Entry {
	if label != "" {
		if e, ok := c.entries[label]; ok {
			return e
		}
	}
	return c.entries[defaultKey]
}

// PromptInput is what a worker prompt is built from.
type PromptInput struct {
	Task     model.Task
	Worktree string
	RepoRoot string
}

// BuildPrompt renders the full initial input for a worker session.
func (c *Config) BuildPrompt(in PromptInput) string {
	entry := c.Resolve(in.Task.Label())

	var b strings.Builder
	fmt.Fprintf(&b, "You are working in: %s\n", in.Worktree)
	fmt.Fprintf(&b, "Repository root: %s\n\n", in.RepoRoot)
	b.WriteString("Follow the conventions in AGENTS.md\n")
	b.WriteString("Run validation commands before committing\n")
	b.WriteString("Create a single commit with your changes\n")
	b.WriteString("Do NOT push to remote\n\n")

	if p := strings.TrimSpace(entry.Prologue); p != "" {
		b.WriteString(p)
		b.WriteString("\n\n")
	}

	fmt.Fprintf(&b, "# Task %s: %s\n", in.Task.ID, in.Task.Subject)
	if d := strings.TrimSpace(in.Task.Description); d != "" {
		b.WriteString("\n")
		b.WriteString(d)
		b.WriteString("\n")
	}

	if e := strings.TrimSpace(entry.Epilogue); e != "" {
		b.WriteString("\n")
		b.WriteString(e)
		b.WriteString("\n")
	}
	return b.String()
}

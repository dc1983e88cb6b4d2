// Package agent hosts coding-agent sessions in tmux: one detached session
// per worker, launched with hooks that report back to conductor over UDS.
package agent

import (
	"encoding/json"
	"fmt"
	"strings"
)

// HookCommand describes how a session reports its lifecycle back. The agent
// runs "<Executable> --conductor-dir <ConductorDir> hook <event> --worker <name>".
type HookCommand struct {
	Executable   string
	ConductorDir string
}

type hookEntry struct {
	Type    string `json:"type"`
	Command string `json:"command"`
}

type hookMatcher struct {
	Hooks []hookEntry `json:"hooks"`
}

// hookSettings returns the --settings JSON wiring the Stop and SessionEnd
// hooks to conductor for worker. Notification hooks are cleared.
func (h HookCommand) hookSettings(worker string) (string, error) {
	cmd := func(event string) string {
		return strings.Join([]string{
			shellQuote(h.Executable),
			"--conductor-dir", shellQuote(h.ConductorDir),
			"hook", event,
			"--worker", shellQuote(worker),
		}, " ")
	}
	settings := map[string]any{
		"hooks": map[string][]hookMatcher{
			"Stop":         {{Hooks: []hookEntry{{Type: "command", Command: cmd("stop")}}}},
			"SessionEnd":   {{Hooks: []hookEntry{{Type: "command", Command: cmd("session-end")}}}},
			"Notification": {},
		},
	}
	data, err := json.Marshal(settings)
	if err != nil {
		return "", fmt.Errorf("marshal hook settings: %w", err)
	}
	return string(data), nil
}

// buildLaunchArgs constructs the CLI arguments for the agent command.
func buildLaunchArgs(agentModel, settings string) []string {
	args := []string{
		"--model", agentModel,
		"--dangerously-skip-permissions",
	}
	if settings != "" {
		args = append(args, "--settings", settings)
	}
	return args
}

// launchCommand renders the shell command a session runs. CLAUDECODE is
// unset so the agent starts even when conductor itself runs inside one.
func launchCommand(command string, args []string) string {
	parts := []string{"env", "-u", "CLAUDECODE", shellQuote(command)}
	for _, a := range args {
		parts = append(parts, shellQuote(a))
	}
	return strings.Join(parts, " ")
}

// filterEnv returns a copy of environ with the named variable removed.
func filterEnv(environ []string, name string) []string {
	prefix := name + "="
	out := make([]string, 0, len(environ))
	for _, e := range environ {
		if !strings.HasPrefix(e, prefix) {
			out = append(out, e)
		}
	}
	return out
}

func shellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./=:@,", r))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

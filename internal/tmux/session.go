// Package tmux provides helpers for managing the detached tmux sessions that
// host worker and remediation agents, one session per agent.
package tmux

import (
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"sync/atomic"
	"time"
)

// bufSeq generates unique buffer names so concurrent SendTextAndSubmit calls
// never paste each other's text.
var bufSeq atomic.Int64

// PasteSettle is how long the target application gets to absorb a bracketed
// paste before Enter is sent. Claude Code's Ink-based TUI drops the submit
// when this is much shorter under load.
var PasteSettle = 500 * time.Millisecond

// SendTextAndSubmit pastes multi-line text into a pane via a tmux buffer,
// then sends Enter to submit it.
func SendTextAndSubmit(target, text string) error {
	bufName := fmt.Sprintf("conductor-msg-%d", bufSeq.Add(1))

	cmd := exec.Command("tmux", "load-buffer", "-b", bufName, "-")
	cmd.Stdin = strings.NewReader(text)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("tmux load-buffer: %w: %s", err, strings.TrimSpace(string(out)))
	}

	// -p bracketed paste so the app sees one paste unit, -r keeps LF as LF,
	// -d frees the buffer.
	if err := run("paste-buffer", "-pr", "-b", bufName, "-d", "-t", target); err != nil {
		return err
	}

	time.Sleep(PasteSettle)

	return SendKeys(target, "Enter")
}

// unsafeSessionChars matches characters tmux interprets in targets.
var unsafeSessionChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// SessionName builds a sanitized session name from prefix and name.
func SessionName(prefix, name string) string {
	joined := name
	if prefix != "" {
		joined = prefix + "-" + name
	}
	sanitized := unsafeSessionChars.ReplaceAllString(joined, "_")
	if sanitized == "" {
		return "conductor"
	}
	return sanitized
}

// exactTarget pins a target to a session name, so "auto-1" never prefix
// matches "auto-10".
func exactTarget(session string) string {
	return "=" + session
}

// HasSession reports whether a session named session exists.
func HasSession(session string) bool {
	return exec.Command("tmux", "has-session", "-t", exactTarget(session)).Run() == nil
}

// NewSession creates a detached session running command in dir. env entries
// are KEY=VALUE pairs set in the session's environment.
func NewSession(session, dir, command string, env []string) error {
	args := []string{"new-session", "-d", "-s", session, "-c", dir, "-x", "250", "-y", "50"}
	for _, kv := range env {
		args = append(args, "-e", kv)
	}
	if command != "" {
		args = append(args, command)
	}
	return run(args...)
}

// KillSession destroys a session.
func KillSession(session string) error {
	return run("kill-session", "-t", exactTarget(session))
}

// ListSessions returns the names of sessions whose name starts with prefix.
func ListSessions(prefix string) ([]string, error) {
	out, err := output("list-sessions", "-F", "#{session_name}")
	if err != nil {
		// no server running means no sessions
		if strings.Contains(err.Error(), "no server running") || strings.Contains(err.Error(), "no sessions") {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line != "" && strings.HasPrefix(line, prefix) {
			names = append(names, line)
		}
	}
	return names, nil
}

// PaneTarget returns the target of the first pane of a session.
func PaneTarget(session string) string {
	return exactTarget(session) + ":"
}

// CapturePane captures the last lastN lines of a pane with wrapped lines
// joined (0 = visible pane only).
func CapturePane(target string, lastN int) (string, error) {
	args := []string{"capture-pane", "-p", "-J", "-t", target}
	if lastN > 0 {
		args = append(args, "-S", fmt.Sprintf("-%d", lastN))
	}
	return output(args...)
}

// SendKeys sends keystrokes to a pane.
func SendKeys(target string, keys ...string) error {
	args := make([]string, 0, 3+len(keys))
	args = append(args, "send-keys", "-t", target)
	args = append(args, keys...)
	return run(args...)
}

// SendCtrlC sends Ctrl+C to a pane.
func SendCtrlC(target string) error {
	return SendKeys(target, "", "C-c")
}

func run(args ...string) error {
	cmd := exec.Command("tmux", args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("tmux %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}

func output(args ...string) (string, error) {
	cmd := exec.Command("tmux", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("tmux %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

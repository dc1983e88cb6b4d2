// Package notify sends desktop notifications for failures that need a human.
package notify

import (
	"fmt"
	"os/exec"
	"runtime"
	"strings"
)

// Notifier delivers a one-line notification.
type Notifier interface {
	Notify(title, message string) error
}

// Desktop uses osascript on macOS and notify-send elsewhere.
type Desktop struct {
	goos     string
	lookPath func(string) (string, error)
	run      func(name string, args ...string) ([]byte, error)
}

func NewDesktop() *Desktop {
	return &Desktop{
		goos:     runtime.GOOS,
		lookPath: exec.LookPath,
		run: func(name string, args ...string) ([]byte, error) {
			return exec.Command(name, args...).CombinedOutput()
		},
	}
}

// Notify sends the notification. A host without a notifier binary is not
// an error.
func (d *Desktop) Notify(title, message string) error {
	name, args := d.command(title, message)
	if _, err := d.lookPath(name); err != nil {
		return nil
	}
	if out, err := d.run(name, args...); err != nil {
		return fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (d *Desktop) command(title, message string) (string, []string) {
	if d.goos == "darwin" {
		script := fmt.Sprintf(
			`display notification "%s" with title "%s" sound name "default"`,
			escapeAppleScript(message), escapeAppleScript(title),
		)
		return "osascript", []string{"-e", script}
	}
	return "notify-send", []string{"--urgency=critical", title, message}
}

func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}

// Nop discards notifications.
type Nop struct{}

func (Nop) Notify(string, string) error { return nil }

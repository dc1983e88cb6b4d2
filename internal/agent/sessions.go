package agent

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/msageha/conductor/internal/logging"
	"github.com/msageha/conductor/internal/tmux"
)

const promptReadyLines = 5

// maxPromptSearchLines bounds the bottom-up search for the prompt glyph; the
// agent's status bar sits a line or two below its prompt.
const maxPromptSearchLines = 4

// Options configures TmuxSessions.
type Options struct {
	Prefix       string
	Command      string
	Model        string
	ReadyTimeout time.Duration
	Hooks        HookCommand
	LogLevel     string
}

// TmuxSessions runs one agent per tmux session named <prefix>-<worker>.
type TmuxSessions struct {
	opts     Options
	logger   *log.Logger
	logLevel logging.Level

	// overridable in tests
	hasSession func(string) bool
	capture    func(string, int) (string, error)
	send       func(string, string) error
}

func NewTmuxSessions(opts Options, w io.Writer) *TmuxSessions {
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 30 * time.Second
	}
	return &TmuxSessions{
		opts:       opts,
		logger:     log.New(w, "", 0),
		logLevel:   logging.ParseLevel(opts.LogLevel),
		hasSession: tmux.HasSession,
		capture:    tmux.CapturePane,
		send:       tmux.SendTextAndSubmit,
	}
}

// SessionName returns the tmux session hosting worker.
func (s *TmuxSessions) SessionName(worker string) string {
	return tmux.SessionName(s.opts.Prefix, worker)
}

func (s *TmuxSessions) Exists(worker string) bool {
	return s.hasSession(s.SessionName(worker))
}

// Start launches the agent for worker in dir and delivers prompt once the
// agent shows its input prompt. An existing session is replaced.
func (s *TmuxSessions) Start(ctx context.Context, worker, dir, prompt string) error {
	session := s.SessionName(worker)
	if s.hasSession(session) {
		if err := tmux.KillSession(session); err != nil {
			return fmt.Errorf("replace session %s: %w", session, err)
		}
	}

	settings, err := s.opts.Hooks.hookSettings(worker)
	if err != nil {
		return err
	}
	command := launchCommand(s.opts.Command, buildLaunchArgs(s.opts.Model, settings))
	env := []string{"CONDUCTOR_WORKER=" + worker}
	if err := tmux.NewSession(session, dir, command, env); err != nil {
		return fmt.Errorf("start session %s: %w", session, err)
	}
	s.log(logging.LevelInfo, "session_started worker=%s session=%s dir=%s", worker, session, dir)

	if prompt == "" {
		return nil
	}
	return s.Send(ctx, worker, prompt)
}

// Send waits for the agent's input prompt and pastes text.
func (s *TmuxSessions) Send(ctx context.Context, worker, text string) error {
	session := s.SessionName(worker)
	if !s.hasSession(session) {
		return fmt.Errorf("session %s not found", session)
	}
	target := tmux.PaneTarget(session)
	if err := s.waitReady(ctx, target); err != nil {
		return err
	}
	if err := s.send(target, text); err != nil {
		return fmt.Errorf("send to %s: %w", session, err)
	}
	s.log(logging.LevelDebug, "input_sent worker=%s bytes=%d", worker, len(text))
	return nil
}

// Clear resets the agent's conversation.
func (s *TmuxSessions) Clear(ctx context.Context, worker string) error {
	return s.Send(ctx, worker, "/clear")
}

// Capture returns the last lines of the worker's pane.
func (s *TmuxSessions) Capture(worker string, lines int) (string, error) {
	return s.capture(tmux.PaneTarget(s.SessionName(worker)), lines)
}

// Stop interrupts the agent, then kills the session if it is still there.
func (s *TmuxSessions) Stop(ctx context.Context, worker string) error {
	session := s.SessionName(worker)
	if !s.hasSession(session) {
		return nil
	}
	target := tmux.PaneTarget(session)
	for i := 0; i < 2; i++ {
		_ = tmux.SendCtrlC(target)
		if err := sleepCtx(ctx, 500*time.Millisecond); err != nil {
			break
		}
	}
	if !s.hasSession(session) {
		return nil
	}
	if err := tmux.KillSession(session); err != nil && s.hasSession(session) {
		return fmt.Errorf("kill session %s: %w", session, err)
	}
	s.log(logging.LevelInfo, "session_stopped worker=%s session=%s", worker, session)
	return nil
}

// waitReady polls until the pane shows the agent prompt. When the timeout
// passes without one, it proceeds anyway: the paste is still delivered
// once the agent finishes starting.
func (s *TmuxSessions) waitReady(ctx context.Context, target string) error {
	deadline := time.Now().Add(s.opts.ReadyTimeout)
	for {
		content, err := s.capture(target, promptReadyLines)
		if err == nil && isPromptReady(content) {
			return nil
		}
		if time.Now().After(deadline) {
			s.log(logging.LevelInfo, "wait_ready prompt_fallback target=%s last_line=%q", target, lastNonBlankLine(content))
			return nil
		}
		if err := sleepCtx(ctx, 500*time.Millisecond); err != nil {
			return fmt.Errorf("wait_ready cancelled: %w", err)
		}
	}
}

// isPromptReady reports whether captured pane content ends at the agent's
// input prompt: a line containing '❯' near the bottom, or a last non-blank
// line starting with '>'.
func isPromptReady(content string) bool {
	lines := strings.Split(content, "\n")
	checked := 0
	for i := len(lines) - 1; i >= 0 && checked < maxPromptSearchLines; i-- {
		trimmed := strings.TrimSpace(lines[i])
		if trimmed == "" {
			continue
		}
		if strings.Contains(trimmed, "❯") {
			return true
		}
		checked++
	}
	for i := len(lines) - 1; i >= 0; i-- {
		trimmed := strings.TrimSpace(lines[i])
		if trimmed == "" {
			continue
		}
		return strings.HasPrefix(trimmed, ">")
	}
	return false
}

func lastNonBlankLine(content string) string {
	lines := strings.Split(content, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		trimmed := strings.TrimSpace(lines[i])
		if trimmed == "" {
			continue
		}
		if len(trimmed) > 80 {
			return trimmed[:80] + "..."
		}
		return trimmed
	}
	return "<empty>"
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Environ returns the current environment without CLAUDECODE, for agents
// launched directly rather than through tmux.
func Environ() []string {
	return filterEnv(os.Environ(), "CLAUDECODE")
}

func (s *TmuxSessions) log(level logging.Level, format string, args ...any) {
	if level < s.logLevel {
		return
	}
	s.logger.Println(logging.FormatLine(time.Now(), level, "sessions", fmt.Sprintf(format, args...)))
}

package overseer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/msageha/conductor/internal/agent"
	"github.com/msageha/conductor/internal/command"
	"github.com/msageha/conductor/internal/logging"
	"github.com/msageha/conductor/internal/uds"
)

// SessionWorker is the worker name of the remediation session; its hooks
// arrive on overseer.sock.
const SessionWorker = "overseer"

const captureLines = 200

// Transcript is the permanent record of one remediation. Writes are
// serialized so command output and events interleave by line.
type Transcript struct {
	mu    sync.Mutex
	w     io.Writer
	clock func() time.Time
}

func (t *Transcript) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.w.Write(p)
}

// Event appends a timestamped line.
func (t *Transcript) Event(format string, args ...any) {
	fmt.Fprintf(t, "[%s] %s\n", t.clock().UTC().Format("15:04:05"), fmt.Sprintf(format, args...))
}

// Section appends a titled block.
func (t *Transcript) Section(title, body string) {
	fmt.Fprintf(t, "\n## %s\n\n```\n%s\n```\n", title, strings.TrimRight(body, "\n"))
}

// Dispatcher hands the prompt to a remediation agent and returns once the
// agent is done.
type Dispatcher interface {
	Dispatch(ctx context.Context, prompt string, t *Transcript) error
}

// CommandDispatcher runs a one-shot agent command with the prompt on
// stdin. Completion is process exit.
type CommandDispatcher struct {
	Runner  command.Runner
	Command string
	Dir     string
}

func (d *CommandDispatcher) Dispatch(ctx context.Context, prompt string, t *Transcript) error {
	t.Event("running %s in %s", d.Command, d.Dir)
	fmt.Fprintf(t, "\n## Command Output\n\n")
	res, err := d.Runner.Run(ctx, command.Spec{
		Command: d.Command,
		Dir:     d.Dir,
		Stdin:   strings.NewReader(prompt),
		Env:     agent.Environ(),
		Output:  t,
	})
	fmt.Fprintln(t)
	if err != nil {
		return err
	}
	t.Event("command exited code=%d after %s", res.ExitCode, res.Duration.Round(time.Second))
	if !res.Success() {
		return fmt.Errorf("remediation command exited with code %d", res.ExitCode)
	}
	return nil
}

// SessionHost is the part of the agent session collaborator the session
// dispatcher uses.
type SessionHost interface {
	Exists(worker string) bool
	Start(ctx context.Context, worker, dir, prompt string) error
	Send(ctx context.Context, worker, text string) error
	Clear(ctx context.Context, worker string) error
	Capture(worker string, lines int) (string, error)
	Stop(ctx context.Context, worker string) error
}

// SessionDispatcher pastes the prompt into a long-lived agent session and
// waits for its stop hook.
type SessionDispatcher struct {
	Sessions SessionHost
	Hooks    <-chan uds.HookParams
	Dir      string
}

func (d *SessionDispatcher) Dispatch(ctx context.Context, prompt string, t *Transcript) error {
	d.drain()
	if d.Sessions.Exists(SessionWorker) {
		if err := d.Sessions.Clear(ctx, SessionWorker); err != nil {
			return fmt.Errorf("clear remediation session: %w", err)
		}
		t.Event("cleared remediation session")
		if err := d.Sessions.Send(ctx, SessionWorker, prompt); err != nil {
			return fmt.Errorf("send remediation prompt: %w", err)
		}
	} else if err := d.Sessions.Start(ctx, SessionWorker, d.Dir, prompt); err != nil {
		return fmt.Errorf("start remediation session: %w", err)
	}
	t.Event("sent remediation prompt (%d chars)", len(prompt))

	err := d.wait(ctx, t)
	if out, cerr := d.Sessions.Capture(SessionWorker, captureLines); cerr != nil {
		t.Event("capture failed: %v", cerr)
	} else {
		t.Section(fmt.Sprintf("Session Output (final %d lines)", captureLines), out)
	}
	return err
}

func (d *SessionDispatcher) wait(ctx context.Context, t *Transcript) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case h := <-d.Hooks:
			t.Event("hook event=%s worker=%s", h.Event, h.Worker)
			if h.Worker != SessionWorker {
				continue
			}
			switch h.Event {
			case uds.HookStop:
				return nil
			case uds.HookSessionEnd:
				return errors.New("remediation session ended before finishing")
			}
		}
	}
}

// drain drops hooks left over from an earlier remediation.
func (d *SessionDispatcher) drain() {
	for {
		select {
		case <-d.Hooks:
		default:
			return
		}
	}
}

// Executor runs one remediation under a timeout and keeps its transcript
// in logs/remediation_<ts>.txt.
type Executor struct {
	logsDir    string
	dispatcher Dispatcher
	timeout    time.Duration
	clock      func() time.Time
	logSink
}

func NewExecutor(logsDir string, dispatcher Dispatcher, timeout time.Duration, logger *log.Logger, level logging.Level) *Executor {
	return &Executor{
		logsDir:    logsDir,
		dispatcher: dispatcher,
		timeout:    timeout,
		clock:      time.Now,
		logSink:    logSink{logger: logger, level: level, component: "remediation"},
	}
}

// Execute dispatches prompt and returns the transcript path. A dispatch
// failure or timeout is returned after it has been written to the
// transcript.
func (e *Executor) Execute(ctx context.Context, prompt string) (string, error) {
	started := e.clock()
	if err := os.MkdirAll(e.logsDir, 0755); err != nil {
		return "", fmt.Errorf("create logs dir: %w", err)
	}
	path := filepath.Join(e.logsDir, "remediation_"+started.UTC().Format("20060102_150405")+".txt")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return "", fmt.Errorf("create remediation transcript: %w", err)
	}
	defer f.Close()

	t := &Transcript{w: f, clock: e.clock}
	fmt.Fprintf(t, "# Remediation Log\nStarted: %s\n", started.UTC().Format("2006-01-02 15:04:05 UTC"))
	t.Section("Remediation Prompt", prompt)
	fmt.Fprintf(t, "\n## Events\n\n")
	e.log(logging.LevelInfo, "remediation started transcript=%s prompt_chars=%d", path, len(prompt))

	rctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	err = e.dispatcher.Dispatch(rctx, prompt, t)

	elapsed := e.clock().Sub(started).Round(time.Second)
	switch {
	case err == nil:
		t.Event("remediation completed in %s", elapsed)
		e.log(logging.LevelInfo, "remediation completed elapsed=%s", elapsed)
	case ctx.Err() != nil:
		t.Event("remediation interrupted by shutdown")
		e.log(logging.LevelInfo, "remediation interrupted")
	case errors.Is(rctx.Err(), context.DeadlineExceeded):
		err = fmt.Errorf("remediation timed out after %s: %w", e.timeout, err)
		t.Event("%v", err)
		e.log(logging.LevelInfo, "%v", err)
	default:
		t.Event("remediation failed: %v", err)
		e.log(logging.LevelInfo, "remediation failed: %v", err)
	}
	if serr := f.Sync(); serr != nil {
		e.log(logging.LevelInfo, "sync transcript: %v", serr)
	}
	return path, err
}

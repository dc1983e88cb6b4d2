package overseer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/conductor/internal/command"
	"github.com/msageha/conductor/internal/uds"
)

type scriptedRunner struct {
	stdin  string
	spec   command.Spec
	output string
	result command.Result
	err    error
	block  bool
}

func (r *scriptedRunner) Run(ctx context.Context, spec command.Spec) (command.Result, error) {
	r.spec = spec
	if spec.Stdin != nil {
		b, _ := io.ReadAll(spec.Stdin)
		r.stdin = string(b)
	}
	if spec.Output != nil && r.output != "" {
		fmt.Fprint(spec.Output, r.output)
	}
	if r.block {
		<-ctx.Done()
		return command.Result{ExitCode: -1, TimedOut: true}, nil
	}
	return r.result, r.err
}

type hostCall struct {
	op, text string
}

type fakeHost struct {
	mu      sync.Mutex
	exists  bool
	calls   []hostCall
	capture string
	onSend  func()
}

func (h *fakeHost) record(op, text string) {
	h.mu.Lock()
	h.calls = append(h.calls, hostCall{op, text})
	h.mu.Unlock()
}

func (h *fakeHost) Exists(string) bool { return h.exists }

func (h *fakeHost) Start(_ context.Context, _, dir, prompt string) error {
	h.record("start", dir+"|"+prompt)
	h.exists = true
	if h.onSend != nil {
		h.onSend()
	}
	return nil
}

func (h *fakeHost) Send(_ context.Context, _, text string) error {
	h.record("send", text)
	if h.onSend != nil {
		h.onSend()
	}
	return nil
}

func (h *fakeHost) Clear(context.Context, string) error {
	h.record("clear", "")
	return nil
}

func (h *fakeHost) Capture(string, int) (string, error) {
	return h.capture, nil
}

func (h *fakeHost) Stop(context.Context, string) error {
	h.record("stop", "")
	return nil
}

func (h *fakeHost) ops() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, c := range h.calls {
		out = append(out, c.op)
	}
	return out
}

var execNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newTestExecutor(t *testing.T, d Dispatcher, timeout time.Duration) (*Executor, string) {
	t.Helper()
	logsDir := filepath.Join(t.TempDir(), "logs")
	e := NewExecutor(logsDir, d, timeout, nil, 0)
	e.clock = func() time.Time { return execNow }
	return e, logsDir
}

func readTranscript(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestExecute_CommandSuccess(t *testing.T) {
	runner := &scriptedRunner{output: "looked at the logs\nfixed it\n"}
	d := &CommandDispatcher{Runner: runner, Command: "agent -p", Dir: "/src/repo"}
	e, logsDir := newTestExecutor(t, d, time.Minute)

	path, err := e.Execute(context.Background(), "PROMPT BODY")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(logsDir, "remediation_20260301_100000.txt"), path)

	assert.Equal(t, "PROMPT BODY", runner.stdin)
	assert.Equal(t, "agent -p", runner.spec.Command)
	assert.Equal(t, "/src/repo", runner.spec.Dir)
	assert.NotNil(t, runner.spec.Env)

	text := readTranscript(t, path)
	assert.True(t, strings.HasPrefix(text, "# Remediation Log\nStarted: 2026-03-01 10:00:00 UTC\n"))
	assert.Contains(t, text, "## Remediation Prompt\n\n```\nPROMPT BODY\n```")
	assert.Contains(t, text, "looked at the logs\nfixed it\n")
	assert.Contains(t, text, "command exited code=0")
	assert.Contains(t, text, "remediation completed")
}

func TestExecute_CommandFailure(t *testing.T) {
	tests := []struct {
		name   string
		runner *scriptedRunner
		want   string
	}{
		{"non-zero exit", &scriptedRunner{result: command.Result{ExitCode: 3}}, "exited with code 3"},
		{"spawn error", &scriptedRunner{err: errors.New("sh: not found")}, "sh: not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newTestExecutor(t, &CommandDispatcher{Runner: tt.runner, Command: "agent"}, time.Minute)
			path, err := e.Execute(context.Background(), "p")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			assert.Contains(t, readTranscript(t, path), "remediation failed: ")
		})
	}
}

func TestExecute_Timeout(t *testing.T) {
	e, _ := newTestExecutor(t, &CommandDispatcher{Runner: &scriptedRunner{block: true}, Command: "agent"}, 20*time.Millisecond)
	path, err := e.Execute(context.Background(), "p")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
	assert.Contains(t, readTranscript(t, path), "remediation timed out after 20ms")
}

func TestExecute_Interrupted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e, _ := newTestExecutor(t, &SessionDispatcher{Sessions: &fakeHost{}, Hooks: make(chan uds.HookParams)}, time.Minute)
	path, err := e.Execute(ctx, "p")
	require.ErrorIs(t, err, context.Canceled)
	assert.Contains(t, readTranscript(t, path), "interrupted by shutdown")
}

func TestSessionDispatcher_StartsAndWaitsForStop(t *testing.T) {
	hooks := make(chan uds.HookParams, 4)
	host := &fakeHost{capture: "agent: done\n"}
	host.onSend = func() {
		hooks <- uds.HookParams{Event: uds.HookStop, Worker: "auto-1"}
		hooks <- uds.HookParams{Event: uds.HookStop, Worker: SessionWorker}
	}
	e, _ := newTestExecutor(t, &SessionDispatcher{Sessions: host, Hooks: hooks, Dir: "/src/repo"}, time.Minute)

	path, err := e.Execute(context.Background(), "PROMPT")
	require.NoError(t, err)
	assert.Equal(t, []string{"start"}, host.ops())
	assert.Equal(t, "/src/repo|PROMPT", host.calls[0].text)

	text := readTranscript(t, path)
	assert.Contains(t, text, "hook event=stop worker=auto-1")
	assert.Contains(t, text, "## Session Output (final 200 lines)\n\n```\nagent: done\n```")
}

func TestSessionDispatcher_ReusesSession(t *testing.T) {
	hooks := make(chan uds.HookParams, 4)
	// left over from the previous remediation
	hooks <- uds.HookParams{Event: uds.HookStop, Worker: SessionWorker}

	host := &fakeHost{exists: true}
	host.onSend = func() { hooks <- uds.HookParams{Event: uds.HookStop, Worker: SessionWorker} }
	d := &SessionDispatcher{Sessions: host, Hooks: hooks}

	tr := &Transcript{w: io.Discard, clock: time.Now}
	require.NoError(t, d.Dispatch(context.Background(), "PROMPT", tr))
	assert.Equal(t, []string{"clear", "send"}, host.ops())
	assert.Empty(t, hooks)
}

func TestSessionDispatcher_SessionEnd(t *testing.T) {
	hooks := make(chan uds.HookParams, 1)
	host := &fakeHost{}
	host.onSend = func() { hooks <- uds.HookParams{Event: uds.HookSessionEnd, Worker: SessionWorker} }
	d := &SessionDispatcher{Sessions: host, Hooks: hooks}

	err := d.Dispatch(context.Background(), "PROMPT", &Transcript{w: io.Discard, clock: time.Now})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ended before finishing")
}

package overseer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/conductor/internal/daemon"
	"github.com/msageha/conductor/internal/failure"
	"github.com/msageha/conductor/internal/fsutil"
	"github.com/msageha/conductor/internal/heartbeat"
	"github.com/msageha/conductor/internal/logging"
	"github.com/msageha/conductor/internal/model"
)

type fakeStatus struct {
	out string
	err error
	dir string
}

func (f *fakeStatus) StatusShort(dir string) (string, error) {
	f.dir = dir
	return f.out, f.err
}

func newTestBuilder(t *testing.T, git StatusReader) (*PromptBuilder, string) {
	t.Helper()
	dir := t.TempDir()
	for _, sub := range []string{"state", "logs"} {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, sub), 0755))
	}
	cfg := model.Config{}
	cfg.Repo.Source = "/src/repo"
	cfg.Overseer.RemediationPrompt = "Fix the daemon.\n"
	cfg.ApplyDefaults()
	b := NewPromptBuilder(dir, cfg, git)
	b.clock = func() time.Time { return time.Date(2026, 3, 1, 9, 30, 15, 0, time.UTC) }
	return b, dir
}

func TestBuild_SectionsInOrder(t *testing.T) {
	b, _ := newTestBuilder(t, &fakeStatus{})
	prompt := b.Build(Health{Status: ProcessGone})

	headings := []string{
		"# Remediation Instructions\n\nFix the daemon.",
		"# Error Context",
		"## Failure Type",
		"## Last Failure",
		"## Daemon Registration",
		"## Worker States",
		"## Git Status (Source Repository)",
		"## Log Excerpts",
		"# Recovery Instructions",
	}
	last := -1
	for _, h := range headings {
		idx := strings.Index(prompt, h)
		require.GreaterOrEqual(t, idx, 0, "missing %q", h)
		assert.Greater(t, idx, last, "%q out of order", h)
		last = idx
	}
	assert.Contains(t, prompt, "Status: **process_gone**")
	assert.Contains(t, prompt, "(No failure recorded)")
	assert.Contains(t, prompt, "(No registration found")
	assert.Contains(t, prompt, "(No workers found)")
	assert.Contains(t, prompt, "(Clean working tree)")
	assert.Contains(t, prompt, "(File not found:")
}

func TestBuild_MarkerPath(t *testing.T) {
	b, dir := newTestBuilder(t, nil)
	want := filepath.Join(dir, "manual_intervention_needed_20260301_093015.txt")
	assert.Equal(t, want, b.MarkerPath(b.clock()))
	assert.Contains(t, b.Build(Health{Status: Stalled, Age: 2 * time.Hour}), "`"+want+"`")
}

func TestBuild_HeartbeatInterval(t *testing.T) {
	b, _ := newTestBuilder(t, nil)
	prompt := b.Build(Health{Status: HeartbeatStale, Age: 45 * time.Second})
	assert.Contains(t, prompt, "heartbeat is stale (45s old)")
	assert.Contains(t, prompt, "rewritten every 5s")
}

func TestBuild_LastFailure(t *testing.T) {
	b, dir := newTestBuilder(t, nil)
	err := failure.Newf(failure.RebaseUnresolvable, "rebase onto main failed").
		WithWorker("auto-2", "7").
		With("output", "CONFLICT (content)\nAutomatic merge failed").
		With("branch", "conductor/auto-2")
	require.NoError(t, failure.Persist(filepath.Join(dir, daemon.LastFailureFile),
		failure.NewRecord(err, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))))

	prompt := b.Build(Health{Status: LogError, Detail: "ERROR daemon: hard failure"})
	assert.Contains(t, prompt, "- **Kind:** rebase_unresolvable (hard)")
	assert.Contains(t, prompt, "- **Worker:** auto-2")
	assert.Contains(t, prompt, "- **Task:** 7")
	assert.Contains(t, prompt, "- **Time:** 2026-03-01T09:00:00Z")
	assert.Contains(t, prompt, "- output:\n```\nCONFLICT (content)\nAutomatic merge failed\n```")
	// context keys are sorted
	assert.Less(t, strings.Index(prompt, "- branch: conductor/auto-2"), strings.Index(prompt, "- output:"))
}

func TestBuild_RegistrationAndWorkers(t *testing.T) {
	b, dir := newTestBuilder(t, nil)
	require.NoError(t, heartbeat.WriteRegistration(filepath.Join(dir, daemon.RegistrationFile), heartbeat.Registration{
		PID: 321, StartTimeUnix: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC).Unix(), InstanceID: "inst-9", LogFile: "logs/daemon.log",
	}))

	st := model.NewDaemonState()
	for _, name := range []string{"auto-10", "auto-2", "auto-1"} {
		st.Workers[name] = &model.Worker{Name: name, Branch: "conductor/" + name, Worktree: "/wt/" + name}
	}
	st.Workers["auto-2"].State = model.WorkerError
	st.Workers["auto-2"].TaskID = "4"
	st.Workers["auto-2"].ErrorReason = "rebase unresolvable"
	st.Workers["auto-2"].Prompt = strings.Repeat("p", 600)
	st.Backoff = &model.Backoff{RetryAfterUnix: time.Date(2026, 3, 1, 9, 5, 0, 0, time.UTC).Unix(), BackoffSeconds: 120}
	require.NoError(t, fsutil.WriteYAML(filepath.Join(dir, daemon.StateFile), st))

	prompt := b.Build(Health{Status: IdentityMismatch, Detail: "pid changed"})
	assert.Contains(t, prompt, "- **PID:** 321")
	assert.Contains(t, prompt, "- **Start Time:** 2026-03-01 08:00:00 UTC")
	assert.Contains(t, prompt, "- **Instance ID:** inst-9")

	i1 := strings.Index(prompt, "### Worker: auto-1\n")
	i2 := strings.Index(prompt, "### Worker: auto-2\n")
	i10 := strings.Index(prompt, "### Worker: auto-10\n")
	require.True(t, i1 >= 0 && i2 >= 0 && i10 >= 0)
	assert.True(t, i1 < i2 && i2 < i10, "workers in numeric order")
	assert.Contains(t, prompt, "- State: error\n")
	assert.Contains(t, prompt, "- Error Reason: rebase unresolvable")
	assert.Contains(t, prompt, "- Current Prompt: "+strings.Repeat("p", 500)+"... (truncated)")
	assert.Contains(t, prompt, "**Integration Backoff:** 120s, retry after 2026-03-01T09:05:00Z")
}

func TestBuild_GitStatus(t *testing.T) {
	git := &fakeStatus{out: " M main.go\n?? scratch.txt\n"}
	b, _ := newTestBuilder(t, git)
	prompt := b.Build(Health{Status: Stalled, Age: 2 * time.Hour})
	assert.Equal(t, "/src/repo", git.dir)
	assert.Contains(t, prompt, "```\nM main.go\n?? scratch.txt\n```")

	git.err = errors.New("not a git repository")
	assert.Contains(t, b.Build(Health{Status: Stalled}), "(Failed to get git status: not a git repository)")
}

func TestBuild_LogTail(t *testing.T) {
	b, dir := newTestBuilder(t, nil)
	var sb strings.Builder
	for i := 0; i < 150; i++ {
		sb.WriteString(logLine(logging.LevelInfo, fmt.Sprintf("line %03d", i)))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, daemon.LogFile), []byte(sb.String()), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, daemon.EventLogFile), nil, 0644))

	prompt := b.Build(Health{Status: ProcessGone})
	assert.NotContains(t, prompt, "line 049")
	assert.Contains(t, prompt, "line 050\n")
	assert.Contains(t, prompt, "line 149\n```")
	assert.Contains(t, prompt, "### Event Log (events.jsonl)\n\n(Empty file)")
}

func TestTailFile_LongFileKeepsLastLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.log")
	line := strings.Repeat("a", 1023) + "\n"
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat(line, 2048)+"last\n"), 0644))

	lines, err := tailFile(path, 3)
	require.NoError(t, err)
	require.Len(t, lines, 3)
	assert.Equal(t, "last", lines[2])
	assert.Len(t, lines[0], 1023)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 3))
	assert.Equal(t, "ab... (truncated)", truncate("abc", 2))
}

package overseer

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/msageha/conductor/internal/daemon"
	"github.com/msageha/conductor/internal/failure"
	"github.com/msageha/conductor/internal/heartbeat"
	"github.com/msageha/conductor/internal/model"
)

const (
	tailLines       = 100
	maxSectionChars = 50_000
	maxPromptChars  = 500
	// tailWindow is how far back from the end a tail read looks.
	tailWindow = 1 << 20
)

// MarkerPrefix names the file a remediation session writes when a human
// must take over.
const MarkerPrefix = "manual_intervention_needed_"

// StatusReader reports the working-tree status of a repository.
type StatusReader interface {
	StatusShort(dir string) (string, error)
}

// PromptBuilder assembles the remediation prompt from the failure and the
// daemon's files.
type PromptBuilder struct {
	conductorDir string
	cfg          model.Config
	git          StatusReader
	clock        func() time.Time
}

func NewPromptBuilder(conductorDir string, cfg model.Config, git StatusReader) *PromptBuilder {
	return &PromptBuilder{conductorDir: conductorDir, cfg: cfg, git: git, clock: time.Now}
}

// MarkerPath is where a session asks for human help at time now.
func (b *PromptBuilder) MarkerPath(now time.Time) string {
	return filepath.Join(b.conductorDir, MarkerPrefix+now.UTC().Format("20060102_150405")+".txt")
}

// Build renders the prompt for h.
func (b *PromptBuilder) Build(h Health) string {
	sections := []string{
		"# Remediation Instructions\n\n" + strings.TrimSpace(b.cfg.Overseer.RemediationPrompt),
		"# Error Context\n\n" + strings.Join([]string{
			b.failureSection(h),
			b.lastFailureSection(),
			b.registrationSection(),
			b.workersSection(),
			b.gitSection(),
			b.logsSection(),
		}, "\n\n"),
		b.recoverySection(),
	}
	return strings.Join(sections, "\n\n") + "\n"
}

func (b *PromptBuilder) failureSection(h Health) string {
	var sb strings.Builder
	sb.WriteString("## Failure Type\n\n")
	fmt.Fprintf(&sb, "Status: **%s**\n\n%s\n", h.Status, h.Describe())
	switch h.Status {
	case ProcessGone:
		sb.WriteString("\nPossible causes:\n" +
			"- The daemon stopped on a hard failure (see Last Failure below)\n" +
			"- The daemon panicked (look for a stack trace at the end of daemon.log)\n" +
			"- The process was killed externally (OOM killer, signal)")
	case HeartbeatStale:
		fmt.Fprintf(&sb, "\nThe heartbeat should be rewritten every %ds.\n\nPossible causes:\n"+
			"- The daemon is hung or deadlocked\n"+
			"- The heartbeat goroutine stopped while the main loop continues\n"+
			"- The filesystem is rejecting writes under .conductor/state",
			b.cfg.Auto.HeartbeatIntervalSec)
	case LogError:
		sb.WriteString("\nThe daemon logs WARN or ERROR only for conditions it cannot recover from locally. " +
			"Review the daemon log below for the lines leading up to it.")
	case Stalled:
		sb.WriteString("\nPossible causes:\n" +
			"- A worker is stuck on a difficult task or looping\n" +
			"- No task is eligible (blocked dependencies, everything claimed by a dead owner)\n" +
			"- Integration is deferred because the trunk working copy stays dirty")
	case IdentityMismatch:
		sb.WriteString("\nThe daemon restarted unexpectedly, another daemon took over the state directory, " +
			"or the registration file was rewritten.")
	case StartupFailed:
		sb.WriteString("\nPossible causes:\n" +
			"- Invalid config.yaml or context.toml\n" +
			"- A worker left in the error state (reset it with `conductor worker reset NAME`)\n" +
			"- Another daemon still holds locks/daemon.lock")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (b *PromptBuilder) lastFailureSection() string {
	rec, ok, err := failure.Load(filepath.Join(b.conductorDir, daemon.LastFailureFile))
	switch {
	case err != nil:
		return "## Last Failure\n\n(Failed to read: " + err.Error() + ")"
	case !ok:
		return "## Last Failure\n\n(No failure recorded)"
	}

	var sb strings.Builder
	sb.WriteString("## Last Failure\n\n")
	fmt.Fprintf(&sb, "- **Kind:** %s (%s)\n", rec.Kind, rec.Tier)
	if rec.Worker != "" {
		fmt.Fprintf(&sb, "- **Worker:** %s\n", rec.Worker)
	}
	if rec.TaskID != "" {
		fmt.Fprintf(&sb, "- **Task:** %s\n", rec.TaskID)
	}
	fmt.Fprintf(&sb, "- **Time:** %s\n\n", rec.TimestampAt)
	fmt.Fprintf(&sb, "**Message:**\n```\n%s\n```\n", rec.Message)
	if len(rec.Context) > 0 {
		keys := make([]string, 0, len(rec.Context))
		for k := range rec.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString("\n**Context:**\n")
		for _, k := range keys {
			v := rec.Context[k]
			if strings.Contains(v, "\n") {
				fmt.Fprintf(&sb, "- %s:\n```\n%s\n```\n", k, truncate(v, 2000))
			} else {
				fmt.Fprintf(&sb, "- %s: %s\n", k, v)
			}
		}
	}
	if rec.Hint != "" {
		fmt.Fprintf(&sb, "\n**Suggested Remediation:** %s\n", rec.Hint)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (b *PromptBuilder) registrationSection() string {
	reg, err := heartbeat.ReadRegistration(filepath.Join(b.conductorDir, daemon.RegistrationFile))
	if err != nil {
		return "## Daemon Registration\n\n(No registration found; the daemon removes it on a clean stop and the overseer after termination)"
	}
	return fmt.Sprintf("## Daemon Registration\n\n- **PID:** %d\n- **Start Time:** %s\n- **Instance ID:** %s\n- **Log File:** %s",
		reg.PID, time.Unix(reg.StartTimeUnix, 0).UTC().Format("2006-01-02 15:04:05 UTC"), reg.InstanceID, reg.LogFile)
}

func (b *PromptBuilder) workersSection() string {
	st, err := daemon.LoadState(filepath.Join(b.conductorDir, daemon.StateFile))
	if err != nil {
		return "## Worker States\n\n(Failed to load state: " + err.Error() + ")"
	}
	var sb strings.Builder
	sb.WriteString("## Worker States\n\n")
	names := st.WorkerNames()
	if len(names) == 0 {
		sb.WriteString("(No workers found)\n")
	}
	for _, name := range names {
		w := st.Workers[name]
		fmt.Fprintf(&sb, "### Worker: %s\n", name)
		fmt.Fprintf(&sb, "- State: %s\n", w.State)
		fmt.Fprintf(&sb, "- Worktree: %s\n", w.Worktree)
		fmt.Fprintf(&sb, "- Branch: %s\n", w.Branch)
		if w.TaskID != "" {
			fmt.Fprintf(&sb, "- Task: %s\n", w.TaskID)
		}
		if w.Prompt != "" {
			fmt.Fprintf(&sb, "- Current Prompt: %s\n", truncate(w.Prompt, maxPromptChars))
		}
		if w.CommitSHA != "" {
			fmt.Fprintf(&sb, "- Commit SHA: %s\n", w.CommitSHA)
		}
		if w.ErrorReason != "" {
			fmt.Fprintf(&sb, "- Error Reason: %s\n", w.ErrorReason)
		}
		fmt.Fprintf(&sb, "- Retry Count: %d\n\n", w.RetryCount)
	}
	if st.Backoff != nil {
		fmt.Fprintf(&sb, "**Integration Backoff:** %ds, retry after %s\n",
			st.Backoff.BackoffSeconds, time.Unix(st.Backoff.RetryAfterUnix, 0).UTC().Format(time.RFC3339))
	}
	if st.LastTaskCompletionUnix != nil {
		fmt.Fprintf(&sb, "**Last Task Completion:** %s\n",
			time.Unix(*st.LastTaskCompletionUnix, 0).UTC().Format("2006-01-02 15:04:05 UTC"))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (b *PromptBuilder) gitSection() string {
	repo := b.cfg.Repo.Source
	head := fmt.Sprintf("## Git Status (Source Repository)\n\nRepository: %s\n\n", repo)
	if b.git == nil {
		return head + "(git status unavailable)"
	}
	status, err := b.git.StatusShort(repo)
	if err != nil {
		return head + "(Failed to get git status: " + err.Error() + ")"
	}
	status = strings.TrimSpace(status)
	if status == "" {
		status = "(Clean working tree)"
	}
	return head + "```\n" + truncate(status, 5000) + "\n```"
}

func (b *PromptBuilder) logsSection() string {
	var sb strings.Builder
	sb.WriteString("## Log Excerpts\n")
	for _, f := range []struct{ title, rel string }{
		{"Daemon Log (daemon.log)", daemon.LogFile},
		{"Post Accept Log (post_accept.jsonl)", daemon.PostAcceptLog},
		{"Event Log (events.jsonl)", daemon.EventLogFile},
	} {
		fmt.Fprintf(&sb, "\n### %s\n\n%s\n", f.title, formatTail(filepath.Join(b.conductorDir, f.rel)))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (b *PromptBuilder) recoverySection() string {
	marker := b.MarkerPath(b.clock())
	return "# Recovery Instructions\n\n" +
		"After investigating and fixing the issue:\n\n" +
		"1. **If the issue is fixed:** finish normally. The overseer restarts the daemon when you are done.\n\n" +
		"2. **If a worker is in the error state** and its worktree has been repaired, run " +
		"`conductor worker reset <name>` (the daemon is stopped while you work) to return it to idle and release its task.\n\n" +
		"3. **If the issue cannot be fixed without a human:** create the file\n" +
		"   `" + marker + "`\n" +
		"   explaining what went wrong and which manual steps are needed. " +
		"The overseer detects it, notifies the operator and stops.\n\n" +
		"**Important:**\n" +
		"- Read the logs above for the root cause before changing anything\n" +
		"- Check worker worktrees with `git status` before resetting them\n" +
		"- Never rewrite or force-push the trunk branch"
}

func formatTail(path string) string {
	lines, err := tailFile(path, tailLines)
	switch {
	case os.IsNotExist(err):
		return "(File not found: " + path + ")"
	case err != nil:
		return "(Failed to read: " + err.Error() + ")"
	case len(lines) == 0:
		return "(Empty file)"
	}
	content := strings.Join(lines, "\n")
	if len(content) > maxSectionChars {
		content = "(truncated) ..." + content[len(content)-maxSectionChars:]
	}
	return "```\n" + content + "\n```"
}

// tailFile returns up to n trailing lines of path, looking back at most
// tailWindow bytes.
func tailFile(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	start := fi.Size() - tailWindow
	if start < 0 {
		start = 0
	}
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	text := strings.TrimRight(string(data), "\n")
	if text == "" {
		return nil, nil
	}
	lines := strings.Split(text, "\n")
	if start > 0 && len(lines) > 1 {
		// first line is probably partial
		lines = lines[1:]
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "... (truncated)"
}

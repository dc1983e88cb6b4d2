package daemon

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/msageha/conductor/internal/command"
	"github.com/msageha/conductor/internal/events"
	"github.com/msageha/conductor/internal/failure"
	"github.com/msageha/conductor/internal/logging"
	"github.com/msageha/conductor/internal/model"
)

// AcceptOutcome says how far one accept attempt got.
type AcceptOutcome int

const (
	AcceptDeferred AcceptOutcome = iota
	AcceptTrunkDirty
	AcceptConflict
	AcceptNoChanges
	AcceptMerged
)

var acceptOutcomeNames = [...]string{"deferred", "trunk_dirty", "conflict", "no_changes", "merged"}

func (o AcceptOutcome) String() string {
	if int(o) < len(acceptOutcomeNames) {
		return acceptOutcomeNames[o]
	}
	return fmt.Sprintf("AcceptOutcome(%d)", int(o))
}

// AcceptWorkflow integrates a NeedsReview worker's branch into trunk.
type AcceptWorkflow struct {
	cfg  model.Config
	pool *WorkerPool
	deps Deps
	logSink
}

func NewAcceptWorkflow(cfg model.Config, pool *WorkerPool, deps Deps, logger *log.Logger, level logging.Level) *AcceptWorkflow {
	return &AcceptWorkflow{
		cfg:     cfg,
		pool:    pool,
		deps:    deps,
		logSink: logSink{logger: logger, level: level, component: "accept"},
	}
}

// Accept runs one integration attempt for w. Transient outcomes (deferred,
// trunk dirty, conflict) come back with a nil error; every error returned is
// hard.
func (a *AcceptWorkflow) Accept(ctx context.Context, w *model.Worker) (AcceptOutcome, error) {
	if w.State != model.WorkerNeedsReview {
		return AcceptDeferred, failure.Newf(failure.StateCorruption, "accept for worker in state %s", w.State).WithWorker(w.Name, w.TaskID)
	}
	if a.pool.BackoffActive(a.deps.now()) {
		a.log(logging.LevelDebug, "deferred worker=%s reason=backoff", w.Name)
		return AcceptDeferred, nil
	}

	source, trunk := a.cfg.Repo.Source, a.cfg.Repo.TrunkBranch
	gitErr := func(op string, err error) error {
		return failure.New(failure.GitFailed, fmt.Errorf("%s: %w", op, err)).WithWorker(w.Name, w.TaskID)
	}

	clean, err := a.deps.Git.IsClean(source)
	if err != nil {
		return AcceptDeferred, gitErr("check trunk", err)
	}
	if !clean {
		b, err := a.pool.RecordTrunkDirty()
		if err != nil {
			return AcceptTrunkDirty, err
		}
		a.deps.publish(events.EventAcceptDeferred, map[string]any{
			"worker":          w.Name,
			"task_id":         w.TaskID,
			"reason":          string(failure.TrunkDirty),
			"backoff_seconds": b.BackoffSeconds,
		})
		return AcceptTrunkDirty, nil
	}

	task, err := a.deps.Store.Read(w.TaskID)
	if err != nil {
		return AcceptDeferred, fmt.Errorf("read task %s for %s: %w", w.TaskID, w.Name, err)
	}

	dirty, err := a.deps.Git.HasUncommittedChanges(w.Worktree)
	if err != nil {
		return AcceptDeferred, gitErr("check worktree", err)
	}
	if dirty {
		if err := a.deps.Git.CommitAll(w.Worktree, task.Subject); err != nil {
			return AcceptDeferred, gitErr("commit worktree", err)
		}
		a.log(logging.LevelInfo, "committed_uncommitted_changes worker=%s task=%s", w.Name, w.TaskID)
	}

	validated, err := a.deps.Git.BranchSHA(source, trunk)
	if err != nil {
		return AcceptDeferred, gitErr("resolve trunk", err)
	}
	conflicts, err := a.deps.Git.Rebase(w.Worktree, validated)
	if err != nil {
		return AcceptDeferred, gitErr("rebase", err)
	}
	if len(conflicts) > 0 {
		return AcceptConflict, a.startConflictResolution(ctx, w, task, conflicts)
	}

	ahead, err := a.deps.Git.CommitsAhead(w.Worktree, validated)
	if err != nil {
		return AcceptDeferred, gitErr("count commits", err)
	}
	if ahead == 0 {
		a.log(logging.LevelInfo, "no_changes worker=%s task=%s", w.Name, w.TaskID)
		return AcceptNoChanges, a.pool.CompleteTask(w, model.EventReset)
	}

	squashed, changed, err := a.deps.Git.Squash(w.Worktree, validated, task.Subject)
	if err != nil {
		return AcceptDeferred, gitErr("squash", err)
	}
	if !changed {
		a.log(logging.LevelInfo, "no_changes worker=%s task=%s reason=empty_diff", w.Name, w.TaskID)
		return AcceptNoChanges, a.pool.CompleteTask(w, model.EventReset)
	}

	current, err := a.deps.Git.BranchSHA(source, trunk)
	if err != nil {
		return AcceptDeferred, gitErr("resolve trunk", err)
	}
	if current != validated {
		return AcceptDeferred, failure.Newf(failure.TrunkMovedAfterValidation, "%s moved from %s to %s during accept", trunk, short(validated), short(current)).
			WithWorker(w.Name, w.TaskID).
			With("validated_sha", validated).
			With("current_sha", current)
	}
	if err := a.deps.Git.FastForward(source, w.Branch); err != nil {
		return AcceptDeferred, failure.New(failure.TrunkMovedAfterValidation, fmt.Errorf("fast-forward %s to %s: %w", trunk, w.Branch, err)).
			WithWorker(w.Name, w.TaskID).
			With("validated_sha", validated).
			With("squashed_sha", squashed)
	}
	head, err := a.deps.Git.HeadSHA(source)
	if err != nil {
		return AcceptDeferred, gitErr("read HEAD", err)
	}
	if head != squashed {
		return AcceptDeferred, failure.Newf(failure.HeadMismatch, "source HEAD %s is not the squashed commit %s", short(head), short(squashed)).
			WithWorker(w.Name, w.TaskID).
			With("head_sha", head).
			With("squashed_sha", squashed)
	}
	w.CommitSHA = squashed
	a.log(logging.LevelInfo, "merged worker=%s task=%s commit=%s trunk=%s", w.Name, w.TaskID, short(squashed), trunk)

	if err := a.runPostAccept(ctx, w, squashed); err != nil {
		return AcceptMerged, err
	}

	if err := a.deps.Store.Complete(w.TaskID); err != nil {
		return AcceptMerged, fmt.Errorf("complete task %s: %w", w.TaskID, err)
	}
	if err := a.deps.Git.ResetWorktree(w.Worktree, trunk); err != nil {
		return AcceptMerged, failure.New(failure.CleanupFailed, fmt.Errorf("reset worktree to %s: %w", trunk, err)).
			WithWorker(w.Name, w.TaskID).
			With("worktree", w.Worktree)
	}
	a.deps.publish(events.EventAcceptSucceeded, map[string]any{
		"worker":  w.Name,
		"task_id": w.TaskID,
		"commit":  squashed,
		"subject": task.Subject,
	})
	return AcceptMerged, a.pool.finish(w, model.EventAcceptOK)
}

// startConflictResolution moves w to Rebasing and hands the conflicts to
// its agent. A failed send is left to patrol, which restarts the session
// with the stored prompt.
func (a *AcceptWorkflow) startConflictResolution(ctx context.Context, w *model.Worker, task model.Task, conflicts []string) error {
	if err := a.pool.Transition(w, model.EventAcceptConflict); err != nil {
		return err
	}
	w.Prompt = ConflictPrompt(task, a.cfg.Repo.TrunkBranch, conflicts)
	if err := a.pool.Save(); err != nil {
		return err
	}
	a.log(logging.LevelInfo, "rebase_conflict worker=%s task=%s files=%d", w.Name, w.TaskID, len(conflicts))
	a.deps.publish(events.EventRebaseConflict, map[string]any{
		"worker":  w.Name,
		"task_id": w.TaskID,
		"files":   conflicts,
	})
	if err := a.deps.Sessions.Send(ctx, w.Name, w.Prompt); err != nil {
		a.log(logging.LevelInfo, "conflict_prompt_not_sent worker=%s error=%v", w.Name, err)
	}
	return nil
}

func (a *AcceptWorkflow) runPostAccept(ctx context.Context, w *model.Worker, commit string) error {
	cmd := strings.TrimSpace(a.cfg.Auto.PostAcceptCommand)
	if cmd == "" {
		return nil
	}
	a.log(logging.LevelInfo, "post_accept_start worker=%s task=%s command=%q", w.Name, w.TaskID, cmd)
	res, runErr := a.deps.Runner.Run(ctx, command.Spec{Command: cmd, Dir: a.cfg.Repo.Source})

	if a.deps.PostAcceptLog != nil {
		entry := map[string]any{
			"worker":      w.Name,
			"task_id":     w.TaskID,
			"commit":      commit,
			"command":     cmd,
			"exit_code":   res.ExitCode,
			"duration_ms": res.Duration.Milliseconds(),
			"stdout":      res.Stdout,
			"stderr":      res.Stderr,
		}
		if res.TimedOut {
			entry["timed_out"] = true
		}
		if err := a.deps.PostAcceptLog.Append("post_accept", entry); err != nil {
			a.log(logging.LevelInfo, "post_accept_log_write_failed error=%v", err)
		}
	}

	if runErr != nil || !res.Success() {
		f := failure.Newf(failure.ValidationFailed, "post-accept command exited %d", res.ExitCode).
			WithWorker(w.Name, w.TaskID).
			With("command", cmd).
			With("commit", commit).
			With("stdout", res.Stdout).
			With("stderr", res.Stderr)
		if runErr != nil {
			f.Err = fmt.Errorf("post-accept command: %w", runErr)
		}
		return f
	}
	a.log(logging.LevelInfo, "post_accept_ok worker=%s task=%s duration=%s", w.Name, w.TaskID, res.Duration)
	return nil
}

// ConflictPrompt tells the agent which files conflict and how to finish.
func ConflictPrompt(task model.Task, trunk string, conflicts []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Rebasing your work for task %s onto %s stopped with conflicts in:\n", task.ID, trunk)
	for _, f := range conflicts {
		fmt.Fprintf(&b, "- %s\n", f)
	}
	b.WriteString("\nResolve the conflicts in each file, keeping the intent of both sides. ")
	b.WriteString("Then `git add` the files and run `git rebase --continue` until the rebase completes. ")
	b.WriteString("Do NOT run `git rebase --abort`. Do NOT push to remote.\n")
	return b.String()
}

func short(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}

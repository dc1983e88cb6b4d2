package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/msageha/conductor/internal/events"
	"github.com/msageha/conductor/internal/failure"
	"github.com/msageha/conductor/internal/heartbeat"
	"github.com/msageha/conductor/internal/logging"
	"github.com/msageha/conductor/internal/model"
	"github.com/msageha/conductor/internal/taskgraph"
	"github.com/msageha/conductor/internal/taskstore"
	"github.com/msageha/conductor/internal/uds"
)

// Orchestrator runs the auto-mode main loop. Cycles never overlap; hooks
// and wake-ups from other goroutines arrive through channels.
type Orchestrator struct {
	cfg    model.Config
	pool   *WorkerPool
	accept *AcceptWorkflow
	deps   Deps

	registrationPath string
	instanceID       string
	hooks            <-chan uds.HookParams
	wake             <-chan struct{}
	interval         time.Duration

	snapshot atomic.Pointer[Snapshot]
	logSink
}

// OrchestratorConfig carries the channels and identity the loop checks.
type OrchestratorConfig struct {
	RegistrationPath string
	InstanceID       string
	Hooks            <-chan uds.HookParams
	Wake             <-chan struct{}
}

func NewOrchestrator(cfg model.Config, pool *WorkerPool, accept *AcceptWorkflow, deps Deps, oc OrchestratorConfig, logger *log.Logger, level logging.Level) *Orchestrator {
	return &Orchestrator{
		cfg:              cfg,
		pool:             pool,
		accept:           accept,
		deps:             deps,
		registrationPath: oc.RegistrationPath,
		instanceID:       oc.InstanceID,
		hooks:            oc.Hooks,
		wake:             oc.Wake,
		interval:         time.Duration(cfg.Auto.PatrolIntervalSec) * time.Second,
		logSink:          logSink{logger: logger, level: level, component: "orchestrator"},
	}
}

// Run loops until ctx is cancelled or a hard failure occurs, which it
// returns.
func (o *Orchestrator) Run(ctx context.Context) error {
	for {
		err := o.RunCycle(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			if failure.IsHard(err) {
				return err
			}
			o.log(logging.LevelInfo, "cycle transient_failure kind=%s error=%v", failure.KindOf(err), err)
		}

		timer := time.NewTimer(o.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-o.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// RunCycle performs one pass of the main loop.
func (o *Orchestrator) RunCycle(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := o.pool.Reload(); err != nil {
		return err
	}
	if err := o.checkIdentity(); err != nil {
		return err
	}
	if err := o.drainHooks(ctx); err != nil {
		return err
	}

	tasks, err := o.deps.Store.Scan()
	if err != nil {
		return err
	}
	graph := taskgraph.Build(tasks)
	if err := graph.Validate(); err != nil {
		return graphFailure(err)
	}

	if err := o.assignIdle(ctx, graph); err != nil {
		return err
	}
	if err := o.processFinished(ctx); err != nil {
		return err
	}
	if err := o.patrol(ctx); err != nil {
		return err
	}
	o.publishSnapshot(tasks)
	return nil
}

func graphFailure(err error) error {
	var cycle *taskgraph.CycleError
	if errors.As(err, &cycle) {
		return failure.New(failure.TaskCycle, err)
	}
	var missing *taskgraph.MissingError
	if errors.As(err, &missing) {
		return failure.New(failure.MissingDependency, err).WithWorker("", missing.TaskID).With("missing_id", missing.MissingID)
	}
	return err
}

// checkIdentity makes sure the registration file still names this daemon.
func (o *Orchestrator) checkIdentity() error {
	if o.registrationPath == "" {
		return nil
	}
	reg, err := heartbeat.ReadRegistration(o.registrationPath)
	if err != nil {
		return failure.New(failure.IdentityMismatch, err).With("path", o.registrationPath)
	}
	if reg.InstanceID != o.instanceID {
		return failure.Newf(failure.IdentityMismatch, "registration names instance %s, this daemon is %s", reg.InstanceID, o.instanceID).
			With("registered_pid", fmt.Sprint(reg.PID))
	}
	return nil
}

func (o *Orchestrator) drainHooks(ctx context.Context) error {
	for {
		select {
		case h := <-o.hooks:
			if err := o.handleHook(ctx, h); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (o *Orchestrator) handleHook(ctx context.Context, h uds.HookParams) error {
	w := o.pool.Worker(h.Worker)
	if w == nil {
		o.log(logging.LevelInfo, "hook_ignored event=%s worker=%s reason=unknown_worker", h.Event, h.Worker)
		return nil
	}
	if h.Event == uds.HookSessionEnd {
		o.log(logging.LevelInfo, "session_ended worker=%s state=%s", w.Name, w.State)
		return nil
	}

	gitErr := func(op string, err error) error {
		return failure.New(failure.GitFailed, fmt.Errorf("%s: %w", op, err)).WithWorker(w.Name, w.TaskID)
	}
	switch w.State {
	case model.WorkerInProgress:
		changed, err := o.worktreeHasOutput(w)
		if err != nil {
			return gitErr("inspect worktree", err)
		}
		event := model.EventFinishNoOutput
		if changed {
			event = model.EventFinishOutput
		}
		if err := o.pool.Transition(w, event); err != nil {
			return err
		}
		return o.pool.Save()

	case model.WorkerRebasing:
		inProgress, err := o.deps.Git.RebaseInProgress(w.Worktree)
		if err != nil {
			return gitErr("inspect rebase", err)
		}
		if !inProgress {
			if err := o.pool.Transition(w, model.EventConflictResolved); err != nil {
				return err
			}
			return o.pool.Save()
		}
		taskID := w.TaskID
		if err := o.pool.Transition(w, model.EventConflictUnresolvable); err != nil {
			return err
		}
		w.ErrorReason = "agent stopped with the rebase still in progress"
		if err := o.pool.Save(); err != nil {
			return err
		}
		return failure.Newf(failure.RebaseUnresolvable, "worker stopped with rebase in progress").
			WithWorker(w.Name, taskID).
			With("worktree", w.Worktree)

	default:
		o.log(logging.LevelDebug, "hook_ignored event=%s worker=%s state=%s", h.Event, w.Name, w.State)
		return nil
	}
}

// worktreeHasOutput reports uncommitted changes or commits ahead of trunk.
func (o *Orchestrator) worktreeHasOutput(w *model.Worker) (bool, error) {
	dirty, err := o.deps.Git.HasUncommittedChanges(w.Worktree)
	if err != nil || dirty {
		return dirty, err
	}
	ahead, err := o.deps.Git.CommitsAhead(w.Worktree, o.cfg.Repo.TrunkBranch)
	if err != nil {
		return false, err
	}
	return ahead > 0, nil
}

// assignIdle gives each Idle worker the best eligible task. Tasks handed
// out this cycle and tasks whose claim was lost are excluded from later
// selections.
func (o *Orchestrator) assignIdle(ctx context.Context, graph *taskgraph.Graph) error {
	eligible := graph.Eligible()
	if len(eligible) == 0 {
		return nil
	}
	excluded := make(map[string]bool)
	for _, name := range o.pool.Names() {
		w := o.pool.Worker(name)
		if w.State != model.WorkerIdle {
			continue
		}
		for {
			task, ok := taskgraph.Select(eligible, o.pool.ActiveLabels(name), excluded)
			if !ok {
				return nil
			}
			excluded[task.ID] = true
			err := o.pool.Assign(ctx, w, task)
			if errors.Is(err, taskstore.ErrClaimLost) {
				o.log(logging.LevelInfo, "claim_lost worker=%s task=%s reselecting", name, task.ID)
				continue
			}
			if err != nil {
				return err
			}
			break
		}
	}
	return nil
}

// processFinished integrates NeedsReview workers and closes out NoChanges
// ones.
func (o *Orchestrator) processFinished(ctx context.Context) error {
	for _, name := range o.pool.Names() {
		w := o.pool.Worker(name)
		switch w.State {
		case model.WorkerNeedsReview:
			outcome, err := o.accept.Accept(ctx, w)
			if err != nil {
				return err
			}
			o.log(logging.LevelDebug, "accept worker=%s outcome=%s", name, outcome)
		case model.WorkerNoChanges:
			o.log(logging.LevelInfo, "no_changes worker=%s task=%s", name, w.TaskID)
			if err := o.pool.CompleteTask(w, model.EventReset); err != nil {
				return err
			}
		}
	}
	return nil
}

// patrol restarts agents whose session disappeared and escalates workers
// that cannot make progress. A worker whose session stays missing through
// more than max_retry_attempts failed restarts is faulted into Error.
func (o *Orchestrator) patrol(ctx context.Context) error {
	maxRetries := o.cfg.Auto.MaxRetryAttempts
	for _, name := range o.pool.Names() {
		w := o.pool.Worker(name)
		switch w.State {
		case model.WorkerError:
			return failure.Newf(failure.WorkerInErrorState, "worker is in error state: %s", w.ErrorReason).
				WithWorker(name, w.TaskID)
		case model.WorkerInProgress, model.WorkerRebasing:
			if o.deps.Sessions.Exists(name) {
				continue
			}
			w.RetryCount++
			if w.RetryCount > maxRetries {
				from := w.State
				if err := o.pool.Transition(w, model.EventFault); err != nil {
					return err
				}
				w.ErrorReason = fmt.Sprintf("session missing after %d failed restarts", maxRetries)
				if err := o.pool.Save(); err != nil {
					return err
				}
				return failure.Newf(failure.RetriesExhausted, "session missing after %d failed restarts", maxRetries).
					WithWorker(name, w.TaskID).
					With("state", from.String())
			}
			o.log(logging.LevelInfo, "session_missing worker=%s state=%s restart_attempt=%d/%d", name, w.State, w.RetryCount, maxRetries)
			if err := o.pool.Save(); err != nil {
				return err
			}
			if err := o.deps.Sessions.Start(ctx, name, w.Worktree, w.Prompt); err != nil {
				o.log(logging.LevelInfo, "session_restart_failed worker=%s error=%v", name, err)
				continue
			}
			o.deps.publish(events.EventSessionRestarted, map[string]any{
				"worker":  name,
				"task_id": w.TaskID,
				"attempt": w.RetryCount,
			})
			// only consecutive failed restarts count toward the limit
			w.RetryCount = 0
			if err := o.pool.Save(); err != nil {
				return err
			}
		}
	}
	return nil
}

// Snapshot is the live view served over the status command.
type Snapshot struct {
	InstanceID             string          `json:"instance_id"`
	Workers                []*model.Worker `json:"workers"`
	Backoff                *model.Backoff  `json:"backoff,omitempty"`
	LastTaskCompletionUnix *int64          `json:"last_task_completion_unix,omitempty"`
	Tasks                  map[string]int  `json:"tasks"`
	UpdatedAt              time.Time       `json:"updated_at"`
}

// publishSnapshot counts tasks from a rescan so claims and completions made
// during the cycle show up. The cycle's own scan is the fallback.
func (o *Orchestrator) publishSnapshot(tasks []model.Task) {
	if fresh, err := o.deps.Store.Scan(); err == nil {
		tasks = fresh
	} else {
		o.log(logging.LevelDebug, "snapshot rescan: %v", err)
	}
	st := o.pool.State()
	snap := &Snapshot{
		InstanceID:             o.instanceID,
		Backoff:                st.Backoff,
		LastTaskCompletionUnix: st.LastTaskCompletionUnix,
		Tasks:                  make(map[string]int),
		UpdatedAt:              o.deps.now().UTC(),
	}
	for _, name := range st.WorkerNames() {
		w := *st.Workers[name]
		w.Prompt = ""
		snap.Workers = append(snap.Workers, &w)
	}
	for _, t := range tasks {
		snap.Tasks[string(t.Status)]++
	}
	o.snapshot.Store(snap)
}

// Snapshot returns the state as of the last completed cycle, or nil.
func (o *Orchestrator) Snapshot() *Snapshot {
	return o.snapshot.Load()
}

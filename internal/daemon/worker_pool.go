package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/msageha/conductor/internal/contextcfg"
	"github.com/msageha/conductor/internal/events"
	"github.com/msageha/conductor/internal/failure"
	"github.com/msageha/conductor/internal/fsutil"
	"github.com/msageha/conductor/internal/logging"
	"github.com/msageha/conductor/internal/model"
)

// BranchPrefix prefixes every auto worker's branch.
const BranchPrefix = "conductor/"

// WorkerPool owns the persisted daemon state and every worker in it. It is
// only touched from the main loop.
type WorkerPool struct {
	cfg       model.Config
	statePath string
	state     *model.DaemonState
	deps      Deps
	logSink
}

func NewWorkerPool(cfg model.Config, statePath string, deps Deps, logger *log.Logger, level logging.Level) *WorkerPool {
	if deps.Prompts == nil {
		deps.Prompts = &contextcfg.Config{}
	}
	return &WorkerPool{
		cfg:       cfg,
		statePath: statePath,
		state:     model.NewDaemonState(),
		deps:      deps,
		logSink:   logSink{logger: logger, level: level, component: "worker_pool"},
	}
}

// LoadState reads the state file; a missing file yields an empty state.
func LoadState(path string) (*model.DaemonState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return model.NewDaemonState(), nil
		}
		return nil, failure.New(failure.StateCorruption, fmt.Errorf("read state: %w", err)).With("path", path)
	}
	st := model.NewDaemonState()
	if err := yaml.Unmarshal(data, st); err != nil {
		return nil, failure.New(failure.StateCorruption, fmt.Errorf("parse state: %w", err)).With("path", path)
	}
	if st.Workers == nil {
		st.Workers = make(map[string]*model.Worker)
	}
	for name, w := range st.Workers {
		if w == nil {
			return nil, failure.Newf(failure.StateCorruption, "worker %s has no record", name).With("path", path)
		}
		if w.Name == "" {
			w.Name = name
		}
	}
	return st, nil
}

// Load replaces the in-memory state with the state file.
func (p *WorkerPool) Load() error {
	st, err := LoadState(p.statePath)
	if err != nil {
		return err
	}
	p.state = st
	return nil
}

// Reload re-reads the state file at the top of a cycle. A worker table
// that went from populated to empty means the file was clobbered.
func (p *WorkerPool) Reload() error {
	before := len(p.state.Workers)
	st, err := LoadState(p.statePath)
	if err != nil {
		return err
	}
	if before > 0 && len(st.Workers) == 0 {
		return failure.Newf(failure.StateCorruption, "worker table emptied: had %d workers, state file has none", before).
			With("path", p.statePath)
	}
	p.state = st
	return nil
}

func (p *WorkerPool) Save() error {
	p.state.UpdatedAt = p.deps.now().UTC().Format(time.RFC3339)
	if err := fsutil.WriteYAML(p.statePath, p.state); err != nil {
		return fmt.Errorf("save daemon state: %w", err)
	}
	return nil
}

func (p *WorkerPool) State() *model.DaemonState {
	return p.state
}

func (p *WorkerPool) SetInstanceID(id string) {
	p.state.InstanceID = id
}

func (p *WorkerPool) Worker(name string) *model.Worker {
	return p.state.Workers[name]
}

// Names returns worker names in numeric order.
func (p *WorkerPool) Names() []string {
	return p.state.WorkerNames()
}

// EnsureWorkers creates auto-1..auto-N with their branch and worktree.
// Existing workers keep their state.
func (p *WorkerPool) EnsureWorkers() error {
	repo := p.cfg.Repo
	for n := 1; n <= p.cfg.Auto.Concurrency; n++ {
		name := model.WorkerName(n)
		w, ok := p.state.Workers[name]
		if !ok {
			w = &model.Worker{
				Name:      name,
				State:     model.WorkerIdle,
				Branch:    BranchPrefix + name,
				Worktree:  filepath.Join(p.cfg.WorktreeRoot(), name),
				Session:   p.deps.Sessions.SessionName(name),
				UpdatedAt: p.deps.now().UTC().Format(time.RFC3339),
			}
			p.state.Workers[name] = w
			p.log(logging.LevelInfo, "worker_created worker=%s branch=%s worktree=%s", name, w.Branch, w.Worktree)
		}
		if err := p.deps.Git.EnsureWorktree(repo.Source, w.Worktree, w.Branch, repo.TrunkBranch); err != nil {
			return failure.New(failure.GitFailed, fmt.Errorf("ensure worktree: %w", err)).WithWorker(name, "")
		}
	}
	return p.Save()
}

// Recover reconciles workers persisted by a previous run. InProgress work
// lost its session, so the task goes back to pending. Rebasing workers keep
// their rebase and get the conflict prompt again. Error workers are left for
// patrol to report.
func (p *WorkerPool) Recover(ctx context.Context) error {
	for _, name := range p.Names() {
		w := p.state.Workers[name]
		switch w.State {
		case model.WorkerInProgress:
			if w.TaskID != "" {
				if err := p.deps.Store.Release(w.TaskID); err != nil {
					return fmt.Errorf("release task %s of %s: %w", w.TaskID, name, err)
				}
			}
			if err := p.deps.Git.ResetWorktree(w.Worktree, p.cfg.Repo.TrunkBranch); err != nil {
				return failure.New(failure.GitFailed, fmt.Errorf("reset worktree: %w", err)).WithWorker(name, w.TaskID)
			}
			p.log(logging.LevelInfo, "recovered worker=%s released_task=%s", name, w.TaskID)
			w.Abandon(p.deps.now())
		case model.WorkerRebasing:
			if err := p.deps.Sessions.Start(ctx, name, w.Worktree, w.Prompt); err != nil {
				return failure.New(failure.SessionFailed, err).WithWorker(name, w.TaskID)
			}
			p.log(logging.LevelInfo, "recovered worker=%s state=rebasing conflict_prompt_resent", name)
		}
	}
	return p.Save()
}

// ActiveLabels returns the labels of tasks held by workers other than except.
func (p *WorkerPool) ActiveLabels(except string) map[string]bool {
	labels := make(map[string]bool)
	for name, w := range p.state.Workers {
		if name == except || !w.State.Busy() || w.Label == "" {
			continue
		}
		labels[w.Label] = true
	}
	return labels
}

// Transition applies e to w and records it in the log and event stream.
func (p *WorkerPool) Transition(w *model.Worker, e model.WorkerEvent) error {
	from, err := w.Apply(e, p.deps.now())
	if err != nil {
		return failure.New(failure.StateCorruption, err).WithWorker(w.Name, w.TaskID)
	}
	p.log(logging.LevelInfo, "transition worker=%s %s -> %s event=%s", w.Name, from, w.State, e)
	p.deps.publish(events.EventWorkerTransition, map[string]any{
		"worker": w.Name,
		"from":   from.String(),
		"to":     w.State.String(),
		"event":  e.String(),
	})
	return nil
}

// Assign claims task for the Idle worker w and starts its session. A lost
// claim returns taskstore.ErrClaimLost untouched so the caller can
// re-select.
func (p *WorkerPool) Assign(ctx context.Context, w *model.Worker, task model.Task) error {
	if w.State != model.WorkerIdle {
		return failure.Newf(failure.StateCorruption, "assign to worker in state %s", w.State).WithWorker(w.Name, task.ID)
	}
	trunk := p.cfg.Repo.TrunkBranch
	if err := p.deps.Git.ResetWorktree(w.Worktree, trunk); err != nil {
		return failure.New(failure.GitFailed, fmt.Errorf("reset worktree to %s: %w", trunk, err)).WithWorker(w.Name, task.ID)
	}
	claimed, err := p.deps.Store.Claim(task, w.Name)
	if err != nil {
		return err
	}
	if err := p.Transition(w, model.EventAssign); err != nil {
		return err
	}
	w.TaskID = claimed.ID
	w.Label = claimed.Label()
	w.RetryCount = 0
	w.Prompt = p.deps.Prompts.BuildPrompt(contextcfg.PromptInput{
		Task:     claimed,
		Worktree: w.Worktree,
		RepoRoot: p.cfg.Repo.Source,
	})
	if err := p.Save(); err != nil {
		return err
	}

	if err := p.deps.Sessions.Start(ctx, w.Name, w.Worktree, w.Prompt); err != nil {
		return failure.New(failure.SessionFailed, err).WithWorker(w.Name, claimed.ID)
	}
	p.log(logging.LevelInfo, "task_assigned worker=%s task=%s label=%q priority=%d", w.Name, claimed.ID, w.Label, claimed.Priority())
	p.deps.publish(events.EventTaskAssigned, map[string]any{
		"worker":   w.Name,
		"task_id":  claimed.ID,
		"subject":  claimed.Subject,
		"label":    w.Label,
		"priority": claimed.Priority(),
	})
	return nil
}

// CompleteTask marks w's task completed and finishes the worker with e.
func (p *WorkerPool) CompleteTask(w *model.Worker, e model.WorkerEvent) error {
	if w.TaskID != "" {
		if err := p.deps.Store.Complete(w.TaskID); err != nil {
			return fmt.Errorf("complete task %s: %w", w.TaskID, err)
		}
	}
	return p.finish(w, e)
}

// finish moves w to Idle after its task was completed: retry count reset,
// backoff cleared, completion recorded.
func (p *WorkerPool) finish(w *model.Worker, e model.WorkerEvent) error {
	taskID, commit := w.TaskID, w.CommitSHA
	if err := p.Transition(w, e); err != nil {
		return err
	}
	w.RetryCount = 0
	p.ClearBackoff()
	p.state.RecordCompletion(p.deps.now())
	if err := p.Save(); err != nil {
		return err
	}
	p.log(logging.LevelInfo, "task_completed worker=%s task=%s commit=%s", w.Name, taskID, commit)
	p.deps.publish(events.EventTaskCompleted, map[string]any{
		"worker":  w.Name,
		"task_id": taskID,
		"commit":  commit,
	})
	return nil
}

// ResetWorker moves an Error worker back to Idle and releases its task.
func ResetWorker(st *model.DaemonState, name string, release func(taskID string) error, now func() time.Time) error {
	w, ok := st.Workers[name]
	if !ok {
		return fmt.Errorf("unknown worker %q", name)
	}
	if w.State != model.WorkerError {
		return fmt.Errorf("worker %s is %s, only error workers can be reset", name, w.State)
	}
	if w.TaskID != "" && release != nil {
		if err := release(w.TaskID); err != nil {
			return fmt.Errorf("release task %s: %w", w.TaskID, err)
		}
	}
	if _, err := w.Apply(model.EventRecover, now()); err != nil {
		return err
	}
	w.RetryCount = 0
	return nil
}

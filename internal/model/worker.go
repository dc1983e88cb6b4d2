package model

import (
	"fmt"
	"time"
)

// WorkerState is the lifecycle state of an auto worker.
type WorkerState int

const (
	WorkerIdle WorkerState = iota
	WorkerInProgress
	WorkerNeedsReview
	WorkerRebasing
	WorkerNoChanges
	WorkerError
)

var workerStateNames = map[WorkerState]string{
	WorkerIdle:        "idle",
	WorkerInProgress:  "in_progress",
	WorkerNeedsReview: "needs_review",
	WorkerRebasing:    "rebasing",
	WorkerNoChanges:   "no_changes",
	WorkerError:       "error",
}

func (s WorkerState) String() string {
	if name, ok := workerStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("WorkerState(%d)", int(s))
}

func (s WorkerState) MarshalText() ([]byte, error) {
	name, ok := workerStateNames[s]
	if !ok {
		return nil, fmt.Errorf("unknown worker state %d", int(s))
	}
	return []byte(name), nil
}

func (s *WorkerState) UnmarshalText(b []byte) error {
	for state, name := range workerStateNames {
		if name == string(b) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown worker state %q", string(b))
}

// Busy reports whether a worker in this state holds a task.
func (s WorkerState) Busy() bool {
	switch s {
	case WorkerInProgress, WorkerNeedsReview, WorkerRebasing, WorkerNoChanges:
		return true
	case WorkerIdle, WorkerError:
		return false
	}
	return false
}

// WorkerEvent drives a worker state transition.
type WorkerEvent int

const (
	EventAssign WorkerEvent = iota
	EventFinishNoOutput
	EventFinishOutput
	EventReset
	EventAcceptOK
	EventAcceptConflict
	EventConflictResolved
	EventConflictUnresolvable
	EventFault
	EventRecover
)

var workerEventNames = map[WorkerEvent]string{
	EventAssign:               "assign",
	EventFinishNoOutput:       "finish_no_output",
	EventFinishOutput:         "finish_output",
	EventReset:                "reset",
	EventAcceptOK:             "accept_ok",
	EventAcceptConflict:       "accept_conflict",
	EventConflictResolved:     "conflict_resolved",
	EventConflictUnresolvable: "conflict_unresolvable",
	EventFault:                "fault",
	EventRecover:              "recover",
}

func (e WorkerEvent) String() string {
	if name, ok := workerEventNames[e]; ok {
		return name
	}
	return fmt.Sprintf("WorkerEvent(%d)", int(e))
}

var workerTransitions = map[WorkerState]map[WorkerEvent]WorkerState{
	WorkerIdle: {
		EventAssign: WorkerInProgress,
	},
	WorkerInProgress: {
		EventFinishNoOutput: WorkerNoChanges,
		EventFinishOutput:   WorkerNeedsReview,
	},
	WorkerNoChanges: {
		EventReset: WorkerIdle,
	},
	WorkerNeedsReview: {
		EventAcceptOK:       WorkerIdle,
		EventAcceptConflict: WorkerRebasing,
		// the task turned out to need no changes after all
		EventReset: WorkerIdle,
	},
	WorkerRebasing: {
		EventConflictResolved:     WorkerNeedsReview,
		EventConflictUnresolvable: WorkerError,
	},
	WorkerError: {
		EventRecover: WorkerIdle,
	},
}

// Transition returns the state reached from s on event e. EventFault is
// accepted from every state.
func Transition(s WorkerState, e WorkerEvent) (WorkerState, error) {
	if e == EventFault {
		return WorkerError, nil
	}
	if next, ok := workerTransitions[s][e]; ok {
		return next, nil
	}
	return s, fmt.Errorf("invalid worker transition: %s --%s-->", s, e)
}

// Worker is one auto worker as persisted in the daemon state file.
type Worker struct {
	Name        string      `yaml:"name"`
	State       WorkerState `yaml:"state"`
	TaskID      string      `yaml:"task_id,omitempty"`
	Label       string      `yaml:"label,omitempty"`
	Branch      string      `yaml:"branch"`
	Worktree    string      `yaml:"worktree"`
	Session     string      `yaml:"session"`
	Prompt      string      `yaml:"prompt,omitempty"`
	CommitSHA   string      `yaml:"commit_sha,omitempty"`
	ErrorReason string      `yaml:"error_reason,omitempty"`
	RetryCount  int         `yaml:"retry_count"`
	UpdatedAt   string      `yaml:"updated_at,omitempty"`
}

// Apply transitions the worker in place and stamps UpdatedAt.
func (w *Worker) Apply(e WorkerEvent, now time.Time) (from WorkerState, err error) {
	from = w.State
	next, err := Transition(w.State, e)
	if err != nil {
		return from, fmt.Errorf("worker %s: %w", w.Name, err)
	}
	w.State = next
	w.UpdatedAt = now.UTC().Format(time.RFC3339)
	if next == WorkerIdle {
		w.clearAssignment()
	}
	return from, nil
}

// Abandon returns a worker to Idle outside the transition table. It is used
// at startup for workers whose session did not survive the previous run.
func (w *Worker) Abandon(now time.Time) {
	w.State = WorkerIdle
	w.RetryCount = 0
	w.UpdatedAt = now.UTC().Format(time.RFC3339)
	w.clearAssignment()
}

func (w *Worker) clearAssignment() {
	w.TaskID = ""
	w.Label = ""
	w.Prompt = ""
	w.CommitSHA = ""
	w.ErrorReason = ""
}

// Package failure is the three-tier failure taxonomy shared by the daemon
// and the overseer. Classify is the single place that decides whether an
// error shuts the daemon down.
package failure

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/msageha/conductor/internal/taskstore"
)

type Tier int

const (
	// Transient failures are recovered by the component that saw them.
	Transient Tier = iota
	// Hard failures stop the daemon and escalate to remediation.
	Hard
	// Fatal failures need a human.
	Fatal
)

func (t Tier) String() string {
	switch t {
	case Transient:
		return "transient"
	case Hard:
		return "hard"
	case Fatal:
		return "fatal"
	}
	return fmt.Sprintf("Tier(%d)", int(t))
}

type Kind string

const (
	SessionCrash   Kind = "session_crash"
	SessionMissing Kind = "session_missing"
	TrunkDirty     Kind = "trunk_dirty"
	RebaseConflict Kind = "rebase_conflict"
	ClaimLost      Kind = "claim_lost"

	RetriesExhausted          Kind = "retries_exhausted"
	ValidationFailed          Kind = "validation_failed"
	TrunkMovedAfterValidation Kind = "trunk_moved_after_validation"
	StateCorruption           Kind = "state_corruption"
	TaskParse                 Kind = "task_parse"
	TaskCycle                 Kind = "task_cycle"
	MissingDependency         Kind = "missing_dependency"
	IdentityMismatch          Kind = "identity_mismatch"
	WorkerInErrorState        Kind = "worker_in_error_state"
	RebaseUnresolvable        Kind = "rebase_unresolvable"
	HeadMismatch              Kind = "head_mismatch"
	CleanupFailed             Kind = "cleanup_failed"
	TaskStoreIO               Kind = "task_store_io"
	GitFailed                 Kind = "git_failed"
	SessionFailed             Kind = "session_failed"

	FailureSpiral      Kind = "failure_spiral"
	ManualIntervention Kind = "manual_intervention"
)

var kindTiers = map[Kind]Tier{
	SessionCrash:   Transient,
	SessionMissing: Transient,
	TrunkDirty:     Transient,
	RebaseConflict: Transient,
	ClaimLost:      Transient,

	RetriesExhausted:          Hard,
	ValidationFailed:          Hard,
	TrunkMovedAfterValidation: Hard,
	StateCorruption:           Hard,
	TaskParse:                 Hard,
	TaskCycle:                 Hard,
	MissingDependency:         Hard,
	IdentityMismatch:          Hard,
	WorkerInErrorState:        Hard,
	RebaseUnresolvable:        Hard,
	HeadMismatch:              Hard,
	CleanupFailed:             Hard,
	TaskStoreIO:               Hard,
	GitFailed:                 Hard,
	SessionFailed:             Hard,

	FailureSpiral:      Fatal,
	ManualIntervention: Fatal,
}

// Tier returns the kind's tier; unknown kinds are hard.
func (k Kind) Tier() Tier {
	if t, ok := kindTiers[k]; ok {
		return t
	}
	return Hard
}

// Failure is one classified failure with its diagnostic context.
type Failure struct {
	Kind    Kind
	Worker  string
	TaskID  string
	Context map[string]string
	Err     error
	Time    time.Time
}

func New(kind Kind, err error) *Failure {
	return &Failure{Kind: kind, Err: err, Time: time.Now(), Context: map[string]string{}}
}

func Newf(kind Kind, format string, args ...any) *Failure {
	return New(kind, fmt.Errorf(format, args...))
}

func (f *Failure) WithWorker(worker, taskID string) *Failure {
	f.Worker = worker
	f.TaskID = taskID
	return f
}

func (f *Failure) With(key, value string) *Failure {
	if f.Context == nil {
		f.Context = map[string]string{}
	}
	f.Context[key] = value
	return f
}

func (f *Failure) Error() string {
	var b strings.Builder
	b.WriteString(string(f.Kind))
	if f.Worker != "" {
		fmt.Fprintf(&b, " worker=%s", f.Worker)
	}
	if f.TaskID != "" {
		fmt.Fprintf(&b, " task=%s", f.TaskID)
	}
	if f.Err != nil {
		fmt.Fprintf(&b, ": %v", f.Err)
	}
	return b.String()
}

func (f *Failure) Unwrap() error { return f.Err }

func (f *Failure) Tier() Tier { return f.Kind.Tier() }

// ContextString renders Context as sorted key=value pairs.
func (f *Failure) ContextString() string {
	keys := make([]string, 0, len(f.Context))
	for k := range f.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%q", k, f.Context[k]))
	}
	return strings.Join(parts, " ")
}

// Classify decides the tier of any error surfaced by the daemon.
func Classify(err error) Tier {
	if err == nil {
		return Transient
	}
	var f *Failure
	if errors.As(err, &f) {
		return f.Tier()
	}
	if errors.Is(err, taskstore.ErrClaimLost) {
		return Transient
	}
	// task-store errors and anything unrecognised
	return Hard
}

// IsHard reports whether err must stop the daemon.
func IsHard(err error) bool {
	return err != nil && Classify(err) >= Hard
}

// KindOf returns the failure kind carried by err, inferring one for
// task-store errors.
func KindOf(err error) Kind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	if errors.Is(err, taskstore.ErrClaimLost) {
		return ClaimLost
	}
	var te *taskstore.TaskError
	if errors.As(err, &te) {
		if te.Kind == taskstore.KindParse {
			return TaskParse
		}
		return TaskStoreIO
	}
	return ""
}

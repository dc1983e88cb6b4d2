package taskstore

import (
	"errors"
	"fmt"
)

var (
	// ErrClaimLost means another worker or process owns the task. It is not
	// a failure: the caller selects a different task.
	ErrClaimLost = errors.New("claim lost")
	ErrNotFound  = errors.New("task not found")
)

type ErrorKind int

const (
	KindParse ErrorKind = iota
	KindRead
	KindWrite
	KindDirectory
)

func (k ErrorKind) String() string {
	switch k {
	case KindParse:
		return "parse"
	case KindRead:
		return "read"
	case KindWrite:
		return "write"
	case KindDirectory:
		return "directory"
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

const maxRawContent = 2000

// TaskError is a task-store failure with enough context for remediation.
type TaskError struct {
	Kind   ErrorKind
	Path   string
	TaskID string
	// Raw holds the offending file content for parse errors, truncated.
	Raw string
	Err error
}

func (e *TaskError) Error() string {
	if e.TaskID != "" {
		return fmt.Sprintf("task store %s error: task %s (%s): %v", e.Kind, e.TaskID, e.Path, e.Err)
	}
	return fmt.Sprintf("task store %s error: %s: %v", e.Kind, e.Path, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

// Hint suggests how to repair the condition.
func (e *TaskError) Hint() string {
	switch e.Kind {
	case KindParse:
		return fmt.Sprintf("Fix or remove the malformed JSON in %s; every task file must be a single valid task object.", e.Path)
	case KindRead:
		return fmt.Sprintf("Check that %s exists and is readable by the daemon user.", e.Path)
	case KindWrite:
		return fmt.Sprintf("Check free disk space and write permission on %s.", e.Path)
	case KindDirectory:
		return fmt.Sprintf("Create the task list directory %s or fix auto.task_list_id / tasks.root in config.yaml.", e.Path)
	}
	return ""
}

func truncateRaw(b []byte) string {
	if len(b) <= maxRawContent {
		return string(b)
	}
	return string(b[:maxRawContent]) + "...(truncated)"
}

package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
)

const (
	DefaultPriority = 3
	MaxPriority     = 4
)

// Task is one task record. Files are keyed by ID; metadata keys other than
// priority and label are preserved verbatim.
type Task struct {
	ID          string                     `json:"id"`
	Subject     string                     `json:"subject"`
	Description string                     `json:"description"`
	Status      TaskStatus                 `json:"status"`
	Blocks      []string                   `json:"blocks"`
	BlockedBy   []string                   `json:"blockedBy"`
	ActiveForm  string                     `json:"activeForm,omitempty"`
	Owner       string                     `json:"owner,omitempty"`
	Metadata    map[string]json.RawMessage `json:"metadata,omitempty"`
}

// Normalize makes nil edge lists empty so a read-back record compares equal
// to the written one.
func (t *Task) Normalize() {
	if t.Blocks == nil {
		t.Blocks = []string{}
	}
	if t.BlockedBy == nil {
		t.BlockedBy = []string{}
	}
	for k, v := range t.Metadata {
		var buf bytes.Buffer
		if err := json.Compact(&buf, v); err == nil {
			t.Metadata[k] = json.RawMessage(buf.Bytes())
		}
	}
}

// Validate checks the owner/status invariant.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task id is empty")
	}
	switch t.Status {
	case TaskPending, TaskInProgress, TaskCompleted:
	default:
		return fmt.Errorf("task %s: unknown status %q", t.ID, t.Status)
	}
	if t.Owner != "" && t.Status != TaskInProgress {
		return fmt.Errorf("task %s: owner %q set while status is %s", t.ID, t.Owner, t.Status)
	}
	return nil
}

// Priority returns metadata.priority clamped to 0-4, or 3 when absent or
// not an integer.
func (t *Task) Priority() int {
	raw, ok := t.Metadata["priority"]
	if !ok {
		return DefaultPriority
	}
	var p json.Number
	if err := json.Unmarshal(raw, &p); err != nil {
		return DefaultPriority
	}
	n, err := p.Int64()
	if err != nil {
		return DefaultPriority
	}
	switch {
	case n < 0:
		return 0
	case n > MaxPriority:
		return MaxPriority
	}
	return int(n)
}

// Label returns metadata.label, or "" when absent.
func (t *Task) Label() string {
	raw, ok := t.Metadata["label"]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

// SetMetadata stores v under key.
func (t *Task) SetMetadata(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal metadata %s: %w", key, err)
	}
	if t.Metadata == nil {
		t.Metadata = make(map[string]json.RawMessage)
	}
	t.Metadata[key] = raw
	return nil
}

// CompareIDs orders task ids numerically when both are integers and
// lexically otherwise; integers sort before non-integers.
func CompareIDs(a, b string) int {
	na, errA := strconv.ParseUint(a, 10, 64)
	nb, errB := strconv.ParseUint(b, 10, 64)
	switch {
	case errA == nil && errB == nil:
		switch {
		case na < nb:
			return -1
		case na > nb:
			return 1
		}
		return 0
	case errA == nil:
		return -1
	case errB == nil:
		return 1
	}
	return strings.Compare(a, b)
}

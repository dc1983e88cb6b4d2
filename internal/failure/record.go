package failure

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/msageha/conductor/internal/fsutil"
	"github.com/msageha/conductor/internal/taskstore"
)

// Record is the persisted form of the last hard failure, read back by the
// remediation prompt builder.
type Record struct {
	Kind        Kind              `json:"kind"`
	Tier        string            `json:"tier"`
	Message     string            `json:"message"`
	Worker      string            `json:"worker,omitempty"`
	TaskID      string            `json:"task_id,omitempty"`
	Context     map[string]string `json:"context,omitempty"`
	Hint        string            `json:"hint,omitempty"`
	TimestampAt string            `json:"timestamp"`
}

// NewRecord captures err as a Record.
func NewRecord(err error, now time.Time) Record {
	rec := Record{
		Kind:        KindOf(err),
		Tier:        Classify(err).String(),
		Message:     err.Error(),
		TimestampAt: now.UTC().Format(time.RFC3339),
	}
	var f *Failure
	if errors.As(err, &f) {
		rec.Worker = f.Worker
		rec.TaskID = f.TaskID
		if len(f.Context) > 0 {
			rec.Context = f.Context
		}
	}
	var te *taskstore.TaskError
	if errors.As(err, &te) {
		rec.Hint = te.Hint()
		if rec.Context == nil {
			rec.Context = map[string]string{}
		}
		rec.Context["path"] = te.Path
		if te.Raw != "" {
			rec.Context["raw_content"] = te.Raw
		}
	}
	return rec
}

func Persist(path string, rec Record) error {
	if err := fsutil.WriteJSON(path, rec); err != nil {
		return fmt.Errorf("persist failure record: %w", err)
	}
	return nil
}

// Load reads the failure record at path. ok is false when none exists.
func Load(path string) (rec Record, ok bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("read failure record: %w", err)
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, false, fmt.Errorf("parse failure record: %w", err)
	}
	return rec, true, nil
}

// Package taskstore keeps task records as one JSON file per task and
// implements the claim protocol over them. Every read-modify-write of a
// record runs under a flock on a hidden per-task sidecar, so daemons in
// different processes sharing one task list still see exactly one winner.
package taskstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/msageha/conductor/internal/fsutil"
	"github.com/msageha/conductor/internal/lock"
	"github.com/msageha/conductor/internal/model"
)

// Store is the task persistence contract used by the orchestrator.
type Store interface {
	Scan() ([]model.Task, error)
	Read(id string) (model.Task, error)
	Write(task model.Task) error
	Claim(task model.Task, worker string) (model.Task, error)
	Release(id string) error
	Complete(id string) error
}

// FileStore stores the tasks of one task list under dir.
type FileStore struct {
	dir   string
	locks *lock.KeyedMutex
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir, locks: lock.NewKeyedMutex()}
}

func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *FileStore) lockPath(id string) string {
	return filepath.Join(s.dir, "."+id+".lock")
}

// acquire serializes updates of one task across goroutines and processes.
func (s *FileStore) acquire(id string) (func(), error) {
	unlockKey := s.locks.Lock(id)
	unlockFile, err := lock.Flock(s.lockPath(id))
	if err != nil {
		unlockKey()
		return nil, &TaskError{Kind: KindWrite, Path: s.lockPath(id), TaskID: id, Err: err}
	}
	return func() {
		unlockFile()
		unlockKey()
	}, nil
}

// Scan reads every task file in the list, sorted by id. Any unreadable or
// malformed file fails the whole scan.
func (s *FileStore) Scan() ([]model.Task, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, &TaskError{Kind: KindDirectory, Path: s.dir, Err: err}
	}

	var tasks []model.Task
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || fsutil.IsTemp(name) || filepath.Ext(name) != ".json" {
			continue
		}
		t, err := s.readFile(filepath.Join(s.dir, name))
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool {
		return model.CompareIDs(tasks[i].ID, tasks[j].ID) < 0
	})
	return tasks, nil
}

func (s *FileStore) Read(id string) (model.Task, error) {
	return s.readFile(s.path(id))
}

func (s *FileStore) readFile(path string) (model.Task, error) {
	stem := strings.TrimSuffix(filepath.Base(path), ".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return model.Task{}, fmt.Errorf("task %s: %w", stem, ErrNotFound)
		}
		return model.Task{}, &TaskError{Kind: KindRead, Path: path, TaskID: stem, Err: err}
	}

	var t model.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return model.Task{}, &TaskError{Kind: KindParse, Path: path, TaskID: stem, Raw: truncateRaw(data), Err: err}
	}
	if t.ID == "" {
		t.ID = stem
	}
	if err := t.Validate(); err != nil {
		return model.Task{}, &TaskError{Kind: KindParse, Path: path, TaskID: stem, Raw: truncateRaw(data), Err: err}
	}
	t.Normalize()
	return t, nil
}

func (s *FileStore) Write(task model.Task) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("write task: %w", err)
	}
	task.Normalize()
	path := s.path(task.ID)
	if err := fsutil.WriteJSON(path, task); err != nil {
		return &TaskError{Kind: KindWrite, Path: path, TaskID: task.ID, Err: err}
	}
	return nil
}

// Claim marks task in_progress for worker. task is the caller's in-memory
// copy; the claim is lost when that copy, the on-disk record read under the
// task lock, or the on-disk record after the write shows another owner.
func (s *FileStore) Claim(task model.Task, worker string) (model.Task, error) {
	if task.Status != model.TaskPending || task.Owner != "" {
		return model.Task{}, fmt.Errorf("task %s (%s, owner %q): %w", task.ID, task.Status, task.Owner, ErrClaimLost)
	}

	unlock, err := s.acquire(task.ID)
	if err != nil {
		return model.Task{}, err
	}
	defer unlock()

	current, err := s.Read(task.ID)
	if err != nil {
		return model.Task{}, err
	}
	if current.Status != model.TaskPending || current.Owner != "" {
		return model.Task{}, fmt.Errorf("task %s taken by %q: %w", task.ID, current.Owner, ErrClaimLost)
	}

	current.Status = model.TaskInProgress
	current.Owner = worker
	if err := s.Write(current); err != nil {
		return model.Task{}, err
	}

	verify, err := s.Read(task.ID)
	if err != nil {
		return model.Task{}, err
	}
	if verify.Owner != worker {
		return model.Task{}, fmt.Errorf("task %s overwritten by %q: %w", task.ID, verify.Owner, ErrClaimLost)
	}
	return verify, nil
}

// Release returns the task to pending with no owner, whatever its state.
func (s *FileStore) Release(id string) error {
	return s.update(id, func(t *model.Task) {
		t.Status = model.TaskPending
		t.Owner = ""
	})
}

func (s *FileStore) Complete(id string) error {
	return s.update(id, func(t *model.Task) {
		t.Status = model.TaskCompleted
		t.Owner = ""
	})
}

func (s *FileStore) update(id string, fn func(*model.Task)) error {
	unlock, err := s.acquire(id)
	if err != nil {
		return err
	}
	defer unlock()

	t, err := s.Read(id)
	if err != nil {
		return err
	}
	fn(&t)
	return s.Write(t)
}

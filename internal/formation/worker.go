package formation

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/msageha/conductor/internal/daemon"
	"github.com/msageha/conductor/internal/lock"
	"github.com/msageha/conductor/internal/model"
	"github.com/msageha/conductor/internal/taskstore"
)

// ResetWorker returns an Error worker to Idle and releases its task back
// to pending. The daemon must be stopped: its lock is taken for the
// duration so it cannot start mid-edit.
func ResetWorker(conductorDir string, cfg model.Config, name string) error {
	fl := lock.NewFileLock(filepath.Join(conductorDir, daemon.LockFile))
	if err := fl.TryLock(); err != nil {
		if errors.Is(err, lock.ErrHeld) {
			return fmt.Errorf("daemon is running (pid %d); stop it with `conductor down` first", lock.HolderPID(fl.Path()))
		}
		return err
	}
	defer fl.Unlock()

	pool := daemon.NewWorkerPool(cfg, filepath.Join(conductorDir, daemon.StateFile), daemon.Deps{}, nil, 0)
	if err := pool.Load(); err != nil {
		return err
	}
	store := taskstore.NewFileStore(cfg.TaskListDir(conductorDir))
	release := func(id string) error {
		err := store.Release(id)
		if errors.Is(err, taskstore.ErrNotFound) {
			// the task was deleted; nothing to release
			return nil
		}
		return err
	}
	if err := daemon.ResetWorker(pool.State(), name, release, time.Now); err != nil {
		return err
	}
	return pool.Save()
}

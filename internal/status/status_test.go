package status

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/msageha/conductor/internal/daemon"
	"github.com/msageha/conductor/internal/failure"
	"github.com/msageha/conductor/internal/fsutil"
	"github.com/msageha/conductor/internal/heartbeat"
	"github.com/msageha/conductor/internal/model"
	"github.com/msageha/conductor/internal/taskstore"
	"github.com/msageha/conductor/internal/uds"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func setupDir(t *testing.T) (string, model.Config) {
	t.Helper()
	root, err := os.MkdirTemp("/tmp", "cst")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(root) })
	cfg := model.Config{}
	cfg.Auto.TaskListID = "main"
	cfg.ApplyDefaults()
	for _, sub := range []string{"state", "logs", "tasks/main"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0755); err != nil {
			t.Fatal(err)
		}
	}
	return root, cfg
}

func TestCollect_FromFiles(t *testing.T) {
	dir, cfg := setupDir(t)

	st := model.NewDaemonState()
	st.Workers["auto-2"] = &model.Worker{Name: "auto-2", State: model.WorkerError, TaskID: "2", ErrorReason: "rebase unresolvable"}
	st.Workers["auto-1"] = &model.Worker{Name: "auto-1", State: model.WorkerInProgress, TaskID: "1", Label: "backend"}
	if err := fsutil.WriteYAML(filepath.Join(dir, daemon.StateFile), st); err != nil {
		t.Fatal(err)
	}
	store := taskstore.NewFileStore(cfg.TaskListDir(dir))
	for _, task := range []model.Task{
		{ID: "1", Status: model.TaskInProgress, Owner: "auto-1"},
		{ID: "2", Status: model.TaskInProgress, Owner: "auto-2"},
		{ID: "3", Status: model.TaskPending},
		{ID: "4", Status: model.TaskCompleted},
	} {
		if err := store.Write(task); err != nil {
			t.Fatal(err)
		}
	}
	if err := heartbeat.WriteRecord(filepath.Join(dir, daemon.HeartbeatFile), heartbeat.Record{TimestampUnix: now.Add(-90 * time.Second).Unix()}); err != nil {
		t.Fatal(err)
	}
	if err := failure.Persist(filepath.Join(dir, daemon.LastFailureFile),
		failure.NewRecord(failure.Newf(failure.TaskCycle, "cycle 1 -> 2 -> 1"), now)); err != nil {
		t.Fatal(err)
	}

	r := Collect(dir, cfg, now)
	if r.Daemon.Running || r.Overseer.Running {
		t.Errorf("nothing should be running: %+v %+v", r.Daemon, r.Overseer)
	}
	if r.Source != SourceFiles {
		t.Errorf("source: got %s, want files", r.Source)
	}
	if len(r.Workers) != 2 || r.Workers[0].Name != "auto-1" || r.Workers[1].State != "error" {
		t.Errorf("workers: %+v", r.Workers)
	}
	if r.Tasks["in_progress"] != 2 || r.Tasks["pending"] != 1 || r.Tasks["completed"] != 1 {
		t.Errorf("tasks: %v", r.Tasks)
	}
	if r.Daemon.HeartbeatAge == nil || *r.Daemon.HeartbeatAge != 90 {
		t.Errorf("heartbeat age: %v", r.Daemon.HeartbeatAge)
	}
	if r.LastFailure == nil || r.LastFailure.Kind != failure.TaskCycle {
		t.Errorf("last failure: %+v", r.LastFailure)
	}

	var out bytes.Buffer
	printReport(&out, r)
	for _, want := range []string{
		"Daemon:   stopped",
		"Heartbeat: 90s ago",
		"Workers (files):",
		"auto-1      in_progress    1       backend",
		"error: rebase unresolvable",
		"Tasks: completed=1 in_progress=2 pending=1",
		"Last failure: task_cycle (hard)",
	} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestCollect_TaskParseError(t *testing.T) {
	dir, cfg := setupDir(t)
	if err := os.WriteFile(filepath.Join(cfg.TaskListDir(dir), "7.json"), []byte("{broken"), 0644); err != nil {
		t.Fatal(err)
	}
	r := Collect(dir, cfg, now)
	if len(r.TaskErrors) != 1 || !strings.Contains(r.TaskErrors[0], "7.json") {
		t.Errorf("task errors: %v", r.TaskErrors)
	}
}

func TestCollect_Live(t *testing.T) {
	dir, cfg := setupDir(t)
	snap := daemon.Snapshot{
		InstanceID: "inst-1",
		Workers:    []*model.Worker{{Name: "auto-1", State: model.WorkerNeedsReview, TaskID: "5"}},
		Tasks:      map[string]int{"in_progress": 1},
		Backoff:    &model.Backoff{RetryAfterUnix: now.Unix(), BackoffSeconds: 60},
	}
	srv := uds.NewServer(filepath.Join(dir, uds.DaemonSocketName))
	srv.Handle(uds.CommandPing, func(*uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]any{"status": "ok", "pid": 4242, "instance_id": "inst-1"})
	})
	srv.Handle(uds.CommandStatus, func(*uds.Request) *uds.Response {
		return uds.SuccessResponse(snap)
	})
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	defer srv.Stop()

	var out bytes.Buffer
	if err := Run(dir, cfg, true, &out); err != nil {
		t.Fatalf("Run: %v", err)
	}
	var r Report
	if err := json.Unmarshal(out.Bytes(), &r); err != nil {
		t.Fatalf("decode report: %v\n%s", err, out.String())
	}
	if !r.Daemon.Running || r.Daemon.PID != 4242 || r.Daemon.InstanceID != "inst-1" {
		t.Errorf("daemon: %+v", r.Daemon)
	}
	if r.Source != SourceLive {
		t.Errorf("source: got %s, want live", r.Source)
	}
	if len(r.Workers) != 1 || r.Workers[0].State != "needs_review" || r.Workers[0].TaskID != "5" {
		t.Errorf("workers: %+v", r.Workers)
	}
	if r.Backoff == nil || r.Backoff.BackoffSeconds != 60 {
		t.Errorf("backoff: %+v", r.Backoff)
	}
}

func TestCollect_LiveFallsBackBeforeFirstCycle(t *testing.T) {
	dir, cfg := setupDir(t)
	srv := uds.NewServer(filepath.Join(dir, uds.DaemonSocketName))
	srv.Handle(uds.CommandPing, func(*uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]any{"pid": 1})
	})
	srv.Handle(uds.CommandStatus, func(*uds.Request) *uds.Response {
		return uds.ErrorResponse(uds.ErrCodeNotFound, "no cycle completed yet")
	})
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	defer srv.Stop()

	r := Collect(dir, cfg, now)
	if !r.Daemon.Running || r.Source != SourceFiles {
		t.Errorf("got running=%v source=%s", r.Daemon.Running, r.Source)
	}
}

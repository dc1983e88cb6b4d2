package formation

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/msageha/conductor/internal/daemon"
	"github.com/msageha/conductor/internal/fsutil"
	"github.com/msageha/conductor/internal/lock"
	"github.com/msageha/conductor/internal/model"
	"github.com/msageha/conductor/internal/taskstore"
	"github.com/msageha/conductor/internal/uds"
)

func setupConductorDir(t *testing.T) string {
	t.Helper()
	// socket paths must stay short
	root, err := os.MkdirTemp("/tmp", "cft")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(root) })
	dir := filepath.Join(root, ".conductor")
	for _, sub := range []string{"state", "locks", "logs", "tasks/main"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func testConfig() model.Config {
	cfg := model.Config{}
	cfg.Auto.TaskListID = "main"
	cfg.ApplyDefaults()
	return cfg
}

func TestLoadConfig(t *testing.T) {
	dir := setupConductorDir(t)
	content := "repo:\n  source: app\nauto:\n  task_list_id: main\n  concurrency: 3\n"
	if err := os.WriteFile(filepath.Join(dir, ConfigFile), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if want := filepath.Join(filepath.Dir(dir), "app"); cfg.Repo.Source != want {
		t.Errorf("repo.source: got %q, want %q", cfg.Repo.Source, want)
	}
	if cfg.Auto.Concurrency != 3 {
		t.Errorf("concurrency: got %d, want 3", cfg.Auto.Concurrency)
	}
	if cfg.Repo.TrunkBranch != "main" || cfg.Overseer.HeartbeatTimeoutSec != 30 {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	dir := setupConductorDir(t)
	if _, err := LoadConfig(dir); err == nil {
		t.Error("missing config.yaml should fail")
	}
	if err := os.WriteFile(filepath.Join(dir, ConfigFile), []byte("repo: [unclosed\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(dir); err == nil || !strings.Contains(err.Error(), "parse config.yaml") {
		t.Errorf("got %v, want a parse error", err)
	}
}

func TestApplyFlags(t *testing.T) {
	opts := UpOptions{Config: testConfig()}
	if cfg := opts.applyFlags(); cfg.Auto.TaskListID != "main" || cfg.Auto.Concurrency != 1 {
		t.Errorf("no flags: got %s/%d", cfg.Auto.TaskListID, cfg.Auto.Concurrency)
	}
	opts.TaskList, opts.Concurrency = "backlog", 4
	if cfg := opts.applyFlags(); cfg.Auto.TaskListID != "backlog" || cfg.Auto.Concurrency != 4 {
		t.Errorf("flags: got %s/%d", cfg.Auto.TaskListID, cfg.Auto.Concurrency)
	}
}

func TestNewDaemon_ValidatesConfig(t *testing.T) {
	dir := setupConductorDir(t)
	_, err := NewDaemon(UpOptions{ConductorDir: dir, Config: testConfig(), Concurrency: 17})
	if err == nil || !strings.Contains(err.Error(), "concurrency") {
		t.Errorf("got %v, want a concurrency error", err)
	}
}

func TestNewOverseer_RequiresPrompt(t *testing.T) {
	dir := setupConductorDir(t)
	cfg := testConfig()
	cfg.Repo.Source = "/src"
	_, err := NewOverseer(UpOptions{ConductorDir: dir, Config: cfg}, &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "remediation_prompt") {
		t.Errorf("got %v, want a remediation_prompt error", err)
	}
}

func TestRunDown_NothingRunning(t *testing.T) {
	dir := setupConductorDir(t)
	var out bytes.Buffer
	if err := RunDown(DownOptions{ConductorDir: dir, Config: testConfig(), Out: &out}); err != nil {
		t.Fatalf("RunDown: %v", err)
	}
	if !strings.Contains(out.String(), "Conductor stopped.") {
		t.Errorf("output: %q", out.String())
	}
}

func TestRunDown_StaleSocket(t *testing.T) {
	dir := setupConductorDir(t)
	sock := filepath.Join(dir, uds.DaemonSocketName)
	if err := os.WriteFile(sock, nil, 0644); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if err := RunDown(DownOptions{ConductorDir: dir, Config: testConfig(), Out: &out}); err != nil {
		t.Fatalf("RunDown: %v", err)
	}
	if !strings.Contains(out.String(), "daemon socket is stale") {
		t.Errorf("output: %q", out.String())
	}
	if _, err := os.Stat(sock); !os.IsNotExist(err) {
		t.Error("stale socket should be removed")
	}
}

// stoppingServer serves shutdown by stopping itself, which removes its
// socket the way the real processes do on exit.
func stoppingServer(t *testing.T, path, name string, order *[]string, mu *sync.Mutex) {
	t.Helper()
	srv := uds.NewServer(path)
	srv.Handle(uds.CommandShutdown, func(*uds.Request) *uds.Response {
		mu.Lock()
		*order = append(*order, name)
		mu.Unlock()
		go func() {
			time.Sleep(50 * time.Millisecond)
			srv.Stop()
		}()
		return uds.SuccessResponse(nil)
	})
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { srv.Stop() })
}

func TestRunDown_StopsOverseerBeforeDaemon(t *testing.T) {
	dir := setupConductorDir(t)
	var (
		mu    sync.Mutex
		order []string
	)
	stoppingServer(t, filepath.Join(dir, uds.OverseerSocketName), "overseer", &order, &mu)
	stoppingServer(t, filepath.Join(dir, uds.DaemonSocketName), "daemon", &order, &mu)

	var out bytes.Buffer
	if err := RunDown(DownOptions{ConductorDir: dir, Config: testConfig(), Timeout: 5 * time.Second, Out: &out}); err != nil {
		t.Fatalf("RunDown: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if strings.Join(order, ",") != "overseer,daemon" {
		t.Errorf("shutdown order: got %v", order)
	}
	for _, want := range []string{"Overseer stopped.", "Daemon stopped."} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q: %q", want, out.String())
		}
	}
}

func TestResetWorker(t *testing.T) {
	dir := setupConductorDir(t)
	cfg := testConfig()

	store := taskstore.NewFileStore(cfg.TaskListDir(dir))
	task := model.Task{ID: "4", Subject: "fix", Status: model.TaskInProgress, Owner: "auto-1"}
	if err := store.Write(task); err != nil {
		t.Fatal(err)
	}
	st := model.NewDaemonState()
	st.Workers["auto-1"] = &model.Worker{Name: "auto-1", State: model.WorkerError, TaskID: "4", ErrorReason: "rebase unresolvable", RetryCount: 1}
	statePath := filepath.Join(dir, daemon.StateFile)
	if err := fsutil.WriteYAML(statePath, st); err != nil {
		t.Fatal(err)
	}

	if err := ResetWorker(dir, cfg, "auto-1"); err != nil {
		t.Fatalf("ResetWorker: %v", err)
	}
	got, err := daemon.LoadState(statePath)
	if err != nil {
		t.Fatal(err)
	}
	if w := got.Workers["auto-1"]; w.State != model.WorkerIdle || w.TaskID != "" || w.RetryCount != 0 {
		t.Errorf("worker after reset: %+v", w)
	}
	released, err := store.Read("4")
	if err != nil {
		t.Fatal(err)
	}
	if released.Status != model.TaskPending || released.Owner != "" {
		t.Errorf("task after reset: status=%s owner=%q", released.Status, released.Owner)
	}
	if _, err := os.Stat(filepath.Join(dir, daemon.LockFile)); !os.IsNotExist(err) {
		t.Error("lock file should be released")
	}

	if err := ResetWorker(dir, cfg, "auto-1"); err == nil {
		t.Error("resetting an idle worker should fail")
	}
}

func TestResetWorker_DaemonRunning(t *testing.T) {
	dir := setupConductorDir(t)
	held := lock.NewFileLock(filepath.Join(dir, daemon.LockFile))
	if err := held.TryLock(); err != nil {
		t.Fatal(err)
	}
	defer held.Unlock()

	err := ResetWorker(dir, testConfig(), "auto-1")
	if err == nil || !strings.Contains(err.Error(), "daemon is running") {
		t.Errorf("got %v, want a running-daemon error", err)
	}
}

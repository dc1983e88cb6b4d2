package daemon

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/msageha/conductor/internal/command"
	"github.com/msageha/conductor/internal/contextcfg"
	"github.com/msageha/conductor/internal/events"
	"github.com/msageha/conductor/internal/heartbeat"
	"github.com/msageha/conductor/internal/logging"
	"github.com/msageha/conductor/internal/model"
	"github.com/msageha/conductor/internal/taskstore"
	"github.com/msageha/conductor/internal/uds"
)

// fakeGit models one source repo on trunk plus per-worktree change counts.
type fakeGit struct {
	mu sync.Mutex

	clean      bool
	trunkSHA   string
	headSHA    string
	lastSquash string
	squashes   int

	dirty      map[string]bool
	ahead      map[string]int
	conflicts  map[string][]string
	rebasing   map[string]bool
	worktrees  []string
	excluded   []string
	commits    []string
	rebaseOnto []string

	// trunkMovesTo simulates another writer advancing trunk during squash.
	trunkMovesTo string
	ffErr        error
	resetErr     error
	headOverride string
}

func newFakeGit() *fakeGit {
	return &fakeGit{
		clean:     true,
		trunkSHA:  "trunk-0",
		headSHA:   "trunk-0",
		dirty:     map[string]bool{},
		ahead:     map[string]int{},
		conflicts: map[string][]string{},
		rebasing:  map[string]bool{},
	}
}

func (g *fakeGit) IsClean(string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.clean, nil
}

func (g *fakeGit) HeadSHA(string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.headOverride != "" {
		return g.headOverride, nil
	}
	return g.headSHA, nil
}

func (g *fakeGit) BranchSHA(string, string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.trunkSHA, nil
}

func (g *fakeGit) EnsureWorktree(_, path, _, _ string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.worktrees = append(g.worktrees, path)
	return nil
}

func (g *fakeGit) ExcludePath(_, pattern string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.excluded = append(g.excluded, pattern)
	return nil
}

func (g *fakeGit) HasUncommittedChanges(dir string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dirty[dir], nil
}

func (g *fakeGit) CommitAll(dir, message string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dirty[dir] = false
	g.ahead[dir]++
	g.commits = append(g.commits, message)
	return nil
}

func (g *fakeGit) Rebase(dir, onto string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rebaseOnto = append(g.rebaseOnto, onto)
	if c := g.conflicts[dir]; len(c) > 0 {
		g.rebasing[dir] = true
		return c, nil
	}
	return nil, nil
}

func (g *fakeGit) RebaseInProgress(dir string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rebasing[dir], nil
}

func (g *fakeGit) CommitsAhead(dir, _ string) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ahead[dir], nil
}

func (g *fakeGit) Squash(dir, _, _ string) (string, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ahead[dir] == 0 {
		return "", false, nil
	}
	g.squashes++
	g.lastSquash = fmt.Sprintf("squash-%d", g.squashes)
	g.ahead[dir] = 1
	if g.trunkMovesTo != "" {
		g.trunkSHA = g.trunkMovesTo
	}
	return g.lastSquash, true, nil
}

func (g *fakeGit) FastForward(string, string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ffErr != nil {
		return g.ffErr
	}
	g.trunkSHA = g.lastSquash
	g.headSHA = g.lastSquash
	return nil
}

func (g *fakeGit) ResetWorktree(dir, _ string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.resetErr != nil {
		return g.resetErr
	}
	g.dirty[dir] = false
	g.ahead[dir] = 0
	g.rebasing[dir] = false
	return nil
}

type startCall struct {
	worker, dir, prompt string
}

// fakeSessions tracks which worker sessions are alive.
type fakeSessions struct {
	mu       sync.Mutex
	alive    map[string]bool
	started  []startCall
	sent     map[string][]string
	stopped  []string
	startErr error
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{alive: map[string]bool{}, sent: map[string][]string{}}
}

func (s *fakeSessions) SessionName(worker string) string { return "conductor-" + worker }

func (s *fakeSessions) Exists(worker string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alive[worker]
}

func (s *fakeSessions) Start(_ context.Context, worker, dir, prompt string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return s.startErr
	}
	s.alive[worker] = true
	s.started = append(s.started, startCall{worker, dir, prompt})
	return nil
}

func (s *fakeSessions) Send(_ context.Context, worker, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.alive[worker] {
		return fmt.Errorf("session for %s not found", worker)
	}
	s.sent[worker] = append(s.sent[worker], text)
	return nil
}

func (s *fakeSessions) Stop(_ context.Context, worker string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alive[worker] = false
	s.stopped = append(s.stopped, worker)
	return nil
}

func (s *fakeSessions) kill(worker string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alive[worker] = false
}

func (s *fakeSessions) startCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.started)
}

type fakeRunner struct {
	result command.Result
	err    error
	specs  []command.Spec
}

func (r *fakeRunner) Run(_ context.Context, spec command.Spec) (command.Result, error) {
	r.specs = append(r.specs, spec)
	res := r.result
	res.Command = spec.Command
	return res, r.err
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

const testInstance = "instance-under-test"

// harness wires a pool, accept workflow and orchestrator over a real task
// store and fake git/session collaborators.
type harness struct {
	t        *testing.T
	dir      string
	cfg      model.Config
	store    *taskstore.FileStore
	git      *fakeGit
	sessions *fakeSessions
	runner   *fakeRunner
	clock    *testClock
	hooks    chan uds.HookParams
	logs     *bytes.Buffer
	deps     Deps
	pool     *WorkerPool
	accept   *AcceptWorkflow
	orch     *Orchestrator
}

func newHarness(t *testing.T, concurrency int) *harness {
	t.Helper()
	dir := t.TempDir()
	cfg := model.Config{
		Repo: model.RepoConfig{Source: filepath.Join(dir, "repo")},
		Auto: model.AutoConfig{TaskListID: "list", Concurrency: concurrency},
	}
	cfg.ApplyDefaults()
	cfg.Logging.Level = "debug"

	taskDir := cfg.TaskListDir(dir)
	if err := os.MkdirAll(taskDir, 0755); err != nil {
		t.Fatalf("mkdir tasks: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "state"), 0755); err != nil {
		t.Fatalf("mkdir state: %v", err)
	}

	h := &harness{
		t:        t,
		dir:      dir,
		cfg:      cfg,
		store:    taskstore.NewFileStore(taskDir),
		git:      newFakeGit(),
		sessions: newFakeSessions(),
		runner:   &fakeRunner{},
		clock:    &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		hooks:    make(chan uds.HookParams, 16),
		logs:     &bytes.Buffer{},
	}
	h.deps = Deps{
		Store:    h.store,
		Git:      h.git,
		Sessions: h.sessions,
		Runner:   h.runner,
		Prompts:  &contextcfg.Config{},
		Clock:    h.clock.Now,
	}

	regPath := filepath.Join(dir, RegistrationFile)
	if err := heartbeat.WriteRegistration(regPath, heartbeat.Registration{PID: os.Getpid(), InstanceID: testInstance}); err != nil {
		t.Fatalf("write registration: %v", err)
	}
	h.build()
	if err := h.pool.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	h.pool.SetInstanceID(testInstance)
	if err := h.pool.EnsureWorkers(); err != nil {
		t.Fatalf("ensure workers: %v", err)
	}
	return h
}

// build (re)creates the components from h.deps.
func (h *harness) build() {
	logger := log.New(h.logs, "", 0)
	h.pool = NewWorkerPool(h.cfg, filepath.Join(h.dir, StateFile), h.deps, logger, logging.LevelDebug)
	h.accept = NewAcceptWorkflow(h.cfg, h.pool, h.deps, logger, logging.LevelDebug)
	h.orch = NewOrchestrator(h.cfg, h.pool, h.accept, h.deps, OrchestratorConfig{
		RegistrationPath: filepath.Join(h.dir, RegistrationFile),
		InstanceID:       testInstance,
		Hooks:            h.hooks,
		Wake:             make(chan struct{}),
	}, logger, logging.LevelDebug)
}

// withBus attaches an event bus recording every event.
func (h *harness) withBus() *eventRecorder {
	rec := &eventRecorder{}
	bus := events.NewBus(256)
	bus.Subscribe(rec.record)
	h.t.Cleanup(bus.Close)
	h.deps.Bus = bus
	h.build()
	if err := h.pool.Load(); err != nil {
		h.t.Fatalf("load: %v", err)
	}
	return rec
}

func (h *harness) addTask(id string, priority int, label string, blockedBy ...string) {
	h.t.Helper()
	task := model.Task{ID: id, Subject: "task " + id, Description: "do " + id, Status: model.TaskPending, BlockedBy: blockedBy}
	if err := task.SetMetadata("priority", priority); err != nil {
		h.t.Fatal(err)
	}
	if label != "" {
		if err := task.SetMetadata("label", label); err != nil {
			h.t.Fatal(err)
		}
	}
	if err := h.store.Write(task); err != nil {
		h.t.Fatalf("write task %s: %v", id, err)
	}
}

func (h *harness) task(id string) model.Task {
	h.t.Helper()
	task, err := h.store.Read(id)
	if err != nil {
		h.t.Fatalf("read task %s: %v", id, err)
	}
	return task
}

func (h *harness) worker(name string) *model.Worker {
	h.t.Helper()
	w := h.pool.Worker(name)
	if w == nil {
		h.t.Fatalf("worker %s missing", name)
	}
	return w
}

func (h *harness) cycle() error {
	return h.orch.RunCycle(context.Background())
}

func (h *harness) mustCycle() {
	h.t.Helper()
	if err := h.cycle(); err != nil {
		h.t.Fatalf("RunCycle: %v\nlog:\n%s", err, h.logs.String())
	}
}

// agentStops simulates the agent of worker finishing its turn.
func (h *harness) agentStops(worker string, madeChanges bool) {
	w := h.worker(worker)
	h.git.mu.Lock()
	h.git.dirty[w.Worktree] = madeChanges
	h.git.mu.Unlock()
	h.hooks <- uds.HookParams{Event: uds.HookStop, Worker: worker}
}

// needsReview puts worker into NeedsReview holding task id with one
// uncommitted change.
func (h *harness) needsReview(worker, id string) *model.Worker {
	h.t.Helper()
	w := h.worker(worker)
	if err := h.pool.Assign(context.Background(), w, h.task(id)); err != nil {
		h.t.Fatalf("assign: %v", err)
	}
	if err := h.pool.Transition(w, model.EventFinishOutput); err != nil {
		h.t.Fatalf("transition: %v", err)
	}
	h.git.mu.Lock()
	h.git.dirty[w.Worktree] = true
	h.git.mu.Unlock()
	return w
}

type eventRecorder struct {
	mu    sync.Mutex
	types []events.EventType
}

func (r *eventRecorder) record(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, e.Type)
}

// has waits briefly for t, since the bus delivers from its own goroutine.
func (r *eventRecorder) has(t events.EventType) bool {
	deadline := time.Now().Add(2 * time.Second)
	for {
		if r.seen(t) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (r *eventRecorder) seen(t events.EventType) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, got := range r.types {
		if got == t {
			return true
		}
	}
	return false
}

func assignedTasks(s *fakeSessions) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, c := range s.started {
		for _, line := range strings.Split(c.prompt, "\n") {
			if strings.HasPrefix(line, "# Task ") {
				id := strings.TrimPrefix(line, "# Task ")
				ids = append(ids, id[:strings.Index(id, ":")])
			}
		}
	}
	return ids
}

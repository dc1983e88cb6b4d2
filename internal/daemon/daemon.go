// Package daemon is the auto-mode orchestrator process: it owns the worker
// pool, runs the main loop, integrates finished work into trunk, and
// publishes the registration and heartbeat the overseer watches.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/msageha/conductor/internal/command"
	"github.com/msageha/conductor/internal/contextcfg"
	"github.com/msageha/conductor/internal/events"
	"github.com/msageha/conductor/internal/failure"
	"github.com/msageha/conductor/internal/heartbeat"
	"github.com/msageha/conductor/internal/lock"
	"github.com/msageha/conductor/internal/logging"
	"github.com/msageha/conductor/internal/model"
	"github.com/msageha/conductor/internal/taskstore"
	"github.com/msageha/conductor/internal/uds"
)

// Paths of the files the daemon owns, relative to the conductor dir.
const (
	StateFile        = "state/daemon.yaml"
	RegistrationFile = "state/registration.json"
	HeartbeatFile    = "state/heartbeat.json"
	LockFile         = "locks/daemon.lock"
	LogFile          = "logs/daemon.log"
	EventLogFile     = "logs/events.jsonl"
	PostAcceptLog    = "logs/post_accept.jsonl"
	LastFailureFile  = "logs/last_failure.json"
)

// hookBuffer bounds hook events queued between cycles.
const hookBuffer = 64

// Daemon is the auto-mode daemon process.
type Daemon struct {
	conductorDir string
	config       model.Config
	logLevel     logging.Level
	logger       *log.Logger
	logFile      io.Closer

	deps     Deps
	fileLock *lock.FileLock
	server   *uds.Server
	watcher  *fsnotify.Watcher

	bus           *events.Bus
	eventLog      *events.Journal
	postAcceptLog *events.Journal
	publisher     *heartbeat.Publisher
	orch          *Orchestrator

	instanceID string
	startTime  time.Time
	hooks      chan uds.HookParams
	wake       chan struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once
}

// New creates a daemon logging to logs/daemon.log. deps must carry Git,
// Sessions and Runner; the task store, prompts and event plumbing are
// built from the config.
func New(conductorDir string, cfg model.Config, deps Deps) (*Daemon, error) {
	logPath := filepath.Join(conductorDir, LogFile)
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}
	return newDaemon(conductorDir, cfg, deps, logFile, logFile), nil
}

func newDaemon(conductorDir string, cfg model.Config, deps Deps, w io.Writer, closer io.Closer) *Daemon {
	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		conductorDir: conductorDir,
		config:       cfg,
		logLevel:     logging.ParseLevel(cfg.Logging.Level),
		logger:       log.New(w, "", 0),
		logFile:      closer,
		deps:         deps,
		fileLock:     lock.NewFileLock(filepath.Join(conductorDir, LockFile)),
		server:       uds.NewServer(filepath.Join(conductorDir, uds.DaemonSocketName)),
		instanceID:   uuid.NewString(),
		hooks:        make(chan uds.HookParams, hookBuffer),
		wake:         make(chan struct{}, 1),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Logger exposes the daemon's log so collaborators can share it.
func (d *Daemon) Logger() *log.Logger {
	return d.logger
}

func (d *Daemon) path(rel string) string {
	return filepath.Join(d.conductorDir, rel)
}

// Run starts the daemon and blocks until it stops. A hard failure is
// returned after the orderly shutdown; a signal or shutdown request
// returns nil.
func (d *Daemon) Run() error {
	if err := os.MkdirAll(filepath.Dir(d.fileLock.Path()), 0755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.startTime = time.Now()
	d.log(logging.LevelInfo, "daemon starting pid=%d instance=%s task_list=%s concurrency=%d",
		os.Getpid(), d.instanceID, d.config.Auto.TaskListID, d.config.Auto.Concurrency)

	if err := d.start(); err != nil {
		d.log(logging.LevelError, "startup failed: %v", err)
		d.persistFailure(err)
		d.Shutdown()
		return err
	}
	d.log(logging.LevelInfo, "daemon ready")
	d.deps.publish(events.EventDaemonStarted, map[string]any{
		"pid":         os.Getpid(),
		"instance_id": d.instanceID,
	})

	stopSignals := d.handleSignals()
	defer stopSignals()

	runErr := d.orch.Run(d.ctx)
	if runErr != nil {
		f := d.persistFailure(runErr)
		d.log(logging.LevelError, "hard failure kind=%s tier=%s worker=%s task=%s error=%v context: %s",
			failure.KindOf(runErr), failure.Classify(runErr), f.Worker, f.TaskID, runErr, contextOf(runErr))
		d.deps.publish(events.EventFailure, map[string]any{
			"worker":  f.Worker,
			"task_id": f.TaskID,
			"kind":    string(f.Kind),
			"tier":    f.Tier,
			"message": f.Message,
		})
	}
	d.Shutdown()
	if runErr == nil {
		// a clean stop leaves nothing for the overseer to check
		_ = heartbeat.Remove(d.path(RegistrationFile), d.path(HeartbeatFile))
	}
	return runErr
}

// start builds the components, recovers persisted workers, and brings up
// the heartbeat, the watcher and the socket.
func (d *Daemon) start() error {
	for _, dir := range []string{"state", "locks", "logs"} {
		if err := os.MkdirAll(d.path(dir), 0755); err != nil {
			return fmt.Errorf("ensure dir %s: %w", dir, err)
		}
	}

	var err error
	if d.eventLog, err = events.NewJournal(d.path(EventLogFile), 0); err != nil {
		return err
	}
	if d.postAcceptLog, err = events.NewJournal(d.path(PostAcceptLog), 0); err != nil {
		return err
	}
	d.bus = events.NewBus(256)
	d.bus.Subscribe(d.eventLog.Record)
	d.deps.Bus = d.bus
	d.deps.PostAcceptLog = d.postAcceptLog
	if d.deps.Runner == nil {
		d.deps.Runner = command.NewShellRunner()
	}

	taskDir := d.config.TaskListDir(d.conductorDir)
	if err := os.MkdirAll(taskDir, 0755); err != nil {
		return failure.New(failure.TaskStoreIO, &taskstore.TaskError{Kind: taskstore.KindDirectory, Path: taskDir, Err: err})
	}
	if d.deps.Store == nil {
		d.deps.Store = taskstore.NewFileStore(taskDir)
	}
	if d.deps.Prompts == nil {
		prompts, err := contextcfg.Load(d.config.ContextConfigPath(d.conductorDir))
		if err != nil {
			return err
		}
		d.deps.Prompts = prompts
	}

	if err := d.deps.Git.ExcludePath(d.config.Repo.Source, "/"+d.config.Repo.WorktreeDir+"/"); err != nil {
		d.log(logging.LevelInfo, "exclude worktree dir failed: %v", err)
	}

	pool := NewWorkerPool(d.config, d.path(StateFile), d.deps, d.logger, d.logLevel)
	if err := pool.Load(); err != nil {
		return err
	}
	pool.SetInstanceID(d.instanceID)
	if err := pool.EnsureWorkers(); err != nil {
		return err
	}
	if err := pool.Recover(d.ctx); err != nil {
		return err
	}
	accept := NewAcceptWorkflow(d.config, pool, d.deps, d.logger, d.logLevel)
	d.orch = NewOrchestrator(d.config, pool, accept, d.deps, OrchestratorConfig{
		RegistrationPath: d.path(RegistrationFile),
		InstanceID:       d.instanceID,
		Hooks:            d.hooks,
		Wake:             d.wake,
	}, d.logger, d.logLevel)

	reg := heartbeat.Registration{
		PID:           os.Getpid(),
		StartTimeUnix: d.startTime.Unix(),
		InstanceID:    d.instanceID,
		LogFile:       d.path(LogFile),
	}
	if err := heartbeat.WriteRegistration(d.path(RegistrationFile), reg); err != nil {
		return err
	}
	interval := time.Duration(d.config.Auto.HeartbeatIntervalSec) * time.Second
	d.publisher = heartbeat.NewPublisher(d.path(HeartbeatFile), d.instanceID, interval, func(err error) {
		d.log(logging.LevelInfo, "heartbeat write failed: %v", err)
	})
	if err := d.publisher.Start(d.ctx); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	d.watcher = watcher
	if err := watcher.Add(taskDir); err != nil {
		return fmt.Errorf("watch %s: %w", taskDir, err)
	}
	d.wg.Add(1)
	go d.fsnotifyLoop()

	d.registerHandlers()
	d.server.SetLogger(func(format string, args ...any) {
		d.log(logging.LevelInfo, "uds: "+format, args...)
	})
	if err := d.server.Start(); err != nil {
		return fmt.Errorf("start UDS server: %w", err)
	}
	d.log(logging.LevelInfo, "UDS server listening on %s", d.server.SocketPath())
	return nil
}

func (d *Daemon) registerHandlers() {
	d.server.Handle(uds.CommandPing, func(req *uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]any{
			"status":      "ok",
			"pid":         os.Getpid(),
			"instance_id": d.instanceID,
		})
	})

	d.server.Handle(uds.CommandStatus, func(req *uds.Request) *uds.Response {
		snap := d.orch.Snapshot()
		if snap == nil {
			return uds.ErrorResponse(uds.ErrCodeNotFound, "no cycle completed yet")
		}
		return uds.SuccessResponse(snap)
	})

	d.server.Handle(uds.CommandHook, d.handleHook)

	d.server.Handle(uds.CommandShutdown, func(req *uds.Request) *uds.Response {
		d.log(logging.LevelInfo, "shutdown requested via UDS")
		d.cancel()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})
}

func (d *Daemon) handleHook(req *uds.Request) *uds.Response {
	var params uds.HookParams
	if err := req.DecodeParams(&params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	if err := params.Validate(); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	select {
	case d.hooks <- params:
	default:
		return uds.ErrorResponse(uds.ErrCodeBackpressure, "hook queue full")
	}
	d.log(logging.LevelDebug, "hook_received event=%s worker=%s", params.Event, params.Worker)
	d.poke()
	return uds.SuccessResponse(nil)
}

// poke wakes the main loop without blocking.
func (d *Daemon) poke() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// fsnotifyLoop wakes the main loop when task files change.
func (d *Daemon) fsnotifyLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if filepath.Ext(event.Name) != ".json" {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				d.log(logging.LevelDebug, "fsnotify event=%s file=%s", event.Op, event.Name)
				d.poke()
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.log(logging.LevelInfo, "fsnotify error=%v", err)
		}
	}
}

// handleSignals cancels the main loop on the first SIGINT/SIGTERM and
// forces exit on the second.
func (d *Daemon) handleSignals() (stop func()) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	done := make(chan struct{})

	go func() {
		select {
		case sig := <-sigCh:
			d.log(logging.LevelInfo, "received signal=%s, initiating graceful shutdown", sig)
			d.cancel()
		case <-done:
			return
		}
		select {
		case <-sigCh:
			d.log(logging.LevelWarn, "received second signal, forcing exit")
			os.Exit(1)
		case <-done:
		}
	}()

	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}

// Shutdown stops new work, drains background goroutines, and interrupts
// then kills worker sessions. Worker and task state is left as is for the
// next start to recover. Idempotent.
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.log(logging.LevelInfo, "shutdown started")
		d.cancel()

		if d.watcher != nil {
			d.watcher.Close()
		}
		if d.server != nil {
			d.server.Stop()
		}

		timeout := time.Duration(d.config.Daemon.ShutdownTimeoutSec) * time.Second
		if timeout <= 0 {
			timeout = 30 * time.Second
		}

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(timeout):
			d.log(logging.LevelWarn, "shutdown timeout after %s, some operations may be incomplete", timeout)
		}

		d.stopSessions(timeout)
		if d.publisher != nil {
			d.publisher.Stop()
		}
		d.deps.publish(events.EventDaemonStopped, map[string]any{"instance_id": d.instanceID})
		if d.bus != nil {
			d.bus.Close()
		}

		d.cleanup()
		d.log(logging.LevelInfo, "daemon stopped")
	})
}

// stopSessions stops every worker session in parallel within timeout.
func (d *Daemon) stopSessions(timeout time.Duration) {
	if d.orch == nil || d.deps.Sessions == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range d.orch.pool.Names() {
		name := name
		g.Go(func() error {
			if err := d.deps.Sessions.Stop(gctx, name); err != nil {
				return fmt.Errorf("stop %s: %w", name, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		d.log(logging.LevelWarn, "stop sessions: %v", err)
	}
}

// persistFailure writes logs/last_failure.json for the remediation prompt.
func (d *Daemon) persistFailure(err error) failure.Record {
	rec := failure.NewRecord(err, time.Now())
	if perr := failure.Persist(d.path(LastFailureFile), rec); perr != nil {
		d.log(logging.LevelError, "persist failure record: %v", perr)
	}
	return rec
}

func (d *Daemon) cleanup() {
	for _, l := range []*events.Journal{d.eventLog, d.postAcceptLog} {
		if l != nil {
			l.Close()
		}
	}
	d.fileLock.Unlock()
	if d.logFile != nil {
		d.logFile.Close()
	}
}

func contextOf(err error) string {
	var f *failure.Failure
	if errors.As(err, &f) {
		return f.ContextString()
	}
	return ""
}

func (d *Daemon) log(level logging.Level, format string, args ...any) {
	if level < d.logLevel {
		return
	}
	d.logger.Println(logging.FormatLine(time.Now(), level, "daemon", fmt.Sprintf(format, args...)))
}

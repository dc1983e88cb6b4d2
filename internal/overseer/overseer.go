// Package overseer supervises the auto-mode daemon from outside: it starts
// the daemon, watches it through its registration, heartbeat, log and
// state files, and on failure terminates it, runs an AI remediation and
// starts it again.
package overseer

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/msageha/conductor/internal/command"
	"github.com/msageha/conductor/internal/failure"
	"github.com/msageha/conductor/internal/heartbeat"
	"github.com/msageha/conductor/internal/logging"
	"github.com/msageha/conductor/internal/model"
	"github.com/msageha/conductor/internal/notify"
	"github.com/msageha/conductor/internal/uds"
)

// LogFile is the overseer's own text log, relative to the conductor dir.
const LogFile = "logs/overseer.log"

type daemonController interface {
	Start(ctx context.Context) (heartbeat.Registration, error)
	Terminate(expected heartbeat.Registration) (TerminationResult, error)
	Kill()
}

type healthChecker interface {
	Begin(started time.Time)
	Check(expected heartbeat.Registration) Health
}

type remediator interface {
	Execute(ctx context.Context, prompt string) (string, error)
}

// Options carries the collaborators the overseer does not build itself.
type Options struct {
	// Sessions hosts the remediation agent in session mode.
	Sessions SessionHost
	// Git reports the trunk working-copy status for the prompt.
	Git      StatusReader
	Runner   command.Runner
	Notifier notify.Notifier
}

// Overseer is the supervisor process.
type Overseer struct {
	conductorDir string
	cfg          model.Config

	control     daemonController
	monitor     healthChecker
	prompts     *PromptBuilder
	remediation remediator
	sessions    SessionHost
	notifier    notify.Notifier

	server   *uds.Server
	hooks    chan uds.HookParams
	interval time.Duration
	cooldown time.Duration
	clock    func() time.Time

	// restarts counts daemon starts that followed a remediation.
	restarts int

	ctx    context.Context
	cancel context.CancelFunc
	logSink
}

// New wires the overseer for cfg, logging to w.
func New(conductorDir string, cfg model.Config, opts Options, w io.Writer) (*Overseer, error) {
	logger := log.New(w, "", 0)
	level := logging.ParseLevel(cfg.Logging.Level)

	control := NewDaemonControl(conductorDir, cfg, logger, level)
	monitor := NewHealthMonitor(conductorDir, cfg.Overseer, control.Alive, logger, level)
	hooks := make(chan uds.HookParams, 16)

	var dispatcher Dispatcher
	var sessions SessionHost
	switch cfg.Overseer.RemediationMode {
	case model.RemediationModeSession:
		if opts.Sessions == nil {
			return nil, fmt.Errorf("remediation mode %q needs a session host", cfg.Overseer.RemediationMode)
		}
		sessions = opts.Sessions
		dispatcher = &SessionDispatcher{Sessions: sessions, Hooks: hooks, Dir: cfg.Repo.Source}
	default:
		runner := opts.Runner
		if runner == nil {
			runner = command.NewShellRunner()
		}
		dispatcher = &CommandDispatcher{Runner: runner, Command: cfg.Overseer.RemediationCommand, Dir: cfg.Repo.Source}
	}
	executor := NewExecutor(filepath.Join(conductorDir, "logs"), dispatcher,
		time.Duration(cfg.Overseer.RemediationTimeoutSec)*time.Second, logger, level)

	notifier := opts.Notifier
	if notifier == nil {
		notifier = notify.Nop{}
		if cfg.Overseer.Notify {
			notifier = notify.NewDesktop()
		}
	}

	o := newOverseer(conductorDir, cfg, control, monitor, executor, notifier, logger, level)
	o.prompts = NewPromptBuilder(conductorDir, cfg, opts.Git)
	o.sessions = sessions
	o.hooks = hooks
	return o, nil
}

func newOverseer(conductorDir string, cfg model.Config, control daemonController, monitor healthChecker, remediation remediator, notifier notify.Notifier, logger *log.Logger, level logging.Level) *Overseer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Overseer{
		conductorDir: conductorDir,
		cfg:          cfg,
		control:      control,
		monitor:      monitor,
		prompts:      NewPromptBuilder(conductorDir, cfg, nil),
		remediation:  remediation,
		notifier:     notifier,
		server:       uds.NewServer(filepath.Join(conductorDir, uds.OverseerSocketName)),
		hooks:        make(chan uds.HookParams, 16),
		interval:     time.Duration(cfg.Overseer.HealthCheckIntervalSec) * time.Second,
		cooldown:     time.Duration(cfg.Overseer.RestartCooldownSec) * time.Second,
		clock:        time.Now,
		ctx:          ctx,
		cancel:       cancel,
		logSink:      logSink{logger: logger, level: level, component: "overseer"},
	}
}

// Run supervises the daemon until an interrupt or shutdown request (nil)
// or a fatal condition (a *failure.Failure of tier Fatal).
func (o *Overseer) Run() error {
	o.registerHandlers()
	o.server.SetLogger(func(format string, args ...any) {
		o.log(logging.LevelInfo, "uds: "+format, args...)
	})
	if err := o.server.Start(); err != nil {
		return fmt.Errorf("start overseer socket: %w", err)
	}
	defer o.server.Stop()
	stopSignals := o.handleSignals()
	defer stopSignals()

	o.log(logging.LevelInfo, "overseer starting pid=%d task_list=%s remediation_mode=%s",
		os.Getpid(), o.cfg.Auto.TaskListID, o.cfg.Overseer.RemediationMode)
	return o.loop()
}

func (o *Overseer) loop() error {
	for {
		if o.ctx.Err() != nil {
			return o.shutdown(nil)
		}

		started := o.clock()
		reg, err := o.control.Start(o.ctx)
		if o.ctx.Err() != nil {
			if err == nil {
				return o.shutdown(&reg)
			}
			return o.shutdown(nil)
		}
		var health Health
		running := err == nil
		if running {
			o.log(logging.LevelInfo, "daemon started pid=%d instance=%s", reg.PID, reg.InstanceID)
			o.monitor.Begin(started)
			health = o.watch(reg)
			if o.ctx.Err() != nil {
				return o.shutdown(&reg)
			}
		} else {
			health = Health{Status: StartupFailed, Detail: err.Error()}
		}

		failedAt := o.clock()
		o.log(logging.LevelWarn, "daemon failure detected status=%s: %s", health.Status, health.Describe())
		if running {
			res, err := o.control.Terminate(reg)
			if err != nil {
				o.log(logging.LevelError, "terminate daemon pid=%d: %v", reg.PID, err)
			} else {
				o.log(logging.LevelInfo, "daemon terminated pid=%d result=%s", reg.PID, res)
			}
		}

		if o.restarts > 0 && failedAt.Sub(started) < o.cooldown {
			return o.spiral(health, failedAt.Sub(started))
		}
		if err := o.checkMarker(); err != nil {
			return err
		}

		transcript, err := o.remediation.Execute(o.ctx, o.prompts.Build(health))
		if o.ctx.Err() != nil {
			return o.shutdown(nil)
		}
		if err != nil {
			o.log(logging.LevelInfo, "remediation did not finish cleanly transcript=%s: %v", transcript, err)
		}
		if err := o.checkMarker(); err != nil {
			return err
		}
		o.restarts++
		o.log(logging.LevelInfo, "restarting daemon after remediation restarts=%d transcript=%s", o.restarts, transcript)
	}
}

// watch checks health every interval until the daemon fails or the
// overseer is asked to stop.
func (o *Overseer) watch(reg heartbeat.Registration) Health {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	for {
		select {
		case <-o.ctx.Done():
			return Health{Status: Healthy}
		case <-ticker.C:
		}
		if h := o.monitor.Check(reg); !h.Healthy() {
			return h
		}
	}
}

func (o *Overseer) spiral(h Health, uptime time.Duration) error {
	o.log(logging.LevelError, "failure spiral: daemon failed %s after a remediation restart (cooldown %s): %s",
		uptime.Round(time.Second), o.cooldown, h.Describe())
	o.notify("conductor: failure spiral", h.Describe())
	return failure.Newf(failure.FailureSpiral, "daemon failed %s after restart, within the %s cooldown",
		uptime.Round(time.Second), o.cooldown).With("status", h.Status.String())
}

// checkMarker stops the overseer when a remediation asked for a human.
func (o *Overseer) checkMarker() error {
	matches, err := filepath.Glob(filepath.Join(o.conductorDir, MarkerPrefix+"*.txt"))
	if err != nil || len(matches) == 0 {
		return nil
	}
	path := matches[0]
	content, err := os.ReadFile(path)
	if err != nil {
		content = []byte(fmt.Sprintf("(could not read: %v)", err))
	}
	text := strings.TrimSpace(string(content))
	o.log(logging.LevelError, "manual intervention required file=%s content=%q", path, text)
	summary, _, _ := strings.Cut(text, "\n")
	o.notify("conductor: manual intervention required", summary)
	return failure.Newf(failure.ManualIntervention, "manual intervention required, see %s", path).With("file", path)
}

func (o *Overseer) notify(title, message string) {
	if err := o.notifier.Notify(title, message); err != nil {
		o.log(logging.LevelInfo, "notify failed: %v", err)
	}
}

// shutdown stops the daemon and the remediation session in parallel.
func (o *Overseer) shutdown(reg *heartbeat.Registration) error {
	o.log(logging.LevelInfo, "overseer shutting down")
	var g errgroup.Group
	if reg != nil {
		expected := *reg
		g.Go(func() error {
			res, err := o.control.Terminate(expected)
			if err != nil {
				return fmt.Errorf("terminate daemon: %w", err)
			}
			o.log(logging.LevelInfo, "daemon terminated pid=%d result=%s", expected.PID, res)
			return nil
		})
	}
	if o.sessions != nil {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := o.sessions.Stop(ctx, SessionWorker); err != nil {
				return fmt.Errorf("stop remediation session: %w", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		o.log(logging.LevelWarn, "shutdown: %v", err)
	}
	o.log(logging.LevelInfo, "overseer stopped")
	return nil
}

// Stop asks Run to shut down.
func (o *Overseer) Stop() {
	o.cancel()
}

func (o *Overseer) registerHandlers() {
	o.server.Handle(uds.CommandPing, func(req *uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]any{
			"status": "ok",
			"pid":    os.Getpid(),
		})
	})
	o.server.Handle(uds.CommandHook, o.handleHook)
	o.server.Handle(uds.CommandShutdown, func(req *uds.Request) *uds.Response {
		o.log(logging.LevelInfo, "shutdown requested via UDS")
		o.cancel()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})
}

func (o *Overseer) handleHook(req *uds.Request) *uds.Response {
	var params uds.HookParams
	if err := req.DecodeParams(&params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	if err := params.Validate(); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	if params.Worker != SessionWorker {
		return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("overseer socket only takes hooks for %q", SessionWorker))
	}
	select {
	case o.hooks <- params:
		return uds.SuccessResponse(nil)
	default:
		return uds.ErrorResponse(uds.ErrCodeBackpressure, "hook queue full")
	}
}

// handleSignals cancels on the first SIGINT/SIGTERM; a second one kills
// the daemon and exits at once.
func (o *Overseer) handleSignals() (stop func()) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	done := make(chan struct{})

	go func() {
		select {
		case sig := <-sigCh:
			o.log(logging.LevelInfo, "received signal=%s, stopping daemon and remediation", sig)
			o.cancel()
		case <-done:
			return
		}
		select {
		case <-sigCh:
			o.log(logging.LevelWarn, "received second signal, killing daemon")
			o.control.Kill()
			os.Exit(1)
		case <-done:
		}
	}()

	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}

// logSink gives a component the "<time> LEVEL component: msg" log line.
type logSink struct {
	logger    *log.Logger
	level     logging.Level
	component string
}

func (s logSink) log(level logging.Level, format string, args ...any) {
	if s.logger == nil || level < s.level {
		return
	}
	s.logger.Println(logging.FormatLine(time.Now(), level, s.component, fmt.Sprintf(format, args...)))
}

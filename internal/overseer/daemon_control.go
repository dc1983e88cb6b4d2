package overseer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/msageha/conductor/internal/daemon"
	"github.com/msageha/conductor/internal/heartbeat"
	"github.com/msageha/conductor/internal/logging"
	"github.com/msageha/conductor/internal/model"
)

const terminationPoll = 500 * time.Millisecond

// TerminationResult reports how a daemon stop went.
type TerminationResult int

const (
	GracefulShutdown TerminationResult = iota
	ForcefulKill
	AlreadyGone
	TerminationFailed
)

func (r TerminationResult) String() string {
	switch r {
	case GracefulShutdown:
		return "graceful"
	case ForcefulKill:
		return "killed"
	case AlreadyGone:
		return "already_gone"
	case TerminationFailed:
		return "failed"
	}
	return fmt.Sprintf("TerminationResult(%d)", int(r))
}

// DaemonControl launches the daemon as a child process and stops it with
// SIGTERM, a grace period, then SIGKILL.
type DaemonControl struct {
	conductorDir   string
	command        []string
	grace          time.Duration
	startupTimeout time.Duration

	mu     sync.Mutex
	cmd    *exec.Cmd
	exited chan struct{}
	logSink
}

// NewDaemonControl runs `conductor up --auto` for cfg's task list from the
// current executable.
func NewDaemonControl(conductorDir string, cfg model.Config, logger *log.Logger, level logging.Level) *DaemonControl {
	exe, err := os.Executable()
	if err != nil {
		exe = "conductor"
	}
	return &DaemonControl{
		conductorDir: conductorDir,
		command: []string{exe, "up", "--auto",
			"--conductor-dir", conductorDir,
			"--task-list", cfg.Auto.TaskListID,
			"--concurrency", strconv.Itoa(cfg.Auto.Concurrency),
		},
		grace:          time.Duration(cfg.Overseer.TerminationGraceSec) * time.Second,
		startupTimeout: time.Duration(cfg.Overseer.StartupTimeoutSec) * time.Second,
		logSink:        logSink{logger: logger, level: level, component: "daemon_control"},
	}
}

func (c *DaemonControl) path(rel string) string {
	return filepath.Join(c.conductorDir, rel)
}

// Start removes stale registration files, launches the daemon and waits
// for it to register itself.
func (c *DaemonControl) Start(ctx context.Context) (heartbeat.Registration, error) {
	c.RemoveFiles()

	logPath := c.path(daemon.LogFile)
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return heartbeat.Registration{}, fmt.Errorf("create log dir: %w", err)
	}
	// panics and anything else on stderr land next to the daemon's own log
	out, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return heartbeat.Registration{}, fmt.Errorf("open daemon log: %w", err)
	}
	defer out.Close()

	cmd := exec.Command(c.command[0], c.command[1:]...)
	cmd.Dir = c.conductorDir
	cmd.Stdout = out
	cmd.Stderr = out
	// own process group: a terminal Ctrl-C reaches the overseer only
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return heartbeat.Registration{}, fmt.Errorf("start daemon: %w", err)
	}
	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()
	c.mu.Lock()
	c.cmd, c.exited = cmd, exited
	c.mu.Unlock()
	c.log(logging.LevelInfo, "daemon launched pid=%d", cmd.Process.Pid)

	deadline := time.NewTimer(c.startupTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(terminationPoll)
	defer poll.Stop()
	for {
		reg, err := heartbeat.ReadRegistration(c.path(daemon.RegistrationFile))
		if err == nil && reg.PID == cmd.Process.Pid {
			c.log(logging.LevelInfo, "daemon registered pid=%d instance=%s", reg.PID, reg.InstanceID)
			return reg, nil
		}
		select {
		case <-ctx.Done():
			c.abort(cmd, exited)
			return heartbeat.Registration{}, ctx.Err()
		case <-exited:
			return heartbeat.Registration{}, fmt.Errorf("daemon exited during startup (%s)", cmd.ProcessState)
		case <-deadline.C:
			c.abort(cmd, exited)
			return heartbeat.Registration{}, fmt.Errorf("daemon did not register within %s", c.startupTimeout)
		case <-poll.C:
		}
	}
}

// abort stops a child that never finished starting: SIGTERM, the grace
// period, then SIGKILL. It returns once the child is reaped, so a late
// registration cannot outlive the failed start.
func (c *DaemonControl) abort(cmd *exec.Cmd, exited <-chan struct{}) {
	pid := cmd.Process.Pid
	defer c.RemoveFiles()
	c.log(logging.LevelWarn, "stopping unregistered daemon pid=%d", pid)
	_ = cmd.Process.Signal(unix.SIGTERM)
	grace := time.NewTimer(c.grace)
	defer grace.Stop()
	select {
	case <-exited:
		return
	case <-grace.C:
	}
	c.log(logging.LevelWarn, "grace period expired, sending SIGKILL pid=%d", pid)
	_ = cmd.Process.Kill()
	<-exited
}

// Alive reports whether pid is running. The daemon child is judged by its
// reaped exit so a zombie does not count as alive.
func (c *DaemonControl) Alive(pid int) bool {
	c.mu.Lock()
	cmd, exited := c.cmd, c.exited
	c.mu.Unlock()
	if cmd != nil && cmd.Process != nil && cmd.Process.Pid == pid {
		select {
		case <-exited:
			return false
		default:
			return true
		}
	}
	return processAlive(pid)
}

// Terminate stops the daemon described by expected and removes its
// registration and heartbeat.
func (c *DaemonControl) Terminate(expected heartbeat.Registration) (TerminationResult, error) {
	defer c.RemoveFiles()
	pid := expected.PID
	if !c.Alive(pid) {
		c.log(logging.LevelInfo, "daemon already gone pid=%d", pid)
		return AlreadyGone, nil
	}
	if reg, err := heartbeat.ReadRegistration(c.path(daemon.RegistrationFile)); err != nil || !reg.SameIdentity(expected) {
		c.log(logging.LevelInfo, "registration does not match pid=%d, terminating anyway", pid)
	}

	c.log(logging.LevelInfo, "sending SIGTERM pid=%d grace=%s", pid, c.grace)
	if err := sendSignal(pid, unix.SIGTERM); err != nil {
		return TerminationFailed, err
	}
	if c.waitGone(pid, c.grace) {
		c.log(logging.LevelInfo, "daemon stopped gracefully pid=%d", pid)
		return GracefulShutdown, nil
	}

	c.log(logging.LevelInfo, "grace period expired, sending SIGKILL pid=%d", pid)
	if err := sendSignal(pid, unix.SIGKILL); err != nil {
		return TerminationFailed, err
	}
	if c.waitGone(pid, time.Second) {
		return ForcefulKill, nil
	}
	return TerminationFailed, fmt.Errorf("daemon pid %d still running after SIGKILL", pid)
}

// Kill sends SIGKILL to the running daemon child without waiting.
func (c *DaemonControl) Kill() {
	c.mu.Lock()
	cmd := c.cmd
	c.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

func (c *DaemonControl) waitGone(pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if !c.Alive(pid) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(terminationPoll)
	}
}

// RemoveFiles deletes the registration and heartbeat so the next start
// cannot read a previous daemon's identity.
func (c *DaemonControl) RemoveFiles() {
	if err := heartbeat.Remove(c.path(daemon.RegistrationFile), c.path(daemon.HeartbeatFile)); err != nil {
		c.log(logging.LevelInfo, "remove registration files: %v", err)
	}
}

func sendSignal(pid int, sig unix.Signal) error {
	if err := unix.Kill(pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("send %s to %d: %w", unix.SignalName(sig), pid, err)
	}
	return nil
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

package formation

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/msageha/conductor/internal/daemon"
	"github.com/msageha/conductor/internal/heartbeat"
	"github.com/msageha/conductor/internal/lock"
	"github.com/msageha/conductor/internal/model"
	"github.com/msageha/conductor/internal/tmux"
	"github.com/msageha/conductor/internal/uds"
)

// DownOptions configures `conductor down`.
type DownOptions struct {
	ConductorDir string
	Config       model.Config
	// Force kills the daemon recorded in the lock file and its worker
	// sessions when the sockets do not answer.
	Force bool
	// Timeout bounds the wait for each process to stop.
	Timeout time.Duration
	Out     io.Writer
}

// RunDown stops the overseer first, so it does not restart the daemon,
// then the daemon.
func RunDown(opts DownOptions) error {
	if opts.Timeout <= 0 {
		opts.Timeout = time.Duration(opts.Config.Daemon.ShutdownTimeoutSec+opts.Config.Overseer.TerminationGraceSec)*time.Second + 10*time.Second
	}
	if opts.Out == nil {
		opts.Out = io.Discard
	}

	overseerSock := filepath.Join(opts.ConductorDir, uds.OverseerSocketName)
	stopped, err := requestShutdown(overseerSock, "overseer", opts)
	if err != nil {
		return err
	}
	if stopped {
		fmt.Fprintln(opts.Out, "Overseer stopped.")
	}

	daemonSock := filepath.Join(opts.ConductorDir, uds.DaemonSocketName)
	stopped, err = requestShutdown(daemonSock, "daemon", opts)
	if err != nil {
		if !opts.Force {
			return err
		}
		fmt.Fprintf(opts.Out, "Warning: %v\n", err)
	}
	if stopped {
		fmt.Fprintln(opts.Out, "Daemon stopped.")
	}

	if opts.Force {
		return forceStop(opts)
	}
	if pid := lock.HolderPID(filepath.Join(opts.ConductorDir, daemon.LockFile)); pid > 0 && processAlive(pid) {
		return fmt.Errorf("daemon pid %d still holds %s; rerun with --force", pid, daemon.LockFile)
	}
	fmt.Fprintln(opts.Out, "Conductor stopped.")
	return nil
}

// requestShutdown sends shutdown over sock and waits for the socket to
// disappear. It reports false when nothing was listening.
func requestShutdown(sock, name string, opts DownOptions) (bool, error) {
	if _, err := os.Stat(sock); os.IsNotExist(err) {
		return false, nil
	}
	client := uds.NewClient(sock)
	client.SetTimeout(5 * time.Second)
	resp, err := client.SendCommand(uds.CommandShutdown, nil)
	if errors.Is(err, uds.ErrUnavailable) {
		// stale socket left by a crashed process
		fmt.Fprintf(opts.Out, "Warning: %s socket is stale, removing it\n", name)
		_ = os.Remove(sock)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("request %s shutdown: %w", name, err)
	}
	if err := resp.Err(); err != nil {
		return false, fmt.Errorf("%s rejected shutdown: %w", name, err)
	}
	fmt.Fprintf(opts.Out, "Shutdown accepted. Waiting for %s to stop...\n", name)

	deadline := time.Now().Add(opts.Timeout)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(sock); os.IsNotExist(err) {
			return true, nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return false, fmt.Errorf("%s did not stop within %s", name, opts.Timeout)
}

// forceStop kills the lock holder and every worker session, then clears
// the files a live daemon would own.
func forceStop(opts DownOptions) error {
	var errs []error
	lockPath := filepath.Join(opts.ConductorDir, daemon.LockFile)
	if pid := lock.HolderPID(lockPath); pid > 0 && pid != os.Getpid() && processAlive(pid) {
		fmt.Fprintf(opts.Out, "Killing daemon pid %d\n", pid)
		if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
			errs = append(errs, fmt.Errorf("kill daemon %d: %w", pid, err))
		}
	}

	sessions, err := tmux.ListSessions(opts.Config.Auto.SessionPrefix + "-")
	if err != nil {
		errs = append(errs, fmt.Errorf("list sessions: %w", err))
	}
	for _, s := range sessions {
		if err := tmux.KillSession(s); err != nil {
			errs = append(errs, fmt.Errorf("kill session %s: %w", s, err))
			continue
		}
		fmt.Fprintf(opts.Out, "Killed session %s\n", s)
	}

	if err := heartbeat.Remove(
		filepath.Join(opts.ConductorDir, daemon.RegistrationFile),
		filepath.Join(opts.ConductorDir, daemon.HeartbeatFile),
		filepath.Join(opts.ConductorDir, uds.DaemonSocketName),
		filepath.Join(opts.ConductorDir, uds.OverseerSocketName),
	); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	fmt.Fprintln(opts.Out, "Conductor force-stopped.")
	return nil
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

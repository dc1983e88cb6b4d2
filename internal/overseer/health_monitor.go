package overseer

import (
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/msageha/conductor/internal/daemon"
	"github.com/msageha/conductor/internal/heartbeat"
	"github.com/msageha/conductor/internal/logging"
	"github.com/msageha/conductor/internal/model"
)

// Status is the outcome of one health check.
type Status int

const (
	Healthy Status = iota
	ProcessGone
	HeartbeatStale
	LogError
	Stalled
	IdentityMismatch
	// StartupFailed means the daemon exited or never registered after launch.
	StartupFailed
)

var statusNames = map[Status]string{
	Healthy:          "healthy",
	ProcessGone:      "process_gone",
	HeartbeatStale:   "heartbeat_stale",
	LogError:         "log_error",
	Stalled:          "stalled",
	IdentityMismatch: "identity_mismatch",
	StartupFailed:    "startup_failed",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Health is a check result. Detail carries the offending log line or the
// identity difference; Age the heartbeat or stall duration.
type Health struct {
	Status Status
	Detail string
	Age    time.Duration
}

func (h Health) Healthy() bool {
	return h.Status == Healthy
}

// Describe renders h for logs and notifications.
func (h Health) Describe() string {
	switch h.Status {
	case Healthy:
		return "daemon is healthy"
	case ProcessGone:
		return "daemon process is no longer running"
	case HeartbeatStale:
		if h.Age < 0 {
			return "heartbeat file missing"
		}
		return fmt.Sprintf("heartbeat is stale (%s old)", h.Age.Round(time.Second))
	case LogError:
		return "error or warning in daemon log: " + h.Detail
	case Stalled:
		return fmt.Sprintf("no task completions for %s", h.Age.Round(time.Second))
	case IdentityMismatch:
		return "daemon identity mismatch: " + h.Detail
	case StartupFailed:
		return "daemon failed to start: " + h.Detail
	}
	return h.Status.String()
}

// HealthMonitor checks a running daemon through its registration,
// heartbeat, log and state files.
type HealthMonitor struct {
	conductorDir     string
	heartbeatTimeout time.Duration
	stallTimeout     time.Duration
	tailer           *LogTailer
	alive            func(pid int) bool
	clock            func() time.Time

	started time.Time
	logSink
}

// NewHealthMonitor creates a monitor. alive reports whether a pid is still
// running; the daemon control supplies one that sees through zombies.
func NewHealthMonitor(conductorDir string, cfg model.OverseerConfig, alive func(pid int) bool, logger *log.Logger, level logging.Level) *HealthMonitor {
	if alive == nil {
		alive = processAlive
	}
	return &HealthMonitor{
		conductorDir:     conductorDir,
		heartbeatTimeout: time.Duration(cfg.HeartbeatTimeoutSec) * time.Second,
		stallTimeout:     time.Duration(cfg.StallTimeoutSec) * time.Second,
		tailer:           NewLogTailer(filepath.Join(conductorDir, daemon.LogFile)),
		alive:            alive,
		clock:            time.Now,
		logSink:          logSink{logger: logger, level: level, component: "health_monitor"},
	}
}

// Begin starts watching a freshly started daemon. Log lines written
// before this point are not inspected.
func (m *HealthMonitor) Begin(started time.Time) {
	m.started = started
	m.tailer.SkipToEnd()
}

// Check runs the checks in order and returns the first failure.
func (m *HealthMonitor) Check(expected heartbeat.Registration) Health {
	for _, check := range []func(heartbeat.Registration) Health{
		m.checkIdentity,
		m.checkHeartbeat,
		m.checkLog,
		m.checkProgress,
	} {
		if h := check(expected); !h.Healthy() {
			m.log(logging.LevelInfo, "check failed status=%s detail=%q", h.Status, h.Describe())
			return h
		}
	}
	m.log(logging.LevelDebug, "check passed pid=%d", expected.PID)
	return Health{Status: Healthy}
}

func (m *HealthMonitor) checkIdentity(expected heartbeat.Registration) Health {
	reg, err := heartbeat.ReadRegistration(filepath.Join(m.conductorDir, daemon.RegistrationFile))
	switch {
	case errors.Is(err, heartbeat.ErrMissing):
		if m.alive(expected.PID) {
			return Health{Status: IdentityMismatch, Detail: "registration file removed while the process still runs"}
		}
		return Health{Status: ProcessGone}
	case err != nil:
		return Health{Status: IdentityMismatch, Detail: err.Error()}
	}
	if reg.PID != expected.PID {
		return Health{Status: IdentityMismatch, Detail: fmt.Sprintf("pid changed from %d to %d", expected.PID, reg.PID)}
	}
	if reg.InstanceID != expected.InstanceID {
		return Health{Status: IdentityMismatch, Detail: fmt.Sprintf("instance changed from %s to %s", expected.InstanceID, reg.InstanceID)}
	}
	if reg.StartTimeUnix != expected.StartTimeUnix {
		return Health{Status: IdentityMismatch, Detail: fmt.Sprintf("start time changed from %d to %d", expected.StartTimeUnix, reg.StartTimeUnix)}
	}
	if !m.alive(expected.PID) {
		return Health{Status: ProcessGone}
	}
	return Health{Status: Healthy}
}

func (m *HealthMonitor) checkHeartbeat(expected heartbeat.Registration) Health {
	rec, err := heartbeat.ReadRecord(filepath.Join(m.conductorDir, daemon.HeartbeatFile))
	if err != nil {
		return Health{Status: HeartbeatStale, Age: -1, Detail: err.Error()}
	}
	if rec.InstanceID != expected.InstanceID {
		return Health{Status: IdentityMismatch, Detail: fmt.Sprintf("heartbeat written by instance %s, expected %s", rec.InstanceID, expected.InstanceID)}
	}
	now := m.clock()
	if rec.IsStale(now, m.heartbeatTimeout) {
		return Health{Status: HeartbeatStale, Age: rec.Age(now)}
	}
	return Health{Status: Healthy}
}

func (m *HealthMonitor) checkLog(heartbeat.Registration) Health {
	line, found, err := m.tailer.FirstAlert()
	if err != nil {
		m.log(logging.LevelInfo, "log tail failed: %v", err)
		return Health{Status: Healthy}
	}
	if found {
		return Health{Status: LogError, Detail: line}
	}
	return Health{Status: Healthy}
}

// checkProgress measures the stall from the later of the last completion
// and the daemon start, so an idle start is not reported as a stall.
func (m *HealthMonitor) checkProgress(heartbeat.Registration) Health {
	st, err := daemon.LoadState(filepath.Join(m.conductorDir, daemon.StateFile))
	if err != nil {
		m.log(logging.LevelInfo, "progress check skipped: %v", err)
		return Health{Status: Healthy}
	}
	// nothing has ever completed, so there is no progress to lose; an
	// empty task list must not cycle through remediation
	if st.LastTaskCompletionUnix == nil {
		return Health{Status: Healthy}
	}
	since := time.Unix(*st.LastTaskCompletionUnix, 0)
	if m.started.After(since) {
		since = m.started
	}
	if stall := m.clock().Sub(since); stall > m.stallTimeout {
		return Health{Status: Stalled, Age: stall}
	}
	return Health{Status: Healthy}
}

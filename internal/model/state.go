package model

import (
	"fmt"
	"sort"
	"time"
)

const (
	InitialBackoffSec = 60
	MaxBackoffSec     = 3600
)

// Backoff tracks the "trunk not integrable" retry delay.
type Backoff struct {
	RetryAfterUnix int64 `yaml:"retry_after_unix"`
	BackoffSeconds int64 `yaml:"backoff_seconds"`
}

// Active reports whether integration attempts must wait.
func (b *Backoff) Active(now time.Time) bool {
	return b != nil && now.Unix() < b.RetryAfterUnix
}

// NextBackoff returns the backoff after one more trunk-dirty detection.
func NextBackoff(prev *Backoff, now time.Time) *Backoff {
	delay := int64(InitialBackoffSec)
	if prev != nil && prev.BackoffSeconds > 0 {
		delay = prev.BackoffSeconds * 2
	}
	if delay > MaxBackoffSec {
		delay = MaxBackoffSec
	}
	return &Backoff{
		RetryAfterUnix: now.Unix() + delay,
		BackoffSeconds: delay,
	}
}

// DaemonState is the daemon's persisted state file.
type DaemonState struct {
	InstanceID             string             `yaml:"instance_id,omitempty"`
	Workers                map[string]*Worker `yaml:"workers"`
	Backoff                *Backoff           `yaml:"backoff,omitempty"`
	LastTaskCompletionUnix *int64             `yaml:"last_task_completion_unix,omitempty"`
	UpdatedAt              string             `yaml:"updated_at,omitempty"`
}

func NewDaemonState() *DaemonState {
	return &DaemonState{Workers: make(map[string]*Worker)}
}

// WorkerNames returns worker names in numeric order (auto-1, auto-2, ..., auto-10).
func (s *DaemonState) WorkerNames() []string {
	names := make([]string, 0, len(s.Workers))
	for name := range s.Workers {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		ni, nj := workerNumber(names[i]), workerNumber(names[j])
		if ni != nj {
			return ni < nj
		}
		return names[i] < names[j]
	})
	return names
}

// RecordCompletion stamps the last task completion time.
func (s *DaemonState) RecordCompletion(now time.Time) {
	ts := now.Unix()
	s.LastTaskCompletionUnix = &ts
}

// WorkerName returns the name of the n-th auto worker (1-based).
func WorkerName(n int) string {
	return fmt.Sprintf("auto-%d", n)
}

func workerNumber(name string) int {
	var n int
	if _, err := fmt.Sscanf(name, "auto-%d", &n); err != nil {
		return 1 << 30
	}
	return n
}

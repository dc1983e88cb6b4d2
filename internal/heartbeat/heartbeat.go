// Package heartbeat owns the files through which the overseer observes the
// daemon: the registration written once at startup and the heartbeat
// rewritten on a fixed interval by a goroutine independent of the main loop.
package heartbeat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/msageha/conductor/internal/fsutil"
)

// ErrMissing is returned when a registration or heartbeat file does not exist.
var ErrMissing = errors.New("file missing")

type Registration struct {
	PID           int    `json:"pid"`
	StartTimeUnix int64  `json:"start_time_unix"`
	InstanceID    string `json:"instance_id"`
	LogFile       string `json:"log_file"`
}

// SameIdentity reports whether r and other describe the same daemon run.
func (r Registration) SameIdentity(other Registration) bool {
	return r.PID == other.PID && r.StartTimeUnix == other.StartTimeUnix && r.InstanceID == other.InstanceID
}

type Record struct {
	TimestampUnix int64  `json:"timestamp_unix"`
	InstanceID    string `json:"instance_id"`
}

// Age returns how long ago the heartbeat was written.
func (r Record) Age(now time.Time) time.Duration {
	return now.Sub(time.Unix(r.TimestampUnix, 0))
}

// IsStale reports whether the heartbeat is older than timeout.
func (r Record) IsStale(now time.Time, timeout time.Duration) bool {
	return r.Age(now) > timeout
}

func WriteRegistration(path string, r Registration) error {
	if err := fsutil.WriteJSON(path, r); err != nil {
		return fmt.Errorf("write registration: %w", err)
	}
	return nil
}

func ReadRegistration(path string) (Registration, error) {
	var r Registration
	if err := readJSON(path, &r); err != nil {
		return Registration{}, fmt.Errorf("read registration: %w", err)
	}
	return r, nil
}

func WriteRecord(path string, r Record) error {
	if err := fsutil.WriteJSON(path, r); err != nil {
		return fmt.Errorf("write heartbeat: %w", err)
	}
	return nil
}

func ReadRecord(path string) (Record, error) {
	var r Record
	if err := readJSON(path, &r); err != nil {
		return Record{}, fmt.Errorf("read heartbeat: %w", err)
	}
	return r, nil
}

// Remove deletes the given files, ignoring ones already gone.
func Remove(paths ...string) error {
	var errs []error
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%s: %w", path, ErrMissing)
		}
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// Publisher rewrites the heartbeat file every interval until stopped.
type Publisher struct {
	path       string
	instanceID string
	interval   time.Duration
	onError    func(error)
	clock      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPublisher creates a publisher. onError may be nil.
func NewPublisher(path, instanceID string, interval time.Duration, onError func(error)) *Publisher {
	if onError == nil {
		onError = func(error) {}
	}
	return &Publisher{
		path:       path,
		instanceID: instanceID,
		interval:   interval,
		onError:    onError,
		clock:      time.Now,
	}
}

// Start writes one heartbeat synchronously, then keeps writing from a
// background goroutine until ctx is cancelled or Stop is called.
func (p *Publisher) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done != nil {
		return fmt.Errorf("heartbeat publisher already started")
	}
	if err := p.beat(); err != nil {
		return err
	}

	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	go p.run(ctx, p.done)
	return nil
}

func (p *Publisher) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.beat(); err != nil {
				p.onError(err)
			}
		}
	}
}

func (p *Publisher) beat() error {
	return WriteRecord(p.path, Record{TimestampUnix: p.clock().Unix(), InstanceID: p.instanceID})
}

// Stop cancels the goroutine and waits for it to exit. Safe to call more
// than once.
func (p *Publisher) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

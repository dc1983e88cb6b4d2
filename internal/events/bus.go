// Package events carries structured auto-mode events: an in-process bus and
// an append-only JSONL journal with size-based rotation.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

type EventType string

const (
	EventDaemonStarted    EventType = "daemon_started"
	EventDaemonStopped    EventType = "daemon_stopped"
	EventTaskAssigned     EventType = "task_assigned"
	EventTaskCompleted    EventType = "task_completed"
	EventTaskReleased     EventType = "task_released"
	EventWorkerTransition EventType = "worker_transition"
	EventAcceptSucceeded  EventType = "accept_succeeded"
	EventAcceptDeferred   EventType = "accept_deferred"
	EventRebaseConflict   EventType = "rebase_conflict"
	EventSessionRestarted EventType = "session_restarted"
	EventFailure          EventType = "failure"
)

type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]any
}

type Subscriber func(Event)

type subscription struct {
	id    int
	types map[EventType]bool
	fn    Subscriber
}

func (s *subscription) wants(t EventType) bool {
	return len(s.types) == 0 || s.types[t]
}

// Bus delivers events to subscribers from a single goroutine, so every
// subscriber sees events in publish order. Publish never blocks the daemon
// loop: when the queue is full the event is dropped and counted.
type Bus struct {
	queue chan Event
	done  chan struct{}

	mu     sync.RWMutex
	subs   []*subscription
	nextID int
	closed bool

	dropped   atomic.Uint64
	closeOnce sync.Once
	now       func() time.Time
}

// NewBus starts a bus whose queue holds up to queueSize pending events.
func NewBus(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = 256
	}
	b := &Bus{
		queue: make(chan Event, queueSize),
		done:  make(chan struct{}),
		now:   time.Now,
	}
	go b.dispatch()
	return b
}

// Subscribe registers fn for the given types, or for every type when none
// are named. It returns an unsubscribe func.
func (b *Bus) Subscribe(fn Subscriber, types ...EventType) func() {
	sub := &subscription{fn: fn}
	if len(types) > 0 {
		sub.types = make(map[EventType]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	b.mu.Lock()
	b.nextID++
	sub.id = b.nextID
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == sub.id {
				b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish queues an event. After Close it is a no-op.
func (b *Bus) Publish(eventType EventType, data map[string]any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	select {
	case b.queue <- Event{Type: eventType, Timestamp: b.now().UTC(), Data: data}:
	default:
		b.dropped.Add(1)
	}
}

// Dropped reports how many events were discarded on a full queue.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *Bus) dispatch() {
	defer close(b.done)
	for e := range b.queue {
		b.mu.RLock()
		subs := b.subs
		b.mu.RUnlock()
		for _, s := range subs {
			if s.wants(e.Type) {
				deliver(s.fn, e)
			}
		}
	}
}

func deliver(fn Subscriber, e Event) {
	defer func() { _ = recover() }()
	fn(e)
}

// Close stops accepting events and returns once every queued event has
// been delivered.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		close(b.queue)
		b.mu.Unlock()
	})
	<-b.done
}

package events

import (
	"sync"
	"testing"
	"time"
)

type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) record(e Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

func (c *collector) types() []EventType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]EventType, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e.Type)
	}
	return out
}

func TestBus_DeliversInPublishOrder(t *testing.T) {
	bus := NewBus(16)
	all := &collector{}
	bus.Subscribe(all.record)

	bus.Publish(EventDaemonStarted, nil)
	bus.Publish(EventTaskAssigned, map[string]any{"task_id": "7", "worker": "auto-1"})
	bus.Publish(EventAcceptSucceeded, map[string]any{"worker": "auto-1"})
	bus.Close()

	got := all.types()
	want := []EventType{EventDaemonStarted, EventTaskAssigned, EventAcceptSucceeded}
	if len(got) != len(want) {
		t.Fatalf("events: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d: got %s, want %s", i, got[i], want[i])
		}
	}
	if id := all.events[1].Data["task_id"]; id != "7" {
		t.Errorf("task_id: got %v", id)
	}
}

func TestBus_TypeFilter(t *testing.T) {
	bus := NewBus(16)
	failures := &collector{}
	both := &collector{}
	bus.Subscribe(failures.record, EventFailure)
	bus.Subscribe(both.record, EventFailure, EventTaskCompleted)

	bus.Publish(EventTaskAssigned, nil)
	bus.Publish(EventTaskCompleted, nil)
	bus.Publish(EventFailure, nil)
	bus.Close()

	if got := failures.types(); len(got) != 1 || got[0] != EventFailure {
		t.Errorf("failure subscriber: got %v", got)
	}
	if got := both.types(); len(got) != 2 {
		t.Errorf("two-type subscriber: got %v", got)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(16)
	c := &collector{}
	unsub := bus.Subscribe(c.record)

	bus.Publish(EventFailure, nil)
	deadline := time.Now().Add(time.Second)
	for len(c.types()) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	unsub()
	bus.Publish(EventFailure, nil)
	bus.Close()

	if got := c.types(); len(got) != 1 {
		t.Errorf("events after unsubscribe: got %v, want exactly one", got)
	}
}

func TestBus_PanickingSubscriberKeepsReceiving(t *testing.T) {
	bus := NewBus(16)
	var mu sync.Mutex
	count := 0
	bus.Subscribe(func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
		panic("boom")
	})
	after := &collector{}
	bus.Subscribe(after.record)

	bus.Publish(EventFailure, nil)
	bus.Publish(EventFailure, nil)
	bus.Close()

	mu.Lock()
	defer mu.Unlock()
	if count != 2 {
		t.Errorf("panicking subscriber calls: got %d, want 2", count)
	}
	if got := after.types(); len(got) != 2 {
		t.Errorf("later subscriber: got %v", got)
	}
}

func TestBus_FullQueueDropsWithoutBlocking(t *testing.T) {
	bus := NewBus(1)
	release := make(chan struct{})
	bus.Subscribe(func(Event) { <-release })

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(EventWorkerTransition, nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full queue")
	}
	if bus.Dropped() == 0 {
		t.Error("expected dropped events")
	}
	close(release)
	bus.Close()
}

func TestBus_PublishAfterClose(t *testing.T) {
	bus := NewBus(4)
	bus.Close()
	bus.Close()
	bus.Publish(EventDaemonStopped, nil)
}

package heartbeat

import (
	"sync"
	"time"
)

type atomicClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *atomicClock) set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func (c *atomicClock) get() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

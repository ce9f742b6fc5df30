package sms

import (
	"context"
	"sync"
	"time"
)

// MemoryCounter is the single-process Counter used when Redis is not configured.
type MemoryCounter struct {
	mu     sync.Mutex
	counts map[string]map[string]int64
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{counts: make(map[string]map[string]int64)}
}

func (c *MemoryCounter) Incr(_ context.Context, period, field string, _ time.Time) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.counts[period]
	if !ok {
		// only the current period is ever read
		c.counts = map[string]map[string]int64{period: {}}
		p = c.counts[period]
	}
	p[field]++
	return p[field], nil
}

func (c *MemoryCounter) Get(_ context.Context, period string) (map[string]int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int64, len(c.counts[period]))
	for k, v := range c.counts[period] {
		out[k] = v
	}
	return out, nil
}

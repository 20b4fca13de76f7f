package cache

import (
	"sync"
	"time"
)

// Run is the last automatic run observed for one server.
type Run struct {
	At       time.Time
	TaskID   int64
	Labels   map[string]string
	Duration time.Duration
	Err      string
}

func (r Run) Failed() bool { return r.Err != "" }

// Cache is the interface used by scheduler/metrics.
type Cache interface {
	Set(server string, r Run)
	Snapshot() map[string]Run
}

// MemCache is an in-memory implementation of Cache.
type MemCache struct {
	mu   sync.RWMutex
	data map[string]Run
}

func NewMemCache() *MemCache {
	return &MemCache{
		data: make(map[string]Run),
	}
}

func (c *MemCache) Set(server string, r Run) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[server] = r
}

// Forget drops a server, e.g. after it was deleted.
func (c *MemCache) Forget(server string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, server)
}

func (c *MemCache) Snapshot() map[string]Run {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]Run, len(c.data))
	for k, v := range c.data {
		out[k] = v
	}
	return out
}

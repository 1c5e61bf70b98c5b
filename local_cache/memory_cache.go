package local_cache

import (
	"maps"
	"sync"
)

// MemoryCache is a Cache that lives only as long as the process.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]string
}

// NewMemoryCache returns a MemoryCache holding a copy of initial.
func NewMemoryCache(initial map[string]string) *MemoryCache {
	entries := make(map[string]string, len(initial))
	maps.Copy(entries, initial)
	return &MemoryCache{entries: entries}
}

func (c *MemoryCache) Get(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.entries[key]
	return v, ok
}

func (c *MemoryCache) Set(key string, value string) error {
	if key == "" {
		return ErrInvalidKey
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = value
	return nil
}

func (c *MemoryCache) Update(key string, fn UpdateFunc) (string, error) {
	if key == "" {
		return "", ErrInvalidKey
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	old, ok := c.entries[key]
	next, err := fn(old, ok)
	if err != nil {
		return "", err
	}
	c.entries[key] = next
	return next, nil
}

// Snapshot returns a copy of every entry.
func (c *MemoryCache) Snapshot() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.entries)
}

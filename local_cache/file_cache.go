package local_cache

import (
	"context"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/isseis/go-book-catalog/filelock"
)

// DefaultLockTimeout bounds how long a write waits for another process holding the cache file.
const DefaultLockTimeout = 2 * time.Second

// FileCache is a Cache persisted as a JSON file.
// Every write reloads the file, applies the change and saves it again while holding
// a lock file, so several processes can share one cache file without losing updates.
// All methods are safe for concurrent use.
type FileCache struct {
	mu          sync.RWMutex
	entries     map[string]entry
	path        string
	lockTimeout time.Duration
	now         func() time.Time
}

var _ Reloader = (*FileCache)(nil)

// FileCacheOption configures a FileCache.
type FileCacheOption func(*FileCache)

// WithLockTimeout sets how long writes wait for the lock file.
func WithLockTimeout(d time.Duration) FileCacheOption {
	return func(c *FileCache) {
		if d > 0 {
			c.lockTimeout = d
		}
	}
}

// WithClock replaces the time source used for entry timestamps.
func WithClock(now func() time.Time) FileCacheOption {
	return func(c *FileCache) {
		c.now = now
	}
}

// NewFileCache creates a FileCache stored at path and loads any existing content.
// It returns an error if the path is invalid or the existing file cannot be parsed.
func NewFileCache(path string, opts ...FileCacheOption) (*FileCache, error) {
	if path == "" {
		return nil, fmt.Errorf("filename cannot be empty")
	}
	if path == "." || path == ".." || path[len(path)-1] == '/' {
		return nil, fmt.Errorf("invalid filename: %s", path)
	}

	c := &FileCache{
		entries:     make(map[string]entry),
		path:        path,
		lockTimeout: DefaultLockTimeout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.Load(); err != nil {
		return nil, err
	}
	return c, nil
}

// Path returns the location of the cache file.
func (c *FileCache) Path() string {
	return c.path
}

// readFile loads the entries stored on disk. A missing file yields an empty map.
func (c *FileCache) readFile() (map[string]entry, error) {
	file, err := os.Open(c.path)
	if os.IsNotExist(err) {
		return make(map[string]entry), nil
	}
	if err != nil {
		return nil, fmt.Errorf("file read error: %w", err)
	}
	defer file.Close()
	return loadEntriesFromReader(file)
}

// writeFile saves entries to a temporary file and renames it over the cache file.
func (c *FileCache) writeFile(entries map[string]entry) error {
	dir := filepath.Dir(c.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(c.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("file write error: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := saveToWriter(tmp, entries, c.now()); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("file write error: %w", err)
	}
	if err := os.Rename(tmpName, c.path); err != nil {
		return fmt.Errorf("file write error: %w", err)
	}
	return nil
}

// Load replaces the in-memory entries with the content of the cache file.
func (c *FileCache) Load() error {
	entries, err := c.readFile()
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.entries = entries
	c.mu.Unlock()
	return nil
}

// Get returns the value of key as of the last load or write by this process.
func (c *FileCache) Get(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	return e.Value, ok
}

// Updated returns the time key was last written.
func (c *FileCache) Updated(key string) (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	return e.Updated, ok
}

// Keys returns all keys in sorted order.
func (c *FileCache) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Set stores value under key and saves the file.
func (c *FileCache) Set(key string, value string) error {
	_, err := c.Update(key, func(string, bool) (string, error) {
		return value, nil
	})
	return err
}

// Update applies fn to the current value of key and saves the result.
// The value passed to fn is read from disk under the file lock, so updates made by
// other processes since the last load are not lost.
func (c *FileCache) Update(key string, fn UpdateFunc) (string, error) {
	if key == "" {
		return "", ErrInvalidKey
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// The lock file lives next to the cache file.
	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return "", fmt.Errorf("file write error: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.lockTimeout)
	defer cancel()
	unlock, err := filelock.Lock(ctx, c.path, filelock.DefaultPollInterval)
	if err != nil {
		return "", fmt.Errorf("failed to lock local cache: %w", err)
	}
	defer unlock()

	entries, err := c.readFile()
	if err != nil {
		return "", err
	}

	old, ok := entries[key]
	next, err := fn(old.Value, ok)
	if err != nil {
		return "", err
	}

	updated := maps.Clone(entries)
	updated[key] = entry{Value: next, Updated: c.now()}
	if err := c.writeFile(updated); err != nil {
		// Keep whatever was on disk as the in-memory view.
		c.entries = entries
		return "", err
	}
	c.entries = updated
	return next, nil
}

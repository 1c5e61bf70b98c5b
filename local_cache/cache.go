// Package local_cache provides the durable key/value store used as a fallback
// when the remote counter store cannot be reached.
package local_cache

import (
	"errors"
	"fmt"
)

// ErrInvalidKey is returned when an empty key is used.
var ErrInvalidKey = errors.New("local cache key cannot be empty")

// UpdateFunc computes the new value of a key from its current value.
// ok is false when the key is absent. Returning an error aborts the update.
type UpdateFunc func(old string, ok bool) (string, error)

// Cache is a durable string key/value store.
// Implementations must be safe for concurrent use.
type Cache interface {
	// Get returns the value of key and whether it is present.
	Get(key string) (string, bool)

	// Set stores value under key.
	Set(key string, value string) error

	// Update atomically replaces the value of key with fn's result and returns it.
	// No other write to key can interleave between the read and the write.
	Update(key string, fn UpdateFunc) (string, error)
}

// DownloadsKey returns the cache key holding the download count of a catalog item.
func DownloadsKey(itemID int64) string {
	return fmt.Sprintf("book_%d_downloads", itemID)
}

// Reloader is implemented by caches shared with other processes. Load refreshes
// the values Get returns from the backing storage.
type Reloader interface {
	Load() error
}

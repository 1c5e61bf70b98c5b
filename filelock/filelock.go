// Package filelock provides a simple file-based mutual exclusion lock.
// It ensures that only one process can hold a lock for a given file at a time,
// even across multiple processes.
package filelock

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrLockHeld is returned when attempting to acquire a lock that is already held.
var ErrLockHeld = errors.New("lock already held")

// DefaultPollInterval is the delay between attempts made by Lock.
const DefaultPollInterval = 10 * time.Millisecond

// StaleAge is how old a lock file must be before Lock treats it as abandoned,
// whatever its holder. Locks guard short writes, so a live holder never gets close.
const StaleAge = 5 * time.Minute

// unreadableGrace is how long a lock file without valid content is left alone.
// A holder writes the content right after creating the file.
const unreadableGrace = 2 * time.Second

// LockInfo is written into the lock file to identify the holder.
type LockInfo struct {
	PID       int    `json:"pid"`
	Timestamp string `json:"timestamp"`
	Hostname  string `json:"hostname,omitempty"`
}

// lockPath returns the path of the lock file guarding path.
func lockPath(path string) (string, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path: %w", err)
	}
	return absPath + ".lock", nil
}

// TryLock attempts to acquire a lock for the given file without waiting.
// Returns a function to release the lock, or ErrLockHeld if another holder exists.
func TryLock(path string) (func(), error) {
	lockFile, err := lockPath(path)
	if err != nil {
		return nil, err
	}

	// O_EXCL makes creation fail if the lock file already exists.
	f, err := os.OpenFile(lockFile, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return nil, ErrLockHeld
		}
		return nil, fmt.Errorf("failed to create lock file: %w", err)
	}

	hostname, _ := os.Hostname()
	info := LockInfo{
		PID:       os.Getpid(),
		Timestamp: time.Now().Format(time.RFC3339),
		Hostname:  hostname,
	}
	encErr := json.NewEncoder(f).Encode(info)
	closeErr := f.Close()
	if err := errors.Join(encErr, closeErr); err != nil {
		os.Remove(lockFile)
		return nil, fmt.Errorf("failed to write lock file: %w", err)
	}

	unlock := func() {
		os.Remove(lockFile)
	}
	return unlock, nil
}

// Lock acquires the lock for path, retrying every interval until ctx is done.
// A lock file left behind by a holder that is gone (see IsStale) is removed.
// A non-positive interval uses DefaultPollInterval.
func Lock(ctx context.Context, path string, interval time.Duration) (func(), error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		unlock, err := TryLock(path)
		if err == nil {
			return unlock, nil
		}
		if !errors.Is(err, ErrLockHeld) {
			return nil, err
		}
		if removed, err := removeStale(path, time.Now()); err != nil {
			return nil, err
		} else if removed {
			continue
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for lock on %s: %w", path, errors.Join(ErrLockHeld, ctx.Err()))
		case <-ticker.C:
		}
	}
}

// ReadLockInfo returns the holder information stored in the lock file for path.
func ReadLockInfo(path string) (LockInfo, error) {
	lockFile, err := lockPath(path)
	if err != nil {
		return LockInfo{}, err
	}
	data, err := os.ReadFile(lockFile)
	if err != nil {
		return LockInfo{}, fmt.Errorf("failed to read lock file: %w", err)
	}
	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return LockInfo{}, fmt.Errorf("failed to parse lock file: %w", err)
	}
	return info, nil
}

// IsStale reports whether info describes a lock that no live holder owns at now:
// it was written on this host by a process that no longer runs, or it is older
// than StaleAge.
func IsStale(info LockInfo, now time.Time) bool {
	if ts, err := time.Parse(time.RFC3339, info.Timestamp); err == nil && now.Sub(ts) > StaleAge {
		return true
	}
	hostname, _ := os.Hostname()
	if hostname == "" || info.Hostname != hostname {
		return false
	}
	return !processAlive(info.PID)
}

// removeStale deletes the lock file for path if its holder is gone.
// It reports whether a file was removed.
func removeStale(path string, now time.Time) (bool, error) {
	lockFile, err := lockPath(path)
	if err != nil {
		return false, err
	}
	data, err := os.ReadFile(lockFile)
	if os.IsNotExist(err) {
		// Released in the meantime.
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read lock file: %w", err)
	}

	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		st, serr := os.Stat(lockFile)
		if serr != nil || now.Sub(st.ModTime()) <= unreadableGrace {
			return false, nil
		}
	} else if !IsStale(info, now) {
		return false, nil
	}

	// Another waiter may have replaced the stale file already.
	current, err := os.ReadFile(lockFile)
	if err != nil || !bytes.Equal(current, data) {
		return err == nil, nil
	}
	if err := os.Remove(lockFile); err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("failed to remove stale lock file: %w", err)
	}
	return true, nil
}

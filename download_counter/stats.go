package download_counter

import (
	"fmt"
	"sync/atomic"
)

type counter struct {
	count atomic.Int64
}

func (c *counter) Increment() {
	c.count.Add(1)
}

func (c *counter) Get() int64 {
	return c.count.Load()
}

// Stats holds the number of times each path of the Reconciler was taken.
type Stats struct {
	RemoteReads      int64 // Counts read from the store
	Created          int64 // Records created after a read miss
	RemoteIncrements int64 // Downloads recorded in the store
	LocalFallbacks   int64 // Counts resolved from the local cache
	CacheErrors      int64 // Failed writes to the local cache
}

// String returns a string representation of the statistics
func (s Stats) String() string {
	return fmt.Sprintf("remote_reads=%d, created=%d, remote_increments=%d, local_fallbacks=%d, cache_errors=%d",
		s.RemoteReads, s.Created, s.RemoteIncrements, s.LocalFallbacks, s.CacheErrors)
}

// Package counter_store provides access to the remote table holding per-item download counters.
package counter_store

import (
	"context"
	"strconv"
)

// ItemID identifies a catalog item whose downloads are counted.
type ItemID int64

func (id ItemID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// UnknownCount is returned by IncrementCount when the store applied the
// increment but did not report the resulting value.
const UnknownCount int64 = -1

// CounterRecord is a single row of the remote counter table.
type CounterRecord struct {
	ItemID ItemID `json:"id"`
	Count  int64  `json:"download_count"`
}

// Store is the remote Counter Store.
// Implementations must be safe for concurrent use.
type Store interface {
	// ReadCount returns the record for itemID.
	// Returns an error wrapping ErrNotFound if no record exists.
	ReadCount(ctx context.Context, itemID ItemID) (CounterRecord, error)

	// CreateCount inserts a new record with the given initial count.
	CreateCount(ctx context.Context, itemID ItemID, initial int64) (CounterRecord, error)

	// IncrementCount atomically adds one to the record on the server side.
	// Returns the new count, or UnknownCount if the store does not report it.
	IncrementCount(ctx context.Context, itemID ItemID) (int64, error)
}

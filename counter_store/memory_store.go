package counter_store

import (
	"context"
	"errors"
	"sync"
)

// errInjected is the cause of failures injected into a MemoryStore.
var errInjected = errors.New("memory store: injected failure")

// MemoryStore is an in-process Store. It is used for offline runs and as a test double:
// the Fail* flags make the corresponding operation fail with a KindRemoteUnavailable error,
// and the *Calls counters record how often each operation was attempted.
type MemoryStore struct {
	mu      sync.Mutex
	records map[ItemID]int64

	FailRead      bool
	FailCreate    bool
	FailIncrement bool
	// ReportCount makes IncrementCount return the new value instead of UnknownCount.
	ReportCount bool

	ReadCalls      int
	CreateCalls    int
	IncrementCalls int
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[ItemID]int64)}
}

// Seed stores count for itemID without counting as a call.
func (m *MemoryStore) Seed(itemID ItemID, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[itemID] = count
}

// Count returns the stored value and whether the record exists.
func (m *MemoryStore) Count(itemID ItemID) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.records[itemID]
	return n, ok
}

// SetFailAll toggles failure injection for every operation.
func (m *MemoryStore) SetFailAll(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FailRead = fail
	m.FailCreate = fail
	m.FailIncrement = fail
}

// ReadCount returns the record for itemID.
func (m *MemoryStore) ReadCount(ctx context.Context, itemID ItemID) (CounterRecord, error) {
	if err := ctx.Err(); err != nil {
		return CounterRecord{}, unavailable("read", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ReadCalls++
	if m.FailRead {
		return CounterRecord{}, unavailable("read", errInjected)
	}
	n, ok := m.records[itemID]
	if !ok {
		return CounterRecord{}, notFound(itemID)
	}
	return CounterRecord{ItemID: itemID, Count: n}, nil
}

// CreateCount inserts a record. Creating an existing record is a conflict.
func (m *MemoryStore) CreateCount(ctx context.Context, itemID ItemID, initial int64) (CounterRecord, error) {
	if err := ctx.Err(); err != nil {
		return CounterRecord{}, unavailable("create", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CreateCalls++
	if m.FailCreate {
		return CounterRecord{}, unavailable("create", errInjected)
	}
	if _, exists := m.records[itemID]; exists {
		return CounterRecord{}, &RemoteError{Kind: KindUnexpected, Op: "create", StatusCode: 409, Code: "23505", Message: "duplicate key"}
	}
	m.records[itemID] = initial
	return CounterRecord{ItemID: itemID, Count: initial}, nil
}

// IncrementCount adds one to the record for itemID.
func (m *MemoryStore) IncrementCount(ctx context.Context, itemID ItemID) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, unavailable("increment", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.IncrementCalls++
	if m.FailIncrement {
		return 0, unavailable("increment", errInjected)
	}
	n, ok := m.records[itemID]
	if !ok {
		return 0, notFound(itemID)
	}
	n++
	m.records[itemID] = n
	if m.ReportCount {
		return n, nil
	}
	return UnknownCount, nil
}

package counter_store

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerSettings configures a BreakerStore.
type BreakerSettings struct {
	// ConsecutiveFailures opens the breaker after this many failures in a row.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open before probing again.
	OpenTimeout time.Duration
	// OnStateChange is called on every breaker transition, if set.
	OnStateChange func(from, to gobreaker.State)
}

// DefaultBreakerSettings opens after 3 consecutive failures for 30 seconds.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{ConsecutiveFailures: 3, OpenTimeout: 30 * time.Second}
}

// BreakerStore wraps a Store with a circuit breaker so an unreachable store is not
// contacted on every call. While open, every call fails with KindRemoteUnavailable.
// ErrNotFound is a valid answer and does not count as a failure.
type BreakerStore struct {
	next Store
	cb   *gobreaker.CircuitBreaker
}

// NewBreakerStore wraps next with a circuit breaker named name.
func NewBreakerStore(name string, next Store, settings BreakerSettings) *BreakerStore {
	threshold := settings.ConsecutiveFailures
	if threshold == 0 {
		threshold = 1
	}
	st := gobreaker.Settings{
		Name:    name,
		Timeout: settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || IsNotFound(err)
		},
	}
	if settings.OnStateChange != nil {
		st.OnStateChange = func(_ string, from, to gobreaker.State) {
			settings.OnStateChange(from, to)
		}
	}
	return &BreakerStore{next: next, cb: gobreaker.NewCircuitBreaker(st)}
}

// State returns the current breaker state.
func (b *BreakerStore) State() gobreaker.State {
	return b.cb.State()
}

func (b *BreakerStore) execute(op string, fn func() (any, error)) (any, error) {
	v, err := b.cb.Execute(fn)
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return nil, unavailable(op, err)
	}
	return v, err
}

// ReadCount reads through the breaker.
func (b *BreakerStore) ReadCount(ctx context.Context, itemID ItemID) (CounterRecord, error) {
	v, err := b.execute("read", func() (any, error) {
		return b.next.ReadCount(ctx, itemID)
	})
	if err != nil {
		return CounterRecord{}, err
	}
	return v.(CounterRecord), nil
}

// CreateCount creates through the breaker.
func (b *BreakerStore) CreateCount(ctx context.Context, itemID ItemID, initial int64) (CounterRecord, error) {
	v, err := b.execute("create", func() (any, error) {
		return b.next.CreateCount(ctx, itemID, initial)
	})
	if err != nil {
		return CounterRecord{}, err
	}
	return v.(CounterRecord), nil
}

// IncrementCount increments through the breaker.
func (b *BreakerStore) IncrementCount(ctx context.Context, itemID ItemID) (int64, error) {
	v, err := b.execute("increment", func() (any, error) {
		return b.next.IncrementCount(ctx, itemID)
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

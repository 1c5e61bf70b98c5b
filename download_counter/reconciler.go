// Package download_counter keeps per-item download counters consistent between the
// remote counter store and the local cache.
//
// The remote store is authoritative whenever it answers. When it does not, the
// local cache provides the value, and downloads are counted locally instead.
// No operation of the Reconciler returns an error: every failure is logged and
// resolved to a usable count.
package download_counter

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/singleflight"

	cs "github.com/isseis/go-book-catalog/counter_store"
	lc "github.com/isseis/go-book-catalog/local_cache"
	"github.com/isseis/go-book-catalog/logger"
)

// Reconciler owns the download counters of catalog items.
// All methods are safe for concurrent use.
type Reconciler struct {
	store   cs.Store
	cache   lc.Cache
	logger  logger.Logger
	metrics *Metrics

	// authoritative makes RecordDownload trust the count reported by the store.
	authoritative bool
	readAttempts  uint64
	readBackoff   time.Duration

	hydrate singleflight.Group
	locks   keyedMutex

	mu     sync.RWMutex
	states map[cs.ItemID]State

	remoteReads      counter
	created          counter
	remoteIncrements counter
	localFallbacks   counter
	cacheErrors      counter
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithLogger sets the logger. The default discards everything.
func WithLogger(log logger.Logger) ReconcilerOption {
	return func(r *Reconciler) {
		if log != nil {
			r.logger = log
		}
	}
}

// WithMetrics records every resolved operation in m.
func WithMetrics(m *Metrics) ReconcilerOption {
	return func(r *Reconciler) {
		r.metrics = m
	}
}

// WithAuthoritativeCount makes RecordDownload return the count reported by the store
// after a successful increment, instead of the caller's count plus one.
// Stores that do not report the new value are unaffected.
func WithAuthoritativeCount(enabled bool) ReconcilerOption {
	return func(r *Reconciler) {
		r.authoritative = enabled
	}
}

// WithReadRetries makes Initialize try the remote read up to attempts times when the
// store is unavailable, waiting an exponentially growing delay starting at backoff.
// Creation and increments are never retried.
func WithReadRetries(attempts uint64, backoff time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		if attempts < 1 {
			attempts = 1
		}
		if backoff <= 0 {
			backoff = 100 * time.Millisecond
		}
		r.readAttempts = attempts
		r.readBackoff = backoff
	}
}

// NewReconciler creates a Reconciler synchronizing store and cache.
func NewReconciler(store cs.Store, cache lc.Cache, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		store:        store,
		cache:        cache,
		logger:       logger.Nop(),
		readAttempts: 1,
		readBackoff:  100 * time.Millisecond,
		states:       make(map[cs.ItemID]State),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Initialize returns the current download count of itemID.
//
// The remote record is read first. If it does not exist it is created with a count
// of zero. If the store fails, the count stored in the local cache is used, or zero
// when the cache holds nothing. Concurrent calls for the same item share one
// remote round trip.
//
// The shared round trip is not canceled with any single caller; store requests
// are bounded by the store's own timeout. A caller whose ctx is done before the
// result arrives gets the local cache value.
func (r *Reconciler) Initialize(ctx context.Context, itemID cs.ItemID) int64 {
	if ctx.Err() != nil {
		return r.abandonInitialize(ctx, itemID)
	}
	detached := context.WithoutCancel(ctx)
	ch := r.hydrate.DoChan(itemID.String(), func() (any, error) {
		return r.initialize(detached, itemID), nil
	})
	select {
	case res := <-ch:
		return res.Val.(int64)
	case <-ctx.Done():
		return r.abandonInitialize(ctx, itemID)
	}
}

func (r *Reconciler) abandonInitialize(ctx context.Context, itemID cs.ItemID) int64 {
	r.logger.Warn("Gave up waiting for counter store, using local cache", "item_id", int64(itemID), "error", ctx.Err())
	count := r.localFallback(itemID, unchanged, false)
	r.metrics.observe(opInitialize, pathLocal)
	return count
}

func (r *Reconciler) initialize(ctx context.Context, itemID cs.ItemID) int64 {
	log := r.logger.With("item_id", int64(itemID))

	rec, err := r.readCount(ctx, itemID)
	if err == nil {
		r.remoteReads.Increment()
		r.setState(itemID, HydratedRemote)
		r.metrics.observe(opInitialize, pathRemote)
		log.Debug("Download count read from store", "count", rec.Count)
		return rec.Count
	}

	if kind := cs.Classify(err); kind == cs.KindNotFound {
		log.Info("Counter record not found, creating initial entry")
		_, cerr := r.store.CreateCount(ctx, itemID, 0)
		if cerr == nil {
			r.created.Increment()
			r.setState(itemID, HydratedRemote)
			r.metrics.observe(opInitialize, pathCreated)
			return 0
		}
		log.Warn("Failed to create counter record, using local cache", "error", cerr, "kind", cs.Classify(cerr).String())
	} else {
		log.Warn("Failed to read counter record, using local cache", "error", err, "kind", kind.String())
	}

	count := r.localFallback(itemID, unchanged, false)
	r.metrics.observe(opInitialize, pathLocal)
	return count
}

// readCount reads the remote record, retrying while the store is unavailable
// if WithReadRetries was given.
func (r *Reconciler) readCount(ctx context.Context, itemID cs.ItemID) (cs.CounterRecord, error) {
	if r.readAttempts <= 1 {
		return r.store.ReadCount(ctx, itemID)
	}

	var rec cs.CounterRecord
	backoff := retry.WithMaxRetries(r.readAttempts-1, retry.NewExponential(r.readBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		rec, err = r.store.ReadCount(ctx, itemID)
		if err != nil && cs.Classify(err) == cs.KindRemoteUnavailable {
			r.logger.Debug("Counter store unavailable, retrying read", "item_id", int64(itemID), "error", err)
			return retry.RetryableError(err)
		}
		return err
	})
	return rec, err
}

// RecordDownload counts one download of itemID and returns the count to display.
//
// The remote store is incremented first; on success the result is currentCount+1
// (or the store's reported count with WithAuthoritativeCount). If the increment
// fails, the local cache value (zero if absent) plus one is stored in the cache
// and returned. Exactly one of the two counters is incremented per call.
// Calls for the same item are serialized.
func (r *Reconciler) RecordDownload(ctx context.Context, itemID cs.ItemID, currentCount int64) int64 {
	unlock := r.locks.Lock(itemID)
	defer unlock()

	log := r.logger.With("item_id", int64(itemID))

	reported, err := r.store.IncrementCount(ctx, itemID)
	if err == nil {
		r.remoteIncrements.Increment()
		r.setState(itemID, HydratedRemote)
		r.metrics.observe(opRecordDownload, pathRemote)
		if r.authoritative && reported != cs.UnknownCount {
			log.Debug("Download recorded in store", "count", reported)
			return reported
		}
		log.Debug("Download recorded in store", "count", currentCount+1)
		return currentCount + 1
	}

	log.Warn("Failed to increment download count in store, using local cache", "error", err, "kind", cs.Classify(err).String())
	count := r.localFallback(itemID, increment, true)
	r.metrics.observe(opRecordDownload, pathLocal)
	return count
}

func unchanged(n int64) int64 { return n }
func increment(n int64) int64 { return n + 1 }

// localFallback resolves the count of itemID from the local cache.
// update is applied to the cached value (zero if absent or unreadable). When persist
// is true the result is written back atomically; a write failure is logged and the
// computed value is still returned.
func (r *Reconciler) localFallback(itemID cs.ItemID, update func(int64) int64, persist bool) int64 {
	key := lc.DownloadsKey(int64(itemID))
	r.localFallbacks.Increment()
	r.setState(itemID, HydratedLocal)

	if !persist {
		if rl, ok := r.cache.(lc.Reloader); ok {
			if err := rl.Load(); err != nil {
				r.logger.Warn("Failed to reload local cache, using last loaded values", "error", err)
			}
		}
		old, ok := r.cache.Get(key)
		return update(r.parseCached(key, old, ok))
	}

	var result int64
	ran := false
	_, err := r.cache.Update(key, func(old string, ok bool) (string, error) {
		ran = true
		result = update(r.parseCached(key, old, ok))
		return strconv.FormatInt(result, 10), nil
	})
	if err != nil {
		r.cacheErrors.Increment()
		r.logger.Error("Failed to persist download count to local cache", "key", key, "error", err)
		if !ran {
			old, ok := r.cache.Get(key)
			result = update(r.parseCached(key, old, ok))
		}
	}
	return result
}

// parseCached converts a cached value to a count. Absent, malformed and negative
// values count as zero.
func (r *Reconciler) parseCached(key, value string, ok bool) int64 {
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil || n < 0 {
		r.logger.Warn("Ignoring malformed local cache value", "key", key, "value", value)
		return 0
	}
	return n
}

// State returns the source of the count most recently resolved for itemID.
func (r *Reconciler) State(itemID cs.ItemID) State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.states[itemID]
}

func (r *Reconciler) setState(itemID cs.ItemID, s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[itemID] = s
}

// Stats returns counters of the paths taken so far.
func (r *Reconciler) Stats() Stats {
	return Stats{
		RemoteReads:      r.remoteReads.Get(),
		Created:          r.created.Get(),
		RemoteIncrements: r.remoteIncrements.Get(),
		LocalFallbacks:   r.localFallbacks.Get(),
		CacheErrors:      r.cacheErrors.Get(),
	}
}

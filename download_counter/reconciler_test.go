package download_counter

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cs "github.com/isseis/go-book-catalog/counter_store"
	"github.com/isseis/go-book-catalog/filelock"
	lc "github.com/isseis/go-book-catalog/local_cache"
)

// failingCache is a Cache whose writes always fail.
type failingCache struct {
	*lc.MemoryCache
}

var errCacheWrite = errors.New("disk full")

func (f failingCache) Set(string, string) error { return errCacheWrite }

func (f failingCache) Update(string, lc.UpdateFunc) (string, error) {
	return "", errCacheWrite
}

// slowStore delays ReadCount so concurrent calls overlap.
type slowStore struct {
	*cs.MemoryStore
	delay time.Duration
}

func (s slowStore) ReadCount(ctx context.Context, itemID cs.ItemID) (cs.CounterRecord, error) {
	time.Sleep(s.delay)
	return s.MemoryStore.ReadCount(ctx, itemID)
}

// flakyStore fails the first failures reads with an unavailable error.
type flakyStore struct {
	*cs.MemoryStore
	mu       sync.Mutex
	failures int
}

func (f *flakyStore) ReadCount(ctx context.Context, itemID cs.ItemID) (cs.CounterRecord, error) {
	f.mu.Lock()
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return cs.CounterRecord{}, &cs.RemoteError{Kind: cs.KindRemoteUnavailable, Op: "read", StatusCode: 503}
	}
	return f.MemoryStore.ReadCount(ctx, itemID)
}

func TestInitialize(t *testing.T) {
	ctx := context.Background()

	t.Run("missing record is created with zero", func(t *testing.T) {
		store := cs.NewMemoryStore()
		r := NewReconciler(store, lc.NewMemoryCache(nil))

		assert.Equal(t, int64(0), r.Initialize(ctx, 1))
		assert.Equal(t, 1, store.CreateCalls)
		n, ok := store.Count(1)
		assert.True(t, ok)
		assert.Equal(t, int64(0), n)
		assert.Equal(t, HydratedRemote, r.State(1))
	})

	t.Run("existing record is returned without creation", func(t *testing.T) {
		store := cs.NewMemoryStore()
		store.Seed(1, 17)
		r := NewReconciler(store, lc.NewMemoryCache(nil))

		assert.Equal(t, int64(17), r.Initialize(ctx, 1))
		assert.Equal(t, 0, store.CreateCalls)
		assert.Equal(t, HydratedRemote, r.State(1))
	})

	t.Run("read failure uses cached value", func(t *testing.T) {
		store := cs.NewMemoryStore()
		store.Seed(1, 17)
		store.FailRead = true
		cache := lc.NewMemoryCache(map[string]string{"book_1_downloads": "9"})
		r := NewReconciler(store, cache)

		assert.Equal(t, int64(9), r.Initialize(ctx, 1))
		assert.Equal(t, 0, store.CreateCalls)
		assert.Equal(t, HydratedLocal, r.State(1))
	})

	t.Run("read failure with empty cache yields zero", func(t *testing.T) {
		store := cs.NewMemoryStore()
		store.FailRead = true
		cache := lc.NewMemoryCache(nil)
		r := NewReconciler(store, cache)

		assert.Equal(t, int64(0), r.Initialize(ctx, 1))
		assert.Empty(t, cache.Snapshot(), "hydration must not write the cache")
	})

	t.Run("creation failure uses cached value", func(t *testing.T) {
		store := cs.NewMemoryStore()
		store.FailCreate = true
		cache := lc.NewMemoryCache(map[string]string{"book_1_downloads": "4"})
		r := NewReconciler(store, cache)

		assert.Equal(t, int64(4), r.Initialize(ctx, 1))
		assert.Equal(t, 1, store.CreateCalls)
		assert.Equal(t, HydratedLocal, r.State(1))
	})

	t.Run("malformed cached value counts as zero", func(t *testing.T) {
		store := cs.NewMemoryStore()
		store.FailRead = true
		cache := lc.NewMemoryCache(map[string]string{"book_1_downloads": "lots"})
		r := NewReconciler(store, cache)

		assert.Equal(t, int64(0), r.Initialize(ctx, 1))
	})

	t.Run("canceled context falls back", func(t *testing.T) {
		store := cs.NewMemoryStore()
		store.Seed(1, 17)
		cache := lc.NewMemoryCache(map[string]string{"book_1_downloads": "2"})
		r := NewReconciler(store, cache)

		cctx, cancel := context.WithCancel(ctx)
		cancel()
		assert.Equal(t, int64(2), r.Initialize(cctx, 1))
	})

	t.Run("twice in a row is stable", func(t *testing.T) {
		store := cs.NewMemoryStore()
		r := NewReconciler(store, lc.NewMemoryCache(nil))

		first := r.Initialize(ctx, 1)
		second := r.Initialize(ctx, 1)
		assert.Equal(t, first, second)
		assert.Equal(t, 1, store.CreateCalls)
	})
}

func TestInitialize_ConcurrentCallsCreateOnce(t *testing.T) {
	store := cs.NewMemoryStore()
	r := NewReconciler(slowStore{MemoryStore: store, delay: 20 * time.Millisecond}, lc.NewMemoryCache(nil))

	var wg sync.WaitGroup
	results := make([]int64, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.Initialize(context.Background(), 1)
		}(i)
	}
	wg.Wait()

	for _, got := range results {
		assert.Equal(t, int64(0), got)
	}
	assert.Equal(t, 1, store.CreateCalls)
}

func TestInitialize_ReadRetries(t *testing.T) {
	ctx := context.Background()

	t.Run("recovers within attempts", func(t *testing.T) {
		store := &flakyStore{MemoryStore: cs.NewMemoryStore(), failures: 2}
		store.Seed(1, 8)
		r := NewReconciler(store, lc.NewMemoryCache(nil), WithReadRetries(3, time.Millisecond))

		assert.Equal(t, int64(8), r.Initialize(ctx, 1))
		assert.Equal(t, HydratedRemote, r.State(1))
	})

	t.Run("gives up after attempts", func(t *testing.T) {
		store := &flakyStore{MemoryStore: cs.NewMemoryStore(), failures: 5}
		store.Seed(1, 8)
		cache := lc.NewMemoryCache(map[string]string{"book_1_downloads": "3"})
		r := NewReconciler(store, cache, WithReadRetries(2, time.Millisecond))

		assert.Equal(t, int64(3), r.Initialize(ctx, 1))
		assert.Equal(t, HydratedLocal, r.State(1))
	})

	t.Run("not found is not retried", func(t *testing.T) {
		store := cs.NewMemoryStore()
		r := NewReconciler(store, lc.NewMemoryCache(nil), WithReadRetries(5, time.Millisecond))

		assert.Equal(t, int64(0), r.Initialize(ctx, 1))
		assert.Equal(t, 1, store.ReadCalls)
		assert.Equal(t, 1, store.CreateCalls)
	})
}

func TestRecordDownload(t *testing.T) {
	ctx := context.Background()

	t.Run("remote success returns current plus one", func(t *testing.T) {
		store := cs.NewMemoryStore()
		store.Seed(1, 10)
		cache := lc.NewMemoryCache(nil)
		r := NewReconciler(store, cache)

		assert.Equal(t, int64(6), r.RecordDownload(ctx, 1, 5))
		n, _ := store.Count(1)
		assert.Equal(t, int64(11), n)
		assert.Empty(t, cache.Snapshot(), "remote success must not write the cache")
		assert.Equal(t, HydratedRemote, r.State(1))
	})

	t.Run("authoritative count", func(t *testing.T) {
		store := cs.NewMemoryStore()
		store.Seed(1, 10)
		store.ReportCount = true
		r := NewReconciler(store, lc.NewMemoryCache(nil), WithAuthoritativeCount(true))

		assert.Equal(t, int64(11), r.RecordDownload(ctx, 1, 5))
	})

	t.Run("authoritative count without report", func(t *testing.T) {
		store := cs.NewMemoryStore()
		store.Seed(1, 10)
		r := NewReconciler(store, lc.NewMemoryCache(nil), WithAuthoritativeCount(true))

		assert.Equal(t, int64(6), r.RecordDownload(ctx, 1, 5))
	})

	t.Run("remote failure increments cached value", func(t *testing.T) {
		store := cs.NewMemoryStore()
		store.Seed(1, 10)
		store.FailIncrement = true
		cache := lc.NewMemoryCache(map[string]string{"book_1_downloads": "7"})
		r := NewReconciler(store, cache)

		assert.Equal(t, int64(8), r.RecordDownload(ctx, 1, 5))
		v, _ := cache.Get("book_1_downloads")
		assert.Equal(t, "8", v)
		n, _ := store.Count(1)
		assert.Equal(t, int64(10), n, "failed increment must leave the store unchanged")
		assert.Equal(t, HydratedLocal, r.State(1))
	})

	t.Run("remote failure with empty cache yields one", func(t *testing.T) {
		store := cs.NewMemoryStore()
		store.FailIncrement = true
		cache := lc.NewMemoryCache(nil)
		r := NewReconciler(store, cache)

		assert.Equal(t, int64(1), r.RecordDownload(ctx, 1, 5))
		v, ok := cache.Get("book_1_downloads")
		assert.True(t, ok)
		assert.Equal(t, "1", v)
	})

	t.Run("missing remote record falls back", func(t *testing.T) {
		store := cs.NewMemoryStore()
		cache := lc.NewMemoryCache(nil)
		r := NewReconciler(store, cache)

		assert.Equal(t, int64(1), r.RecordDownload(ctx, 1, 0))
		v, _ := cache.Get("book_1_downloads")
		assert.Equal(t, "1", v)
	})

	t.Run("cache write failure still returns a count", func(t *testing.T) {
		store := cs.NewMemoryStore()
		store.FailIncrement = true
		cache := failingCache{lc.NewMemoryCache(map[string]string{"book_1_downloads": "2"})}
		r := NewReconciler(store, cache)

		assert.Equal(t, int64(3), r.RecordDownload(ctx, 1, 0))
		assert.Equal(t, int64(1), r.Stats().CacheErrors)
	})
}

func TestRecordDownload_ConcurrentLocalFallbackLosesNothing(t *testing.T) {
	store := cs.NewMemoryStore()
	store.FailIncrement = true
	cache := lc.NewMemoryCache(nil)
	r := NewReconciler(store, cache)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.RecordDownload(context.Background(), 1, 0)
		}()
	}
	wg.Wait()

	v, _ := cache.Get("book_1_downloads")
	assert.Equal(t, "50", v)
	assert.Equal(t, 0, r.locks.size())
}

// TestScenario walks an item through creation, a remote download and an offline download.
func TestScenario(t *testing.T) {
	ctx := context.Background()
	store := cs.NewMemoryStore()
	cache := lc.NewMemoryCache(nil)
	r := NewReconciler(store, cache)

	assert.Equal(t, Uninitialized, r.State(1))

	count := r.Initialize(ctx, 1)
	require.Equal(t, int64(0), count)
	require.Equal(t, 1, store.CreateCalls)

	count = r.RecordDownload(ctx, 1, count)
	require.Equal(t, int64(1), count)
	assert.Equal(t, HydratedRemote, r.State(1))

	store.SetFailAll(true)
	count = r.RecordDownload(ctx, 1, count)
	assert.Equal(t, int64(1), count)
	v, ok := cache.Get("book_1_downloads")
	require.True(t, ok)
	assert.Equal(t, "1", v)
	assert.Equal(t, HydratedLocal, r.State(1))

	assert.Equal(t, Stats{Created: 1, RemoteIncrements: 1, LocalFallbacks: 1}, r.Stats())
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	store := cs.NewMemoryStore()
	r := NewReconciler(store, lc.NewMemoryCache(nil), WithMetrics(m))
	ctx := context.Background()

	r.Initialize(ctx, 1)
	r.RecordDownload(ctx, 1, 0)
	store.FailIncrement = true
	r.RecordDownload(ctx, 1, 1)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues(opInitialize, pathCreated)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues(opRecordDownload, pathRemote)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues(opRecordDownload, pathLocal)))

	_, err = NewMetrics(reg)
	assert.Error(t, err, "registering twice must fail")
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "uninitialized", Uninitialized.String())
	assert.Equal(t, "remote", HydratedRemote.String())
	assert.Equal(t, "local", HydratedLocal.String())
}

// blockingStore holds ReadCount until release is closed and reports entry on entered.
type blockingStore struct {
	*cs.MemoryStore
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingStore) ReadCount(ctx context.Context, itemID cs.ItemID) (cs.CounterRecord, error) {
	b.once.Do(func() { close(b.entered) })
	<-b.release
	return b.MemoryStore.ReadCount(ctx, itemID)
}

func TestInitialize_CallerCancellationIsPerCaller(t *testing.T) {
	store := &blockingStore{MemoryStore: cs.NewMemoryStore(), entered: make(chan struct{}), release: make(chan struct{})}
	store.Seed(1, 17)
	r := NewReconciler(store, lc.NewMemoryCache(map[string]string{"book_1_downloads": "2"}))

	cctx, cancel := context.WithCancel(context.Background())
	first := make(chan int64)
	go func() { first <- r.Initialize(cctx, 1) }()
	<-store.entered

	second := make(chan int64)
	go func() { second <- r.Initialize(context.Background(), 1) }()

	cancel()
	assert.Equal(t, int64(2), <-first, "canceled caller uses the local cache")

	close(store.release)
	assert.Equal(t, int64(17), <-second, "other callers still get the remote count")
}

func TestInitialize_LocalFallbackReloadsSharedCache(t *testing.T) {
	path := filepath.Join(t.TempDir(), "downloads.json")
	mine, err := lc.NewFileCache(path)
	require.NoError(t, err)
	other, err := lc.NewFileCache(path)
	require.NoError(t, err)

	store := cs.NewMemoryStore()
	store.SetFailAll(true)
	r := NewReconciler(store, mine)

	require.NoError(t, other.Set("book_1_downloads", "6"))
	count := r.Initialize(context.Background(), 1)
	assert.Equal(t, int64(6), count)
	assert.Equal(t, int64(7), r.RecordDownload(context.Background(), 1, count))
}

func TestRecordDownload_RecoversFromAbandonedCacheLock(t *testing.T) {
	hostname, _ := os.Hostname()
	if hostname == "" || runtime.GOOS == "windows" {
		t.Skip("lock holder liveness cannot be checked here")
	}
	path := filepath.Join(t.TempDir(), "downloads.json")
	cache, err := lc.NewFileCache(path)
	require.NoError(t, err)

	// Lock file of a process that exited without releasing it.
	data, err := json.Marshal(filelock.LockInfo{
		PID:       999999999,
		Timestamp: time.Now().Format(time.RFC3339),
		Hostname:  hostname,
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path+".lock", data, 0o600))

	store := cs.NewMemoryStore()
	store.FailIncrement = true
	r := NewReconciler(store, cache)

	ctx := context.Background()
	start := time.Now()
	for want := int64(1); want <= 3; want++ {
		assert.Equal(t, want, r.RecordDownload(ctx, 1, 0))
	}
	assert.Less(t, time.Since(start), lc.DefaultLockTimeout)

	reopened, err := lc.NewFileCache(path)
	require.NoError(t, err)
	v, ok := reopened.Get("book_1_downloads")
	require.True(t, ok)
	assert.Equal(t, "3", v)
	assert.Zero(t, r.Stats().CacheErrors)
}

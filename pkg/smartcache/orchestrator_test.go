package smartcache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/devmesh-labs/symbolcache/pkg/config"
	"github.com/devmesh-labs/symbolcache/pkg/observability"
)

// fakeStore is an in-memory DistributedCache stand-in for testing the
// orchestrator without a real Redis instance.
type fakeStore struct {
	mu   sync.Mutex
	data map[string]CacheValue
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: make(map[string]CacheValue)}
}

func (f *fakeStore) Get(ctx context.Context, key string) (CacheValue, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	return v, ok, nil
}

func (f *fakeStore) MGet(ctx context.Context, keys []string) ([]CacheValue, []bool, error) {
	values := make([]CacheValue, len(keys))
	hits := make([]bool, len(keys))
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, k := range keys {
		if v, ok := f.data[k]; ok {
			values[i] = v
			hits[i] = true
		}
	}
	return values, hits, nil
}

func (f *fakeStore) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = CacheValue{Data: value, TTLRemaining: ttl}
	return nil
}

func (f *fakeStore) GetWithFallback(ctx context.Context, key string, fetch FetchFunc, cacheFallbackResult bool, fallbackTTL time.Duration) (interface{}, bool, time.Duration, error) {
	if v, ok, _ := f.Get(ctx, key); ok {
		return v.Data, true, v.TTLRemaining, nil
	}
	data, err := fetch(ctx)
	if err != nil {
		return nil, false, 0, err
	}
	if cacheFallbackResult {
		_ = f.Set(ctx, key, data, fallbackTTL)
	}
	return data, false, fallbackTTL, nil
}

func (f *fakeStore) Healthy() bool { return true }

func newTestOrchestrator(store DistributedCache) *Orchestrator {
	cfg := config.Default().Orchestrator
	return New(cfg, cfg.Strategies, store, nil, nil, observability.NewNoopLogger(), observability.NewNoopMetricsClient())
}

func TestGetDataWithSmartCacheMissFetchesAndCaches(t *testing.T) {
	store := newFakeStore()
	o := newTestOrchestrator(store)
	defer o.Close()

	var calls int32
	req := Request{
		CacheKey: "stock:AAPL:quote",
		Strategy: WeakTimeliness,
		FetchFn: func(ctx context.Context) (interface{}, error) {
			atomic.AddInt32(&calls, 1)
			return "fresh", nil
		},
	}

	result, err := o.GetDataWithSmartCache(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Hit {
		t.Fatalf("expected miss on first call, got hit")
	}
	if result.Data != "fresh" {
		t.Fatalf("expected fresh data, got %v", result.Data)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected exactly one fetch, got %d", calls)
	}

	result2, err := o.GetDataWithSmartCache(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error on second call: %v", err)
	}
	if !result2.Hit {
		t.Fatalf("expected hit on second call, got miss")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected no additional fetch on cache hit, got %d calls", calls)
	}
}

func TestGetDataWithSmartCacheNoCacheBypassesStore(t *testing.T) {
	store := newFakeStore()
	o := newTestOrchestrator(store)
	defer o.Close()

	var calls int32
	req := Request{
		CacheKey: "bypass:key",
		Strategy: NoCache,
		FetchFn: func(ctx context.Context) (interface{}, error) {
			atomic.AddInt32(&calls, 1)
			return "live", nil
		},
	}

	for i := 0; i < 3; i++ {
		result, err := o.GetDataWithSmartCache(context.Background(), req)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.Hit {
			t.Fatalf("NO_CACHE must never report a hit")
		}
	}
	if calls != 3 {
		t.Fatalf("expected fetchFn called once per request under NO_CACHE, got %d", calls)
	}
	if len(store.data) != 0 {
		t.Fatalf("NO_CACHE must never write through to the store, got %d entries", len(store.data))
	}
}

// TestScheduleBackgroundRefreshDedupes: a stale-but-hit entry schedules
// exactly one background task, and an immediate repeat call does not
// enqueue a second one for the same cacheKey.
func TestScheduleBackgroundRefreshDedupes(t *testing.T) {
	store := newFakeStore()
	cacheKey := "stock:AAPL:quote"
	_ = store.Set(context.Background(), cacheKey, "stale", 2*time.Second) // 2s of the 300s weak TTL, far under the 0.5 threshold

	o := newTestOrchestrator(store)
	defer o.Close()

	req := Request{
		CacheKey: cacheKey,
		Strategy: WeakTimeliness,
		FetchFn: func(ctx context.Context) (interface{}, error) {
			return "refreshed", nil
		},
	}

	if _, err := o.GetDataWithSmartCache(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	o.sched.mu.Lock()
	firstCount := len(o.sched.tasks)
	o.sched.mu.Unlock()
	if firstCount != 1 {
		t.Fatalf("expected exactly one scheduled task, got %d", firstCount)
	}

	if _, err := o.GetDataWithSmartCache(context.Background(), req); err != nil {
		t.Fatalf("unexpected error on second call: %v", err)
	}
	o.sched.mu.Lock()
	secondCount := len(o.sched.tasks)
	o.sched.mu.Unlock()
	if secondCount != 1 {
		t.Fatalf("expected dedup to keep exactly one task, got %d", secondCount)
	}
}

// TestMarketAwareHitSchedulesRefreshFromDynamicTTL: MARKET_AWARE has no
// static base TTL, so the refresh threshold must come from the dynamically
// computed TTL (closed-market 600s here, with no market provider wired).
func TestMarketAwareHitSchedulesRefreshFromDynamicTTL(t *testing.T) {
	store := newFakeStore()
	cacheKey := "market:US:status"
	_ = store.Set(context.Background(), cacheKey, "cached", 100*time.Second) // 100/600 < 0.5 threshold

	o := newTestOrchestrator(store)
	defer o.Close()

	req := Request{
		CacheKey: cacheKey,
		Strategy: MarketAware,
		Symbols:  []string{"AAPL"},
		FetchFn: func(ctx context.Context) (interface{}, error) {
			return "fresh", nil
		},
	}

	result, err := o.GetDataWithSmartCache(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Hit {
		t.Fatalf("expected hit, got %+v", result)
	}
	if result.DynamicTTL != 600*time.Second {
		t.Fatalf("expected closed-market dynamic TTL 600s, got %v", result.DynamicTTL)
	}

	o.sched.mu.Lock()
	count := len(o.sched.tasks)
	o.sched.mu.Unlock()
	if count != 1 {
		t.Fatalf("expected one scheduled refresh for a stale MARKET_AWARE hit, got %d", count)
	}
}

func TestAnalyzeCachePerformanceRecommendations(t *testing.T) {
	store := newFakeStore()
	_ = store.Set(context.Background(), "symbol:AAPL:mapping", "v", 500*time.Second)
	o := newTestOrchestrator(store)
	defer o.Close()

	report, err := o.AnalyzeCachePerformance(context.Background(), []string{"symbol:AAPL:mapping", "symbol:MSFT:mapping"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Total != 2 || report.Cached != 1 || report.Expired != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if len(report.ExpiredHot) != 1 {
		t.Fatalf("expected the expired hot key to be flagged, got %+v", report.ExpiredHot)
	}
}

// TestIsHotKeyPatterns pins the three hot-key patterns and confirms a key
// outside them (including the "batch:" prefix) is not flagged as hot.
func TestIsHotKeyPatterns(t *testing.T) {
	hot := []string{"stock:AAPL:quote", "market:US:status", "symbol:AAPL:mapping"}
	for _, k := range hot {
		if !isHotKey(k) {
			t.Errorf("expected %q to be a hot key", k)
		}
	}
	notHot := []string{"batch:AAPL:result", "rules:AAPL", "symbol:mapping:a"}
	for _, k := range notHot {
		if isHotKey(k) {
			t.Errorf("expected %q not to be a hot key", k)
		}
	}
}

// TestBatchGetDataWithSmartCacheNoCacheBypassesStore covers the batch
// NO_CACHE path: a request sharing a cache key with a previously cached
// entry must never return a stale Hit for a NO_CACHE strategy.
func TestBatchGetDataWithSmartCacheNoCacheBypassesStore(t *testing.T) {
	store := newFakeStore()
	const sharedKey = "stock:AAPL:quote"
	_ = store.Set(context.Background(), sharedKey, "stale-cached-value", 500*time.Second)

	o := newTestOrchestrator(store)
	defer o.Close()

	var noCacheCalls, cachedCalls int32
	reqs := []Request{
		{
			CacheKey: sharedKey,
			Strategy: NoCache,
			FetchFn: func(ctx context.Context) (interface{}, error) {
				atomic.AddInt32(&noCacheCalls, 1)
				return "live-value", nil
			},
		},
		{
			CacheKey: sharedKey,
			Strategy: WeakTimeliness,
			FetchFn: func(ctx context.Context) (interface{}, error) {
				atomic.AddInt32(&cachedCalls, 1)
				return "should-not-be-called", nil
			},
		},
	}

	results, err := o.BatchGetDataWithSmartCache(context.Background(), reqs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}

	noCacheResult := results[0]
	if noCacheResult.Hit {
		t.Fatalf("NO_CACHE batch entry must never report a hit, got %+v", noCacheResult)
	}
	if noCacheResult.Data != "live-value" {
		t.Fatalf("expected live-value for NO_CACHE entry, got %v", noCacheResult.Data)
	}
	if atomic.LoadInt32(&noCacheCalls) != 1 {
		t.Fatalf("expected fetchFn called exactly once for NO_CACHE entry, got %d", noCacheCalls)
	}

	cachedResult := results[1]
	if !cachedResult.Hit || cachedResult.Data != "stale-cached-value" {
		t.Fatalf("expected the WEAK_TIMELINESS entry to hit the pre-existing cache entry, got %+v", cachedResult)
	}
	if atomic.LoadInt32(&cachedCalls) != 0 {
		t.Fatalf("expected no fetch for the cache-hit entry, got %d", cachedCalls)
	}
}

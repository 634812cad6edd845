package symbolcache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/devmesh-labs/symbolcache/pkg/config"
	"github.com/devmesh-labs/symbolcache/pkg/observability"
)

// countingRuleStore wraps fakeRuleStore and counts FindByDataSource calls,
// with an optional artificial delay to simulate a slow store.
type countingRuleStore struct {
	fakeRuleStore
	calls int32
	delay time.Duration
}

func (c *countingRuleStore) FindByDataSource(ctx context.Context, provider string) (*ProviderRules, error) {
	atomic.AddInt32(&c.calls, 1)
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return c.fakeRuleStore.FindByDataSource(ctx, provider)
}

// TestMapSymbolsCoalescesConcurrentIdenticalBatchQueries: N concurrent
// identical batch requests against an empty cache collapse into a single
// rule-store round trip, and every caller observes the same result.
func TestMapSymbolsCoalescesConcurrentIdenticalBatchQueries(t *testing.T) {
	store := &countingRuleStore{
		fakeRuleStore: fakeRuleStore{rules: map[string]*ProviderRules{
			"provb": {
				Provider: "provb",
				Rules: []MappingRule{
					{ID: "1", Provider: "provb", SDKSymbol: "700.HK", StandardSymbol: "00700", IsActive: true},
					{ID: "2", Provider: "provb", SDKSymbol: "9988.HK", StandardSymbol: "09988", IsActive: true},
				},
			},
		}},
		delay: 20 * time.Millisecond,
	}
	cfg := config.Default().SymbolCache
	cfg.QueryTimeout = 2 * time.Second
	c := New(cfg, store, observability.NewNoopLogger(), observability.NewNoopMetricsClient())
	defer c.Close()

	const n = 10
	results := make([]BatchResult, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := c.MapSymbols(context.Background(), "provB", []string{"700.HK", "9988.HK"}, ToStandard, "")
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			results[i] = r
		}(i)
	}
	wg.Wait()

	for i, r := range results {
		if r.MappingDetails["700.HK"] != "00700" || r.MappingDetails["9988.HK"] != "09988" {
			t.Fatalf("result %d unexpected: %+v", i, r)
		}
	}
	if atomic.LoadInt32(&store.calls) != 1 {
		t.Fatalf("expected exactly one rule store call, got %d", store.calls)
	}
}

// TestMapSymbolsStoreTimeoutSurfacesErrorAndWritesNothing: a slow rule
// store exceeding the configured deadline fails the call with a timeout
// error, leaves no L2 entry, and a subsequent call against a responsive
// store succeeds.
func TestMapSymbolsStoreTimeoutSurfacesErrorAndWritesNothing(t *testing.T) {
	store := &countingRuleStore{
		fakeRuleStore: fakeRuleStore{rules: map[string]*ProviderRules{
			"provc": {Provider: "provc", Rules: []MappingRule{
				{ID: "1", Provider: "provc", SDKSymbol: "X", StandardSymbol: "X.US", IsActive: true},
			}},
		}},
		delay: 500 * time.Millisecond,
	}
	cfg := config.Default().SymbolCache
	cfg.QueryTimeout = 50 * time.Millisecond
	c := New(cfg, store, observability.NewNoopLogger(), observability.NewNoopMetricsClient())
	defer c.Close()

	_, err := c.MapSymbols(context.Background(), "provC", []string{"X"}, ToStandard, "")
	if err != ErrQueryTimeout {
		t.Fatalf("expected ErrQueryTimeout, got %v", err)
	}
	if _, ok := c.l2.get(symbolKey("provc", ToStandard, "X")); ok {
		t.Fatalf("expected no L2 entry to be written after a timed-out query")
	}

	store.delay = 0
	result, err := c.MapSymbols(context.Background(), "provC", []string{"X"}, ToStandard, "")
	if err != nil {
		t.Fatalf("unexpected error on retry: %v", err)
	}
	if result.MappingDetails["X"] != "X.US" {
		t.Fatalf("expected retry to resolve X -> X.US, got %+v", result)
	}
}

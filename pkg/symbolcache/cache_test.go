package symbolcache

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/devmesh-labs/symbolcache/pkg/config"
	"github.com/devmesh-labs/symbolcache/pkg/events"
	"github.com/devmesh-labs/symbolcache/pkg/observability"
)

type fakeRuleStore struct {
	rules map[string]*ProviderRules
}

func (f *fakeRuleStore) FindByDataSource(ctx context.Context, provider string) (*ProviderRules, error) {
	if r, ok := f.rules[provider]; ok {
		return r, nil
	}
	return &ProviderRules{Provider: provider}, nil
}

func (f *fakeRuleStore) FindByID(ctx context.Context, id string) (*MappingRule, error) {
	return nil, nil
}

func (f *fakeRuleStore) WatchChanges(ctx context.Context) (ChangeStream, error) {
	return nil, ErrStoreUnavailable
}

func testConfig() config.SymbolCacheConfig {
	cfg := config.Default().SymbolCache
	cfg.QueryTimeout = time.Second
	return cfg
}

func newTestCache(store RuleStore) *TieredCache {
	return New(testConfig(), store, observability.NewNoopLogger(), observability.NewNoopMetricsClient())
}

func TestMapSymbolsSingleSymbolHitsRuleStoreOnce(t *testing.T) {
	store := &countingRuleStore{fakeRuleStore: fakeRuleStore{rules: map[string]*ProviderRules{
		"bloomberg": {
			Provider: "bloomberg",
			Rules: []MappingRule{
				{ID: "1", Provider: "bloomberg", SDKSymbol: "AAPL US Equity", StandardSymbol: "AAPL", IsActive: true},
			},
		},
	}}}
	c := newTestCache(store)
	defer c.Close()

	result, err := c.MapSymbols(context.Background(), "Bloomberg", []string{"AAPL US Equity"}, ToStandard, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success || result.MappingDetails["AAPL US Equity"] != "AAPL" {
		t.Fatalf("unexpected result: %+v", result)
	}

	// Second call should be served from L2 without touching the store again.
	result2, err := c.MapSymbols(context.Background(), "Bloomberg", []string{"AAPL US Equity"}, ToStandard, "")
	if err != nil {
		t.Fatalf("unexpected error on second call: %v", err)
	}
	if result2.MappingDetails["AAPL US Equity"] != "AAPL" {
		t.Fatalf("unexpected cached result: %+v", result2)
	}
	if calls := atomic.LoadInt32(&store.calls); calls != 1 {
		t.Fatalf("expected exactly one rule store call across both lookups, got %d", calls)
	}
}

func TestMapSymbolsBackfillsReverseDirection(t *testing.T) {
	store := &fakeRuleStore{rules: map[string]*ProviderRules{
		"bloomberg": {
			Provider: "bloomberg",
			Rules: []MappingRule{
				{ID: "1", Provider: "bloomberg", SDKSymbol: "AAPL US Equity", StandardSymbol: "AAPL", IsActive: true},
			},
		},
	}}
	c := newTestCache(store)
	defer c.Close()

	if _, err := c.MapSymbols(context.Background(), "bloomberg", []string{"AAPL US Equity"}, ToStandard, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if v, ok := c.l2.get(symbolKey("bloomberg", FromStandard, "AAPL")); !ok || v.(string) != "AAPL US Equity" {
		t.Fatalf("expected reverse backfill entry, got %v, %v", v, ok)
	}
}

func TestMapSymbolsPassThroughUnmapped(t *testing.T) {
	store := &fakeRuleStore{rules: map[string]*ProviderRules{}}
	c := newTestCache(store)
	defer c.Close()

	result, err := c.MapSymbols(context.Background(), "bloomberg", []string{"UNKNOWN"}, ToStandard, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.MappingDetails["UNKNOWN"] != "UNKNOWN" {
		t.Fatalf("expected pass-through mapping, got %+v", result)
	}
}

func TestMapSymbolsFailsClosedWithoutPassThrough(t *testing.T) {
	store := &fakeRuleStore{rules: map[string]*ProviderRules{}}
	cfg := testConfig()
	cfg.PassThroughUnmappedSymbols = false
	c := New(cfg, store, observability.NewNoopLogger(), observability.NewNoopMetricsClient())
	defer c.Close()

	result, err := c.MapSymbols(context.Background(), "bloomberg", []string{"UNKNOWN"}, ToStandard, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Success {
		t.Fatalf("expected Success=false when nothing resolves, got %+v", result)
	}
	if len(result.FailedSymbols) != 1 || result.FailedSymbols[0] != "UNKNOWN" {
		t.Fatalf("expected UNKNOWN in FailedSymbols, got %+v", result)
	}
}

func TestMapSymbolsValidatesInputs(t *testing.T) {
	c := newTestCache(&fakeRuleStore{})
	defer c.Close()

	if _, err := c.MapSymbols(context.Background(), "", []string{"AAPL"}, ToStandard, ""); err != ErrEmptyProvider {
		t.Errorf("expected ErrEmptyProvider, got %v", err)
	}
	if _, err := c.MapSymbols(context.Background(), "bloomberg", nil, ToStandard, ""); err != ErrEmptySymbols {
		t.Errorf("expected ErrEmptySymbols, got %v", err)
	}
	if _, err := c.MapSymbols(context.Background(), "bloomberg", []string{"AAPL"}, Direction("sideways"), ""); err != ErrInvalidDirection {
		t.Errorf("expected ErrInvalidDirection, got %v", err)
	}
}

func TestInvalidateProviderClearsL2AndL1(t *testing.T) {
	store := &fakeRuleStore{rules: map[string]*ProviderRules{
		"bloomberg": {Provider: "bloomberg", Rules: []MappingRule{
			{ID: "1", Provider: "bloomberg", SDKSymbol: "AAPL US Equity", StandardSymbol: "AAPL", IsActive: true},
		}},
	}}
	c := newTestCache(store)
	defer c.Close()

	if _, err := c.MapSymbols(context.Background(), "bloomberg", []string{"AAPL US Equity"}, ToStandard, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	l1Removed, l2Removed, _ := c.invalidateProvider("bloomberg")
	if l1Removed != 1 {
		t.Errorf("expected 1 L1 entry removed, got %d", l1Removed)
	}
	if l2Removed == 0 {
		t.Errorf("expected at least one L2 entry removed, got %d", l2Removed)
	}
}

func TestBatchResultHitsAreIsolatedFromCallerMutation(t *testing.T) {
	store := &fakeRuleStore{rules: map[string]*ProviderRules{
		"provb": {Provider: "provb", Rules: []MappingRule{
			{ID: "1", Provider: "provb", SDKSymbol: "700.HK", StandardSymbol: "00700", IsActive: true},
			{ID: "2", Provider: "provb", SDKSymbol: "9988.HK", StandardSymbol: "09988", IsActive: true},
		}},
	}}
	c := newTestCache(store)
	defer c.Close()

	first, err := c.MapSymbols(context.Background(), "provB", []string{"700.HK", "9988.HK"}, ToStandard, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	first.MappingDetails["700.HK"] = "corrupted"
	first.FailedSymbols = append(first.FailedSymbols, "injected")

	second, err := c.MapSymbols(context.Background(), "provB", []string{"700.HK", "9988.HK"}, ToStandard, "")
	if err != nil {
		t.Fatalf("unexpected error on second call: %v", err)
	}
	if second.MappingDetails["700.HK"] != "00700" {
		t.Fatalf("caller mutation leaked into the cached batch result: %+v", second)
	}
	if len(second.FailedSymbols) != 0 {
		t.Fatalf("caller mutation leaked into cached failedSymbols: %+v", second.FailedSymbols)
	}
}

func TestCloseDropsTiersAndSilencesEvents(t *testing.T) {
	c := newTestCache(&fakeRuleStore{})
	c.l2.set(symbolKey("bloomberg", ToStandard, "AAPL"), "AAPL US Equity")

	fired := make(chan struct{}, 1)
	c.OnCacheEvent("cache.hit", func(e events.Event) { fired <- struct{}{} })

	c.Close()

	if c.l2.len() != 0 || c.l1.len() != 0 || c.l3.len() != 0 {
		t.Fatalf("expected all tiers dropped after Close, got l1=%d l2=%d l3=%d", c.l1.len(), c.l2.len(), c.l3.len())
	}

	c.bus.Publish(events.Event{Type: "cache.hit"})
	select {
	case <-fired:
		t.Fatal("expected no events to be delivered after Close")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestValidateCacheKey(t *testing.T) {
	if err := validateCacheKey("symbol:bloomberg:TO_STANDARD:AAPL"); err != nil {
		t.Errorf("expected valid key to pass, got %v", err)
	}
	if err := validateCacheKey("malformed"); err == nil {
		t.Error("expected malformed key to fail validation")
	}
	if err := validateCacheKey(":"); err == nil {
		t.Error("expected key with empty segments to fail validation")
	}
}

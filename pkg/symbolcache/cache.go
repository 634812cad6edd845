package symbolcache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/devmesh-labs/symbolcache/pkg/config"
	"github.com/devmesh-labs/symbolcache/pkg/events"
	"github.com/devmesh-labs/symbolcache/pkg/observability"
)

// TieredCache is the three-tier symbol mapping cache: the L1/L2/L3
// triple, the key-generation scheme, the batch coalescer, and the
// invalidation engine. It exclusively owns its three tiers, the
// pending-query table, the memory watchdog, and the change-stream handle.
type TieredCache struct {
	l1 *tier
	l2 *tier
	l3 *tier

	pending *pendingGroup
	rules   *ruleStoreGateway
	stream  *changeStreamSupervisor
	watch   *memoryWatchdog

	cfg     config.SymbolCacheConfig
	logger  observability.Logger
	metrics observability.MetricsClient
	bus     *events.Bus
}

// New constructs a TieredCache and starts its background goroutines (the
// memory watchdog and, when store is non-nil, the change stream
// supervisor). Call Close to release them.
func New(cfg config.SymbolCacheConfig, store RuleStore, logger observability.Logger, metrics observability.MetricsClient) *TieredCache {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}

	bus := events.NewBus()

	c := &TieredCache{
		l1:      newTier(cfg.RuleCacheMaxSize, cfg.RuleCacheTTL, false),
		l2:      newTier(cfg.SymbolCacheMaxSize, cfg.SymbolCacheTTL, true),
		l3:      newTier(cfg.BatchCacheMaxSize, cfg.BatchCacheTTL, true),
		pending: newPendingGroup(),
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		bus:     bus,
	}

	c.rules = &ruleStoreGateway{l1: c.l1, store: store, logger: logger, metrics: metrics, bus: bus, timeout: cfg.QueryTimeout}

	c.watch = newMemoryWatchdog(c, watchdogConfig{
		CheckInterval:    cfg.MemoryCheckInterval,
		CleanupThreshold: cfg.CleanupThreshold,
		RetentionRatio:   cfg.RetentionRatio,
		BatchSize:        cfg.LRUSortBatchSize,
		WallClockBudget:  cfg.CleanupWallBudget,
	}, logger, metrics, bus)
	c.watch.start()

	if store != nil {
		c.stream = newChangeStreamSupervisor(store, c, logger, bus)
		c.stream.start(context.Background())
	}

	return c
}

// OnCacheEvent subscribes handler to events of type t.
func (c *TieredCache) OnCacheEvent(t events.Type, handler events.Handler) events.Subscription {
	return c.bus.On(t, handler)
}

// OffCacheEvent removes a subscription registered with OnCacheEvent.
func (c *TieredCache) OffCacheEvent(t events.Type, sub events.Subscription) {
	c.bus.Off(t, sub)
}

// Close stops the memory watchdog and change stream supervisor, closes the
// event bus, and drops all tiers: after Close returns, no timers fire,
// no events are emitted, and no tier is readable.
func (c *TieredCache) Close() {
	c.watch.stop()
	if c.stream != nil {
		c.stream.stop()
	}
	c.bus.Close()
	c.ClearAll()
}

// Health reports whether the rule store backing this cache is reachable,
// for callers wiring a readiness probe.
func (c *TieredCache) Health(ctx context.Context) error {
	if c.rules.store == nil {
		return nil
	}
	_, err := c.rules.store.FindByDataSource(ctx, "__health__")
	return err
}

// ClearAll drops all three tiers and the pending table.
func (c *TieredCache) ClearAll() {
	c.l1.purge()
	c.l2.purge()
	c.l3.purge()
	c.pending.reset()
}

// invalidateProvider deletes rules:<p> from L1 and every L2/L3 key with
// prefix symbol:<p>: / batch:<p>:, returning the counts removed from each
// tier.
func (c *TieredCache) invalidateProvider(provider string) (l1, l2, l3 int) {
	p := normalizeProvider(provider)
	if c.l1.delete(rulesKey(p)) {
		l1 = 1
	}
	l2 = c.l2.deletePrefix("symbol:" + p + ":")
	l3 = c.l3.deletePrefix("batch:" + p + ":")
	return
}

// MapSymbols is the public entry point for both single-symbol and batch
// lookups. Behavior is unified regardless of call shape.
func (c *TieredCache) MapSymbols(ctx context.Context, provider string, symbols []string, direction Direction, requestID string) (BatchResult, error) {
	ctx, span := observability.StartSpan(ctx, "mapSymbols")
	defer span.End()

	start := time.Now()
	if requestID == "" {
		requestID = uuid.NewString()
	}
	span.SetAttribute("requestId", requestID)
	span.SetAttribute("provider", provider)
	span.SetAttribute("symbolCount", len(symbols))

	if err := validateInputs(provider, symbols, direction); err != nil {
		return BatchResult{}, err
	}

	isBatch := len(symbols) > 1
	c.bus.Publish(events.Event{Type: events.CacheOperationStart, Timestamp: nowFn(), Payload: map[string]interface{}{
		"provider": provider, "symbolCount": len(symbols), "direction": direction, "isBatch": isBatch, "requestId": requestID,
	}})

	if !c.cfg.Enabled {
		c.bus.Publish(events.Event{Type: events.CacheDisabled, Timestamp: nowFn(), Payload: map[string]interface{}{
			"reason": "symbolMappingCacheEnabled=false", "provider": provider,
		}})
		mapped, err := c.resolveUncached(ctx, provider, symbols, direction)
		if err != nil {
			c.publishError(provider, direction, len(symbols), "mapSymbols", err, start)
			return BatchResult{}, err
		}
		result := c.buildResult(provider, direction, symbols, mapped, 0, start)
		c.bus.Publish(events.Event{Type: events.CacheOperationComplete, Timestamp: nowFn(), Payload: completePayload(provider, direction, len(symbols), 0, start, true)})
		return result, nil
	}

	var bKey string
	if isBatch {
		bKey = batchKey(provider, direction, symbols)
		if v, ok := c.l3.get(bKey); ok {
			c.metrics.RecordCacheOperation("l3", "mapSymbols", true, time.Since(start))
			c.bus.Publish(events.Event{Type: events.CacheHit, Timestamp: nowFn(), Payload: map[string]interface{}{"layer": "l3", "provider": provider}})
			result := v.(BatchResult).clone()
			c.bus.Publish(events.Event{Type: events.CacheOperationComplete, Timestamp: nowFn(), Payload: completePayload(provider, direction, len(symbols), result.CacheHits, start, true)})
			return result, nil
		}
	}

	hits := make(map[string]string, len(symbols))
	var uncached []string
	for _, sym := range symbols {
		key := symbolKey(provider, direction, sym)
		if v, ok := c.l2.get(key); ok {
			c.metrics.RecordCacheOperation("l2", "mapSymbols", true, time.Since(start))
			c.bus.Publish(events.Event{Type: events.CacheHit, Timestamp: nowFn(), Payload: map[string]interface{}{"layer": "l2", "provider": provider, "symbol": sym}})
			hits[sym] = v.(string)
		} else {
			c.metrics.RecordCacheOperation("l2", "mapSymbols", false, time.Since(start))
			c.bus.Publish(events.Event{Type: events.CacheMiss, Timestamp: nowFn(), Payload: map[string]interface{}{"layer": "l2", "provider": provider, "symbol": sym}})
			uncached = append(uncached, sym)
		}
	}

	var storeResult map[string]string
	if len(uncached) > 0 {
		pKey := pendingKey(provider, direction, uncached)
		res, err := c.pending.do(ctx, pKey, func(ctx context.Context) (map[string]string, error) {
			return c.resolveUncached(ctx, provider, uncached, direction)
		})
		if err != nil {
			c.publishError(provider, direction, len(symbols), "mapSymbols", err, start)
			return BatchResult{}, err
		}
		storeResult = res
		c.backfill(provider, direction, storeResult)
	}

	result := c.buildResult(provider, direction, symbols, mergeMaps(hits, storeResult), len(hits), start)

	if isBatch && len(uncached) > 0 {
		result.validate()
		// Store a copy: the caller owns the returned value and may mutate
		// it, which must never bleed into subsequent L3 hits.
		c.l3.set(bKey, result.clone())
	}

	c.bus.Publish(events.Event{Type: events.CacheOperationComplete, Timestamp: nowFn(), Payload: completePayload(provider, direction, len(symbols), result.CacheHits, start, true)})
	return result, nil
}

// resolveUncached obtains ProviderRules and maps each input through the
// active rule index for the given direction.
func (c *TieredCache) resolveUncached(ctx context.Context, provider string, symbols []string, direction Direction) (map[string]string, error) {
	rules, err := c.rules.getProviderRules(ctx, provider)
	if err != nil {
		return nil, err
	}
	idx := rules.activeIndex(direction)

	result := make(map[string]string, len(symbols))
	for _, sym := range symbols {
		if out, ok := idx[sym]; ok {
			result[sym] = out
			continue
		}
		if c.cfg.PassThroughUnmappedSymbols {
			result[sym] = sym
		}
	}
	return result, nil
}

// backfill writes both the forward and reverse L2 entries for every
// resolved pair, so once a pair is resolved either direction is hot.
// Failures here are logged and dropped, never fatal to the request.
func (c *TieredCache) backfill(provider string, direction Direction, resolved map[string]string) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("backfill panicked, dropping", map[string]interface{}{"recover": r})
		}
	}()
	for input, output := range resolved {
		if output == "" {
			continue
		}
		c.l2.set(symbolKey(provider, direction, input), output)
		c.l2.set(symbolKey(provider, direction.reverse(), output), input)
	}
}

func (c *TieredCache) buildResult(provider string, direction Direction, symbols []string, mapped map[string]string, cacheHits int, start time.Time) BatchResult {
	result := BatchResult{
		Success:          true,
		Provider:         normalizeProvider(provider),
		Direction:        direction,
		TotalProcessed:   len(symbols),
		CacheHits:        cacheHits,
		MappingDetails:   make(map[string]string),
		FailedSymbols:    []string{},
		ProcessingTimeMs: time.Since(start).Milliseconds(),
	}
	for _, sym := range symbols {
		if out, ok := mapped[sym]; ok {
			result.MappingDetails[sym] = out
		} else {
			result.FailedSymbols = append(result.FailedSymbols, sym)
		}
	}
	if len(result.MappingDetails) == 0 && len(symbols) > 0 {
		result.Success = false
	}
	return result
}

func (c *TieredCache) publishError(provider string, direction Direction, symbolCount int, operation string, err error, start time.Time) {
	c.bus.Publish(events.Event{Type: events.CacheOperationError, Timestamp: nowFn(), Payload: map[string]interface{}{
		"provider": provider, "error": err.Error(), "processingTime": time.Since(start).Milliseconds(),
		"operation": operation, "symbolCount": symbolCount,
	}})
}

func completePayload(provider string, direction Direction, symbolCount, cacheHits int, start time.Time, success bool) map[string]interface{} {
	return map[string]interface{}{
		"provider": provider, "symbolCount": symbolCount, "cacheHits": cacheHits,
		"processingTime": time.Since(start).Milliseconds(), "direction": direction, "success": success,
	}
}

func mergeMaps(a, b map[string]string) map[string]string {
	out := make(map[string]string, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

func validateInputs(provider string, symbols []string, direction Direction) error {
	if provider == "" {
		return ErrEmptyProvider
	}
	if len(symbols) == 0 {
		return ErrEmptySymbols
	}
	if direction != ToStandard && direction != FromStandard {
		return ErrInvalidDirection
	}
	return nil
}

// validateCacheKey checks the "prefix:content" shape with at least two
// non-empty segments.
func validateCacheKey(key string) error {
	parts := strings.SplitN(key, ":", 2)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return fmt.Errorf("%w: %q", ErrInvalidCacheKey, key)
	}
	return nil
}

package smartcache

import (
	"context"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/devmesh-labs/symbolcache/pkg/config"
	"github.com/devmesh-labs/symbolcache/pkg/events"
	"github.com/devmesh-labs/symbolcache/pkg/observability"
	"github.com/devmesh-labs/symbolcache/pkg/symbolcache"
)

// Hot-key patterns for the analysis report: a key is hot when it names a
// real-time quote, a market status lookup, or a symbol mapping.
var (
	hotKeyStockQuoteRe    = regexp.MustCompile(`stock:.*:quote`)
	hotKeyMarketStatusRe  = regexp.MustCompile(`market:.*:status`)
	hotKeySymbolMappingRe = regexp.MustCompile(`symbol:.*:mapping`)
)

func isHotKey(key string) bool {
	return hotKeyStockQuoteRe.MatchString(key) || hotKeyMarketStatusRe.MatchString(key) || hotKeySymbolMappingRe.MatchString(key)
}

// Orchestrator wraps a DistributedCache with per-strategy TTL decisions,
// stale-while-refresh serving, and a background refresh scheduler.
type Orchestrator struct {
	store   DistributedCache
	market  MarketStatusProvider
	changes ChangeDetector
	policy  *policyEngine
	sched   *scheduler

	cfg config.OrchestratorConfig

	logger  observability.Logger
	metrics observability.MetricsClient
	bus     *events.Bus

	marketStatusMu    sync.Mutex
	marketStatusCache map[string]cachedMarketStatus

	closeOnce sync.Once
}

// cachedMarketStatus is one entry in the orchestrator's market-status
// cache, which holds a looked-up status for up to the strategy's
// marketStatusCheckInterval rather than querying on every TTL
// computation.
type cachedMarketStatus struct {
	status    MarketStatus
	fetchedAt time.Time
}

// New constructs an Orchestrator and starts its background refresh
// scheduler. Call Close to shut it down gracefully.
func New(cfg config.OrchestratorConfig, strategies map[string]config.StrategyConfig, store DistributedCache, market MarketStatusProvider, changes ChangeDetector, logger observability.Logger, metrics observability.MetricsClient) *Orchestrator {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	bus := events.NewBus()
	policy := newPolicyEngine(strategies)

	o := &Orchestrator{
		store:             store,
		market:            market,
		changes:           changes,
		policy:            policy,
		cfg:               cfg,
		logger:            logger,
		metrics:           metrics,
		bus:               bus,
		marketStatusCache: make(map[string]cachedMarketStatus),
	}
	o.sched = newScheduler(cfg.MaxConcurrentUpdates, cfg.DefaultMinUpdateInterval, cfg.GracefulShutdownTimeout, cfg.EnableBackgroundUpdate, policy, store, market, changes, logger, metrics, bus)
	o.sched.start()
	return o
}

// OnEvent subscribes handler to events of type t.
func (o *Orchestrator) OnEvent(t events.Type, handler events.Handler) events.Subscription {
	return o.bus.On(t, handler)
}

// Close shuts down the background refresh scheduler gracefully and closes
// the event bus.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() {
		o.sched.shutdown()
		o.bus.Close()
	})
}

// Health reports whether the distributed cache backing this orchestrator
// is reachable, for callers wiring a readiness probe.
func (o *Orchestrator) Health(ctx context.Context) error {
	if o.store == nil || o.store.Healthy() {
		return nil
	}
	return ErrStoreUnhealthy
}

// GetDataWithSmartCache is a strategy-aware read with
// stale-while-refresh.
func (o *Orchestrator) GetDataWithSmartCache(ctx context.Context, req Request) (Result, error) {
	ctx, span := observability.StartSpan(ctx, "getDataWithSmartCache")
	defer span.End()
	span.SetAttribute("cacheKey", req.CacheKey)
	span.SetAttribute("strategy", string(req.Strategy))

	start := time.Now()
	if err := validateRequest(req); err != nil {
		span.RecordError(err)
		return Result{}, err
	}

	heat, workload := accessPattern(req.Strategy)
	o.metrics.RecordCounter("cache_requests_total", 1, map[string]string{
		"strategy": string(req.Strategy), "pattern": string(heat), "workload": string(workload),
	})

	if req.Strategy == NoCache || o.policy.config(req.Strategy).BypassCache {
		data, err := req.FetchFn(ctx)
		if err != nil {
			return Result{Error: err, CacheKey: req.CacheKey, Strategy: req.Strategy}, err
		}
		o.recordOperation("getDataWithSmartCache", true, start)
		return Result{Data: data, Hit: false, Strategy: req.Strategy, CacheKey: req.CacheKey, Timestamp: time.Now()}, nil
	}

	dynamicTTL := o.computeTTLFor(ctx, req)
	data, hit, ttlRemaining, err := o.store.GetWithFallback(ctx, req.CacheKey, req.FetchFn, dynamicTTL > 0, dynamicTTL)
	if err != nil {
		if fallback, ferr := req.FetchFn(ctx); ferr == nil {
			o.recordOperation("getDataWithSmartCache", true, start)
			return Result{Data: fallback, Hit: false, Strategy: req.Strategy, CacheKey: req.CacheKey, Error: err, Timestamp: time.Now()}, nil
		}
		o.recordOperation("getDataWithSmartCache", false, start)
		return Result{Error: err, CacheKey: req.CacheKey, Strategy: req.Strategy}, err
	}

	o.recordOperation("getDataWithSmartCache", true, start)
	if hit {
		o.bus.Publish(events.Event{Type: events.CacheHit, Timestamp: time.Now(), Payload: map[string]interface{}{"cacheKey": req.CacheKey}})
		o.maybeScheduleRefresh(req, ttlRemaining, dynamicTTL)
		return Result{Data: data, Hit: true, TTLRemaining: ttlRemaining, DynamicTTL: dynamicTTL, Strategy: req.Strategy, CacheKey: req.CacheKey, Timestamp: time.Now()}, nil
	}
	o.bus.Publish(events.Event{Type: events.CacheMiss, Timestamp: time.Now(), Payload: map[string]interface{}{"cacheKey": req.CacheKey}})
	return Result{Data: data, Hit: false, DynamicTTL: dynamicTTL, Strategy: req.Strategy, CacheKey: req.CacheKey, Timestamp: time.Now()}, nil
}

// maybeScheduleRefresh schedules a background refresh when the remaining
// TTL has fallen below updateThresholdRatio of the dynamically computed
// TTL for this request, instead of blocking the caller. The denominator
// must be the effective TTL, not static strategy config: MARKET_AWARE has
// no base TTL field at all, and ADAPTIVE's modifiers shift it per request.
func (o *Orchestrator) maybeScheduleRefresh(req Request, ttlRemaining, dynamicTTL time.Duration) {
	if !o.policy.backgroundUpdateEnabled(req.Strategy) {
		return
	}
	if dynamicTTL <= 0 {
		return
	}
	threshold := time.Duration(float64(dynamicTTL) * o.policy.updateThresholdRatio(req.Strategy))
	if ttlRemaining > threshold {
		return
	}
	o.sched.schedule(req.CacheKey, req.Symbols, req.Strategy, req.FetchFn, req.Metadata)
}

// fetchAndCache runs the fetch function, computes its TTL via the policy
// engine, and writes it through to the distributed cache.
func (o *Orchestrator) fetchAndCache(ctx context.Context, req Request) (interface{}, time.Duration, error) {
	data, err := req.FetchFn(ctx)
	if err != nil {
		return nil, 0, err
	}
	ttl := o.computeTTLFor(ctx, req)
	if ttl > 0 {
		if serr := o.store.Set(ctx, req.CacheKey, data, ttl); serr != nil {
			o.logger.Warn("smartcache: failed to write through after fetch", map[string]interface{}{"cacheKey": req.CacheKey, "error": serr.Error()})
		}
	}
	return data, ttl, nil
}

func (o *Orchestrator) computeTTLFor(ctx context.Context, req Request) time.Duration {
	in := ttlInputs{}
	if req.Strategy == MarketAware && o.market != nil && len(req.Symbols) > 0 {
		status := o.getMarketStatus(ctx, req.Strategy, marketFromMetadata(req))
		in.MarketOpen = status.Status == Trading
	}
	return o.policy.computeTTL(req.Strategy, in)
}

// getMarketStatus resolves the trading status for market, serving it from
// o.marketStatusCache when the last lookup is within strategy's
// MarketStatusCheckInterval instead of calling the provider on every TTL
// computation. A non-positive interval disables the cache and always
// queries fresh.
func (o *Orchestrator) getMarketStatus(ctx context.Context, strategy Strategy, market string) MarketStatus {
	interval := o.policy.config(strategy).MarketStatusCheckInterval

	o.marketStatusMu.Lock()
	if interval > 0 {
		if cached, ok := o.marketStatusCache[market]; ok && time.Since(cached.fetchedAt) < interval {
			o.marketStatusMu.Unlock()
			return cached.status
		}
	}
	o.marketStatusMu.Unlock()

	status, err := o.market.GetMarketStatus(ctx, market)
	if err != nil {
		status = defaultMarketStatus(market)
	}

	o.marketStatusMu.Lock()
	o.marketStatusCache[market] = cachedMarketStatus{status: status, fetchedAt: time.Now()}
	o.marketStatusMu.Unlock()

	return status
}

func marketFromMetadata(req Request) string {
	if m, ok := req.Metadata["market"].(string); ok && m != "" {
		return m
	}
	if len(req.Symbols) > 0 {
		return string(symbolcache.InferMarket(req.Symbols[0]))
	}
	return ""
}

// BatchGetDataWithSmartCache groups requests by strategy, bypassing the
// store entirely for NO_CACHE requests, MGets the cache layer for the
// rest, and fans out misses with bounded concurrency. Results come back
// in the caller's original order.
func (o *Orchestrator) BatchGetDataWithSmartCache(ctx context.Context, reqs []Request) ([]Result, error) {
	if len(reqs) == 0 {
		return nil, nil
	}

	results := make([]Result, len(reqs))

	var cachedIdx, noCacheIdx []int
	for i, req := range reqs {
		if req.Strategy == NoCache || o.policy.config(req.Strategy).BypassCache {
			noCacheIdx = append(noCacheIdx, i)
			continue
		}
		cachedIdx = append(cachedIdx, i)
	}

	if len(noCacheIdx) > 0 {
		o.resolveNoCache(ctx, reqs, results, noCacheIdx)
	}
	if len(cachedIdx) == 0 {
		return results, nil
	}

	keys := make([]string, len(cachedIdx))
	for j, i := range cachedIdx {
		keys[j] = reqs[i].CacheKey
	}
	values, hits, err := o.store.MGet(ctx, keys)
	if err != nil {
		values = make([]CacheValue, len(keys))
		hits = make([]bool, len(keys))
	}

	var missIdx, hitIdx []int
	for j, i := range cachedIdx {
		req := reqs[i]
		if j < len(hits) && hits[j] {
			results[i] = Result{Data: values[j].Data, Hit: true, TTLRemaining: values[j].TTLRemaining, Strategy: req.Strategy, CacheKey: req.CacheKey, Timestamp: time.Now()}
			hitIdx = append(hitIdx, i)
			continue
		}
		missIdx = append(missIdx, i)
	}

	if len(missIdx) > 0 {
		o.resolveMisses(ctx, reqs, results, missIdx)
	}

	// Background refreshes are scheduled in one pass once every result is
	// known, so a slow miss resolution cannot interleave with scheduling.
	for _, i := range hitIdx {
		dyn := o.computeTTLFor(ctx, reqs[i])
		results[i].DynamicTTL = dyn
		o.maybeScheduleRefresh(reqs[i], results[i].TTLRemaining, dyn)
	}
	return results, nil
}

// resolveNoCache runs fetchFn for every NO_CACHE (or strategy-bypassed)
// request in idx concurrently, with no cache read or write, mirroring
// GetDataWithSmartCache's single-request NO_CACHE branch.
func (o *Orchestrator) resolveNoCache(ctx context.Context, reqs []Request, results []Result, idx []int) {
	var wg sync.WaitGroup
	for _, i := range idx {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := reqs[i]
			data, err := req.FetchFn(ctx)
			if err != nil {
				results[i] = Result{Error: err, CacheKey: req.CacheKey, Strategy: req.Strategy}
				return
			}
			results[i] = Result{Data: data, Hit: false, Strategy: req.Strategy, CacheKey: req.CacheKey, Timestamp: time.Now()}
		}(i)
	}
	wg.Wait()
}

// resolveMisses fetches every missed request with bounded concurrency
// (orchestrator.miss_concurrency), optionally retrying failures once when
// retry_failures is set.
func (o *Orchestrator) resolveMisses(ctx context.Context, reqs []Request, results []Result, missIdx []int) {
	limit := o.cfg.MissConcurrency
	if limit <= 0 {
		limit = 1
	}
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup

	var failedMu sync.Mutex
	var failed []int

	run := func(i int) {
		defer wg.Done()
		defer func() { <-sem }()
		req := reqs[i]
		data, ttl, err := o.fetchAndCache(ctx, req)
		if err != nil {
			results[i] = Result{Error: err, CacheKey: req.CacheKey, Strategy: req.Strategy}
			failedMu.Lock()
			failed = append(failed, i)
			failedMu.Unlock()
			return
		}
		results[i] = Result{Data: data, Hit: false, DynamicTTL: ttl, Strategy: req.Strategy, CacheKey: req.CacheKey, Timestamp: time.Now()}
	}

	for _, i := range missIdx {
		wg.Add(1)
		sem <- struct{}{}
		go run(i)
	}
	wg.Wait()

	// The retry pass is sequential and writes with a shorter TTL, so a
	// value that only resolved on retry ages out sooner.
	if o.cfg.RetryFailures && len(failed) > 0 {
		const retryTTL = 300 * time.Second
		for _, i := range failed {
			req := reqs[i]
			data, err := req.FetchFn(ctx)
			if err != nil {
				results[i] = Result{Error: err, CacheKey: req.CacheKey, Strategy: req.Strategy}
				continue
			}
			if serr := o.store.Set(ctx, req.CacheKey, data, retryTTL); serr != nil {
				o.logger.Warn("smartcache: retry write-through failed", map[string]interface{}{"cacheKey": req.CacheKey, "error": serr.Error()})
			}
			results[i] = Result{Data: data, Hit: false, DynamicTTL: retryTTL, Strategy: req.Strategy, CacheKey: req.CacheKey, Timestamp: time.Now()}
		}
	}
}

// WarmupHotQueries processes queries by descending priority in batches of
// 3, skipping keys that are already warm (ttlRemaining > 60s).
func (o *Orchestrator) WarmupHotQueries(ctx context.Context, queries []WarmupQuery) ([]WarmupReport, error) {
	sorted := make([]WarmupQuery, len(queries))
	copy(sorted, queries)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority > sorted[j].Priority })

	reports := make([]WarmupReport, 0, len(sorted))
	const batchSize = 3

	for start := 0; start < len(sorted); start += batchSize {
		end := start + batchSize
		if end > len(sorted) {
			end = len(sorted)
		}
		batch := sorted[start:end]

		var wg sync.WaitGroup
		batchReports := make([]WarmupReport, len(batch))
		for i, q := range batch {
			wg.Add(1)
			go func(i int, q WarmupQuery) {
				defer wg.Done()
				batchReports[i] = o.warmupOne(ctx, q)
			}(i, q)
		}
		wg.Wait()
		reports = append(reports, batchReports...)
	}
	return reports, nil
}

func (o *Orchestrator) warmupOne(ctx context.Context, q WarmupQuery) WarmupReport {
	start := time.Now()
	req := q.Request

	if cv, hit, err := o.store.Get(ctx, req.CacheKey); err == nil && hit && cv.TTLRemaining > 60*time.Second {
		return WarmupReport{CacheKey: req.CacheKey, Success: true, Skipped: true}
	}

	data, ttl, err := o.fetchAndCache(ctx, req)
	if err != nil {
		return WarmupReport{CacheKey: req.CacheKey, Success: false, Duration: time.Since(start), Error: err}
	}
	_ = data
	return WarmupReport{CacheKey: req.CacheKey, Success: true, Duration: time.Since(start), TTL: ttl}
}

// AnalyzeCachePerformance MGets the given keys and summarizes hit rate,
// TTL distribution, and heuristic recommendations.
func (o *Orchestrator) AnalyzeCachePerformance(ctx context.Context, keys []string) (AnalysisReport, error) {
	if len(keys) == 0 {
		return AnalysisReport{}, nil
	}

	values, hits, err := o.store.MGet(ctx, keys)
	if err != nil {
		return AnalysisReport{}, err
	}

	report := AnalysisReport{Total: len(keys)}
	var ttlSum time.Duration

	for i, key := range keys {
		if i >= len(hits) || !hits[i] {
			report.Expired++
			if isHotKey(key) {
				report.ExpiredHot = append(report.ExpiredHot, key)
			}
			continue
		}
		report.Cached++
		ttlSum += values[i].TTLRemaining
		if values[i].TTLRemaining < 300*time.Second {
			report.Hotspots = append(report.Hotspots, key)
		}
	}

	if report.Cached > 0 {
		report.AvgTTL = ttlSum / time.Duration(report.Cached)
	}
	if report.Total > 0 {
		report.HitRate = float64(report.Cached) / float64(report.Total)
	}

	report.Recommendations = recommendationsFor(report)
	return report, nil
}

func recommendationsFor(r AnalysisReport) []string {
	var recs []string
	if r.HitRate < 0.7 {
		recs = append(recs, "hit rate below 70%: raise TTL or warm more aggressively")
	}
	if r.Cached > 0 && r.AvgTTL < 60*time.Second {
		recs = append(recs, "average TTL too short: raise base TTL for this key set")
	}
	if r.AvgTTL > 3600*time.Second {
		recs = append(recs, "average TTL over an hour: watch for staleness")
	}
	if len(r.ExpiredHot) > 0 {
		recs = append(recs, "hot keys expired: warm immediately")
	}
	return recs
}

// SetDataWithAdaptiveTTL computes the effective TTL for data under
// strategy and writes it through.
func (o *Orchestrator) SetDataWithAdaptiveTTL(ctx context.Context, cacheKey string, data interface{}, strategy Strategy, metadata map[string]interface{}) (TTLDecision, error) {
	if cacheKey == "" {
		return TTLDecision{}, ErrEmptyCacheKey
	}

	in := ttlInputs{}
	if sz, ok := metadata["dataSizeBytes"].(int); ok {
		in.DataSizeBytes = sz
	}
	if lu, ok := metadata["lastUpdated"].(time.Time); ok {
		in.LastUpdated = &lu
	}
	if strategy == MarketAware && o.market != nil {
		market, _ := metadata["market"].(string)
		status := o.getMarketStatus(ctx, strategy, market)
		in.MarketOpen = status.Status == Trading
	}

	ttl := o.policy.computeTTL(strategy, in)
	decision := TTLDecision{TTL: ttl, Strategy: strategy}

	if ttl <= 0 {
		return decision, nil
	}
	if err := o.store.Set(ctx, cacheKey, data, ttl); err != nil {
		return decision, err
	}
	return decision, nil
}

func (o *Orchestrator) recordOperation(operation string, success bool, start time.Time) {
	o.metrics.RecordOperation("smartcache", operation, success, time.Since(start))
}

func validateRequest(req Request) error {
	if req.CacheKey == "" {
		return ErrEmptyCacheKey
	}
	if req.FetchFn == nil {
		return ErrNoFetchFunc
	}
	switch req.Strategy {
	case StrongTimeliness, WeakTimeliness, Adaptive, MarketAware, NoCache:
	default:
		return ErrUnknownStrategy
	}
	return nil
}

package smartcache

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/devmesh-labs/symbolcache/pkg/events"
	"github.com/devmesh-labs/symbolcache/pkg/observability"
	"github.com/devmesh-labs/symbolcache/pkg/symbolcache"
)

type taskStatus string

const (
	statusPending   taskStatus = "pending"
	statusRunning   taskStatus = "running"
	statusCompleted taskStatus = "completed"
	statusFailed    taskStatus = "failed"
)

// backgroundTask is one scheduled refresh job.
type backgroundTask struct {
	taskID      string
	cacheKey    string
	symbols     []string
	fetchFn     FetchFunc
	strategy    Strategy
	metadata    map[string]interface{}
	priority    float64
	createdAt   time.Time
	scheduledAt time.Time
	retryCount  int
	maxRetries  int
	status      taskStatus
}

// scheduler is the background refresh scheduler: a bounded-concurrency
// worker pool with a priority queue, linear-backoff retry, and per-key
// TTL throttling. A ticker-driven processor loop pulls from the
// priority-sorted queue so execution stays gated by maxConcurrentUpdates
// no matter how fast tasks are admitted.
type scheduler struct {
	mu    sync.Mutex
	tasks map[string]*backgroundTask
	queue []*backgroundTask

	lastUpdateMu    sync.Mutex
	lastUpdateTimes map[string]time.Time

	activeCount  int
	shuttingDown bool

	maxConcurrent   int
	minInterval     time.Duration
	gracefulTimeout time.Duration
	enabled         bool

	// admissionLimiter bounds the overall rate of newly admitted tasks
	// (across all keys) as a backpressure valve on top of the per-key
	// lastUpdateTimes throttle, using golang.org/x/time/rate.
	admissionLimiter *rate.Limiter

	policy  *policyEngine
	store   DistributedCache
	market  MarketStatusProvider
	changes ChangeDetector

	logger  observability.Logger
	metrics observability.MetricsClient
	bus     *events.Bus

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func newScheduler(maxConcurrent int, minInterval, gracefulTimeout time.Duration, enabled bool, policy *policyEngine, store DistributedCache, market MarketStatusProvider, changes ChangeDetector, logger observability.Logger, metrics observability.MetricsClient, bus *events.Bus) *scheduler {
	s := &scheduler{
		tasks:            make(map[string]*backgroundTask),
		lastUpdateTimes:  make(map[string]time.Time),
		maxConcurrent:    maxConcurrent,
		minInterval:      minInterval,
		gracefulTimeout:  gracefulTimeout,
		enabled:          enabled,
		admissionLimiter: rate.NewLimiter(rate.Limit(maxConcurrent*4), maxConcurrent*4),
		policy:           policy,
		store:            store,
		market:           market,
		changes:          changes,
		logger:           logger,
		metrics:          metrics,
		bus:              bus,
		stopCh:           make(chan struct{}),
	}
	return s
}

func (s *scheduler) start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		interval := s.minInterval / 2
		if interval > 5*time.Second {
			interval = 5 * time.Second
		}
		if interval <= 0 {
			interval = time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.processTick()
			}
		}
	}()
}

// schedule enqueues a refresh task, subject to the shutdown, dedup, and
// per-key interval gates.
func (s *scheduler) schedule(cacheKey string, symbols []string, strategy Strategy, fetchFn FetchFunc, metadata map[string]interface{}) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shuttingDown || !s.enabled {
		return false
	}
	if _, exists := s.tasks[cacheKey]; exists {
		return false
	}

	market := marketUS
	if len(symbols) > 0 {
		market = symbolcache.InferMarket(symbols[0])
	}
	interval := s.minUpdateIntervalFor(market)

	now := time.Now()
	if !s.admitByInterval(cacheKey, now, interval) {
		return false
	}
	if !s.admissionLimiter.Allow() {
		return false
	}

	task := &backgroundTask{
		taskID:      newTaskID(),
		cacheKey:    cacheKey,
		symbols:     symbols,
		fetchFn:     fetchFn,
		strategy:    strategy,
		metadata:    metadata,
		priority:    priorityFor(market, len(symbols)),
		createdAt:   now,
		scheduledAt: now,
		maxRetries:  3,
		status:      statusPending,
	}
	s.tasks[cacheKey] = task
	s.queue = append(s.queue, task)
	return true
}

type symbolMarket = symbolcache.Market

const (
	marketUS symbolMarket = symbolcache.MarketUS
	marketHK symbolMarket = symbolcache.MarketHK
	marketSZ symbolMarket = symbolcache.MarketSZ
	marketSH symbolMarket = symbolcache.MarketSH
)

// minUpdateIntervalFor floors the refresh interval per primary market.
func (s *scheduler) minUpdateIntervalFor(market symbolMarket) time.Duration {
	base := s.minInterval
	switch market {
	case marketHK:
		return maxDuration(base, 45*time.Second)
	case marketSZ, marketSH:
		return maxDuration(base, 60*time.Second)
	default:
		return base
	}
}

// priorityFor weights a task by market and symbol count; the random
// jitter prevents starvation among tasks created at the same instant.
func priorityFor(market symbolMarket, symbolCount int) float64 {
	var weight float64
	switch market {
	case marketUS:
		weight = 3
	case marketHK:
		weight = 2
	case marketSZ, marketSH:
		weight = 1
	default:
		weight = 1
	}
	symbolTerm := float64(symbolCount) * 0.1
	if symbolTerm > 1 {
		symbolTerm = 1
	}
	return 1 + weight + symbolTerm + rand.Float64()*0.1
}

// admitByInterval is the per-key lastUpdateTimes throttle, pruning
// entries older than 1h on access.
func (s *scheduler) admitByInterval(key string, now time.Time, interval time.Duration) bool {
	s.lastUpdateMu.Lock()
	defer s.lastUpdateMu.Unlock()

	for k, t := range s.lastUpdateTimes {
		if now.Sub(t) > time.Hour {
			delete(s.lastUpdateTimes, k)
		}
	}

	if last, ok := s.lastUpdateTimes[key]; ok && now.Sub(last) < interval {
		return false
	}
	s.lastUpdateTimes[key] = now
	return true
}

// processTick sorts the queue by priority desc and, while activeCount is
// under maxConcurrentUpdates and the head is due, dequeues and executes.
func (s *scheduler) processTick() {
	for {
		task := s.dequeueNext()
		if task == nil {
			return
		}
		s.wg.Add(1)
		go s.execute(task)
	}
}

func (s *scheduler) dequeueNext() *backgroundTask {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.activeCountLocked() >= s.maxConcurrent || len(s.queue) == 0 {
		return nil
	}
	sort.Slice(s.queue, func(i, j int) bool { return s.queue[i].priority > s.queue[j].priority })

	now := time.Now()
	if s.queue[0].scheduledAt.After(now) {
		return nil
	}

	task := s.queue[0]
	s.queue = s.queue[1:]
	task.status = statusRunning
	s.activeCount++
	return task
}

func (s *scheduler) activeCountLocked() int {
	return s.activeCount
}

func (s *scheduler) execute(task *backgroundTask) {
	defer s.wg.Done()
	start := time.Now()

	s.bus.Publish(events.Event{Type: events.ActiveTasksCount, Timestamp: start, Payload: map[string]interface{}{
		"activeTaskCount": s.activeCountSnapshot(),
	}})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	data, err := task.fetchFn(ctx)
	if err != nil {
		s.onTaskFailure(task, err)
		return
	}

	var marketOpen bool
	var status MarketStatus
	if s.market != nil && len(task.symbols) > 0 {
		if ms, merr := s.market.GetMarketStatus(ctx, string(symbolcache.InferMarket(task.symbols[0]))); merr == nil {
			status = ms
			marketOpen = ms.Status == Trading
		}
	}

	ttl := s.policy.computeTTL(task.strategy, ttlInputs{MarketOpen: marketOpen})
	if err := s.store.Set(ctx, task.cacheKey, data, ttl); err != nil {
		s.onTaskFailure(task, err)
		return
	}

	if s.changes != nil && len(task.symbols) > 0 {
		if res, derr := s.changes.DetectSignificantChange(ctx, task.symbols[0], data, string(symbolcache.InferMarket(task.symbols[0])), status); derr == nil && res.Confidence > 0.8 && res.HasChanged {
			s.logger.Warn("background refresh observed a significant change", map[string]interface{}{
				"cacheKey": task.cacheKey, "changeReason": res.ChangeReason, "confidence": res.Confidence,
			})
		}
	}

	s.onTaskSuccess(task, time.Since(start))
}

func (s *scheduler) onTaskSuccess(task *backgroundTask, latency time.Duration) {
	s.mu.Lock()
	task.status = statusCompleted
	s.activeCount--
	delete(s.tasks, task.cacheKey)
	s.mu.Unlock()

	s.bus.Publish(events.Event{Type: events.BackgroundTaskCompleted, Timestamp: time.Now(), Payload: map[string]interface{}{
		"cacheKey": task.cacheKey, "latencyMs": latency.Milliseconds(),
	}})
}

func (s *scheduler) onTaskFailure(task *backgroundTask, err error) {
	s.mu.Lock()
	task.retryCount++
	giveUp := task.retryCount >= task.maxRetries
	if giveUp {
		task.status = statusFailed
		s.activeCount--
		delete(s.tasks, task.cacheKey)
	} else {
		task.status = statusPending
		task.scheduledAt = time.Now().Add(time.Duration(task.retryCount) * s.minInterval)
		s.activeCount--
		s.queue = append(s.queue, task)
	}
	s.mu.Unlock()

	if giveUp {
		s.bus.Publish(events.Event{Type: events.BackgroundTaskFailed, Timestamp: time.Now(), Payload: map[string]interface{}{
			"cacheKey": task.cacheKey, "error": err.Error(), "retryCount": task.retryCount,
		}})
	}
}

func (s *scheduler) activeCountSnapshot() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeCount
}

// shutdown stops admitting new tasks, drops the pending queue, and waits
// up to gracefulTimeout for running tasks to finish. Running tasks are
// never force-cancelled.
func (s *scheduler) shutdown() {
	s.mu.Lock()
	s.shuttingDown = true
	droppedCount := len(s.queue)
	s.queue = nil
	s.mu.Unlock()

	close(s.stopCh)

	if droppedCount > 0 {
		s.logger.Info("scheduler: dropped pending queue entries on shutdown", map[string]interface{}{"count": droppedCount})
	}

	deadline := time.Now().Add(s.gracefulTimeout)
	for {
		if s.activeCountSnapshot() == 0 {
			break
		}
		if time.Now().After(deadline) {
			s.bus.Publish(events.Event{Type: events.BackgroundTaskFailed, Timestamp: time.Now(), Payload: map[string]interface{}{
				"reason": "shutdown_timeout", "count": s.activeCountSnapshot(),
			}})
			break
		}
		time.Sleep(1 * time.Second)
	}
	s.wg.Wait()
}

func newTaskID() string {
	return uuid.NewString()
}

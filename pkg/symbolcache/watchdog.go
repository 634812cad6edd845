package symbolcache

import (
	"math"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/devmesh-labs/symbolcache/pkg/events"
	"github.com/devmesh-labs/symbolcache/pkg/observability"
)

// memoryWatchdog is the periodic heap sampler and gradual-cleanup
// escalator for the tiered cache. It owns its own ticker and can be
// stopped exactly once.
type memoryWatchdog struct {
	cache  *TieredCache
	config watchdogConfig

	logger  observability.Logger
	metrics observability.MetricsClient
	bus     *events.Bus

	stopOnce    sync.Once
	stopCh      chan struct{}
	wg          sync.WaitGroup
	lastCleanup time.Time
}

type watchdogConfig struct {
	CheckInterval    time.Duration
	CleanupThreshold float64 // fraction of heap used that triggers cleanup, default 0.85
	RetentionRatio   float64 // fraction of L2 to retain after cleanup, default 0.25
	BatchSize        int     // deletion batch size, default 1000
	WallClockBudget  time.Duration
}

func newMemoryWatchdog(cache *TieredCache, cfg watchdogConfig, logger observability.Logger, metrics observability.MetricsClient, bus *events.Bus) *memoryWatchdog {
	return &memoryWatchdog{
		cache:   cache,
		config:  cfg,
		logger:  logger,
		metrics: metrics,
		bus:     bus,
		stopCh:  make(chan struct{}),
	}
}

func (w *memoryWatchdog) start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.config.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-w.stopCh:
				return
			case <-ticker.C:
				w.tick()
			}
		}
	}()
}

func (w *memoryWatchdog) stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
	w.wg.Wait()
}

func (w *memoryWatchdog) tick() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	heapUsed := float64(ms.HeapAlloc)
	heapTotal := float64(ms.HeapSys)
	ratio := 0.0
	if heapTotal > 0 {
		ratio = heapUsed / heapTotal
	}

	w.bus.Publish(events.Event{Type: events.MemoryUsageCheck, Timestamp: nowFn(), Payload: map[string]interface{}{
		"heapUsedMB":  heapUsed / (1024 * 1024),
		"heapTotalMB": heapTotal / (1024 * 1024),
		"tierSizes": map[string]int{
			"l1": w.cache.l1.len(),
			"l2": w.cache.l2.len(),
			"l3": w.cache.l3.len(),
		},
	}})

	if ratio <= w.config.CleanupThreshold {
		return
	}

	w.bus.Publish(events.Event{Type: events.MemoryThresholdExceeded, Timestamp: nowFn(), Payload: map[string]interface{}{
		"currentMemoryMB":        heapUsed / (1024 * 1024),
		"thresholdMB":            w.config.CleanupThreshold * heapTotal / (1024 * 1024),
		"queueSizeBeforeCleanup": w.cache.l2.len(),
	}})

	w.gradualCleanup()
	w.lastCleanup = nowFn()
}

// gradualCleanup clears L3 entirely, then reduces L2 to
// floor(|L2|*retentionRatio) using priority-weighted LRU eviction. Any
// internal failure falls back to a bare L2.purge() but is never allowed
// to propagate.
func (w *memoryWatchdog) gradualCleanup() {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("watchdog: gradual cleanup panicked, falling back to full L2 clear", map[string]interface{}{"recover": r})
			w.cache.l2.purge()
		}
	}()

	w.cache.l3.purge()

	keys := w.cache.l2.keys()
	size := len(keys)
	if size == 0 {
		return
	}
	target := int(math.Floor(float64(size) * w.config.RetentionRatio))

	scored := scoreKeysForEviction(keys)
	sort.Slice(scored, func(i, j int) bool { return scored[i].score > scored[j].score })

	deadline := time.Now().Add(w.config.WallClockBudget)
	batch := w.config.BatchSize
	if batch <= 0 {
		batch = 1000
	}

	remaining := size
	for i := 0; i < len(scored) && remaining > target; i += batch {
		if time.Now().After(deadline) {
			w.logger.Warn("watchdog: gradual cleanup wall-clock budget exhausted", map[string]interface{}{
				"removed":   i,
				"remaining": remaining,
			})
			break
		}
		end := i + batch
		if end > len(scored) {
			end = len(scored)
		}
		for _, sk := range scored[i:end] {
			if remaining <= target {
				break
			}
			w.cache.l2.delete(sk.key)
			remaining--
		}
	}
}

type scoredKey struct {
	key   string
	score float64
}

// scoreKeysForEviction assigns each key a deletion score in [0,1].
// Because the LRU only exposes ordering (oldest to newest), the age and
// access-infrequency terms are both derived from distance from the head
// of recency, which is the information the tier actually has; the
// data-value term is derived from the key's trailing symbol token.
func scoreKeysForEviction(keys []string) []scoredKey {
	size := len(keys)
	scored := make([]scoredKey, size)
	for i, k := range keys {
		var posFrac float64
		if size > 1 {
			posFrac = float64(size-1-i) / float64(size-1)
		}
		dataValue := dataValueFor(k)
		score := 0.4*posFrac + 0.4*posFrac + 0.2*dataValue
		scored[i] = scoredKey{key: k, score: score}
	}
	return scored
}

func dataValueFor(key string) float64 {
	token := key
	if idx := strings.LastIndex(key, ":"); idx >= 0 {
		token = key[idx+1:]
	}
	upper := strings.ToUpper(token)
	lower := strings.ToLower(token)

	switch {
	case strings.Contains(lower, "test") || strings.Contains(lower, "temp") || strings.Contains(lower, "debug"):
		return 0.9
	case strings.Contains(upper, ".HK") || strings.Contains(upper, ".SZ") || strings.Contains(upper, ".SS"):
		return 0.2
	case strings.Contains(upper, ".US") || strings.Contains(upper, ".NASDAQ") || strings.Contains(upper, ".NYSE"):
		return 0.3
	default:
		return 0.5
	}
}

package smartcache

import (
	"context"
	"time"
)

// CacheValue is one entry returned by the distributed cache.
type CacheValue struct {
	Data         interface{}
	TTLRemaining time.Duration
}

// DistributedCache is the generic distributed K/V store collaborator.
// pkg/kvstore.RedisStore is the default implementation, wrapping
// github.com/go-redis/redis/v8 with a github.com/sony/gobreaker circuit
// breaker.
type DistributedCache interface {
	Get(ctx context.Context, key string) (CacheValue, bool, error)
	MGet(ctx context.Context, keys []string) ([]CacheValue, []bool, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	// GetWithFallback returns the cached value for key if present, else
	// calls fetch, optionally caches its result for fallbackTTL (when
	// cacheFallbackResult is true), and returns the fresh value.
	GetWithFallback(ctx context.Context, key string, fetch FetchFunc, cacheFallbackResult bool, fallbackTTL time.Duration) (value interface{}, hit bool, ttlRemaining time.Duration, err error)
	Healthy() bool
}

// MarketState is the trading status of a market.
type MarketState string

const (
	Trading      MarketState = "TRADING"
	MarketClosed MarketState = "MARKET_CLOSED"
)

// MarketStatus is the shape returned by MarketStatusProvider.
type MarketStatus struct {
	Market             string
	Status             MarketState
	Timezone           string
	RealtimeCacheTTL   time.Duration
	AnalyticalCacheTTL time.Duration
	IsHoliday          bool
	IsDST              bool
	Confidence         float64
}

// MarketStatusProvider resolves current trading status for a market.
// pkg/market.StaticProvider is the default, configuration-driven
// implementation.
type MarketStatusProvider interface {
	GetMarketStatus(ctx context.Context, market string) (MarketStatus, error)
}

// ChangeDetectionResult is the shape returned by ChangeDetector.
type ChangeDetectionResult struct {
	HasChanged         bool
	ChangedFields      []string
	SignificantChanges []string
	Confidence         float64
	ChangeReason       string
}

// ChangeDetector inspects a refreshed value against its previous state to
// decide whether the change is significant. Failures are logged and
// ignored; they never affect the write.
type ChangeDetector interface {
	DetectSignificantChange(ctx context.Context, symbol string, newData interface{}, market string, status MarketStatus) (ChangeDetectionResult, error)
}

// defaultMarketStatus is used when a MarketStatusProvider call fails:
// the market is treated as closed with confidence 0.5.
func defaultMarketStatus(market string) MarketStatus {
	return MarketStatus{Market: market, Status: MarketClosed, Confidence: 0.5}
}

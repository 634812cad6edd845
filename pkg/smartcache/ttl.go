package smartcache

import (
	"time"

	"github.com/devmesh-labs/symbolcache/pkg/config"
)

// policyEngine maps a request to an effective TTL given strategy, data
// size, and optional market state / freshness.
type policyEngine struct {
	strategies map[string]config.StrategyConfig
}

func newPolicyEngine(strategies map[string]config.StrategyConfig) *policyEngine {
	return &policyEngine{strategies: strategies}
}

func (p *policyEngine) config(s Strategy) config.StrategyConfig {
	return p.strategies[string(s)]
}

// ttlInputs bundles the policy engine's inputs for one write.
type ttlInputs struct {
	DataSizeBytes int
	MarketOpen    bool
	LastUpdated   *time.Time
}

// computeTTL resolves the effective TTL for one write under strategy.
func (p *policyEngine) computeTTL(strategy Strategy, in ttlInputs) time.Duration {
	cfg := p.config(strategy)

	switch strategy {
	case StrongTimeliness:
		return cfg.TTL

	case WeakTimeliness:
		return clampTTL(cfg.TTL, cfg.MinTTL, cfg.MaxTTL)

	case Adaptive:
		ttl := clampTTL(cfg.BaseTTL, cfg.MinTTL, cfg.MaxTTL)
		if in.DataSizeBytes > 10*1024 {
			ttl = maxDuration(time.Duration(float64(ttl)*0.8), 300*time.Second)
		}
		if in.LastUpdated != nil && time.Since(*in.LastUpdated) > 30*time.Minute {
			ttl = maxDuration(time.Duration(float64(ttl)*0.7), 180*time.Second)
		}
		return ttl

	case MarketAware:
		if in.MarketOpen {
			return cfg.OpenMarketTTL
		}
		return cfg.ClosedMarketTTL

	case NoCache:
		return 0

	default:
		return cfg.TTL
	}
}

// accessPattern maps a strategy to its heat and workload classification,
// used as request-metric labels.
func accessPattern(strategy Strategy) (AccessPattern, AccessPattern) {
	switch strategy {
	case StrongTimeliness:
		return Hot, Realtime
	case WeakTimeliness, Adaptive, MarketAware:
		return Warm, Analytic
	default:
		return Cold, Archive
	}
}

// updateThresholdRatio returns the strategy's refresh threshold ratio,
// defaulting to 0.5 when unset.
func (p *policyEngine) updateThresholdRatio(strategy Strategy) float64 {
	r := p.config(strategy).UpdateThresholdRatio
	if r <= 0 {
		return 0.5
	}
	return r
}

func (p *policyEngine) backgroundUpdateEnabled(strategy Strategy) bool {
	if strategy == NoCache {
		return false
	}
	return p.config(strategy).EnableBackgroundUpdate
}

func clampTTL(v, min, max time.Duration) time.Duration {
	if min > 0 && v < min {
		v = min
	}
	if max > 0 && v > max {
		v = max
	}
	return v
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

// Package config loads and validates the configuration surface for the
// symbol mapping cache and smart cache orchestrator: read through viper,
// apply bounds clamps, and fall back to emergency defaults (logged, never
// fatal) when a supplied value fails validation.
package config

import (
	"time"

	"github.com/spf13/viper"

	"github.com/devmesh-labs/symbolcache/pkg/observability"
)

// SymbolCacheConfig is the L1/L2/L3 tiered mapping cache configuration
// surface.
type SymbolCacheConfig struct {
	RuleCacheMaxSize    int           `mapstructure:"rule_cache_max_size"`
	RuleCacheTTL        time.Duration `mapstructure:"rule_cache_ttl"`
	SymbolCacheMaxSize  int           `mapstructure:"symbol_cache_max_size"`
	SymbolCacheTTL      time.Duration `mapstructure:"symbol_cache_ttl"`
	BatchCacheMaxSize   int           `mapstructure:"batch_result_cache_max_size"`
	BatchCacheTTL       time.Duration `mapstructure:"batch_result_cache_ttl"`
	QueryTimeout        time.Duration `mapstructure:"symbol_mapper_query_timeout"`
	MemoryCheckInterval time.Duration `mapstructure:"symbol_mapper_memory_check_interval"`
	Enabled             bool          `mapstructure:"symbol_mapping_cache_enabled"`

	// PassThroughUnmappedSymbols controls what happens when no rule matches
	// a symbol: when true (the default) the input is echoed back as its own
	// output instead of being reported as failed.
	PassThroughUnmappedSymbols bool `mapstructure:"pass_through_unmapped_symbols"`

	RetentionRatio    float64       `mapstructure:"retention_ratio"`
	CleanupThreshold  float64       `mapstructure:"cleanup_threshold"`
	LRUSortBatchSize  int           `mapstructure:"lru_sort_batch_size"`
	CleanupWallBudget time.Duration `mapstructure:"cleanup_wall_clock_budget"`
}

// StrategyConfig is the per-strategy TTL policy configuration for one of
// the five caching strategies.
type StrategyConfig struct {
	TTL                       time.Duration `mapstructure:"ttl"`
	UpdateThresholdRatio      float64       `mapstructure:"update_threshold_ratio"`
	EnableBackgroundUpdate    bool          `mapstructure:"enable_background_update"`
	ForceRefreshInterval      time.Duration `mapstructure:"force_refresh_interval"`
	MinUpdateInterval         time.Duration `mapstructure:"min_update_interval"`
	BaseTTL                   time.Duration `mapstructure:"base_ttl"`
	MinTTL                    time.Duration `mapstructure:"min_ttl"`
	MaxTTL                    time.Duration `mapstructure:"max_ttl"`
	AdaptationFactor          float64       `mapstructure:"adaptation_factor"`
	ChangeDetectionWindow     time.Duration `mapstructure:"change_detection_window"`
	OpenMarketTTL             time.Duration `mapstructure:"open_market_ttl"`
	ClosedMarketTTL           time.Duration `mapstructure:"closed_market_ttl"`
	MarketStatusCheckInterval time.Duration `mapstructure:"market_status_check_interval"`
	BypassCache               bool          `mapstructure:"bypass_cache"`
	EnableMetrics             bool          `mapstructure:"enable_metrics"`
}

// OrchestratorConfig is the smart cache orchestrator / background refresh
// scheduler configuration surface.
type OrchestratorConfig struct {
	DefaultMinUpdateInterval  time.Duration `mapstructure:"default_min_update_interval"`
	MaxConcurrentUpdates      int           `mapstructure:"max_concurrent_updates"`
	EnableBackgroundUpdate    bool          `mapstructure:"enable_background_update"`
	EnableDataChangeDetection bool          `mapstructure:"enable_data_change_detection"`
	EnableMetrics             bool          `mapstructure:"enable_metrics"`
	GracefulShutdownTimeout   time.Duration `mapstructure:"graceful_shutdown_timeout"`
	MissConcurrency           int           `mapstructure:"miss_concurrency"`
	RetryFailures             bool          `mapstructure:"retry_failures"`

	Strategies map[string]StrategyConfig `mapstructure:"strategies"`
}

// Config is the full configuration surface.
type Config struct {
	SymbolCache  SymbolCacheConfig  `mapstructure:"symbol_cache"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`

	Observability observability.Config `mapstructure:"observability"`
}

// Load reads configuration from v, applies bounds clamps, and falls back
// to emergency defaults (logged via logger, never fatal) when validation
// fails.
func Load(v *viper.Viper, logger observability.Logger) *Config {
	if v == nil {
		v = viper.New()
	}
	applyDefaults(v)

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		logger.Warnf("config: failed to unmarshal, using emergency defaults: %v", err)
		return Default()
	}

	if err := validate(cfg); err != nil {
		logger.Warnf("config: validation failed, using emergency defaults: %v", err)
		return Default()
	}

	clamp(cfg)
	fillStrategyDefaults(cfg)
	return cfg
}

// fillStrategyDefaults supplies the default per-strategy TTL policy for
// any strategy the configuration does not name. Viper lower-cases nested
// map keys, so strategy names cannot be seeded through SetDefault without
// breaking the upper-case lookups; they are merged here instead. Without
// this, a configuration with no strategies block would compute TTL 0 for
// every strategy and never schedule a refresh.
func fillStrategyDefaults(cfg *Config) {
	if cfg.Orchestrator.Strategies == nil {
		cfg.Orchestrator.Strategies = make(map[string]StrategyConfig)
	}
	for name, sc := range Default().Orchestrator.Strategies {
		if _, ok := cfg.Orchestrator.Strategies[name]; !ok {
			cfg.Orchestrator.Strategies[name] = sc
		}
	}
}

func applyDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("symbol_cache.rule_cache_max_size", d.SymbolCache.RuleCacheMaxSize)
	v.SetDefault("symbol_cache.rule_cache_ttl", d.SymbolCache.RuleCacheTTL)
	v.SetDefault("symbol_cache.symbol_cache_max_size", d.SymbolCache.SymbolCacheMaxSize)
	v.SetDefault("symbol_cache.symbol_cache_ttl", d.SymbolCache.SymbolCacheTTL)
	v.SetDefault("symbol_cache.batch_result_cache_max_size", d.SymbolCache.BatchCacheMaxSize)
	v.SetDefault("symbol_cache.batch_result_cache_ttl", d.SymbolCache.BatchCacheTTL)
	v.SetDefault("symbol_cache.symbol_mapper_query_timeout", d.SymbolCache.QueryTimeout)
	v.SetDefault("symbol_cache.symbol_mapper_memory_check_interval", d.SymbolCache.MemoryCheckInterval)
	v.SetDefault("symbol_cache.symbol_mapping_cache_enabled", d.SymbolCache.Enabled)
	v.SetDefault("symbol_cache.pass_through_unmapped_symbols", d.SymbolCache.PassThroughUnmappedSymbols)
	v.SetDefault("symbol_cache.retention_ratio", d.SymbolCache.RetentionRatio)
	v.SetDefault("symbol_cache.cleanup_threshold", d.SymbolCache.CleanupThreshold)
	v.SetDefault("symbol_cache.lru_sort_batch_size", d.SymbolCache.LRUSortBatchSize)
	v.SetDefault("symbol_cache.cleanup_wall_clock_budget", d.SymbolCache.CleanupWallBudget)

	v.SetDefault("orchestrator.default_min_update_interval", d.Orchestrator.DefaultMinUpdateInterval)
	v.SetDefault("orchestrator.max_concurrent_updates", d.Orchestrator.MaxConcurrentUpdates)
	v.SetDefault("orchestrator.enable_background_update", d.Orchestrator.EnableBackgroundUpdate)
	v.SetDefault("orchestrator.enable_data_change_detection", d.Orchestrator.EnableDataChangeDetection)
	v.SetDefault("orchestrator.enable_metrics", d.Orchestrator.EnableMetrics)
	v.SetDefault("orchestrator.graceful_shutdown_timeout", d.Orchestrator.GracefulShutdownTimeout)
	v.SetDefault("orchestrator.miss_concurrency", d.Orchestrator.MissConcurrency)
	v.SetDefault("orchestrator.retry_failures", d.Orchestrator.RetryFailures)
}

func validate(cfg *Config) error {
	if cfg.SymbolCache.RuleCacheMaxSize <= 0 {
		return errInvalidRuleCacheSize
	}
	if cfg.SymbolCache.SymbolCacheMaxSize <= 0 {
		return errInvalidSymbolCacheSize
	}
	if cfg.SymbolCache.BatchCacheMaxSize <= 0 {
		return errInvalidBatchCacheSize
	}
	if cfg.Orchestrator.MaxConcurrentUpdates <= 0 {
		return errInvalidMaxConcurrentUpdates
	}
	return nil
}

// clamp bounds defaultMinUpdateInterval to [5s, 300s] and
// gracefulShutdownTimeout to [10s, 120s].
func clamp(cfg *Config) {
	cfg.Orchestrator.DefaultMinUpdateInterval = clampDuration(cfg.Orchestrator.DefaultMinUpdateInterval, 5*time.Second, 300*time.Second)
	cfg.Orchestrator.GracefulShutdownTimeout = clampDuration(cfg.Orchestrator.GracefulShutdownTimeout, 10*time.Second, 120*time.Second)
	if cfg.Orchestrator.MaxConcurrentUpdates < 1 {
		cfg.Orchestrator.MaxConcurrentUpdates = 1
	}
}

func clampDuration(v, min, max time.Duration) time.Duration {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// Default returns the emergency-default configuration used whenever a
// supplied configuration fails to parse or validate.
func Default() *Config {
	return &Config{
		SymbolCache: SymbolCacheConfig{
			RuleCacheMaxSize:           1000,
			RuleCacheTTL:               30 * time.Minute,
			SymbolCacheMaxSize:         50000,
			SymbolCacheTTL:             10 * time.Minute,
			BatchCacheMaxSize:          5000,
			BatchCacheTTL:              2 * time.Minute,
			QueryTimeout:               2 * time.Second,
			MemoryCheckInterval:        60 * time.Second,
			Enabled:                    true,
			PassThroughUnmappedSymbols: true,
			RetentionRatio:             0.25,
			CleanupThreshold:           0.85,
			LRUSortBatchSize:           1000,
			CleanupWallBudget:          500 * time.Millisecond,
		},
		Orchestrator: OrchestratorConfig{
			DefaultMinUpdateInterval:  30 * time.Second,
			MaxConcurrentUpdates:      5,
			EnableBackgroundUpdate:    true,
			EnableDataChangeDetection: true,
			EnableMetrics:             true,
			GracefulShutdownTimeout:   30 * time.Second,
			MissConcurrency:           5,
			RetryFailures:             true,
			Strategies: map[string]StrategyConfig{
				"STRONG_TIMELINESS": {TTL: 5 * time.Second, UpdateThresholdRatio: 0.5, EnableBackgroundUpdate: true, ForceRefreshInterval: 5 * time.Second},
				"WEAK_TIMELINESS":   {TTL: 300 * time.Second, UpdateThresholdRatio: 0.5, EnableBackgroundUpdate: true, MinUpdateInterval: 30 * time.Second},
				"ADAPTIVE":          {BaseTTL: 300 * time.Second, MinTTL: 60 * time.Second, MaxTTL: 1800 * time.Second, UpdateThresholdRatio: 0.5, EnableBackgroundUpdate: true, AdaptationFactor: 0.8, ChangeDetectionWindow: 30 * time.Minute},
				"MARKET_AWARE":      {OpenMarketTTL: 15 * time.Second, ClosedMarketTTL: 600 * time.Second, UpdateThresholdRatio: 0.5, EnableBackgroundUpdate: true, MarketStatusCheckInterval: 30 * time.Second},
				"NO_CACHE":          {BypassCache: true, EnableMetrics: true},
			},
		},
	}
}

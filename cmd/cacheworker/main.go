// Command cacheworker runs the symbol mapping cache and the smart cache
// orchestrator as a long-lived background process: load configuration,
// wire collaborators, run until a shutdown signal, then drain gracefully.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/viper"

	"github.com/devmesh-labs/symbolcache/pkg/changedetect"
	"github.com/devmesh-labs/symbolcache/pkg/config"
	"github.com/devmesh-labs/symbolcache/pkg/kvstore"
	"github.com/devmesh-labs/symbolcache/pkg/market"
	"github.com/devmesh-labs/symbolcache/pkg/observability"
	"github.com/devmesh-labs/symbolcache/pkg/ruledb"
	"github.com/devmesh-labs/symbolcache/pkg/smartcache"
	"github.com/devmesh-labs/symbolcache/pkg/symbolcache"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	v := viper.New()
	v.SetEnvPrefix("SYMBOLCACHE")
	v.AutomaticEnv()

	logger := observability.NewLogger("cacheworker")
	cfg := config.Load(v, logger)

	shutdownTracing, err := observability.InitTracing(cfg.Observability.Tracing)
	if err != nil {
		logger.Warn("tracing init failed, continuing without spans", map[string]interface{}{"error": err.Error()})
	} else {
		defer func() { _ = shutdownTracing(context.Background()) }()
	}

	metricsClient := observability.NewPrometheusMetricsClient("symbolcache", "cacheworker")
	defer metricsClient.Close()

	var ruleStore symbolcache.RuleStore
	mongoStore, err := ruledb.NewMongoRuleStore(ctx, ruledb.MongoConfig{
		URI:        envOrDefault("SYMBOLCACHE_MONGO_URI", "mongodb://localhost:27017"),
		Database:   envOrDefault("SYMBOLCACHE_MONGO_DB", "symbolcache"),
		Collection: envOrDefault("SYMBOLCACHE_MONGO_COLLECTION", "mapping_rules"),
	})
	if err != nil {
		logger.Error("failed to connect to rule store, mapping will serve pass-through only", map[string]interface{}{"error": err.Error()})
	} else {
		ruleStore = mongoStore
		defer mongoStore.Close(context.Background())
	}

	tiered := symbolcache.New(cfg.SymbolCache, ruleStore, logger, metricsClient)
	defer tiered.Close()

	redisStore, err := kvstore.NewRedisStore(kvstore.RedisConfig{
		Address: envOrDefault("SYMBOLCACHE_REDIS_ADDR", "localhost:6379"),
	}, logger)
	if err != nil {
		logger.Fatalf("cacheworker: failed to connect to redis: %v", err)
	}
	defer redisStore.Close()

	marketProvider := market.NewStaticProvider(defaultSessions())
	changeDetector := changedetect.NewFieldDiffDetector(defaultFieldRules())

	orchestrator := smartcache.New(cfg.Orchestrator, cfg.Orchestrator.Strategies, redisStore, marketProvider, changeDetector, logger, metricsClient)
	defer orchestrator.Close()

	logger.Info("cacheworker started", nil)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("received shutdown signal", nil)
	logger.Info("cacheworker stopped gracefully", nil)
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func defaultSessions() map[string]market.Session {
	return map[string]market.Session{
		"US": {Market: "US", Timezone: "America/New_York", OpenHour: 9, OpenMinute: 30, CloseHour: 16, CloseMinute: 0, RealtimeCacheTTL: 5 * time.Second, AnalyticalCacheTTL: 300 * time.Second},
		"HK": {Market: "HK", Timezone: "Asia/Hong_Kong", OpenHour: 9, OpenMinute: 30, CloseHour: 16, CloseMinute: 0, RealtimeCacheTTL: 10 * time.Second, AnalyticalCacheTTL: 300 * time.Second},
		"SZ": {Market: "SZ", Timezone: "Asia/Shanghai", OpenHour: 9, OpenMinute: 30, CloseHour: 15, CloseMinute: 0, RealtimeCacheTTL: 10 * time.Second, AnalyticalCacheTTL: 300 * time.Second},
		"SH": {Market: "SH", Timezone: "Asia/Shanghai", OpenHour: 9, OpenMinute: 30, CloseHour: 15, CloseMinute: 0, RealtimeCacheTTL: 10 * time.Second, AnalyticalCacheTTL: 300 * time.Second},
	}
}

func defaultFieldRules() []changedetect.FieldRule {
	return []changedetect.FieldRule{
		{Field: "price", NumericRatio: 0.01},
		{Field: "volume", NumericRatio: 0.1},
		{Field: "status", NumericRatio: 0},
	}
}

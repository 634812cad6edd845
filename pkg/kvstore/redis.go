// Package kvstore provides the default DistributedCache implementation
// the smart cache orchestrator talks to: a Redis-backed store wrapped in
// a circuit breaker.
package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sony/gobreaker"

	"github.com/devmesh-labs/symbolcache/pkg/observability"
	"github.com/devmesh-labs/symbolcache/pkg/smartcache"
)

// RedisConfig configures the Redis connection backing a RedisStore.
type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	Database     int           `mapstructure:"database"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	MaxRetries   int           `mapstructure:"max_retries"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
}

// RedisStore implements smartcache.DistributedCache over go-redis/v8,
// guarded by a sony/gobreaker circuit breaker so a failing Redis never
// blocks every caller behind slow timeouts.
type RedisStore struct {
	client  *redis.Client
	breaker *gobreaker.CircuitBreaker
	logger  observability.Logger
}

// NewRedisStore dials Redis and verifies the connection with a Ping.
func NewRedisStore(cfg RedisConfig, logger observability.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.Database,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaxRetries:   cfg.MaxRetries,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})

	timeout := cfg.DialTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("kvstore: failed to connect to redis: %w", err)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "smartcache-redis",
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("kvstore: circuit breaker state change", map[string]interface{}{"name": name, "from": from.String(), "to": to.String()})
		},
	})

	return &RedisStore{client: client, breaker: breaker, logger: logger}, nil
}

// Get implements smartcache.DistributedCache.
func (r *RedisStore) Get(ctx context.Context, key string) (smartcache.CacheValue, bool, error) {
	v, err := r.breaker.Execute(func() (interface{}, error) {
		raw, err := r.client.Get(ctx, key).Bytes()
		if err != nil {
			return nil, err
		}
		ttl, err := r.client.TTL(ctx, key).Result()
		if err != nil {
			ttl = 0
		}
		return rawEntry{raw: raw, ttl: ttl}, nil
	})
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return smartcache.CacheValue{}, false, nil
		}
		return smartcache.CacheValue{}, false, err
	}

	entry := v.(rawEntry)
	var data interface{}
	if err := json.Unmarshal(entry.raw, &data); err != nil {
		return smartcache.CacheValue{}, false, fmt.Errorf("kvstore: failed to unmarshal cache value: %w", err)
	}
	return smartcache.CacheValue{Data: data, TTLRemaining: entry.ttl}, true, nil
}

type rawEntry struct {
	raw []byte
	ttl time.Duration
}

// MGet implements smartcache.DistributedCache with a Redis pipeline so the
// per-key TTL and value reads happen in a single round trip.
func (r *RedisStore) MGet(ctx context.Context, keys []string) ([]smartcache.CacheValue, []bool, error) {
	values := make([]smartcache.CacheValue, len(keys))
	hits := make([]bool, len(keys))

	_, err := r.breaker.Execute(func() (interface{}, error) {
		pipe := r.client.Pipeline()
		getCmds := make([]*redis.StringCmd, len(keys))
		ttlCmds := make([]*redis.DurationCmd, len(keys))
		for i, k := range keys {
			getCmds[i] = pipe.Get(ctx, k)
			ttlCmds[i] = pipe.TTL(ctx, k)
		}
		_, execErr := pipe.Exec(ctx)
		if execErr != nil && !errors.Is(execErr, redis.Nil) {
			return nil, execErr
		}

		for i := range keys {
			raw, gerr := getCmds[i].Bytes()
			if gerr != nil {
				continue
			}
			var data interface{}
			if uerr := json.Unmarshal(raw, &data); uerr != nil {
				continue
			}
			ttl, terr := ttlCmds[i].Result()
			if terr != nil {
				ttl = 0
			}
			values[i] = smartcache.CacheValue{Data: data, TTLRemaining: ttl}
			hits[i] = true
		}
		return nil, nil
	})
	if err != nil {
		return values, hits, err
	}
	return values, hits, nil
}

// Set implements smartcache.DistributedCache.
func (r *RedisStore) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("kvstore: failed to marshal cache value: %w", err)
	}
	_, err = r.breaker.Execute(func() (interface{}, error) {
		return nil, r.client.Set(ctx, key, data, ttl).Err()
	})
	return err
}

// GetWithFallback implements smartcache.DistributedCache: return the cached
// value if present, else call fetch and optionally cache its result.
func (r *RedisStore) GetWithFallback(ctx context.Context, key string, fetch smartcache.FetchFunc, cacheFallbackResult bool, fallbackTTL time.Duration) (interface{}, bool, time.Duration, error) {
	ctx, span := observability.StartSpan(ctx, "kvstore.GetWithFallback")
	defer span.End()
	span.SetAttribute("key", key)

	cv, hit, err := r.Get(ctx, key)
	if err == nil && hit {
		return cv.Data, true, cv.TTLRemaining, nil
	}

	data, ferr := fetch(ctx)
	if ferr != nil {
		return nil, false, 0, ferr
	}
	if cacheFallbackResult {
		if serr := r.Set(ctx, key, data, fallbackTTL); serr != nil {
			r.logger.Warn("kvstore: fallback result failed to cache", map[string]interface{}{"key": key, "error": serr.Error()})
		}
	}
	return data, false, fallbackTTL, nil
}

// Healthy reports whether the circuit breaker is not open and a fresh Ping
// succeeds.
func (r *RedisStore) Healthy() bool {
	if r.breaker.State() == gobreaker.StateOpen {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return r.client.Ping(ctx).Err() == nil
}

// Close releases the underlying Redis connection pool.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

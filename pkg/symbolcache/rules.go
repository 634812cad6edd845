package symbolcache

import (
	"context"
	"errors"
	"time"

	"github.com/devmesh-labs/symbolcache/pkg/events"
	"github.com/devmesh-labs/symbolcache/pkg/observability"
)

// RuleStore is the persistent rule collection. Implementations must be
// safe for concurrent use. pkg/ruledb.MongoRuleStore is the default
// implementation, backed by go.mongodb.org/mongo-driver.
type RuleStore interface {
	FindByDataSource(ctx context.Context, provider string) (*ProviderRules, error)
	FindByID(ctx context.Context, id string) (*MappingRule, error)
	WatchChanges(ctx context.Context) (ChangeStream, error)
}

// ChangeStream is a live subscription to the rule store's change feed.
type ChangeStream interface {
	// Next blocks until the next change event, ctx cancellation, or a
	// terminal stream error.
	Next(ctx context.Context) (ChangeEvent, error)
	Close(ctx context.Context) error
}

// ruleStoreGateway is a read-through wrapper over L1 that degrades
// gracefully on store failure instead of propagating it to every caller.
type ruleStoreGateway struct {
	l1      *tier
	store   RuleStore
	logger  observability.Logger
	metrics observability.MetricsClient
	bus     *events.Bus
	timeout time.Duration
}

// getProviderRules returns the rule set for provider (inactive rules
// included), consulting L1 first. On store failure it caches and returns an
// empty rule list for the current L1 TTL — this is a legitimate cache entry
// that prevents retry storms against a failing store, not an error. A query
// that exceeds its deadline is the exception: it returns ErrQueryTimeout
// and writes nothing to L1. With no store configured it returns an empty
// rule set without caching it.
func (g *ruleStoreGateway) getProviderRules(ctx context.Context, provider string) (ProviderRules, error) {
	key := rulesKey(provider)

	if v, ok := g.l1.get(key); ok {
		g.publishHit("l1", provider, "")
		return v.(ProviderRules), nil
	}
	g.publishMiss("l1", provider, "")

	if g.store == nil {
		return ProviderRules{Provider: normalizeProvider(provider)}, nil
	}

	qctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	qctx, span := observability.StartSpan(qctx, "ruleStore.FindByDataSource")
	defer span.End()
	span.SetAttribute("provider", provider)
	rules, err := g.store.FindByDataSource(qctx, normalizeProvider(provider))
	if err != nil {
		span.RecordError(err)
		if errors.Is(qctx.Err(), context.DeadlineExceeded) {
			// A deadline exceeded is a timeout, not a degrade-and-cache-empty
			// outcome. No L1 write occurs, so a subsequent, faster query can
			// still succeed.
			return ProviderRules{}, ErrQueryTimeout
		}
		g.logger.Error("rule store query failed, serving empty rule set", map[string]interface{}{
			"provider": provider,
			"error":    err.Error(),
		})
		empty := ProviderRules{Provider: normalizeProvider(provider)}
		g.l1.set(key, empty)
		return empty, nil
	}
	if rules == nil {
		rules = &ProviderRules{Provider: normalizeProvider(provider)}
	}

	g.l1.set(key, *rules)
	return *rules, nil
}

func (g *ruleStoreGateway) publishHit(layer, provider, symbol string) {
	g.bus.Publish(events.Event{Type: events.CacheHit, Timestamp: nowFn(), Payload: map[string]interface{}{
		"layer": layer, "provider": provider, "symbol": symbol,
	}})
}

func (g *ruleStoreGateway) publishMiss(layer, provider, symbol string) {
	g.bus.Publish(events.Event{Type: events.CacheMiss, Timestamp: nowFn(), Payload: map[string]interface{}{
		"layer": layer, "provider": provider, "symbol": symbol,
	}})
}

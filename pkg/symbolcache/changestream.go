package symbolcache

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/devmesh-labs/symbolcache/pkg/events"
	"github.com/devmesh-labs/symbolcache/pkg/observability"
)

// changeStreamSupervisor subscribes once to the rule store's change feed
// and dispatches invalidations. It is idempotent: calling start twice
// while active is a no-op.
type changeStreamSupervisor struct {
	store  RuleStore
	cache  *TieredCache
	logger observability.Logger
	bus    *events.Bus

	mu      sync.Mutex
	active  bool
	stopCh  chan struct{}
	stopped sync.WaitGroup

	// docProviderIndex is a best-effort documentID -> provider side index,
	// populated on every observed insert/update/replace and consulted as a
	// first-choice lookup on delete before falling back to a synchronous
	// store query. It is never the sole source of truth.
	idxMu            sync.RWMutex
	docProviderIndex map[string]string
}

func newChangeStreamSupervisor(store RuleStore, cache *TieredCache, logger observability.Logger, bus *events.Bus) *changeStreamSupervisor {
	return &changeStreamSupervisor{
		store:            store,
		cache:            cache,
		logger:           logger,
		bus:              bus,
		docProviderIndex: make(map[string]string),
	}
}

// start subscribes to the change feed and begins processing events on a
// background goroutine. Re-entry while already active returns immediately.
func (s *changeStreamSupervisor) start(ctx context.Context) {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return
	}
	s.active = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.stopped.Add(1)
	go s.run(ctx)
}

func (s *changeStreamSupervisor) stop() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	close(s.stopCh)
	s.mu.Unlock()
	s.stopped.Wait()
}

// run owns the subscribe -> consume -> reconnect loop. On disconnect it
// reschedules re-subscription with bounded exponential backoff
// (delay = min(2^attempt * 1s, 30s)), resetting the attempt counter on
// every successful subscription.
func (s *changeStreamSupervisor) run(ctx context.Context) {
	defer s.stopped.Done()

	boff := backoff.NewExponentialBackOff()
	boff.InitialInterval = 1 * time.Second
	boff.Multiplier = 2
	boff.RandomizationFactor = 0
	boff.MaxInterval = 30 * time.Second
	boff.MaxElapsedTime = 0 // never give up; the supervisor owns its own stop signal

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		stream, err := s.store.WatchChanges(ctx)
		if err != nil {
			s.logger.Warn("change stream subscribe failed, retrying", map[string]interface{}{"error": err.Error()})
			if !s.sleep(boff.NextBackOff()) {
				return
			}
			continue
		}
		boff.Reset()

		s.consume(ctx, stream)

		if !s.sleep(boff.NextBackOff()) {
			return
		}
	}
}

func (s *changeStreamSupervisor) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-s.stopCh:
		return false
	case <-timer.C:
		return true
	}
}

func (s *changeStreamSupervisor) consume(ctx context.Context, stream ChangeStream) {
	defer func() { _ = stream.Close(ctx) }()

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		event, err := stream.Next(ctx)
		if err != nil {
			s.logger.Warn("change stream disconnected", map[string]interface{}{"error": err.Error()})
			return
		}
		s.handle(ctx, event)
	}
}

func (s *changeStreamSupervisor) handle(ctx context.Context, event ChangeEvent) {
	provider := s.resolveProvider(ctx, event)

	if provider == "*" {
		s.cache.ClearAll()
		s.logger.Info("change stream: invalidated all providers", map[string]interface{}{"reason": "provider unresolved"})
		return
	}

	l1, l2, l3 := s.cache.invalidateProvider(provider)
	s.logger.Info("change stream: invalidated provider", map[string]interface{}{
		"provider":  provider,
		"l1Removed": l1,
		"l2Removed": l2,
		"l3Removed": l3,
		"operation": event.OperationType,
	})
}

// resolveProvider determines the provider affected by a change event:
// post-image for upserts; pre-image, side index, then a store lookup for
// deletes; "*" (all providers) as the last resort.
func (s *changeStreamSupervisor) resolveProvider(ctx context.Context, event ChangeEvent) string {
	switch event.OperationType {
	case "insert", "update", "replace":
		if event.FullDocument != nil {
			if p, ok := stringField(event.FullDocument, "dataSourceName"); ok {
				if event.DocumentID != "" {
					s.idxMu.Lock()
					s.docProviderIndex[event.DocumentID] = normalizeProvider(p)
					s.idxMu.Unlock()
				}
				return normalizeProvider(p)
			}
		}
		return "*"
	case "delete":
		if event.PreImage != nil {
			if p, ok := stringField(event.PreImage, "dataSourceName"); ok {
				return normalizeProvider(p)
			}
		}
		if event.DocumentID != "" {
			s.idxMu.RLock()
			p, ok := s.docProviderIndex[event.DocumentID]
			s.idxMu.RUnlock()
			if ok {
				return p
			}

			rule, err := s.store.FindByID(ctx, event.DocumentID)
			if err == nil && rule != nil {
				return normalizeProvider(rule.Provider)
			}
		}
		return "*"
	default:
		return "*"
	}
}

func stringField(doc map[string]interface{}, field string) (string, bool) {
	v, ok := doc[field]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

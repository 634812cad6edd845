package symbolcache

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// tier wraps a single hashicorp/golang-lru/v2/expirable.LRU instance.
// Tiers differ only in capacity, TTL, and whether a Get refreshes the
// entry's age.
type tier struct {
	lru          *expirable.LRU[string, any]
	ttl          time.Duration
	refreshOnGet bool
}

func newTier(maxSize int, ttl time.Duration, refreshOnGet bool) *tier {
	return &tier{
		lru:          expirable.NewLRU[string, any](maxSize, nil, ttl),
		ttl:          ttl,
		refreshOnGet: refreshOnGet,
	}
}

// get returns a tier value and whether it was present and unexpired. When
// refreshOnGet is set, a hit re-inserts the value so its TTL clock restarts
// (L2/L3 semantics); L1 passes refreshOnGet=false so rule-set age is never
// extended by reads.
func (t *tier) get(key string) (any, bool) {
	v, ok := t.lru.Get(key)
	if !ok {
		return nil, false
	}
	if t.refreshOnGet {
		t.lru.Add(key, v)
	}
	return v, true
}

func (t *tier) set(key string, value any) {
	t.lru.Add(key, value)
}

// delete removes key and reports whether it was present.
func (t *tier) delete(key string) bool {
	return t.lru.Remove(key)
}

// deletePrefix removes every key with the given prefix and returns the
// count removed, used by provider invalidation.
func (t *tier) deletePrefix(prefix string) int {
	removed := 0
	for _, k := range t.lru.Keys() {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			t.lru.Remove(k)
			removed++
		}
	}
	return removed
}

func (t *tier) len() int {
	return t.lru.Len()
}

func (t *tier) purge() {
	t.lru.Purge()
}

func (t *tier) keys() []string {
	return t.lru.Keys()
}

package kvstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/devmesh-labs/symbolcache/pkg/observability"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := NewRedisStore(RedisConfig{Address: mr.Addr()}, observability.NewNoopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestRedisStoreSetGetRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "stock:AAPL:quote", map[string]interface{}{"price": 187.5}, time.Minute))

	cv, hit, err := store.Get(ctx, "stock:AAPL:quote")
	require.NoError(t, err)
	require.True(t, hit)
	data, ok := cv.Data.(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, 187.5, data["price"])
	require.Greater(t, cv.TTLRemaining, 50*time.Second)
}

func TestRedisStoreGetMissIsNotAnError(t *testing.T) {
	store, _ := newTestStore(t)

	_, hit, err := store.Get(context.Background(), "absent")
	require.NoError(t, err)
	require.False(t, hit)
}

func TestRedisStoreMGetMixedHits(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "a", "va", time.Minute))
	require.NoError(t, store.Set(ctx, "c", "vc", time.Minute))

	values, hits, err := store.MGet(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Equal(t, []bool{true, false, true}, hits)
	require.Equal(t, "va", values[0].Data)
	require.Equal(t, "vc", values[2].Data)
}

func TestRedisStoreGetWithFallbackFetchesAndCachesOnMiss(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	calls := 0
	fetch := func(ctx context.Context) (interface{}, error) {
		calls++
		return "fresh", nil
	}

	data, hit, ttl, err := store.GetWithFallback(ctx, "k", fetch, true, time.Minute)
	require.NoError(t, err)
	require.False(t, hit)
	require.Equal(t, "fresh", data)
	require.Equal(t, time.Minute, ttl)
	require.Equal(t, 1, calls)

	data, hit, _, err = store.GetWithFallback(ctx, "k", fetch, true, time.Minute)
	require.NoError(t, err)
	require.True(t, hit)
	require.Equal(t, "fresh", data)
	require.Equal(t, 1, calls, "second call must serve from cache without fetching")
}

func TestRedisStoreEntryExpires(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "short", "v", 2*time.Second))
	mr.FastForward(3 * time.Second)

	_, hit, err := store.Get(ctx, "short")
	require.NoError(t, err)
	require.False(t, hit)
}

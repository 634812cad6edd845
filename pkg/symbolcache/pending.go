package symbolcache

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// pendingGroup coalesces concurrent identical uncached queries using
// golang.org/x/sync/singleflight: the pending key is the singleflight key,
// the first caller for a key runs fn and all concurrent callers for the
// same key await its single result. The group guarantees the pending entry
// is removed once the call settles, success or failure, so at most one
// entry exists per query key.
type pendingGroup struct {
	mu sync.RWMutex
	sf *singleflight.Group
}

func newPendingGroup() *pendingGroup {
	return &pendingGroup{sf: new(singleflight.Group)}
}

// do runs fn at most once per key among concurrent callers, bounded by
// ctx's deadline. A context deadline exceeded while fn is still running is
// reported to the waiting caller as ErrQueryTimeout without affecting other
// waiters sharing the same in-flight call.
func (p *pendingGroup) do(ctx context.Context, key string, fn func(context.Context) (map[string]string, error)) (map[string]string, error) {
	p.mu.RLock()
	sf := p.sf
	p.mu.RUnlock()

	resultCh := sf.DoChan(key, func() (interface{}, error) {
		return fn(ctx)
	})

	select {
	case res := <-resultCh:
		if res.Err != nil {
			return nil, res.Err
		}
		m, _ := res.Val.(map[string]string)
		return m, nil
	case <-ctx.Done():
		return nil, ErrQueryTimeout
	}
}

// reset drops the pending table. In-flight calls settle against the old
// group; new callers start fresh flights.
func (p *pendingGroup) reset() {
	p.mu.Lock()
	p.sf = new(singleflight.Group)
	p.mu.Unlock()
}

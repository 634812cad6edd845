package smartcache

import "errors"

var (
	ErrEmptyCacheKey   = errors.New("smartcache: cache key must not be empty")
	ErrNoFetchFunc     = errors.New("smartcache: request has no fetch function")
	ErrUnknownStrategy = errors.New("smartcache: unknown strategy")
	ErrStoreUnhealthy  = errors.New("smartcache: distributed cache is unhealthy")
)

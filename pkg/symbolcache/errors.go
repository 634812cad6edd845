package symbolcache

import "errors"

var (
	// ErrEmptyProvider is returned when mapSymbols is called with an empty
	// provider name.
	ErrEmptyProvider = errors.New("symbolcache: provider must not be empty")
	// ErrEmptySymbols is returned when mapSymbols is called with no symbols.
	ErrEmptySymbols = errors.New("symbolcache: symbols must not be empty")
	// ErrInvalidDirection is returned for any Direction other than
	// ToStandard or FromStandard.
	ErrInvalidDirection = errors.New("symbolcache: invalid direction")
	// ErrInvalidCacheKey is returned by key validation helpers when a key
	// does not match the "prefix:content" shape with at least two
	// non-empty segments.
	ErrInvalidCacheKey = errors.New("symbolcache: malformed cache key")
	// ErrQueryTimeout is returned when a rule-store query exceeds its
	// configured deadline.
	ErrQueryTimeout = errors.New("symbolcache: rule store query timed out")
	// ErrStoreUnavailable reports a rule-store failure. No code in this
	// package returns it: getProviderRules degrades a failing store to an
	// empty rule set instead.
	ErrStoreUnavailable = errors.New("symbolcache: rule store unavailable")
)

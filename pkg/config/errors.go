package config

import "errors"

var (
	errInvalidRuleCacheSize        = errors.New("config: rule_cache_max_size must be positive")
	errInvalidSymbolCacheSize      = errors.New("config: symbol_cache_max_size must be positive")
	errInvalidBatchCacheSize       = errors.New("config: batch_result_cache_max_size must be positive")
	errInvalidMaxConcurrentUpdates = errors.New("config: max_concurrent_updates must be positive")
)

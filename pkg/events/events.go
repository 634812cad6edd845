// Package events implements the in-process typed event bus the core
// publishes lifecycle notifications to. The core never calls a metrics SDK
// directly; external collaborators subscribe here and translate events into
// metrics, logs, or alerts. Publish is always fire-and-forget: it must never
// block the request path that triggered it.
package events

import "time"

// Type names the event kinds emitted by the symbol mapping cache and the
// smart cache orchestrator.
type Type string

const (
	CacheHit                Type = "cache.hit"
	CacheMiss               Type = "cache.miss"
	CacheDisabled           Type = "cache.disabled"
	CacheOperationStart     Type = "cache.operation_start"
	CacheOperationComplete  Type = "cache.operation_complete"
	CacheOperationError     Type = "cache.operation_error"
	MemoryUsageCheck        Type = "memory_usage_check"
	MemoryThresholdExceeded Type = "memory_threshold_exceeded"
	BackgroundTaskCompleted Type = "background_task_completed"
	BackgroundTaskFailed    Type = "background_task_failed"
	ActiveTasksCount        Type = "active_tasks_count"
)

// Event is one published notification. Payload carries the event-specific
// fields documented per Type; Timestamp is set by the publishing component
// (the bus does not fill it in).
type Event struct {
	Type      Type
	Timestamp time.Time
	Payload   map[string]interface{}
}

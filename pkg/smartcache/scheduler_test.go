package smartcache

import (
	"context"
	"testing"
	"time"

	"github.com/devmesh-labs/symbolcache/pkg/events"
	"github.com/devmesh-labs/symbolcache/pkg/observability"
)

// TestSchedulerGracefulShutdownDrainsQueueAndRejectsNewWork: shutdown
// drops pending queue entries, waits for running tasks, and rejects any
// schedule call that arrives afterward.
func TestSchedulerGracefulShutdownDrainsQueueAndRejectsNewWork(t *testing.T) {
	store := newFakeStore()
	policy := newPolicyEngine(testStrategies())
	bus := events.NewBus()
	defer bus.Close()

	s := newScheduler(2, 30*time.Second, 300*time.Millisecond, true, policy, store, nil, nil, observability.NewNoopLogger(), observability.NewNoopMetricsClient(), bus)
	s.start()

	released := make(chan struct{})
	blocking := func(ctx context.Context) (interface{}, error) {
		<-released
		return "data", nil
	}

	// Directly populate the queue/tasks map the way schedule() would, to
	// exercise shutdown's drain path deterministically rather than racing
	// the processor tick.
	for i := 0; i < 5; i++ {
		key := "queued:" + string(rune('a'+i))
		s.mu.Lock()
		s.tasks[key] = &backgroundTask{taskID: key, cacheKey: key, fetchFn: blocking, strategy: WeakTimeliness, maxRetries: 3, status: statusPending}
		s.queue = append(s.queue, s.tasks[key])
		s.mu.Unlock()
	}

	s.mu.Lock()
	queueLenBefore := len(s.queue)
	s.mu.Unlock()
	if queueLenBefore != 5 {
		t.Fatalf("expected 5 queued tasks before shutdown, got %d", queueLenBefore)
	}

	close(released) // let any in-flight fetch finish promptly
	s.shutdown()

	s.mu.Lock()
	queueLenAfter := len(s.queue)
	s.mu.Unlock()
	if queueLenAfter != 0 {
		t.Fatalf("expected shutdown to drop the pending queue, got %d entries remaining", queueLenAfter)
	}

	if ok := s.schedule("after-shutdown", nil, WeakTimeliness, blocking, nil); ok {
		t.Fatalf("expected scheduleBackgroundUpdate to reject work after shutdown")
	}
}

// TestSchedulerDedupRejectsSecondEnqueueForSameKey: enqueuing two refresh
// tasks for the same cacheKey produces exactly one queued task.
func TestSchedulerDedupRejectsSecondEnqueueForSameKey(t *testing.T) {
	store := newFakeStore()
	policy := newPolicyEngine(testStrategies())
	bus := events.NewBus()
	defer bus.Close()

	s := newScheduler(2, 30*time.Second, 10*time.Second, true, policy, store, nil, nil, observability.NewNoopLogger(), observability.NewNoopMetricsClient(), bus)
	defer s.shutdown()

	fetch := func(ctx context.Context) (interface{}, error) { return "v", nil }

	if !s.schedule("dup-key", []string{"AAPL"}, WeakTimeliness, fetch, nil) {
		t.Fatalf("expected first schedule to succeed")
	}
	if s.schedule("dup-key", []string{"AAPL"}, WeakTimeliness, fetch, nil) {
		t.Fatalf("expected second schedule for the same key to be rejected")
	}

	s.mu.Lock()
	count := len(s.tasks)
	s.mu.Unlock()
	if count != 1 {
		t.Fatalf("expected exactly one tracked task, got %d", count)
	}
}

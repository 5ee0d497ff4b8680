package activity

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Runner is the scheduler-facing surface of an activity: a single pending
// poll pass, ready to execute.
type Runner interface {
	// RunScheduledWakeup performs the scheduled poll pass. It must be
	// invoked exactly once per ScheduleWakeup call, on any goroutine that
	// does not hold the activity's mutex.
	RunScheduledWakeup()
}

// WakeupScheduler decides when and where a woken activity gets repolled.
//
// Contract: given r, arrange for r.RunScheduledWakeup to be invoked exactly
// once, later. The activity remains alive until that call (it holds a ref
// across the scheduling window), and it will not be scheduled again before
// the call happens. The scheduler must not run r synchronously on a
// goroutine that holds the activity's mutex; ScheduleWakeup itself can be
// reached from inside another activity's poll, so it must not block.
type WakeupScheduler interface {
	ScheduleWakeup(r Runner)
}

// SchedulerFunc adapts an ordinary function to the WakeupScheduler
// interface.
type SchedulerFunc func(r Runner)

// ScheduleWakeup implements WakeupScheduler by calling f(r).
func (f SchedulerFunc) ScheduleWakeup(r Runner) {
	f(r)
}

// GoroutineScheduler runs each scheduled wakeup on its own new goroutine.
// It is the simplest scheduler that satisfies the contract, and the right
// default unless wakeup concurrency needs bounding.
type GoroutineScheduler struct{}

// ScheduleWakeup implements WakeupScheduler.
func (GoroutineScheduler) ScheduleWakeup(r Runner) {
	go r.RunScheduledWakeup()
}

// PoolScheduler runs scheduled wakeups with at most a fixed number of poll
// passes in flight at once. Excess wakeups queue on a weighted semaphore.
// Useful when many activities share a scheduler and the promises do real
// work per poll.
type PoolScheduler struct {
	_ [0]func() // prevent copying

	sem *semaphore.Weighted
}

// NewPoolScheduler returns a PoolScheduler permitting up to limit concurrent
// poll passes. Panics if limit is not positive.
func NewPoolScheduler(limit int64) *PoolScheduler {
	if limit <= 0 {
		panic("activity: pool scheduler limit must be positive")
	}
	return &PoolScheduler{sem: semaphore.NewWeighted(limit)}
}

// ScheduleWakeup implements WakeupScheduler. It never blocks the caller;
// the semaphore wait happens on the spawned goroutine.
func (s *PoolScheduler) ScheduleWakeup(r Runner) {
	go func() {
		// Only fails on context cancellation, and this context has none.
		_ = s.sem.Acquire(context.Background(), 1)
		defer s.sem.Release(1)
		r.RunScheduledWakeup()
	}()
}

// Package activity drives single pollable promises to completion as
// independently schedulable, cancellable tasks.
//
// # Architecture
//
// An activity owns exactly one promise: a function returning [Poll], either
// pending or ready with a value. The activity polls the promise under an
// internal mutex, so a promise never observes concurrent execution. When the
// promise stalls it registers interest through a [Waker]; an external party
// later fires the waker, which hands the activity to its [WakeupScheduler]
// for another poll pass. On completion the done callback is invoked exactly
// once, outside the mutex, with either the converted ready value or
// [ErrCancelled].
//
// The moving parts, smallest first:
//
//   - [Wakeable]: a one-shot capability, consumed by exactly one of Wakeup
//     or Drop.
//   - [Waker]: an owning handle to a Wakeable. [AtomicWaker] is a
//     single-slot atomic variant that wakes the displaced wakeable on
//     replacement.
//   - A small refcounted handle (internal) lets non-owning wakers outlive
//     their activity and degrade to no-ops.
//   - [Activity]: the task itself; created via [MakeActivity], owned via
//     [ActivityPtr], cancelled via [ActivityPtr.Orphan].
//
// # Wakeup Semantics
//
// Wakeups coalesce: any number of wakeups between two poll passes produce at
// most one scheduler invocation. A wakeup that lands while the activity is
// polling on the same goroutine is folded into the current pass and forces
// one more loop iteration, so no wakeup is ever lost. Cancellation dominates
// wakeup when both land during the same pass. Wakeups after completion are
// safe no-ops.
//
// # Ambient State
//
// While a promise is being polled, [Current] reports the polling activity on
// that goroutine (correctly save/restored across nested activities), and any
// contexts injected at construction via [ProvideContext] or
// [ProvideContextValue] are reachable by type through [CurrentContext].
//
// # Thread Safety
//
// Wakers may be fired or dropped from any goroutine. [ActivityPtr.Orphan]
// may race freely with polling and with wakeups; the completion callback
// still runs exactly once. The done callback must tolerate being invoked
// from any goroutine, including the caller of Orphan.
//
// # Usage
//
//	done := make(chan error, 1)
//	ptr := activity.MakeActivity(
//		func() activity.Promise[int] {
//			return func() activity.Poll[int] {
//				if !ready() {
//					return activity.Pending[int]()
//				}
//				return activity.Ready(42)
//			}
//		},
//		activity.GoroutineScheduler{},
//		activity.Identity[int](),
//		func(v int, err error) { done <- err },
//	)
//	defer ptr.Orphan()
//
// # Logging
//
// Lifecycle events are logged through logiface; configure a process-wide
// logger with [SetLogger], or per activity with [WithLogger]. A nil logger
// (the default) disables logging entirely.
package activity

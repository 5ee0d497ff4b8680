package activity

import (
	"sync/atomic"
)

// LifecycleState is the advisory macro-state of an activity.
//
// State machine:
//
//	StateIdle (0) → StateScheduled      [external wakeup wins the CAS]
//	StateScheduled → StatePolling       [scheduler runs the wakeup]
//	StatePolling → StateIdle            [promise pending, no queued action]
//	StatePolling → StateScheduled       [wakeup raced with the poll]
//	any non-done → StateDone            [completion or cancellation]
//	StateDone → (terminal)
//
// The authoritative completion state lives under the activity's mutex; this
// atomic mirror exists for logging, metrics, and tests, and may briefly lag
// the truth. Never gate correctness on it.
type LifecycleState uint32

const (
	// StateIdle indicates the activity is waiting for an external wakeup.
	StateIdle LifecycleState = iota
	// StateScheduled indicates a wakeup has been handed to the scheduler
	// but the resulting poll pass has not started yet.
	StateScheduled
	// StatePolling indicates a poll pass is executing.
	StatePolling
	// StateDone indicates the promise completed or was cancelled. Terminal.
	StateDone
)

// String returns a human-readable representation of the state.
func (s LifecycleState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateScheduled:
		return "Scheduled"
	case StatePolling:
		return "Polling"
	case StateDone:
		return "Done"
	default:
		return "Unknown"
	}
}

// lifecycleCell is a lock-free holder for the advisory lifecycle state.
type lifecycleCell struct {
	v atomic.Uint32
}

// Load returns the current state atomically.
func (s *lifecycleCell) Load() LifecycleState {
	return LifecycleState(s.v.Load())
}

// Store atomically stores a new state.
func (s *lifecycleCell) Store(state LifecycleState) {
	s.v.Store(uint32(state))
}

// TryTransition attempts to atomically transition from one state to another.
// Returns true if the transition was applied.
func (s *lifecycleCell) TryTransition(from, to LifecycleState) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}

package activity

import (
	"sync/atomic"
)

// Wakeable is a one-shot capability used to wake an activity. After exactly
// one call to either Wakeup or Drop the wakeable is consumed and must not be
// used again; a second call, or calling both, is a programmer error.
//
// The one-shot rule is load-bearing: it lets [Waker] transfer the underlying
// reference by plain pointer swap instead of shared ownership.
type Wakeable interface {
	// Wakeup wakes the underlying activity, consuming the wakeable.
	Wakeup()
	// Drop discards the wakeable without waking anything.
	Drop()
}

// unwakeable is the process-wide "empty" wakeable. Both operations are pure
// no-ops, and every instance compares equal, which gives empty wakers and
// slots a single identity.
type unwakeable struct{}

func (unwakeable) Wakeup() {}
func (unwakeable) Drop()   {}

// unwakeableShared backs the sentinel slot value used by AtomicWaker.
var unwakeableShared Wakeable = unwakeable{}

// wakeableFunc adapts an ordinary func to the one-shot Wakeable contract.
type wakeableFunc struct {
	f func()
}

func (x *wakeableFunc) Wakeup() { x.f() }
func (x *wakeableFunc) Drop()   {}

// WakeableFunc returns a Wakeable whose Wakeup invokes f and whose Drop
// discards it. Each call returns a distinct identity.
func WakeableFunc(f func()) Wakeable {
	return &wakeableFunc{f: f}
}

// Waker exclusively owns one [Wakeable]. The zero value is empty and safe to
// use: waking or dropping it is a no-op.
//
// A Waker must be consumed by exactly one of [Waker.Wakeup] or [Waker.Drop].
// Discarding an unconsumed non-empty Waker leaks whatever reference the
// wakeable carries (for activity-minted wakers, an activity or handle ref).
// Consuming leaves the waker empty, so a second call is harmless.
type Waker struct {
	wakeable Wakeable
}

// NewWaker returns a Waker owning w. A nil w yields an empty waker.
func NewWaker(w Wakeable) Waker {
	if w == nil {
		return Waker{}
	}
	return Waker{wakeable: w}
}

// take extracts the owned wakeable, leaving the waker empty.
func (w *Waker) take() Wakeable {
	wk := w.wakeable
	w.wakeable = unwakeable{}
	if wk == nil {
		return unwakeable{}
	}
	return wk
}

// peek returns the owned wakeable without consuming it, normalizing the
// zero value to the unwakeable sentinel.
func (w *Waker) peek() Wakeable {
	if w.wakeable == nil {
		return unwakeable{}
	}
	return w.wakeable
}

// Wakeup wakes the underlying activity, consuming the waker. Subsequent
// calls are no-ops.
func (w *Waker) Wakeup() {
	w.take().Wakeup()
}

// Drop discards the waker without waking, consuming it.
func (w *Waker) Drop() {
	w.take().Drop()
}

// Empty reports whether the waker holds no real wakeable.
func (w *Waker) Empty() bool {
	return w.peek() == Wakeable(unwakeable{})
}

// Equal reports whether both wakers refer to the same underlying wakeable.
// All empty wakers compare equal. Wakeables minted by this package are
// always comparable.
func (w *Waker) Equal(o Waker) bool {
	return w.peek() == o.peek()
}

// AtomicWaker is an address-stable single-slot atomic container for a
// wakeable, with wake-on-replace semantics. It is not copyable and not
// movable; its address may be shared between the party arming it and the
// party firing it.
//
// The zero value is an empty (unarmed) slot.
type AtomicWaker struct {
	_ [0]func() // prevent copying

	// slot holds a pointer to the current wakeable; nil means the slot has
	// never been armed and is equivalent to holding the unwakeable sentinel.
	slot atomic.Pointer[Wakeable]
}

// take atomically extracts the held wakeable, leaving the sentinel.
func (x *AtomicWaker) take() Wakeable {
	old := x.slot.Swap(&unwakeableShared)
	if old == nil {
		return unwakeable{}
	}
	return *old
}

// Set atomically replaces the slot with w's wakeable and wakes whatever was
// displaced. This is the "replace the pending notifier; the previous one
// should fire now" operation. Consumes w.
func (x *AtomicWaker) Set(w Waker) {
	next := new(Wakeable)
	*next = w.take()
	if old := x.slot.Swap(next); old != nil {
		(*old).Wakeup()
	}
}

// Wakeup extracts and fires the held wakeable, leaving the slot empty.
func (x *AtomicWaker) Wakeup() {
	x.take().Wakeup()
}

// Drop discards the held wakeable without waking, leaving the slot empty.
// Call this when retiring an AtomicWaker that may still be armed.
func (x *AtomicWaker) Drop() {
	x.take().Drop()
}

// Armed reports whether the slot currently holds a real wakeable. The result
// is advisory: it may be stale by the time the caller acts on it.
func (x *AtomicWaker) Armed() bool {
	p := x.slot.Load()
	return p != nil && *p != Wakeable(unwakeable{})
}

package activity

import (
	"sync"
	"sync/atomic"
)

// handle is the indirection behind non-owning wakers. It is refcounted
// independently of its activity and holds only a weak association with it:
// a nullable pointer, guarded by the activity's own mutex, that the activity
// clears during teardown. A wakeup arriving after teardown finds either a
// nil pointer or a zero refcount and degrades to a no-op.
//
// The activity and handle are deliberately not co-owned; two independent
// refcounts with a mutex-synchronized pointer clear avoids a cycle and
// avoids holding the mutex across the actual wakeup.
type handle struct {
	// mu points at the owning activity's mutex, which serializes access to
	// activity (below) against activity teardown.
	mu *sync.Mutex

	refs atomic.Int32

	// activity is nil once the activity has been destroyed. Guarded by mu.
	activity *Activity
}

var _ Wakeable = (*handle)(nil)

func (h *handle) ref() {
	h.refs.Add(1)
}

func (h *handle) unref() {
	// The handle carries no resources of its own; the collector reclaims it
	// once the last ref is gone and no waker points at it.
	h.refs.Add(-1)
}

// Wakeup wakes the associated activity if it is still alive, then releases
// one handle ref. Consumes the wakeable.
func (h *handle) Wakeup() {
	// A non-owning waker fired from inside its own activity's poll would
	// deadlock on mu below; that goroutine already holds it. Fold the wakeup
	// into the running pass instead, exactly as an owning waker would.
	if cur := currentActivity(); cur != nil && cur.handle == h {
		cur.stats.wakeups.Add(1)
		cur.setActionDuringRun(actionWakeup)
		h.unref()
		return
	}
	h.mu.Lock()
	a := h.activity
	if a != nil && a.refIfNonzero() {
		h.mu.Unlock()
		// The ref taken above is consumed by the activity's wakeup path.
		(*ownedWakeable)(a).Wakeup()
	} else {
		h.mu.Unlock()
	}
	h.unref()
}

// Drop releases one handle ref without waking. Consumes the wakeable.
func (h *handle) Drop() {
	h.unref()
}

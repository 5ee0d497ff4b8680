package activity

import (
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/logiface"
)

// actionDuringRun records an event that arrived while a poll pass was
// executing. Values are ordered by priority; merging keeps the max, so
// cancellation overrides wakeup.
type actionDuringRun uint8

const (
	actionNone actionDuringRun = iota
	actionWakeup
	actionCancel
)

// activityIDCounter allocates process-unique activity IDs.
var activityIDCounter atomic.Uint64

// activityRunner is the generic half of an activity, reached from the
// non-generic core.
type activityRunner interface {
	Runner

	// cancel cancels execution of the underlying promise. Reentrant-safe:
	// from within the activity's own poll it only records the request.
	cancel()

	// assertDestroyable panics unless the activity has completed. Called
	// when the refcount reaches zero.
	assertDestroyable()
}

// Activity tracks execution of a single promise. It polls the promise under
// an internal mutex; when the promise stalls, wakers minted from the
// activity arrange for it to be polled again via its scheduler. Execution
// may be cancelled through [ActivityPtr.Orphan], in which case the done
// callback receives [ErrCancelled] if the promise had not already finished.
//
// Activities are created with [MakeActivity] and referenced from promises
// via [Current]; the struct is never instantiated directly.
type Activity struct {
	_ [0]func() // prevent copying

	// mu serializes promise execution, completion, and handle teardown.
	mu sync.Mutex

	// refs counts the owner (ActivityPtr), owning wakers, and in-flight
	// scheduler runs. At zero the activity destructs.
	refs atomic.Int32

	// wakeupScheduled is true while a scheduler run has been requested and
	// not yet started; it is what makes wakeups coalesce.
	wakeupScheduled atomic.Bool

	// state mirrors the macro-state for logging and diagnostics. Advisory.
	state lifecycleCell

	stats statsCells

	// action accumulates wakeup/cancel events that arrive during a poll
	// pass, merged with max priority. Guarded by mu.
	action actionDuringRun

	// handle backs non-owning wakers; lazily created. Guarded by mu.
	handle *handle

	scheduler WakeupScheduler

	// impl is the generic half (poll loop, completion). Set once during
	// construction, before the activity is visible to any other goroutine.
	impl activityRunner

	// contexts is the type-indexed ambient dictionary. Immutable.
	contexts map[reflect.Type]any

	logger *logiface.Logger[logiface.Event]
	name   string
	id     uint64
}

// ID returns the process-unique identifier of this activity.
func (a *Activity) ID() uint64 {
	return a.id
}

// Name returns the name given via [WithName], if any.
func (a *Activity) Name() string {
	return a.name
}

// State returns the advisory lifecycle state. It may lag the authoritative
// state briefly; do not gate correctness on it.
func (a *Activity) State() LifecycleState {
	return a.state.Load()
}

// Stats returns a snapshot of the activity's counters.
func (a *Activity) Stats() Stats {
	return a.stats.snapshot()
}

// isCurrent reports whether this activity is polling on this goroutine.
// When true, this goroutine holds mu.
func (a *Activity) isCurrent() bool {
	return currentActivity() == a
}

// ForceWakeup forces a repoll from the outside. Rarely needed; prefer
// waking through a Waker minted where the interest was registered.
func (a *Activity) ForceWakeup() {
	w := a.MakeOwningWaker()
	w.Wakeup()
}

// ForceImmediateRepoll makes the current poll pass run the promise again if
// it returns pending. Must be called from within this activity's poll, on
// the polling goroutine; anything else is a programmer error.
func (a *Activity) ForceImmediateRepoll() {
	if !a.isCurrent() {
		panic("activity: ForceImmediateRepoll called from outside the poll")
	}
	a.setActionDuringRun(actionWakeup)
	a.stats.forcedRepolls.Add(1)
}

// MakeOwningWaker returns a waker that keeps the activity alive until it is
// woken or dropped.
func (a *Activity) MakeOwningWaker() Waker {
	a.ref()
	return Waker{wakeable: (*ownedWakeable)(a)}
}

// MakeNonOwningWaker returns a waker that does not extend the activity's
// lifetime: it owns a ref on a small shared handle instead, and waking after
// the activity is destroyed is a safe no-op. Suitable for wakeups that may
// be delivered long after the activity should be gone.
func (a *Activity) MakeNonOwningWaker() Waker {
	if a.isCurrent() {
		// Minted from within the poll; mu is already held.
		return Waker{wakeable: a.refHandleLocked()}
	}
	a.mu.Lock()
	h := a.refHandleLocked()
	a.mu.Unlock()
	return Waker{wakeable: h}
}

// refHandleLocked returns the activity's handle with a ref for the caller,
// creating it on first use. Requires mu.
func (a *Activity) refHandleLocked() *handle {
	if a.handle == nil {
		h := &handle{mu: &a.mu, activity: a}
		// One ref held by the activity, one for the caller's waker.
		h.refs.Store(2)
		a.handle = h
		return h
	}
	a.handle.ref()
	return a.handle
}

// setActionDuringRun merges an action into the pending set, keeping the
// higher-priority one. Requires mu (held by the poll pass).
func (a *Activity) setActionDuringRun(action actionDuringRun) {
	if action > a.action {
		a.action = action
	}
}

// takeActionDuringRun consumes and resets the pending action. Requires mu.
func (a *Activity) takeActionDuringRun() actionDuringRun {
	action := a.action
	a.action = actionNone
	return action
}

func (a *Activity) ref() {
	a.refs.Add(1)
}

func (a *Activity) unref() {
	if a.refs.Add(-1) == 0 {
		a.destruct()
	}
}

// refIfNonzero takes a ref only if the refcount has not already reached
// zero. Used by handles, which may outlive the activity.
func (a *Activity) refIfNonzero() bool {
	for {
		n := a.refs.Load()
		if n == 0 {
			return false
		}
		if a.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// wakeupComplete releases the ref a wakeup was carrying. Every delivered
// wakeup releases its ref exactly once: here when it coalesces, folds into
// a running pass, or is dropped, or at the end of RunScheduledWakeup.
func (a *Activity) wakeupComplete() {
	a.unref()
}

// destruct runs when the last ref is released. The activity must already be
// done; arriving here otherwise means it was abandoned without Orphan.
//
// The last ref can be released from within the activity's own poll (a
// self-wakeup consuming the final waker ref), in which case mu is already
// held by this goroutine and must not be re-acquired.
func (a *Activity) destruct() {
	a.impl.assertDestroyable()
	reentrant := a.isCurrent()
	if !reentrant {
		a.mu.Lock()
	}
	h := a.handle
	a.handle = nil
	if h != nil {
		// Clear the weak association under mu so handle wakeups racing with
		// teardown observe either a live activity or nil, never a stale
		// pointer.
		h.activity = nil
	}
	if !reentrant {
		a.mu.Unlock()
	}
	if h != nil {
		h.unref()
	}
	defaultRegistry.unregister(a.id)
	a.logTrace("destroyed")
}

// settleAdvisoryStateLocked updates the advisory state mirror at the end of
// a poll pass. Requires mu.
func (a *Activity) settleAdvisoryStateLocked(done bool) {
	if done {
		return // markDone stored StateDone
	}
	if a.wakeupScheduled.Load() {
		a.state.Store(StateScheduled)
	} else {
		a.state.Store(StateIdle)
	}
}

// ownedWakeable is the activity's own Wakeable implementation, kept off
// Activity's public method set so that waking without a ref is impossible
// through the exported API. Each wakeup consumes one activity ref.
type ownedWakeable Activity

var _ Wakeable = (*ownedWakeable)(nil)

// Wakeup arranges for the activity to be polled again at a convenient time,
// via the scheduler. If the activity is already polling on this goroutine
// the event folds into the running pass instead. Consumes the ref minted
// with this wakeable.
func (w *ownedWakeable) Wakeup() {
	a := (*Activity)(w)
	a.stats.wakeups.Add(1)
	if a.isCurrent() {
		// Polling right now on this goroutine (mu held): note it and let
		// the poll loop repoll before it returns.
		a.setActionDuringRun(actionWakeup)
		a.wakeupComplete()
		return
	}
	if !a.wakeupScheduled.Swap(true) {
		// This wakeup won the race; its ref rides along to the scheduler
		// run and is released at the end of RunScheduledWakeup.
		a.state.TryTransition(StateIdle, StateScheduled)
		a.logTrace("wakeup scheduled")
		a.scheduler.ScheduleWakeup(a.impl)
	} else {
		// A run is already pending; coalesce.
		a.stats.coalesced.Add(1)
		a.wakeupComplete()
	}
}

// Drop releases the wakeup's ref without waking.
func (w *ownedWakeable) Drop() {
	(*Activity)(w).wakeupComplete()
}

// ActivityPtr is the owning reference to an activity. Dropping ownership is
// explicit, via [ActivityPtr.Orphan]; there is no finalizer.
type ActivityPtr struct {
	_ [0]func() // prevent copying

	a atomic.Pointer[Activity]
}

// Activity returns the owned activity, or nil after Orphan.
func (p *ActivityPtr) Activity() *Activity {
	return p.a.Load()
}

// Orphan cancels the activity (the done callback receives [ErrCancelled] if
// the promise had not already finished) and releases the owning ref.
// Idempotent: only the first call has any effect.
func (p *ActivityPtr) Orphan() {
	a := p.a.Swap(nil)
	if a == nil {
		return
	}
	a.logDebug("orphaned")
	a.impl.cancel()
	a.unref()
}

// completion is a settled activity outcome, pending delivery to the done
// callback outside the mutex.
type completion[S any] struct {
	value S
	err   error
}

// promiseActivity is the generic half: it owns the promise, the conversion,
// and the done callback, and implements the poll loop.
type promiseActivity[T, S any] struct {
	Activity

	into   IntoStatus[T, S]
	onDone DoneFunc[S]

	// promise is nil until constructed by the factory and again after
	// completion. Guarded by mu.
	promise Promise[T]

	// done is the authoritative completion flag. Guarded by mu.
	done bool
}

// MakeActivity constructs an activity driving the promise produced by
// factory, and runs a first poll pass immediately, on the calling goroutine
// (the pass repolls while the promise self-wakes, as any pass does). The
// promise may therefore complete (and onDone run) before MakeActivity
// returns.
//
// into converts the promise's ready value into onDone's result; use
// [Identity] when the types coincide. scheduler decides where later poll
// passes run; see [WakeupScheduler] for its contract.
//
// The returned ActivityPtr owns the activity. Callers must eventually call
// [ActivityPtr.Orphan], even after completion, to release it.
func MakeActivity[T, S any](
	factory PromiseFactory[T],
	scheduler WakeupScheduler,
	into IntoStatus[T, S],
	onDone DoneFunc[S],
	opts ...ActivityOption,
) *ActivityPtr {
	switch {
	case factory == nil:
		panic("activity: MakeActivity requires a promise factory")
	case scheduler == nil:
		panic("activity: MakeActivity requires a scheduler")
	case into == nil:
		panic("activity: MakeActivity requires a status conversion")
	case onDone == nil:
		panic("activity: MakeActivity requires a done callback")
	}

	cfg := resolveActivityOptions(opts)

	pa := &promiseActivity[T, S]{
		into:   into,
		onDone: onDone,
	}
	a := &pa.Activity
	a.refs.Store(1) // held by the returned ActivityPtr
	a.scheduler = scheduler
	a.impl = pa
	a.contexts = cfg.contexts
	a.logger = cfg.logger
	a.name = cfg.name
	a.id = activityIDCounter.Add(1)

	defaultRegistry.register(a)
	a.logDebug("created")

	// Construct the initial promise and step it, under mu: the first poll
	// may hand out wakers, exposing the activity to other goroutines before
	// construction finishes.
	a.mu.Lock()
	c, settled := pa.start(factory)
	a.mu.Unlock()
	// The promise may complete immediately.
	if settled {
		pa.onDone(c.value, c.err)
	}

	p := &ActivityPtr{}
	p.a.Store(a)
	return p
}

// RunScheduledWakeup is invoked by the scheduler, exactly once per
// ScheduleWakeup, to run the pending poll pass.
func (pa *promiseActivity[T, S]) RunScheduledWakeup() {
	a := &pa.Activity
	if !a.wakeupScheduled.Swap(false) {
		panic("activity: scheduled wakeup without a pending wakeup")
	}
	a.stats.schedulerRuns.Add(1)
	pa.step()
	a.wakeupComplete()
}

// cancel implements activityRunner.
func (pa *promiseActivity[T, S]) cancel() {
	a := &pa.Activity
	if a.isCurrent() {
		// Called from within our own poll (mu held): record the request;
		// the poll loop completes the cancellation when the current promise
		// invocation returns.
		a.setActionDuringRun(actionCancel)
		return
	}
	a.mu.Lock()
	wasDone := pa.done
	if !wasDone {
		// Destroy the promise with ambient state installed, in case its
		// captured values look up contexts as they release.
		exit := enterPollFrame(a)
		pa.markDoneLocked()
		exit()
	}
	a.mu.Unlock()
	// Whoever drove done false→true delivers the callback.
	if !wasDone {
		var zero S
		pa.onDone(zero, ErrCancelled)
	}
}

// assertDestroyable implements activityRunner.
func (pa *promiseActivity[T, S]) assertDestroyable() {
	a := &pa.Activity
	var done bool
	if a.isCurrent() {
		done = pa.done // mu already held by this goroutine's poll
	} else {
		a.mu.Lock()
		done = pa.done
		a.mu.Unlock()
	}
	if !done {
		panic("activity: destroyed without completing; Orphan the ActivityPtr first")
	}
}

// step runs the promise state machine until it settles, then delivers the
// completion, if any, outside mu.
func (pa *promiseActivity[T, S]) step() {
	a := &pa.Activity
	a.mu.Lock()
	if pa.done {
		// Spurious wakeups after completion are expected from stale wakers.
		a.mu.Unlock()
		a.logSpuriousWakeup()
		return
	}
	a.state.Store(StatePolling)
	c, settled := pa.runStep()
	a.settleAdvisoryStateLocked(pa.done)
	a.mu.Unlock()
	if settled {
		pa.onDone(c.value, c.err)
	}
}

// runStep installs the ambient state and runs the poll loop. Requires mu.
func (pa *promiseActivity[T, S]) runStep() (completion[S], bool) {
	exit := enterPollFrame(&pa.Activity)
	defer exit()
	return pa.stepLoop()
}

// start constructs the promise from its factory and runs the first poll
// pass, with ambient state installed throughout. Requires mu; called once,
// from MakeActivity.
func (pa *promiseActivity[T, S]) start(factory PromiseFactory[T]) (completion[S], bool) {
	a := &pa.Activity
	a.state.Store(StatePolling)
	exit := enterPollFrame(a)
	defer func() {
		a.settleAdvisoryStateLocked(pa.done)
		exit()
	}()
	pa.promise = factory()
	return pa.stepLoop()
}

// stepLoop polls the promise until it completes or stops self-waking.
// Requires mu and an installed poll frame.
func (pa *promiseActivity[T, S]) stepLoop() (completion[S], bool) {
	a := &pa.Activity
	for {
		if pa.done {
			panic("activity: polled after completion")
		}
		a.stats.polls.Add(1)
		p := pa.promise()
		if v, ok := p.Value(); ok {
			pa.markDoneLocked()
			return completion[S]{value: pa.into(v)}, true
		}
		switch a.takeActionDuringRun() {
		case actionWakeup:
			// A wakeup landed while polling; go around again so it is not
			// lost.
			continue
		case actionCancel:
			pa.markDoneLocked()
			return completion[S]{err: ErrCancelled}, true
		default:
			return completion[S]{}, false
		}
	}
}

// markDoneLocked flags completion and destroys the promise. Requires mu;
// calling it twice is a programmer error.
func (pa *promiseActivity[T, S]) markDoneLocked() {
	if pa.done {
		panic("activity: already done")
	}
	pa.done = true
	pa.promise = nil
	pa.Activity.state.Store(StateDone)
	pa.Activity.logTrace("done")
}

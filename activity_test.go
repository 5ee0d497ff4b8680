package activity

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// manualScheduler queues scheduled wakeups for the test to run explicitly,
// making poll passes deterministic.
type manualScheduler struct {
	mu      sync.Mutex
	pending []Runner
	total   int
}

func (s *manualScheduler) ScheduleWakeup(r Runner) {
	s.mu.Lock()
	s.pending = append(s.pending, r)
	s.total++
	s.mu.Unlock()
}

// runAll runs every pending wakeup, including ones scheduled while running,
// and returns how many ran.
func (s *manualScheduler) runAll() int {
	var n int
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.mu.Unlock()
			return n
		}
		r := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()
		r.RunScheduledWakeup()
		n++
	}
}

func (s *manualScheduler) pendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *manualScheduler) scheduled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// doneRecorder collects done callback invocations.
type doneRecorder[S any] struct {
	mu      sync.Mutex
	results []S
	errs    []error
}

func (d *doneRecorder[S]) fn() DoneFunc[S] {
	return func(result S, err error) {
		d.mu.Lock()
		d.results = append(d.results, result)
		d.errs = append(d.errs, err)
		d.mu.Unlock()
	}
}

func (d *doneRecorder[S]) calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.results)
}

func (d *doneRecorder[S]) single(t *testing.T) (S, error) {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.results) != 1 {
		t.Fatalf("expected exactly one completion, got %d", len(d.results))
	}
	return d.results[0], d.errs[0]
}

func constPromise[T any](v T) PromiseFactory[T] {
	return func() Promise[T] {
		return func() Poll[T] { return Ready(v) }
	}
}

func pendingPromise[T any]() PromiseFactory[T] {
	return func() Promise[T] {
		return func() Poll[T] { return Pending[T]() }
	}
}

func TestMakeActivity_ImmediateReady(t *testing.T) {
	sched := &manualScheduler{}
	var done doneRecorder[int]

	ptr := MakeActivity(constPromise(42), sched, Identity[int](), done.fn())

	v, err := done.single(t)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 {
		t.Errorf("expected 42, got %d", v)
	}
	if n := sched.scheduled(); n != 0 {
		t.Errorf("expected no scheduler invocations, got %d", n)
	}
	if s := ptr.Activity().State(); s != StateDone {
		t.Errorf("expected StateDone, got %v", s)
	}

	ptr.Orphan()
	if done.calls() != 1 {
		t.Error("Orphan after completion must not invoke the done callback again")
	}
}

func TestMakeActivity_OneExternalWakeup(t *testing.T) {
	sched := &manualScheduler{}
	var done doneRecorder[string]
	var waker Waker
	var polls int

	ptr := MakeActivity(
		func() Promise[string] {
			return func() Poll[string] {
				polls++
				if polls == 1 {
					waker = Current().MakeOwningWaker()
					return Pending[string]()
				}
				return Ready("ok")
			}
		},
		sched, Identity[string](), done.fn(),
	)
	defer ptr.Orphan()

	if done.calls() != 0 {
		t.Fatal("completed before the wakeup fired")
	}
	if waker.Empty() {
		t.Fatal("promise did not mint a waker")
	}

	waker.Wakeup()

	if n := sched.scheduled(); n != 1 {
		t.Fatalf("expected exactly one ScheduleWakeup, got %d", n)
	}
	sched.runAll()

	v, err := done.single(t)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "ok" {
		t.Errorf(`expected "ok", got %q`, v)
	}
	if polls != 2 {
		t.Errorf("expected 2 polls, got %d", polls)
	}
	if st := ptr.Activity().Stats(); st.SchedulerRuns != 1 {
		t.Errorf("expected 1 scheduler run, got %d", st.SchedulerRuns)
	}
}

func TestMakeActivity_WakeupBurstCoalesces(t *testing.T) {
	const numWakers = 100

	sched := &manualScheduler{}
	var done doneRecorder[int]

	ptr := MakeActivity(pendingPromise[int](), sched, Identity[int](), done.fn())
	a := ptr.Activity()

	wakers := make([]Waker, numWakers)
	for i := range wakers {
		wakers[i] = a.MakeOwningWaker()
	}

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := range wakers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			wakers[i].Wakeup()
		}()
	}
	close(start)
	wg.Wait()

	if n := sched.scheduled(); n != 1 {
		t.Fatalf("expected exactly one ScheduleWakeup for the burst, got %d", n)
	}
	st := a.Stats()
	if st.Wakeups != numWakers {
		t.Errorf("expected %d wakeups, got %d", numWakers, st.Wakeups)
	}
	if st.WakeupsCoalesced != numWakers-1 {
		t.Errorf("expected %d coalesced wakeups, got %d", numWakers-1, st.WakeupsCoalesced)
	}

	sched.runAll()
	if st := a.Stats(); st.Polls != 2 {
		t.Errorf("expected 2 polls (initial + one scheduled pass), got %d", st.Polls)
	}

	ptr.Orphan()
	if _, err := done.single(t); !IsCancelled(err) {
		t.Errorf("expected cancellation, got %v", err)
	}
}

func TestMakeActivity_CancelDuringPoll(t *testing.T) {
	sched := &manualScheduler{}
	var done doneRecorder[int]
	var ptr *ActivityPtr
	var polls int

	ptr = MakeActivity(
		func() Promise[int] {
			return func() Poll[int] {
				polls++
				if polls == 2 {
					// Reentrant cancel: folded into the running pass.
					ptr.Orphan()
				}
				return Pending[int]()
			}
		},
		sched, Identity[int](), done.fn(),
	)

	ptr.Activity().ForceWakeup()
	sched.runAll()

	if _, err := done.single(t); !IsCancelled(err) {
		t.Errorf("expected cancellation, got %v", err)
	}
	if polls != 2 {
		t.Errorf("expected 2 polls (cancel observed after the second), got %d", polls)
	}
}

func TestMakeActivity_OrphanAfterCompletion(t *testing.T) {
	sched := &manualScheduler{}
	var done doneRecorder[int]
	var outside Waker

	ptr := MakeActivity(
		func() Promise[int] {
			return func() Poll[int] {
				outside = Current().MakeNonOwningWaker()
				return Ready(7)
			}
		},
		sched, Identity[int](), done.fn(),
	)

	v, err := done.single(t)
	if err != nil || v != 7 {
		t.Fatalf("expected (7, nil), got (%d, %v)", v, err)
	}

	ptr.Orphan()
	if done.calls() != 1 {
		t.Error("expected no second completion")
	}

	// The surviving non-owning waker must be a safe no-op.
	outside.Wakeup()
	if done.calls() != 1 {
		t.Error("stale waker produced a completion")
	}
}

func TestMakeActivity_NonOwningWakerOutlivesActivity(t *testing.T) {
	sched := &manualScheduler{}
	var done doneRecorder[int]

	ptr := MakeActivity(pendingPromise[int](), sched, Identity[int](), done.fn())
	a := ptr.Activity()

	w1 := a.MakeNonOwningWaker()
	w2 := a.MakeNonOwningWaker()

	h, ok := w1.peek().(*handle)
	if !ok {
		t.Fatal("non-owning waker does not hold a handle")
	}
	if refs := h.refs.Load(); refs != 3 {
		t.Fatalf("expected 3 handle refs (activity + two wakers), got %d", refs)
	}

	ptr.Orphan()
	if _, err := done.single(t); !IsCancelled(err) {
		t.Fatalf("expected cancellation, got %v", err)
	}

	// The activity is destroyed; its handle ref is gone.
	if refs := h.refs.Load(); refs != 2 {
		t.Fatalf("expected 2 handle refs after destruction, got %d", refs)
	}

	// Wake from another goroutine: must be a no-op, no memory errors.
	donech := make(chan struct{})
	go func() {
		defer close(donech)
		w1.Wakeup()
	}()
	<-donech

	w2.Drop()
	if refs := h.refs.Load(); refs != 0 {
		t.Errorf("expected 0 handle refs, got %d", refs)
	}
	if done.calls() != 1 {
		t.Error("stale non-owning waker produced a completion")
	}
}

func TestActivity_ForceImmediateRepoll(t *testing.T) {
	sched := &manualScheduler{}
	var done doneRecorder[int]
	var polls int

	ptr := MakeActivity(
		func() Promise[int] {
			return func() Poll[int] {
				polls++
				if polls == 1 {
					Current().ForceImmediateRepoll()
					return Pending[int]()
				}
				return Ready(polls)
			}
		},
		sched, Identity[int](), done.fn(),
	)
	defer ptr.Orphan()

	v, err := done.single(t)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 2 {
		t.Errorf("expected completion on the immediate repoll (2 polls), got %d", v)
	}
	if n := sched.scheduled(); n != 0 {
		t.Errorf("immediate repoll must not go through the scheduler, got %d invocations", n)
	}
	if st := ptr.Activity().Stats(); st.ForcedRepolls != 1 {
		t.Errorf("expected 1 forced repoll, got %d", st.ForcedRepolls)
	}
}

func TestActivity_ForceImmediateRepollOutsidePollPanics(t *testing.T) {
	sched := &manualScheduler{}
	var done doneRecorder[int]

	ptr := MakeActivity(pendingPromise[int](), sched, Identity[int](), done.fn())
	defer ptr.Orphan()

	defer func() {
		if recover() == nil {
			t.Error("expected panic from ForceImmediateRepoll outside a poll")
		}
	}()
	ptr.Activity().ForceImmediateRepoll()
}

func TestActivity_SelfWakeupDuringPoll(t *testing.T) {
	// A wakeup fired while the activity polls on the same goroutine must
	// fold into the running pass, not reschedule.
	sched := &manualScheduler{}
	var done doneRecorder[int]
	var polls int

	ptr := MakeActivity(
		func() Promise[int] {
			return func() Poll[int] {
				polls++
				if polls == 1 {
					w := Current().MakeOwningWaker()
					w.Wakeup()
					return Pending[int]()
				}
				return Ready(polls)
			}
		},
		sched, Identity[int](), done.fn(),
	)
	defer ptr.Orphan()

	if v, err := done.single(t); err != nil || v != 2 {
		t.Fatalf("expected (2, nil), got (%v, %v)", v, err)
	}
	if n := sched.scheduled(); n != 0 {
		t.Errorf("self-wakeup must not reach the scheduler, got %d invocations", n)
	}
}

func TestMakeActivity_CancellationDominatesWakeup(t *testing.T) {
	sched := &manualScheduler{}
	var done doneRecorder[int]
	var ptr *ActivityPtr
	var polls int

	ptr = MakeActivity(
		func() Promise[int] {
			return func() Poll[int] {
				polls++
				if polls == 2 {
					// Register both during the same pass; cancel must win
					// regardless of order.
					Current().ForceImmediateRepoll()
					ptr.Orphan()
				}
				return Pending[int]()
			}
		},
		sched, Identity[int](), done.fn(),
	)

	ptr.Activity().ForceWakeup()
	sched.runAll()

	if _, err := done.single(t); !IsCancelled(err) {
		t.Errorf("expected cancellation to dominate the wakeup, got %v", err)
	}
	if polls != 2 {
		t.Errorf("expected no poll after the cancel, got %d polls", polls)
	}
}

func TestMakeActivity_DoubleOrphan(t *testing.T) {
	sched := &manualScheduler{}
	var done doneRecorder[int]

	ptr := MakeActivity(pendingPromise[int](), sched, Identity[int](), done.fn())
	ptr.Orphan()
	ptr.Orphan()

	if done.calls() != 1 {
		t.Errorf("expected exactly one completion, got %d", done.calls())
	}
	if a := ptr.Activity(); a != nil {
		t.Error("expected Activity() to be nil after Orphan")
	}
}

func TestMakeActivity_WakeupAfterDoneIsNoop(t *testing.T) {
	sched := &manualScheduler{}
	var done doneRecorder[int]

	ptr := MakeActivity(pendingPromise[int](), sched, Identity[int](), done.fn())
	a := ptr.Activity()

	w := a.MakeOwningWaker()
	ptr.Orphan()

	// The activity is done but the owning waker keeps it alive; waking must
	// schedule a pass that observes completion and does nothing.
	w.Wakeup()
	sched.runAll()

	if done.calls() != 1 {
		t.Errorf("expected exactly one completion, got %d", done.calls())
	}
}

func TestMakeActivity_ExactlyOnceUnderRace(t *testing.T) {
	// Concurrent producer wakeups racing an Orphan; the completion callback
	// must fire exactly once whatever the interleaving.
	for i := 0; i < 50; i++ {
		var calls atomic.Int32
		var ready atomic.Bool

		ptr := MakeActivity(
			func() Promise[int] {
				return func() Poll[int] {
					if ready.Load() {
						return Ready(1)
					}
					return Pending[int]()
				}
			},
			GoroutineScheduler{},
			Identity[int](),
			func(int, error) { calls.Add(1) },
		)
		a := ptr.Activity()

		var wg sync.WaitGroup
		for j := 0; j < 4; j++ {
			w := a.MakeOwningWaker()
			wg.Add(1)
			go func() {
				defer wg.Done()
				w.Wakeup()
			}()
		}
		readyWaker := a.MakeOwningWaker()
		wg.Add(1)
		go func() {
			defer wg.Done()
			ready.Store(true)
			readyWaker.Wakeup()
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			ptr.Orphan()
		}()
		wg.Wait()

		deadline := time.Now().Add(2 * time.Second)
		for calls.Load() == 0 {
			if time.Now().After(deadline) {
				t.Fatal("timed out waiting for completion")
			}
			time.Sleep(time.Millisecond)
		}
		// Allow any straggling scheduler runs to finish before counting.
		time.Sleep(2 * time.Millisecond)
		if n := calls.Load(); n != 1 {
			t.Fatalf("iteration %d: expected exactly one completion, got %d", i, n)
		}
	}
}

func TestMakeActivity_IntoStatusConversion(t *testing.T) {
	sched := &manualScheduler{}
	var done doneRecorder[string]

	ptr := MakeActivity(
		constPromise(41),
		sched,
		func(v int) string {
			if v == 41 {
				return "forty-two"
			}
			return "other"
		},
		done.fn(),
	)
	defer ptr.Orphan()

	v, err := done.single(t)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "forty-two" {
		t.Errorf("conversion not applied, got %q", v)
	}
}

func TestMakeActivity_OwningWakerKeepsActivityAlive(t *testing.T) {
	sched := &manualScheduler{}
	var done doneRecorder[int]

	ptr := MakeActivity(pendingPromise[int](), sched, Identity[int](), done.fn())
	a := ptr.Activity()

	w := a.MakeOwningWaker()
	if refs := a.refs.Load(); refs != 2 {
		t.Fatalf("expected 2 refs (owner + waker), got %d", refs)
	}

	ptr.Orphan()
	if refs := a.refs.Load(); refs != 1 {
		t.Fatalf("expected the waker's ref to survive Orphan, got %d", refs)
	}

	w.Drop()
	if refs := a.refs.Load(); refs != 0 {
		t.Fatalf("expected 0 refs after Drop, got %d", refs)
	}
}

func TestMakeActivity_NilArgumentsPanic(t *testing.T) {
	sched := &manualScheduler{}
	onDone := func(int, error) {}

	for name, fn := range map[string]func(){
		"factory": func() {
			MakeActivity[int, int](nil, sched, Identity[int](), onDone)
		},
		"scheduler": func() {
			MakeActivity(constPromise(1), nil, Identity[int](), onDone)
		},
		"into": func() {
			MakeActivity[int, int](constPromise(1), sched, nil, onDone)
		},
		"onDone": func() {
			MakeActivity[int, int](constPromise(1), sched, Identity[int](), nil)
		},
	} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("%s: expected panic", name)
				}
			}()
			fn()
		}()
	}
}

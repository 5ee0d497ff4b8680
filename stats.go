package activity

import (
	"sync/atomic"
)

// Stats is a snapshot of an activity's lifetime counters.
type Stats struct {
	// Polls is the number of times the promise was invoked.
	Polls uint64
	// Wakeups is the number of wakeups delivered, from any source.
	Wakeups uint64
	// WakeupsCoalesced is how many of those wakeups were folded into an
	// already-pending scheduler run rather than producing a new one.
	WakeupsCoalesced uint64
	// SchedulerRuns is the number of scheduler-driven poll passes.
	SchedulerRuns uint64
	// ForcedRepolls counts ForceImmediateRepoll calls.
	ForcedRepolls uint64
}

// statsCells holds the live counters. All fields are independently atomic;
// a snapshot is not a consistent cut, which is fine for diagnostics.
type statsCells struct {
	polls         atomic.Uint64
	wakeups       atomic.Uint64
	coalesced     atomic.Uint64
	schedulerRuns atomic.Uint64
	forcedRepolls atomic.Uint64
}

func (s *statsCells) snapshot() Stats {
	return Stats{
		Polls:            s.polls.Load(),
		Wakeups:          s.wakeups.Load(),
		WakeupsCoalesced: s.coalesced.Load(),
		SchedulerRuns:    s.schedulerRuns.Load(),
		ForcedRepolls:    s.forcedRepolls.Load(),
	}
}

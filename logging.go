// Package-level configuration for structured logging.
//
// The logger is a cross-cutting concern shared by all activities, so it is
// configured once per process (or overridden per activity via WithLogger)
// rather than threaded through every constructor.

package activity

import (
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

// packageLogger is the process-wide default logger. Nil disables logging;
// logiface builders are nil-receiver safe, so log sites need no guards.
var packageLogger atomic.Pointer[logiface.Logger[logiface.Event]]

// SetLogger sets the process-wide default logger used by activities that
// were not given one via [WithLogger]. Pass nil to disable.
func SetLogger(l *logiface.Logger[logiface.Event]) {
	packageLogger.Store(l)
}

// spuriousWakeups rate-limits the warning for wakeups that arrive after an
// activity has completed. Stale wakers can legitimately fire long after
// completion, and in bursts; one note per activity per window is plenty.
var spuriousWakeups = catrate.NewLimiter(map[time.Duration]int{
	time.Minute: 1,
	time.Hour:   10,
})

// annotate attaches the activity's identity fields to a log builder.
func (a *Activity) annotate(b *logiface.Builder[logiface.Event]) *logiface.Builder[logiface.Event] {
	b = b.Uint64("activity", a.id)
	if a.name != "" {
		b = b.Str("name", a.name)
	}
	return b
}

func (a *Activity) logTrace(msg string) {
	a.annotate(a.logger.Trace()).Log(msg)
}

func (a *Activity) logDebug(msg string) {
	a.annotate(a.logger.Debug()).Log(msg)
}

// logSpuriousWakeup records a rate-limited warning for a wakeup delivered
// after completion.
func (a *Activity) logSpuriousWakeup() {
	if _, ok := spuriousWakeups.Allow(a.id); ok {
		a.annotate(a.logger.Warning()).Log("wakeup after completion")
	}
}

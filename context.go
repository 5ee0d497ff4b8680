package activity

import (
	"reflect"
	"runtime"
	"sync"
)

// pollFrame records the activity polling on a goroutine. Frames form a stack
// via prev so that nested activities on one goroutine save and restore the
// outer frame rather than clobbering it.
type pollFrame struct {
	activity *Activity
	prev     *pollFrame
}

// pollFrames maps goroutine ID → *pollFrame for goroutines currently inside
// a poll pass. Entries are removed when the outermost frame exits.
var pollFrames sync.Map

// enterPollFrame installs a as the current activity on this goroutine and
// returns the func that restores the prior frame. Must be called with a's
// mutex held; the returned func must run on the same goroutine, before the
// mutex is released.
func enterPollFrame(a *Activity) func() {
	gid := getGoroutineID()
	var prev *pollFrame
	if v, ok := pollFrames.Load(gid); ok {
		prev = v.(*pollFrame)
	}
	f := &pollFrame{activity: a, prev: prev}
	pollFrames.Store(gid, f)
	return func() {
		if f.prev == nil {
			pollFrames.Delete(gid)
		} else {
			pollFrames.Store(gid, f.prev)
		}
	}
}

// currentActivity returns the activity polling on this goroutine, or nil.
func currentActivity() *Activity {
	if v, ok := pollFrames.Load(getGoroutineID()); ok {
		return v.(*pollFrame).activity
	}
	return nil
}

// Current returns the activity currently polling on this goroutine, or nil
// when called outside a poll pass. Promises use this to mint wakers for
// their own activity.
func Current() *Activity {
	return currentActivity()
}

// HaveCurrent reports whether an activity is polling on this goroutine.
func HaveCurrent() bool {
	return currentActivity() != nil
}

// CurrentContext returns the ambient context of type C injected into the
// current activity at construction, or nil when there is no current
// activity or it carries no such context. Only meaningful inside a poll
// pass (or during promise teardown in an external cancel; the done callback
// of an external cancel runs after the ambient state is removed).
func CurrentContext[C any]() *C {
	a := currentActivity()
	if a == nil {
		return nil
	}
	if v, ok := a.contexts[reflect.TypeFor[C]()]; ok {
		return v.(*C)
	}
	return nil
}

// HaveContext reports whether the current activity carries an ambient
// context of type C.
func HaveContext[C any]() bool {
	a := currentActivity()
	if a == nil {
		return false
	}
	_, ok := a.contexts[reflect.TypeFor[C]()]
	return ok
}

// getGoroutineID returns the current goroutine's ID.
func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}

package activity

import (
	"errors"
)

// ErrCancelled is delivered to the done callback when an activity is
// cancelled, either by [ActivityPtr.Orphan] or by the promise requesting
// cancellation from within its own poll.
var ErrCancelled = errors.New("activity: cancelled")

// IsCancelled reports whether err denotes activity cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

// IntoStatus converts a promise's ready value into the value delivered to
// the done callback. It is an explicit collaborator of [MakeActivity] rather
// than an implicit coercion; use [Identity] when no conversion is needed.
type IntoStatus[T, S any] func(T) S

// Identity returns the IntoStatus conversion that passes the ready value
// through unchanged.
func Identity[T any]() IntoStatus[T, T] {
	return func(v T) T { return v }
}

// DoneFunc receives the final outcome of an activity, exactly once. On
// success err is nil and result is the converted ready value; on
// cancellation result is the zero value and err is [ErrCancelled].
//
// The callback may be invoked from any goroutine: the constructing
// goroutine (immediate completion), a scheduler goroutine, or the caller of
// [ActivityPtr.Orphan]. It is never invoked while the activity's mutex is
// held.
type DoneFunc[S any] func(result S, err error)

package activity

import (
	"reflect"

	"github.com/joeycumines/logiface"
)

// activityOptions holds configuration resolved from ActivityOption values.
type activityOptions struct {
	logger    *logiface.Logger[logiface.Event]
	loggerSet bool
	name      string
	contexts  map[reflect.Type]any
}

// ActivityOption configures an activity at construction.
type ActivityOption interface {
	applyActivity(*activityOptions)
}

// activityOptionImpl implements ActivityOption.
type activityOptionImpl struct {
	applyActivityFunc func(*activityOptions)
}

func (x *activityOptionImpl) applyActivity(opts *activityOptions) {
	x.applyActivityFunc(opts)
}

// WithLogger sets the activity's logger, overriding the package default
// configured via [SetLogger]. Pass nil to silence a single activity.
func WithLogger(l *logiface.Logger[logiface.Event]) ActivityOption {
	return &activityOptionImpl{func(opts *activityOptions) {
		opts.logger = l
		opts.loggerSet = true
	}}
}

// WithName attaches a human-readable name, included in log output.
func WithName(name string) ActivityOption {
	return &activityOptionImpl{func(opts *activityOptions) {
		opts.name = name
	}}
}

// ProvideContext injects c as the activity's ambient context of type C. The
// caller guarantees c outlives the activity. During every poll pass (and
// during external cancellation) promises can retrieve it with
// [CurrentContext]. At most one context per type; a later option for the
// same type wins.
func ProvideContext[C any](c *C) ActivityOption {
	return &activityOptionImpl{func(opts *activityOptions) {
		opts.putContext(reflect.TypeFor[C](), c)
	}}
}

// ProvideContextValue injects a copy of c, owned by the activity, as its
// ambient context of type C.
func ProvideContextValue[C any](c C) ActivityOption {
	return &activityOptionImpl{func(opts *activityOptions) {
		opts.putContext(reflect.TypeFor[C](), &c)
	}}
}

func (opts *activityOptions) putContext(t reflect.Type, v any) {
	if opts.contexts == nil {
		opts.contexts = make(map[reflect.Type]any)
	}
	opts.contexts[t] = v
}

// resolveActivityOptions applies ActivityOption instances to a fresh
// activityOptions.
func resolveActivityOptions(opts []ActivityOption) *activityOptions {
	cfg := &activityOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue // skip nil options gracefully
		}
		opt.applyActivity(cfg)
	}
	if !cfg.loggerSet {
		cfg.logger = packageLogger.Load()
	}
	return cfg
}

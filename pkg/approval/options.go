package approval

import "time"

type options struct {
	now        func() time.Time
	defaultTTL time.Duration
	maxTTL     time.Duration
}

func defaultOptions() options {
	return options{
		now:        func() time.Time { return time.Now().UTC() },
		defaultTTL: DefaultTTL,
		maxTTL:     MaxTTL,
	}
}

// Option configures a store.
type Option func(*options)

// WithClock substitutes the time source. Tests use this to drive expiry.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithDefaultTTL overrides the expiry applied when a caller omits one.
func WithDefaultTTL(d time.Duration) Option {
	return func(o *options) { o.defaultTTL = d }
}

// WithMaxTTL overrides the hard cap. The cap still applies to every
// caller-supplied expiry.
func WithMaxTTL(d time.Duration) Option {
	return func(o *options) { o.maxTTL = d }
}

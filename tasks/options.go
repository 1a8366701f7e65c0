package tasks

import (
	"github.com/vinayprograms/taskkit/logging"
)

// Option configures a Store.
type Option func(*storeOptions)

type storeOptions struct {
	logger      *logging.Logger
	busyRetries int
	clock       *clock
}

func defaultOptions() storeOptions {
	return storeOptions{
		logger:      logging.Nop(),
		busyRetries: 5,
		clock:       newClock(),
	}
}

func applyOptions(opts []Option) storeOptions {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sets the logger used for mutation events.
func WithLogger(l *logging.Logger) Option {
	return func(o *storeOptions) {
		if l != nil {
			o.logger = l.WithComponent("store")
		}
	}
}

// WithBusyRetries sets how many times an operation is retried when the
// database reports it is locked. Zero disables retries.
func WithBusyRetries(n int) Option {
	return func(o *storeOptions) {
		if n >= 0 {
			o.busyRetries = n
		}
	}
}

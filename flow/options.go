package flow

import (
	"context"

	"github.com/dcshock/runflow/logging"
)

// Option configures a Flow.
type Option func(*Flow)

// WithName sets the flow name reported to observers and logs.
func WithName(name string) Option {
	return func(f *Flow) { f.name = name }
}

// WithDriver sets the scheduling backend. The default is a CoroutineDriver.
func WithDriver(d Driver) Option {
	return func(f *Flow) {
		if d != nil {
			f.driver = d
		}
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l logging.Logger) Option {
	return func(f *Flow) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithObserver adds an observer. Repeated use fans events out to all of them.
func WithObserver(o Observer) Option {
	return func(f *Flow) {
		if o != nil {
			f.observers = append(f.observers, o)
		}
	}
}

// WithOutput sets the sink for packets leaving the last stage. Without one
// they are discarded.
func WithOutput(out func(ctx context.Context, p *Packet)) Option {
	return func(f *Flow) { f.output = out }
}

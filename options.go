package coreipc

import "time"

// NoTimeout makes a wait unbounded in practice. Any negative duration is
// treated the same way.
const NoTimeout time.Duration = -1

// noTimeoutDuration is the finite stand-in for NoTimeout, so that every
// wait still has a deadline.
const noTimeoutDuration = 365 * 24 * time.Hour

type Option func(*connConfig)

type connConfig struct {
	name string

	// syncPollInterval caps each block of the owning-loop wait so that
	// validity is re-checked even without a wakeup.
	syncPollInterval time.Duration

	onlyDispatchWhileWaitingWhenProcessing bool
	fullySynchronousModeForTesting         bool

	didCloseOnConnectionQueue func(*Connection)

	registry *Registry
}

func defaultConnConfig() connConfig {
	return connConfig{
		syncPollInterval: 1 * time.Second,
	}
}

// WithName labels the connection in logs, metrics and the admin endpoint.
func WithName(name string) Option {
	return func(c *connConfig) {
		c.name = name
	}
}

func WithSyncPollInterval(d time.Duration) Option {
	return func(c *connConfig) {
		if d > 0 {
			c.syncPollInterval = d
		}
	}
}

// WithOnlyDispatchWhileWaitingWhenProcessing makes Send honour the
// DispatchWhileWaiting flag only while the connection is itself dispatching
// a message that carried that flag. This keeps dispatch-while-waiting
// traffic from fanning out.
func WithOnlyDispatchWhileWaitingWhenProcessing(enabled bool) Option {
	return func(c *connConfig) {
		c.onlyDispatchWhileWaitingWhenProcessing = enabled
	}
}

// WithFullySynchronousModeForTesting treats every incoming message as
// dispatch-while-waiting, so tests can drive a peer entirely from inside
// synchronous calls.
func WithFullySynchronousModeForTesting() Option {
	return func(c *connConfig) {
		c.fullySynchronousModeForTesting = true
	}
}

// WithDidCloseOnConnectionQueue installs a callback that runs on the
// connection's work queue when the peer closes the channel, before the
// client's OnClosed is scheduled on the run loop.
func WithDidCloseOnConnectionQueue(fn func(*Connection)) Option {
	return func(c *connConfig) {
		c.didCloseOnConnectionQueue = fn
	}
}

// WithRegistry adds the connection to r while it is open.
func WithRegistry(r *Registry) Option {
	return func(c *connConfig) {
		c.registry = r
	}
}

func deadlineAfter(timeout time.Duration) time.Time {
	if timeout < 0 {
		timeout = noTimeoutDuration
	}
	return time.Now().Add(timeout)
}

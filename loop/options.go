// File: loop/options.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Functional options for Context construction.

package loop

import (
	"time"

	"github.com/momentics/ringloop/api"
)

// Clock supplies the current time to time-driven sources. Replaceable so
// interval behavior is testable without real sleeping.
type Clock func() time.Time

// Option customizes context initialization.
type Option func(*Context)

// WithStats routes runtime counters to the given sink.
func WithStats(stats api.Stats) Option {
	return func(c *Context) {
		c.stats = stats
	}
}

// WithClock overrides the time source used by AttachTimer.
func WithClock(clock Clock) Option {
	return func(c *Context) {
		if clock != nil {
			c.clock = clock
		}
	}
}

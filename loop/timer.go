// File: loop/timer.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Interval timer source. Prepare bounds the poll wait by the time left to
// the next deadline; no descriptor is involved. The clock is injected so a
// test can drive intervals deterministically.

package loop

import (
	"time"

	"github.com/momentics/ringloop/api"
)

// TimerSource dispatches its callback every interval. The callback returns
// whether the timer stays attached.
type TimerSource struct {
	clock    Clock
	interval time.Duration
	next     time.Time
	fn       func() bool
}

// NewTimerSource creates a timer firing every interval on the given clock.
func NewTimerSource(clock Clock, interval time.Duration, fn func() bool) *TimerSource {
	if clock == nil {
		clock = time.Now
	}
	return &TimerSource{
		clock:    clock,
		interval: interval,
		next:     clock().Add(interval),
		fn:       fn,
	}
}

func (t *TimerSource) Prepare() (bool, time.Duration) {
	now := t.clock()
	if !now.Before(t.next) {
		return true, 0
	}
	return false, t.next.Sub(now)
}

// Check re-reads the clock: the deadline may have passed during the wait.
func (t *TimerSource) Check([]api.EventType) bool {
	return !t.clock().Before(t.next)
}

func (t *TimerSource) Dispatch() bool {
	t.next = t.next.Add(t.interval)
	if !t.clock().Before(t.next) {
		// The loop fell behind a full interval; re-anchor instead of
		// firing a catch-up burst.
		t.next = t.clock().Add(t.interval)
	}
	return t.fn()
}

func (t *TimerSource) Finalize() {}

func (t *TimerSource) PollTargets() []api.PollTarget { return nil }

// AttachTimer attaches an interval timer at PriorityDefault using the
// context clock.
func (c *Context) AttachTimer(interval time.Duration, fn func() bool) *Attachment {
	return c.Attach(NewTimerSource(c.clock, interval, fn), api.PriorityDefault)
}

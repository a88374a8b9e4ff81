// File: loop/idle.go
// Author: momentics <momentics@gmail.com>
//
// Idle source: unconditionally ready work that runs at idle-class priority.
// Nothing distinguishes it mechanically from any other source; the larger
// priority value alone keeps it behind interactive work in the dispatch
// order.

package loop

import (
	"time"

	"github.com/momentics/ringloop/api"
)

// IdleSource dispatches its callback on every iteration until the callback
// returns false.
type IdleSource struct {
	fn func() bool
}

// NewIdleSource wraps fn into an always-ready source.
func NewIdleSource(fn func() bool) *IdleSource {
	return &IdleSource{fn: fn}
}

func (s *IdleSource) Prepare() (bool, time.Duration) { return true, 0 }
func (s *IdleSource) Check([]api.EventType) bool     { return true }
func (s *IdleSource) Dispatch() bool                 { return s.fn() }
func (s *IdleSource) Finalize()                      {}
func (s *IdleSource) PollTargets() []api.PollTarget  { return nil }

// AttachIdle attaches fn at PriorityDefaultIdle.
func (c *Context) AttachIdle(fn func() bool) *Attachment {
	return c.Attach(NewIdleSource(fn), api.PriorityDefaultIdle)
}

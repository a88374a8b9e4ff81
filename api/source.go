// File: api/source.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Source is the polymorphic unit of schedulable work. A source moves through
// prepare/check/dispatch around a single blocking poll wait per iteration,
// and is finalized exactly once after its last detachment.

package api

import "time"

// EventType is a bitmask of IO readiness conditions on a poll target.
type EventType uint32

const (
	EventRead EventType = 1 << iota
	EventWrite
	EventError
	EventHangup
)

// PollTarget is one (descriptor, interest) pair a source wants monitored
// during the blocking wait phase.
type PollTarget struct {
	Fd     int
	Events EventType
}

// Priority orders simultaneously-ready sources; lower dispatches earlier.
// Equal priorities fall back to attachment order.
type Priority int

// Priority conventions. Idle-class work is an ordinary source with a larger
// priority value, not a separate mechanism.
const (
	PriorityHigh        Priority = -100
	PriorityDefault     Priority = 0
	PriorityHighIdle    Priority = 100
	PriorityDefaultIdle Priority = 200
	PriorityLow         Priority = 300
)

// NoTimeout is returned from Prepare by sources that place no bound on the
// poll wait.
const NoTimeout time.Duration = -1

// Source is an attachable unit of schedulable work.
//
// Prepare runs once per iteration before the poll wait. It may declare
// unconditional readiness (the wait is then skipped) and/or bound the wait
// duration; NoTimeout leaves the wait unbounded.
//
// Check runs after the wait. revents carries the observed events for each
// poll target, in PollTargets order, and Check reports whether the source is
// genuinely ready. Sources already ready from Prepare are checked too.
//
// Dispatch performs the work and reports whether the source stays attached.
// Dispatch always runs on the goroutine that owns the context iteration, so
// it may attach or detach sources, including siblings, without locking.
//
// Finalize runs exactly once, after the last detachment, never while the
// source is still attached.
type Source interface {
	Prepare() (ready bool, timeout time.Duration)
	Check(revents []EventType) bool
	Dispatch() bool
	Finalize()

	// PollTargets returns the descriptors this source wants monitored.
	// The slice must be stable while the source is attached.
	PollTargets() []PollTarget
}

// Stats is a sink for runtime counters. Implementations must be safe for
// concurrent use. The zero sink is a nil Stats, which callers skip.
type Stats interface {
	Add(name string, delta int64)
}

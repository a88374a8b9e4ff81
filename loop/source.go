// File: loop/source.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Attachment records and the source state machine. State transitions are
// guarded by the context's source-table lock; lifecycle hooks always run
// without it held.

package loop

import (
	"sync/atomic"
	"time"

	"github.com/momentics/ringloop/api"
)

type sourceState = int32

const (
	stateAttached sourceState = iota
	stateDetachPending
	stateDetached
	stateFinalized
)

// Attachment binds one Source to one Context. It is the handle returned by
// Attach and the unit the iteration works on.
type Attachment struct {
	ctx      *Context
	src      api.Source
	priority api.Priority
	id       uint64 // also the attachment-order tie-break

	// State transitions happen under the context's source-table lock; the
	// atomic lets the iterating goroutine read without taking it.
	state atomic.Int32

	// Per-iteration scratch, owned by the iterating goroutine.
	ready   bool
	timeout time.Duration
	revents []api.EventType
}

// Priority returns the dispatch priority this source was attached with.
func (a *Attachment) Priority() api.Priority { return a.priority }

// Detach removes the source from its context. Safe to call from any
// goroutine: when no iteration is in progress the finalize hook runs inline;
// otherwise the owner picks the detachment up at its next safe point, woken
// out of a blocked wait if necessary. Returns ErrSourceDetached when the
// source is already gone.
func (a *Attachment) Detach() error {
	c := a.ctx
	c.srcMu.Lock()
	if a.state.Load() != stateAttached {
		c.srcMu.Unlock()
		return api.ErrSourceDetached
	}
	a.state.Store(stateDetachPending)
	c.srcMu.Unlock()

	c.ps.wake()
	if c.ownMu.TryLock() {
		c.sweep()
		c.ownMu.Unlock()
	}
	return nil
}

// prepare runs the source's Prepare hook. A panic counts as a source error:
// the source is marked for detachment and the iteration continues.
func (a *Attachment) prepare() (ready bool, timeout time.Duration, failed bool) {
	defer func() {
		if recover() != nil {
			failed = true
		}
	}()
	ready, timeout = a.src.Prepare()
	return ready, timeout, false
}

func (a *Attachment) check(revents []api.EventType) (ready, failed bool) {
	defer func() {
		if recover() != nil {
			failed = true
		}
	}()
	return a.src.Check(revents), false
}

func (a *Attachment) dispatch() (keep, failed bool) {
	defer func() {
		if recover() != nil {
			failed = true
		}
	}()
	return a.src.Dispatch(), false
}

func (a *Attachment) finalize() {
	defer func() { _ = recover() }()
	a.src.Finalize()
}

// SourceFuncs assembles a Source from plain functions plus a poll-target
// list. Nil hooks default to never-ready, never-dispatching no-ops.
type SourceFuncs struct {
	OnPrepare  func() (bool, time.Duration)
	OnCheck    func([]api.EventType) bool
	OnDispatch func() bool
	OnFinalize func()
	Targets    []api.PollTarget
}

// NewFuncSource wraps hooks into a Source.
func NewFuncSource(funcs SourceFuncs) api.Source {
	return &funcSource{funcs: funcs}
}

type funcSource struct {
	funcs SourceFuncs
}

func (s *funcSource) Prepare() (bool, time.Duration) {
	if s.funcs.OnPrepare == nil {
		return false, api.NoTimeout
	}
	return s.funcs.OnPrepare()
}

func (s *funcSource) Check(revents []api.EventType) bool {
	if s.funcs.OnCheck == nil {
		return false
	}
	return s.funcs.OnCheck(revents)
}

func (s *funcSource) Dispatch() bool {
	if s.funcs.OnDispatch == nil {
		return false
	}
	return s.funcs.OnDispatch()
}

func (s *funcSource) Finalize() {
	if s.funcs.OnFinalize != nil {
		s.funcs.OnFinalize()
	}
}

func (s *funcSource) PollTargets() []api.PollTarget { return s.funcs.Targets }

// callbackSource is the transient one-shot source an injected callback is
// materialized as. Always ready, dispatched once at PriorityDefault.
type callbackSource struct {
	fn func()
}

func (s *callbackSource) Prepare() (bool, time.Duration) { return true, 0 }
func (s *callbackSource) Check([]api.EventType) bool     { return true }
func (s *callbackSource) Finalize()                      {}
func (s *callbackSource) PollTargets() []api.PollTarget  { return nil }

func (s *callbackSource) Dispatch() bool {
	s.fn()
	return false
}

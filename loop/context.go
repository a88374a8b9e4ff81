// File: loop/context.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Context owns attached sources and runs the iteration cycle:
// acquire owner -> prepare -> poll -> check -> dispatch -> release.
// Two locks with distinct roles: ownMu serializes iterators (held across a
// whole iteration), srcMu guards the source table (held only for table
// mutation, never across lifecycle hooks).

package loop

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/momentics/ringloop/api"
)

// Counter names reported through the optional stats sink.
const (
	statIterations = "loop.iterations"
	statDispatches = "loop.dispatches"
	statWakeups    = "loop.wakeups"
	statInjected   = "loop.injected"
)

// Context is the owner of a set of attached sources and the iteration loop
// over them. Independent contexts may be iterated concurrently by
// independent goroutines with no coordination between them.
type Context struct {
	ownMu sync.Mutex // owner exclusion: at most one iterator at a time
	srcMu sync.Mutex // source table

	sources map[uint64]*Attachment
	order   []*Attachment
	nextID  uint64

	ps     *pollSet
	inject *injectQueue
	stop   atomic.Bool

	stats api.Stats
	clock Clock
}

// New creates a context with its wake descriptor in place.
func New(opts ...Option) (*Context, error) {
	ps, err := newPollSet()
	if err != nil {
		return nil, err
	}
	c := &Context{
		sources: make(map[uint64]*Attachment),
		ps:      ps,
		inject:  newInjectQueue(),
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Context) count(name string, delta int64) {
	if c.stats != nil {
		c.stats.Add(name, delta)
	}
}

// Attach adds a source at the given priority and returns its handle.
// Safe from any goroutine; a blocked iteration is woken so the new source's
// poll targets join the next wait.
func (c *Context) Attach(src api.Source, priority api.Priority) *Attachment {
	a := c.attach(src, priority)
	c.ps.wake()
	return a
}

func (c *Context) attach(src api.Source, priority api.Priority) *Attachment {
	c.srcMu.Lock()
	c.nextID++
	// The zero state is attached.
	a := &Attachment{
		ctx:      c,
		src:      src,
		priority: priority,
		id:       c.nextID,
	}
	c.sources[a.id] = a
	c.order = append(c.order, a)
	c.srcMu.Unlock()
	return a
}

// Attached reports the number of currently attached sources.
func (c *Context) Attached() int {
	c.srcMu.Lock()
	defer c.srcMu.Unlock()
	n := 0
	for _, a := range c.order {
		if a.state.Load() == stateAttached {
			n++
		}
	}
	return n
}

// PendingInvokes reports the number of injected callbacks not yet picked up
// by an iteration.
func (c *Context) PendingInvokes() int {
	return c.inject.pending()
}

// Invoke schedules fn to run on the goroutine iterating this context. The
// callback is materialized as a transient one-shot source at PriorityDefault
// and consumed during the next check/dispatch pass. Invoke never touches the
// iteration-ownership lock, so it is safe to call concurrently with an
// in-progress iteration, including from inside a dispatch.
func (c *Context) Invoke(fn func()) {
	c.inject.push(fn)
	c.count(statInjected, 1)
	c.ps.wake()
}

// Run iterates until Stop, blocking the calling goroutine. A second
// goroutine calling Run on the same context blocks until the first releases
// ownership.
func (c *Context) Run() {
	c.ownMu.Lock()
	defer c.ownMu.Unlock()
	defer c.stop.Store(false)
	for !c.stop.Load() {
		c.iterate(true)
	}
}

// RunOnce performs at most one iteration. With mayBlock false the poll wait
// is skipped when nothing is immediately pending, and ErrContextOwned is
// returned instead of blocking when another goroutine owns the context.
// Reports whether any source was dispatched.
func (c *Context) RunOnce(mayBlock bool) (bool, error) {
	if mayBlock {
		c.ownMu.Lock()
	} else if !c.ownMu.TryLock() {
		return false, api.ErrContextOwned
	}
	defer c.ownMu.Unlock()
	return c.iterate(mayBlock), nil
}

// Stop signals a running loop to return after its current iteration and
// wakes a blocked poll wait. Idempotent; callable from any goroutine,
// including from inside a dispatch.
func (c *Context) Stop() {
	c.stop.Store(true)
	c.ps.wake()
}

// Close detaches and finalizes every remaining source, then releases the
// wake descriptor. The context must not be iterated afterwards.
func (c *Context) Close() error {
	c.Stop()
	c.ownMu.Lock()
	defer c.ownMu.Unlock()
	c.srcMu.Lock()
	for _, a := range c.order {
		if a.state.Load() == stateAttached {
			a.state.Store(stateDetachPending)
		}
	}
	c.srcMu.Unlock()
	c.sweep()
	c.stop.Store(false)
	return c.ps.close()
}

// iterate runs one prepare/poll/check/dispatch cycle. Caller holds ownMu.
func (c *Context) iterate(mayBlock bool) (dispatched bool) {
	c.count(statIterations, 1)
	c.sweep()
	c.materializeInjected(false)

	// Snapshot attached sources in attachment order. Table mutations from
	// other goroutines during this iteration surface next iteration.
	c.srcMu.Lock()
	snap := make([]*Attachment, 0, len(c.order))
	for _, a := range c.order {
		if a.state.Load() == stateAttached {
			snap = append(snap, a)
		}
	}
	c.srcMu.Unlock()

	// Prepare: every attached source, attachment order.
	anyReady := false
	minTimeout := api.NoTimeout
	for _, a := range snap {
		ready, timeout, failed := a.prepare()
		if failed {
			c.fail(a)
			continue
		}
		a.ready = ready
		a.timeout = timeout
		if ready {
			anyReady = true
		} else if timeout >= 0 && (minTimeout < 0 || timeout < minTimeout) {
			minTimeout = timeout
		}
	}

	// Poll: one blocking wait over the union of all targets plus the wake
	// descriptor. Zero timeout when any source is already ready or the
	// caller declined to block.
	c.ps.reset()
	for _, a := range snap {
		if a.state.Load() != stateAttached {
			continue
		}
		for _, t := range a.src.PollTargets() {
			c.ps.add(t.Fd, t.Events)
		}
	}
	timeout := minTimeout
	if anyReady || !mayBlock {
		timeout = 0
	}
	_ = c.ps.wait(timeout)
	if c.ps.drainWake() {
		c.count(statWakeups, 1)
	}

	// Callbacks injected while we were blocked join this pass.
	snap = append(snap, c.materializeInjected(true)...)

	// Check: sources already ready from prepare, plus sources whose targets
	// observed matching events.
	for _, a := range snap {
		if a.state.Load() != stateAttached {
			continue
		}
		targets := a.src.PollTargets()
		a.revents = a.revents[:0]
		observed := false
		for _, t := range targets {
			rev := c.ps.observed(t.Fd)
			a.revents = append(a.revents, rev)
			if rev != 0 {
				observed = true
			}
		}
		if !a.ready && !observed {
			continue
		}
		ready, failed := a.check(a.revents)
		if failed {
			c.fail(a)
			continue
		}
		a.ready = a.ready || ready
	}

	// Dispatch: ready sources, priority ascending then attachment order.
	readySet := make([]*Attachment, 0, len(snap))
	for _, a := range snap {
		if a.state.Load() == stateAttached && a.ready {
			readySet = append(readySet, a)
		}
	}
	sort.Slice(readySet, func(i, j int) bool {
		if readySet[i].priority != readySet[j].priority {
			return readySet[i].priority < readySet[j].priority
		}
		return readySet[i].id < readySet[j].id
	})
	for _, a := range readySet {
		if a.state.Load() != stateAttached { // a sibling dispatch detached it
			continue
		}
		keep, failed := a.dispatch()
		c.count(statDispatches, 1)
		dispatched = true
		if failed || !keep {
			c.fail(a)
		}
	}

	for _, a := range snap {
		a.ready = false
		a.timeout = api.NoTimeout
	}
	c.sweep()
	return dispatched
}

// materializeInjected turns queued cross-thread callbacks into transient
// attachments. Post-poll arrivals are marked ready so they dispatch in the
// current pass.
func (c *Context) materializeInjected(ready bool) []*Attachment {
	fns := c.inject.drain()
	if len(fns) == 0 {
		return nil
	}
	atts := make([]*Attachment, 0, len(fns))
	for _, fn := range fns {
		a := c.attach(&callbackSource{fn: fn}, api.PriorityDefault)
		a.ready = ready
		atts = append(atts, a)
	}
	return atts
}

// fail marks a source for detachment after an error or a final dispatch.
func (c *Context) fail(a *Attachment) {
	c.srcMu.Lock()
	if a.state.Load() == stateAttached {
		a.state.Store(stateDetachPending)
	}
	c.srcMu.Unlock()
}

// sweep detaches and finalizes every pending source. Runs only at safe
// points: under ownMu, or inline from Detach when no iteration is active.
// The state transition guarantees each finalize hook runs exactly once,
// never while the source is still attached.
func (c *Context) sweep() {
	c.srcMu.Lock()
	var gone []*Attachment
	if len(c.order) > 0 {
		kept := c.order[:0]
		for _, a := range c.order {
			if a.state.Load() == stateDetachPending {
				a.state.Store(stateDetached)
				delete(c.sources, a.id)
				gone = append(gone, a)
				continue
			}
			kept = append(kept, a)
		}
		c.order = kept
	}
	c.srcMu.Unlock()

	for _, a := range gone {
		a.finalize()
		c.srcMu.Lock()
		a.state.Store(stateFinalized)
		c.srcMu.Unlock()
	}
}

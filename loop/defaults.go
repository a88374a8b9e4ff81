// File: loop/defaults.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Thread-default context stack. Go has no implicit thread-local storage a
// library should lean on, so the stack is an explicit per-goroutine value:
// each worker goroutine owns a Defaults and threads it through its own call
// chain. Push/pop must nest; With guarantees the pop on every return path.

package loop

import (
	"sync"

	"github.com/momentics/ringloop/api"
)

var (
	processDefault     *Context
	processDefaultOnce sync.Once
)

// Default returns the process-wide fallback context, created on first use.
func Default() *Context {
	processDefaultOnce.Do(func() {
		c, err := New()
		if err != nil {
			panic("loop: cannot create process default context: " + err.Error())
		}
		processDefault = c
	})
	return processDefault
}

// Defaults is one goroutine's stack of current contexts. Not safe for
// concurrent use: a Defaults belongs to exactly one goroutine.
type Defaults struct {
	stack []*Context
}

// NewDefaults creates an empty per-goroutine default stack.
func NewDefaults() *Defaults {
	return &Defaults{}
}

// Push makes ctx this goroutine's current default.
func (d *Defaults) Push(ctx *Context) {
	d.stack = append(d.stack, ctx)
}

// Pop removes ctx from the top of the stack. Popping a context that is not
// the current top is a caller bug and is rejected.
func (d *Defaults) Pop(ctx *Context) error {
	n := len(d.stack)
	if n == 0 || d.stack[n-1] != ctx {
		return api.ErrDefaultMismatch
	}
	d.stack[n-1] = nil
	d.stack = d.stack[:n-1]
	return nil
}

// Current returns the top of the stack, or the process-wide default when
// the stack is empty.
func (d *Defaults) Current() *Context {
	if n := len(d.stack); n > 0 {
		return d.stack[n-1]
	}
	return Default()
}

// With runs fn with ctx pushed as the current default, popping on every
// return path including panics.
func (d *Defaults) With(ctx *Context, fn func()) {
	d.Push(ctx)
	defer func() { _ = d.Pop(ctx) }()
	fn()
}

// Invoke schedules fn onto the current default context. The target resolves
// at call time, so a worker started while a context was pushed keeps
// injecting into that context even after the pusher pops it.
func (d *Defaults) Invoke(fn func()) {
	d.Current().Invoke(fn)
}

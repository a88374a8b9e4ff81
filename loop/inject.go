// File: loop/inject.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Cross-thread callback injection. The queue is guarded by its own mutex,
// independent of the context's iteration ownership, so enqueue is legal from
// any goroutine at any time, including while the owner is blocked in poll.

package loop

import (
	"sync"

	"github.com/eapache/queue"
)

type injectQueue struct {
	mu sync.Mutex
	q  *queue.Queue
}

func newInjectQueue() *injectQueue {
	return &injectQueue{q: queue.New()}
}

func (iq *injectQueue) push(fn func()) {
	iq.mu.Lock()
	iq.q.Add(fn)
	iq.mu.Unlock()
}

// drain pops every queued callback in FIFO order.
func (iq *injectQueue) drain() []func() {
	iq.mu.Lock()
	defer iq.mu.Unlock()
	n := iq.q.Length()
	if n == 0 {
		return nil
	}
	out := make([]func(), 0, n)
	for i := 0; i < n; i++ {
		out = append(out, iq.q.Remove().(func()))
	}
	return out
}

func (iq *injectQueue) pending() int {
	iq.mu.Lock()
	defer iq.mu.Unlock()
	return iq.q.Length()
}

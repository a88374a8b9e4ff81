// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Runtime counter registry for loop-level monitoring. Implements api.Stats
// so contexts and ring backends can report without importing this package's
// consumers.

package control

import (
	"sync"
	"time"

	"github.com/momentics/ringloop/api"
)

// Well-known counter names reported by loop.Context and uring.Backend.
const (
	MetricIterations = "loop.iterations"
	MetricDispatches = "loop.dispatches"
	MetricWakeups    = "loop.wakeups"
	MetricInjected   = "loop.injected"
	MetricCQEDrained = "uring.cqe_drained"
	MetricSubmitted  = "uring.submitted"
)

var _ api.Stats = (*MetricsRegistry)(nil)

// MetricsRegistry holds monotonic counters in a thread-safe map.
type MetricsRegistry struct {
	mu       sync.RWMutex
	counters map[string]int64
	updated  time.Time
}

// NewMetricsRegistry creates an empty registry.
func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{counters: make(map[string]int64)}
}

// Add increments a counter by delta.
func (mr *MetricsRegistry) Add(name string, delta int64) {
	mr.mu.Lock()
	mr.counters[name] += delta
	mr.updated = time.Now()
	mr.mu.Unlock()
}

// Get returns the current value of one counter.
func (mr *MetricsRegistry) Get(name string) int64 {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	return mr.counters[name]
}

// GetSnapshot returns a copy of all counters.
func (mr *MetricsRegistry) GetSnapshot() map[string]int64 {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	out := make(map[string]int64, len(mr.counters))
	for k, v := range mr.counters {
		out[k] = v
	}
	return out
}

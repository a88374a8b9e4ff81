//go:build !linux

// File: loop/pollset_stub.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Stub implementation for unsupported platforms. The loop assumes one
// poll-based primitive with level-triggered semantics and an eventfd-style
// wake descriptor; platforms without them cannot construct a context.

package loop

import (
	"errors"
	"time"

	"github.com/momentics/ringloop/api"
)

type pollSet struct{}

func newPollSet() (*pollSet, error) {
	return nil, errors.New("loop: this platform is not supported")
}

func (ps *pollSet) reset()                     {}
func (ps *pollSet) add(int, api.EventType)     {}
func (ps *pollSet) wait(time.Duration) error   { return errors.New("loop: unsupported") }
func (ps *pollSet) observed(int) api.EventType { return 0 }
func (ps *pollSet) wake()                      {}
func (ps *pollSet) drainWake() bool            { return false }
func (ps *pollSet) close() error               { return nil }

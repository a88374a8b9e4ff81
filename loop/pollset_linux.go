//go:build linux

// File: loop/pollset_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Poll set over poll(2), level-triggered. Aggregates the poll targets of all
// attached sources plus the context's eventfd wake descriptor into a single
// blocking wait. Duplicate descriptors registered by multiple sources are
// coalesced into one wait entry; per-target results are read back through
// observed().

package loop

import (
	"encoding/binary"
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/ringloop/api"
)

type pollSet struct {
	wakeFd int
	fds    []unix.PollFd
	index  map[int]int
}

func newPollSet() (*pollSet, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, api.NewError(api.ErrCodeInternal, "eventfd create", err)
	}
	ps := &pollSet{
		wakeFd: fd,
		index:  make(map[int]int),
	}
	ps.reset()
	return ps, nil
}

// reset clears the set down to the always-present wake target.
func (ps *pollSet) reset() {
	ps.fds = ps.fds[:0]
	clear(ps.index)
	ps.add(ps.wakeFd, api.EventRead)
}

// add registers interest in fd, merging with an existing entry for the same
// descriptor.
func (ps *pollSet) add(fd int, events api.EventType) {
	if i, ok := ps.index[fd]; ok {
		ps.fds[i].Events |= toPollEvents(events)
		return
	}
	ps.index[fd] = len(ps.fds)
	ps.fds = append(ps.fds, unix.PollFd{Fd: int32(fd), Events: toPollEvents(events)})
}

// wait performs the single blocking wait. timeout < 0 blocks indefinitely.
func (ps *pollSet) wait(timeout time.Duration) error {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout.Milliseconds())
		if timeout > 0 && ms == 0 {
			ms = 1 // sub-millisecond hints must not spin
		}
	}
	for {
		_, err := unix.Poll(ps.fds, ms)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return api.NewError(api.ErrCodeInternal, "poll wait", err)
		}
		return nil
	}
}

// observed returns the events seen on fd during the last wait.
func (ps *pollSet) observed(fd int) api.EventType {
	i, ok := ps.index[fd]
	if !ok {
		return 0
	}
	return fromPollEvents(ps.fds[i].Revents)
}

// wake interrupts a blocked wait. Safe from any goroutine; the eventfd is
// the only poll-set state shared across threads.
func (ps *pollSet) wake() {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, _ = unix.Write(ps.wakeFd, buf[:])
}

// drainWake consumes pending wake signals; reports whether any were seen.
// Owner-only.
func (ps *pollSet) drainWake() bool {
	var buf [8]byte
	n, _ := unix.Read(ps.wakeFd, buf[:])
	return n == 8
}

func (ps *pollSet) close() error {
	return unix.Close(ps.wakeFd)
}

func toPollEvents(events api.EventType) int16 {
	var out int16
	if events&api.EventRead != 0 {
		out |= unix.POLLIN
	}
	if events&api.EventWrite != 0 {
		out |= unix.POLLOUT
	}
	return out
}

func fromPollEvents(revents int16) api.EventType {
	var out api.EventType
	if revents&unix.POLLIN != 0 {
		out |= api.EventRead
	}
	if revents&unix.POLLOUT != 0 {
		out |= api.EventWrite
	}
	if revents&unix.POLLERR != 0 {
		out |= api.EventError
	}
	if revents&(unix.POLLHUP|unix.POLLNVAL) != 0 {
		out |= api.EventHangup
	}
	return out
}

//go:build linux

// File: uring/backend_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Backend: the io_uring loop source. All mutation of the inflight arena is
// confined to the owning context's goroutine (Submit/Flush/Dispatch/
// Finalize), so the arena needs no lock.

package uring

import (
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/momentics/ringloop/api"
	"github.com/momentics/ringloop/pool"
)

// Counter names reported through the optional stats sink.
const (
	statSubmitted  = "uring.submitted"
	statCQEDrained = "uring.cqe_drained"
)

// OpCode selects the kernel operation for a submission.
type OpCode uint8

const (
	OpNop OpCode = iota
	OpRead
	OpWrite
	OpClose
	OpSend
	OpRecv
)

var opcodes = [...]uint8{
	OpNop:   opNop,
	OpRead:  opRead,
	OpWrite: opWrite,
	OpClose: opClose,
	OpSend:  opSend,
	OpRecv:  opRecv,
}

// Tag identifies one inflight operation: an index into the backend's arena,
// round-tripped through the kernel's user-data slot. Never a pointer.
type Tag uint32

// Operation describes one submission.
type Operation struct {
	Op     OpCode
	Fd     int
	Buffer *pool.Buffer // ownership transfers to the backend until drained
	Offset uint64

	// Link gates the next submitted operation on this one completing.
	// When a linked operation fails, the kernel cancels its successors:
	// each still produces its own completion with -ECANCELED and releases
	// its own resources through it. Successors are never skipped silently.
	Link bool

	// Done receives the signed completion result: negative is -errno,
	// non-negative is the success payload (typically a byte count).
	Done func(res int32)
}

type opRecord struct {
	buf    *pool.Buffer
	done   func(res int32)
	active bool
}

// Ensure compile-time interface compliance.
var _ api.Source = (*Backend)(nil)

// Backend is a loop source backed by an io_uring instance.
type Backend struct {
	r *ring

	records  []opRecord
	free     []Tag
	inflight int
	staged   uint32
	closed   bool

	stats api.Stats
}

// Option customizes backend construction.
type Option func(*Backend)

// WithStats routes backend counters to the given sink.
func WithStats(stats api.Stats) Option {
	return func(b *Backend) {
		b.stats = stats
	}
}

// New creates a backend whose submission ring holds entries slots. The
// kernel sizes the completion ring at twice that, and the arena matches it,
// so arena exhaustion and ring saturation surface as the same backpressure
// error. Kernels without io_uring fail here, not later.
func New(entries uint32, opts ...Option) (*Backend, error) {
	if entries == 0 {
		entries = 64
	}
	r, err := setupRing(entries)
	if err != nil {
		return nil, err
	}
	b := &Backend{
		r:       r,
		records: make([]opRecord, r.cqEntries),
		free:    make([]Tag, 0, r.cqEntries),
	}
	for i := int(r.cqEntries) - 1; i >= 0; i-- {
		b.free = append(b.free, Tag(i))
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

func (b *Backend) count(name string, delta int64) {
	if b.stats != nil {
		b.stats.Add(name, delta)
	}
}

// RingFd returns the pollable ring descriptor.
func (b *Backend) RingFd() int { return b.r.fd }

// Inflight reports the number of submitted, not-yet-drained operations.
func (b *Backend) Inflight() int { return b.inflight }

// Submit stages one operation and returns its tag. ErrQueueFull reports a
// saturated submission ring or arena with ring state intact; the caller
// waits for prior completions to drain and retries. Staged entries reach
// the kernel on the next Flush.
func (b *Backend) Submit(op Operation) (Tag, error) {
	if b.closed {
		return 0, api.ErrBackendClosed
	}
	if len(b.free) == 0 {
		return 0, api.ErrQueueFull
	}
	tag := b.free[len(b.free)-1]

	e := sqe{
		opcode:   opcodes[op.Op],
		fd:       int32(op.Fd),
		off:      op.Offset,
		userData: uint64(tag),
	}
	if op.Link {
		e.flags |= sqeFlagLink
	}
	if op.Buffer != nil && op.Buffer.Len() > 0 {
		e.addr = uint64(uintptr(unsafe.Pointer(&op.Buffer.Bytes()[0])))
		e.len = uint32(op.Buffer.Len())
	}
	if !b.r.pushSQE(&e) {
		return 0, api.ErrQueueFull
	}

	b.free = b.free[:len(b.free)-1]
	b.records[tag] = opRecord{buf: op.Buffer, done: op.Done, active: true}
	b.inflight++
	b.staged++
	b.count(statSubmitted, 1)
	return tag, nil
}

// Flush publishes all staged submissions with a single kernel call.
func (b *Backend) Flush() error {
	if b.staged == 0 {
		return nil
	}
	n := b.staged
	b.staged = 0
	return b.r.enter(n, 0, 0)
}

// Prepare declares readiness when completions are already visible. No
// timeout hint: the ring descriptor does the waking.
func (b *Backend) Prepare() (bool, time.Duration) {
	return b.r.cqReady() > 0, api.NoTimeout
}

// Check peeks the completion ring head; ready iff non-empty. The observed
// events on the ring descriptor are advisory, the peek is authoritative.
func (b *Backend) Check([]api.EventType) bool {
	return b.r.cqReady() > 0
}

// PollTargets exposes the ring descriptor as the sole poll target, readable
// when the completion ring is non-empty.
func (b *Backend) PollTargets() []api.PollTarget {
	return []api.PollTarget{{Fd: b.r.fd, Events: api.EventRead}}
}

// Dispatch drains every currently visible completion entry in FIFO order:
// resolve the tag, remove the arena record, run the handler, release the
// buffer, and only after all handlers advance the consumer cursor by the
// exact count drained, so the kernel cannot reuse unhandled slots.
func (b *Backend) Dispatch() bool {
	b.drain()
	return true
}

func (b *Backend) drain() uint32 {
	n := b.r.cqReady()
	for i := uint32(0); i < n; i++ {
		e := b.r.peekCQE(i)
		b.complete(e)
	}
	if n > 0 {
		b.r.advanceCQ(n)
		b.count(statCQEDrained, int64(n))
	}
	return n
}

func (b *Backend) complete(e cqe) {
	tag := Tag(e.userData)
	if int(tag) >= len(b.records) || !b.records[tag].active {
		return // stale or unknown tag, nothing to resolve
	}
	rec := b.records[tag]
	b.records[tag] = opRecord{}
	b.free = append(b.free, tag)
	b.inflight--

	if rec.done != nil {
		func() {
			defer func() { _ = recover() }()
			rec.done(e.res)
		}()
	}
	if rec.buf != nil {
		rec.buf.Release()
	}
}

// Finalize publishes any staged submissions, then blocks draining until no
// operation is inflight, so every buffer ever handed to Submit is released
// exactly once. Ring resources are released last. Runs once, on the owning
// goroutine, after the backend's final detachment.
func (b *Backend) Finalize() {
	if b.closed {
		return
	}
	b.closed = true

	toSubmit := b.staged
	b.staged = 0
	for b.inflight > 0 {
		if err := b.r.enter(toSubmit, 1, enterGetevents); err != nil {
			break
		}
		toSubmit = 0
		b.drain()
	}
	b.r.teardown()
}

// Close finalizes a backend that was never attached to a context.
func (b *Backend) Close() {
	b.Finalize()
}

// WriteFileLinked writes data to path through a linked write-then-close
// chain: the kernel will not start the close until the write completes.
// done receives the write result. If the write fails, the linked close is
// canceled by the kernel and completes with -ECANCELED; the descriptor is
// then closed synchronously so it cannot leak.
func (b *Backend) WriteFileLinked(path string, data []byte, done func(res int32)) error {
	fd, err := unix.Open(path, unix.O_WRONLY|unix.O_CREAT|unix.O_TRUNC, 0o644)
	if err != nil {
		return api.NewError(api.ErrCodeInternal, "open "+path, err)
	}

	buf := pool.NewBuffer(append([]byte(nil), data...))
	if _, err := b.Submit(Operation{
		Op:     OpWrite,
		Fd:     fd,
		Buffer: buf,
		Link:   true,
		Done:   done,
	}); err != nil {
		buf.Release()
		unix.Close(fd)
		return err
	}
	if _, err := b.Submit(Operation{
		Op: OpClose,
		Fd: fd,
		Done: func(res int32) {
			if res < 0 {
				unix.Close(fd)
			}
		},
	}); err != nil {
		unix.Close(fd)
		return err
	}
	return b.Flush()
}

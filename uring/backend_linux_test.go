//go:build linux

package uring

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/momentics/ringloop/api"
	"github.com/momentics/ringloop/loop"
	"github.com/momentics/ringloop/pool"
)

func newTestBackend(t *testing.T, entries uint32, opts ...Option) *Backend {
	t.Helper()
	b, err := New(entries, opts...)
	if err != nil {
		if errors.Is(err, api.ErrRingUnsupported) {
			t.Skipf("io_uring unavailable: %v", err)
		}
		t.Fatalf("New: %v", err)
	}
	return b
}

// driveUntilDrained iterates the context until the backend has no inflight
// operations left.
func driveUntilDrained(t *testing.T, c *loop.Context, b *Backend) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for b.Inflight() > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("backend still has %d inflight operations", b.Inflight())
		}
		if _, err := c.RunOnce(true); err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
	}
}

func TestSubmitDrainHandlersExactlyOnce(t *testing.T) {
	b := newTestBackend(t, 16)
	c, err := loop.New()
	if err != nil {
		t.Fatalf("loop.New: %v", err)
	}
	defer c.Close()
	c.Attach(b, api.PriorityDefault)

	const n = 5
	calls := make([]int, n)
	bufs := make([]*pool.Buffer, n)
	for i := 0; i < n; i++ {
		i := i
		bufs[i] = pool.NewBuffer(make([]byte, 8))
		if _, err := b.Submit(Operation{
			Op:     OpNop,
			Buffer: bufs[i],
			Done: func(res int32) {
				calls[i]++
				// The backend still holds the buffer while the
				// handler runs; release happens strictly after.
				if got := bufs[i].Refs(); got != 1 {
					t.Errorf("buffer %d refs at handler time = %d, want 1", i, got)
				}
			},
		}); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}
	if err := b.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	driveUntilDrained(t, c, b)

	for i := 0; i < n; i++ {
		if calls[i] != 1 {
			t.Fatalf("handler %d invoked %d times, want exactly 1", i, calls[i])
		}
		if got := bufs[i].Refs(); got != 0 {
			t.Fatalf("buffer %d refs after drain = %d, want 0", i, got)
		}
	}
}

func TestSubmitQueueFullBoundary(t *testing.T) {
	b := newTestBackend(t, 2)
	c, err := loop.New()
	if err != nil {
		t.Fatalf("loop.New: %v", err)
	}
	defer c.Close()
	c.Attach(b, api.PriorityDefault)

	done := 0
	for i := 0; i < 2; i++ {
		if _, err := b.Submit(Operation{Op: OpNop, Done: func(int32) { done++ }}); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}
	if _, err := b.Submit(Operation{Op: OpNop}); !errors.Is(err, api.ErrQueueFull) {
		t.Fatalf("Submit into full ring = %v, want ErrQueueFull", err)
	}

	// Ring state must be intact: flush, drain, then submit again.
	if err := b.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	driveUntilDrained(t, c, b)
	if done != 2 {
		t.Fatalf("%d handlers ran, want 2", done)
	}

	if _, err := b.Submit(Operation{Op: OpNop, Done: func(int32) { done++ }}); err != nil {
		t.Fatalf("Submit after drain: %v", err)
	}
	if err := b.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	driveUntilDrained(t, c, b)
	if done != 3 {
		t.Fatalf("%d handlers ran after resubmit, want 3", done)
	}
}

func TestWriteFileLinked(t *testing.T) {
	b := newTestBackend(t, 8)
	c, err := loop.New()
	if err != nil {
		t.Fatalf("loop.New: %v", err)
	}
	defer c.Close()
	c.Attach(b, api.PriorityDefault)

	path := filepath.Join(t.TempDir(), "out.txt")
	payload := []byte("written through the ring\n")

	var writeRes int32 = -1
	if err := b.WriteFileLinked(path, payload, func(res int32) { writeRes = res }); err != nil {
		t.Fatalf("WriteFileLinked: %v", err)
	}
	driveUntilDrained(t, c, b)

	if writeRes != int32(len(payload)) {
		t.Fatalf("write completion res = %d, want %d", writeRes, len(payload))
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("file contents = %q, want %q", got, payload)
	}
}

func TestFinalizeDrainsInflight(t *testing.T) {
	b := newTestBackend(t, 8)

	const n = 4
	handled := 0
	bufs := make([]*pool.Buffer, n)
	for i := 0; i < n; i++ {
		bufs[i] = pool.NewBuffer(make([]byte, 4))
		if _, err := b.Submit(Operation{
			Op:     OpNop,
			Buffer: bufs[i],
			Done:   func(int32) { handled++ },
		}); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}
	// Staged but never flushed: finalize must publish and drain them all.
	b.Close()

	if handled != n {
		t.Fatalf("%d handlers ran during finalize, want %d", handled, n)
	}
	for i, buf := range bufs {
		if got := buf.Refs(); got != 0 {
			t.Fatalf("buffer %d refs after finalize = %d, want 0", i, got)
		}
	}
	if b.Inflight() != 0 {
		t.Fatalf("inflight after finalize = %d, want 0", b.Inflight())
	}

	if _, err := b.Submit(Operation{Op: OpNop}); !errors.Is(err, api.ErrBackendClosed) {
		t.Fatalf("Submit after close = %v, want ErrBackendClosed", err)
	}
}

func TestReadThroughRing(t *testing.T) {
	b := newTestBackend(t, 8)
	c, err := loop.New()
	if err != nil {
		t.Fatalf("loop.New: %v", err)
	}
	defer c.Close()
	c.Attach(b, api.PriorityDefault)

	path := filepath.Join(t.TempDir(), "in.txt")
	if err := os.WriteFile(path, []byte("ring payload"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	bp := pool.NewBytePool(64)
	buf := bp.Get(64)
	buf.Retain() // keep a test reference past the backend's release

	var res int32 = -1
	if _, err := b.Submit(Operation{
		Op:     OpRead,
		Fd:     int(f.Fd()),
		Buffer: buf,
		Done:   func(r int32) { res = r },
	}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := b.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	driveUntilDrained(t, c, b)

	if res != int32(len("ring payload")) {
		t.Fatalf("read res = %d, want %d", res, len("ring payload"))
	}
	if got := string(buf.Bytes()[:res]); got != "ring payload" {
		t.Fatalf("read payload = %q", got)
	}
	if buf.Refs() != 1 {
		t.Fatalf("buffer refs after drain = %d, want the test's 1", buf.Refs())
	}
	buf.Release()
}

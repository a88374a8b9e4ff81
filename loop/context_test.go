package loop

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/momentics/ringloop/api"
)

func newTestContext(t *testing.T, opts ...Option) *Context {
	t.Helper()
	c, err := New(opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// readySource is always ready and records its dispatches into a shared log.
type readySource struct {
	name string
	log  *[]string
	keep bool
}

func (s *readySource) Prepare() (bool, time.Duration) { return true, 0 }
func (s *readySource) Check([]api.EventType) bool     { return true }
func (s *readySource) Finalize()                      {}
func (s *readySource) PollTargets() []api.PollTarget  { return nil }

func (s *readySource) Dispatch() bool {
	*s.log = append(*s.log, s.name)
	return s.keep
}

func TestDispatchFollowsPriorityOrder(t *testing.T) {
	c := newTestContext(t)

	var order []string
	// Attach in an order unrelated to priority.
	c.Attach(&readySource{name: "idle", log: &order}, api.PriorityDefaultIdle)
	c.Attach(&readySource{name: "low", log: &order}, api.PriorityLow)
	c.Attach(&readySource{name: "high", log: &order}, api.PriorityHigh)
	c.Attach(&readySource{name: "default", log: &order}, api.PriorityDefault)

	if _, err := c.RunOnce(false); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	want := []string{"high", "default", "idle", "low"}
	if len(order) != len(want) {
		t.Fatalf("dispatched %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("dispatch order %v, want %v", order, want)
		}
	}
}

func TestEqualPriorityTieBreaksByAttachmentOrder(t *testing.T) {
	c := newTestContext(t)

	var order []string
	c.Attach(&readySource{name: "A", log: &order}, api.PriorityDefault)
	c.Attach(&readySource{name: "B", log: &order}, api.PriorityDefault)
	c.Attach(&readySource{name: "C", log: &order}, api.PriorityDefault)

	if _, err := c.RunOnce(false); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	want := "ABC"
	got := ""
	for _, name := range order {
		got += name
	}
	if got != want {
		t.Fatalf("equal-priority dispatch order = %q, want %q", got, want)
	}
}

func TestOneShotSourceFinalizedExactlyOnce(t *testing.T) {
	c := newTestContext(t)

	var finalized atomic.Int32
	var dispatched atomic.Int32
	att := c.Attach(NewFuncSource(SourceFuncs{
		OnPrepare:  func() (bool, time.Duration) { return true, 0 },
		OnCheck:    func([]api.EventType) bool { return true },
		OnDispatch: func() bool { dispatched.Add(1); return false },
		OnFinalize: func() { finalized.Add(1) },
	}), api.PriorityDefault)

	for i := 0; i < 3; i++ {
		if _, err := c.RunOnce(false); err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
	}

	if got := dispatched.Load(); got != 1 {
		t.Fatalf("one-shot source dispatched %d times, want 1", got)
	}
	if got := finalized.Load(); got != 1 {
		t.Fatalf("finalize ran %d times, want exactly 1", got)
	}
	if err := att.Detach(); err != api.ErrSourceDetached {
		t.Fatalf("Detach after finalize = %v, want ErrSourceDetached", err)
	}
}

func TestInvokeWakesBlockedPollAndRunsOnOwner(t *testing.T) {
	c := newTestContext(t)

	invokeReturned := make(chan struct{})
	ran := make(chan error, 1)

	go c.Run()
	defer c.Stop()

	// Let the runner reach its blocking wait.
	time.Sleep(20 * time.Millisecond)

	c.Invoke(func() {
		// Would deadlock if the callback ran synchronously on the
		// injecting goroutine.
		<-invokeReturned
		// Inside an iteration the owner lock is held, so a non-blocking
		// re-entry must be rejected.
		_, err := c.RunOnce(false)
		ran <- err
	})
	close(invokeReturned)

	select {
	case err := <-ran:
		if err != api.ErrContextOwned {
			t.Fatalf("RunOnce inside dispatch = %v, want ErrContextOwned", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("injected callback did not run within bound; missed wake")
	}
}

func TestInjectedCallbacksRunInFIFOOrder(t *testing.T) {
	c := newTestContext(t)

	var order []int
	for i := 1; i <= 3; i++ {
		i := i
		c.Invoke(func() { order = append(order, i) })
	}
	if _, err := c.RunOnce(false); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("injected callbacks ran in order %v, want [1 2 3]", order)
	}
}

func TestStopIsIdempotentAndReturnsFromDispatch(t *testing.T) {
	c := newTestContext(t)

	c.AttachIdle(func() bool {
		c.Stop()
		c.Stop() // second stop must be harmless
		return true
	})

	done := make(chan struct{})
	go func() {
		c.Run()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after Stop from dispatch")
	}

	c.Stop() // stop after return is still harmless
}

func TestRunOnceFailsFastWhenOwned(t *testing.T) {
	c := newTestContext(t)

	started := make(chan struct{})
	release := make(chan struct{})
	c.Invoke(func() {
		close(started)
		<-release
	})

	go c.Run()
	defer c.Stop()
	<-started

	if _, err := c.RunOnce(false); err != api.ErrContextOwned {
		t.Fatalf("RunOnce on owned context = %v, want ErrContextOwned", err)
	}
	close(release)
}

func TestDetachFromNonOwnerWhileBlocked(t *testing.T) {
	c := newTestContext(t)

	var finalized atomic.Int32
	att := c.Attach(NewFuncSource(SourceFuncs{
		OnFinalize: func() { finalized.Add(1) },
	}), api.PriorityDefault)

	go c.Run()
	defer c.Stop()
	time.Sleep(20 * time.Millisecond)

	if err := att.Detach(); err != nil {
		t.Fatalf("Detach: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for finalized.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("detached source not finalized within bound")
		}
		time.Sleep(time.Millisecond)
	}
	if got := finalized.Load(); got != 1 {
		t.Fatalf("finalize ran %d times, want 1", got)
	}
}

func TestMisbehavingSourceDoesNotHaltLoop(t *testing.T) {
	c := newTestContext(t)

	var finalized atomic.Int32
	c.Attach(NewFuncSource(SourceFuncs{
		OnPrepare:  func() (bool, time.Duration) { panic("broken prepare") },
		OnFinalize: func() { finalized.Add(1) },
	}), api.PriorityDefault)

	var healthy atomic.Int32
	c.AttachIdle(func() bool {
		healthy.Add(1)
		return false
	})

	for i := 0; i < 3; i++ {
		if _, err := c.RunOnce(false); err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
	}

	if healthy.Load() != 1 {
		t.Fatalf("healthy source dispatched %d times, want 1", healthy.Load())
	}
	if finalized.Load() != 1 {
		t.Fatalf("failed source finalized %d times, want 1", finalized.Load())
	}
	if c.Attached() != 0 {
		t.Fatalf("%d sources still attached, want 0", c.Attached())
	}
}

func TestDispatchMayDetachSibling(t *testing.T) {
	c := newTestContext(t)

	var order []string
	var sibling *Attachment
	c.Attach(NewFuncSource(SourceFuncs{
		OnPrepare: func() (bool, time.Duration) { return true, 0 },
		OnCheck:   func([]api.EventType) bool { return true },
		OnDispatch: func() bool {
			order = append(order, "first")
			_ = sibling.Detach()
			return false
		},
	}), api.PriorityHigh)
	sibling = c.Attach(&readySource{name: "second", log: &order}, api.PriorityDefault)

	if _, err := c.RunOnce(false); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if len(order) != 1 || order[0] != "first" {
		t.Fatalf("dispatch log = %v, want only the detaching source", order)
	}
}

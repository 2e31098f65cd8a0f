package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.mailroom.tech/internal/common/clock"
	"go.mailroom.tech/internal/inbox"
)

// extendRecorder counts ExtendLocks calls instead of delegating
type extendRecorder struct {
	*inbox.MemoryStore
	mu      sync.Mutex
	calls   int
	lastReq inbox.ExtendRequest
}

func (r *extendRecorder) ExtendLocks(ctx context.Context, req inbox.ExtendRequest) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.lastReq = req
	return len(req.IDs), nil
}

func (r *extendRecorder) snapshot() (int, inbox.ExtendRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls, r.lastReq
}

func TestLeaseExtenderDisabled(t *testing.T) {
	def := inbox.NewDefinition("orders", inbox.TypeDefault)
	def.Settings.EnableLockExtension = false

	e := startLeaseExtender(inbox.NewMemoryStore(nil), clock.System{}, def, "w1", []*inbox.Message{newMsg("a", "")})
	if e != nil {
		t.Error("no extender should start when lock extension is disabled")
	}
	e.Stop() // nil-safe
}

func TestLeaseExtenderEmptyBatch(t *testing.T) {
	def := inbox.NewDefinition("orders", inbox.TypeDefault)

	if e := startLeaseExtender(inbox.NewMemoryStore(nil), clock.System{}, def, "w1", nil); e != nil {
		t.Error("no extender should start for an empty batch")
	}
}

func TestLeaseExtenderExtendsHeldLeases(t *testing.T) {
	clk := clock.NewFake(testStart)
	store := &extendRecorder{MemoryStore: inbox.NewMemoryStore(clk)}

	def := inbox.NewDefinition("jobs", inbox.TypeFifo)
	def.Settings.MaxProcessingTime = 40 * time.Millisecond
	def.Settings.LockExtensionThreshold = 0.5 // ticks every 20ms

	msgs := []*inbox.Message{newMsg("a", "g1"), newMsg("a", "g1")}
	e := startLeaseExtender(store, clk, def, "w1", msgs)
	if e == nil {
		t.Fatal("expected an extender")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if calls, _ := store.snapshot(); calls >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("extender never ticked")
		}
		time.Sleep(5 * time.Millisecond)
	}
	e.Stop()

	_, req := store.snapshot()
	if req.InboxName != "jobs" || req.WorkerID != "w1" {
		t.Errorf("unexpected extension target %s/%s", req.InboxName, req.WorkerID)
	}
	if !req.Fifo {
		t.Error("FIFO inboxes should extend their group locks too")
	}
	if len(req.IDs) != 2 {
		t.Errorf("expected both held messages extended, got %d", len(req.IDs))
	}
	if !req.NewCapturedAt.Equal(testStart) {
		t.Errorf("NewCapturedAt should come from the clock, got %v", req.NewCapturedAt)
	}
	if req.MaxProcessingTime != def.Settings.MaxProcessingTime {
		t.Errorf("unexpected MaxProcessingTime %v", req.MaxProcessingTime)
	}
}

func TestLeaseExtenderStopIsIdempotent(t *testing.T) {
	def := inbox.NewDefinition("orders", inbox.TypeDefault)
	def.Settings.MaxProcessingTime = time.Second

	e := startLeaseExtender(&extendRecorder{MemoryStore: inbox.NewMemoryStore(nil)}, clock.System{}, def, "w1", []*inbox.Message{newMsg("a", "")})
	e.Stop()
	e.Stop()
}

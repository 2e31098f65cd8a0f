package worker

import (
	"context"
	"testing"
	"time"

	"go.mailroom.tech/internal/common/clock"
	"go.mailroom.tech/internal/inbox"
)

// plainStore hides the group lock capability of the wrapped store
type plainStore struct {
	inbox.Store
}

func fastDefinition(name string, typ inbox.Type) inbox.Definition {
	def := inbox.NewDefinition(name, typ)
	def.Settings.PollingInterval = 5 * time.Millisecond
	def.Settings.EnableLockExtension = false
	return def
}

func TestNewLoopRejectsInvalidDefinition(t *testing.T) {
	def := inbox.NewDefinition("orders", inbox.TypeDefault)
	def.Settings.ReadBatchSize = 0

	if _, err := NewLoop(def, inbox.NewMemoryStore(nil), inbox.NewRegistry(), nil); err == nil {
		t.Error("expected error for invalid settings")
	}
}

func TestNewLoopRejectsFifoWithoutGroupLocks(t *testing.T) {
	store := plainStore{Store: inbox.NewMemoryStore(nil)}

	if _, err := NewLoop(inbox.NewDefinition("jobs", inbox.TypeFifo), store, inbox.NewRegistry(), nil); err == nil {
		t.Error("FIFO inbox on a store without group locks must be rejected")
	}
	if _, err := NewLoop(inbox.NewDefinition("orders", inbox.TypeDefault), store, inbox.NewRegistry(), nil); err != nil {
		t.Errorf("non-FIFO inbox should not need group locks, got %v", err)
	}
}

func TestNewLoopAcceptsFifoWithGroupLocks(t *testing.T) {
	loop, err := NewLoop(inbox.NewDefinition("jobs", inbox.TypeFifoBatched), inbox.NewMemoryStore(nil), inbox.NewRegistry(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loop.WorkerID() == "" {
		t.Error("expected a generated worker id")
	}
	if loop.Definition().Name != "jobs" {
		t.Errorf("unexpected definition %s", loop.Definition().Name)
	}
}

func TestLoopProcessesWrittenMessages(t *testing.T) {
	clk := clock.NewFake(testStart)
	store := inbox.NewMemoryStore(clk)

	handled := make(chan string, 1)
	registry := inbox.NewRegistry()
	registerRaw(t, registry, "order.created", func(ctx context.Context, payload []byte) inbox.Result {
		handled <- string(payload)
		return inbox.Success()
	})

	msg := inbox.NewMessage("orders", "order.created", []byte("hello"), clk.Now())
	if err := store.Write(context.Background(), msg, inbox.WriteOptions{}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	loop, err := NewLoop(fastDefinition("orders", inbox.TypeDefault), store, registry, clk)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := loop.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	select {
	case payload := <-handled:
		if payload != "hello" {
			t.Errorf("unexpected payload %q", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler was never invoked")
	}

	if err := loop.Stop(context.Background()); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	hm, err := store.HealthMetrics(context.Background(), "orders")
	if err != nil {
		t.Fatalf("health metrics failed: %v", err)
	}
	if hm.PendingCount != 0 || hm.CapturedCount != 0 {
		t.Errorf("expected the message completed, pending=%d captured=%d", hm.PendingCount, hm.CapturedCount)
	}
}

func TestLoopStartAndStopAreIdempotent(t *testing.T) {
	loop, err := NewLoop(fastDefinition("orders", inbox.TypeDefault), inbox.NewMemoryStore(nil), inbox.NewRegistry(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := loop.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := loop.Start(context.Background()); err != nil {
		t.Fatalf("second start should be a no-op, got %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for loop.State() != LoopRunning {
		if time.Now().After(deadline) {
			t.Fatal("loop never reached RUNNING")
		}
		time.Sleep(time.Millisecond)
	}

	if err := loop.Stop(context.Background()); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if loop.State() != LoopStopped {
		t.Errorf("expected STOPPED, got %s", loop.State())
	}
	if err := loop.Stop(context.Background()); err != nil {
		t.Fatalf("second stop should be a no-op, got %v", err)
	}
}

func TestLoopStateString(t *testing.T) {
	cases := []struct {
		state LoopState
		want  string
	}{
		{LoopStopped, "STOPPED"},
		{LoopStarting, "STARTING"},
		{LoopRunning, "RUNNING"},
		{LoopStopping, "STOPPING"},
		{LoopState(42), "UNKNOWN"},
	}
	for _, tc := range cases {
		if got := tc.state.String(); got != tc.want {
			t.Errorf("LoopState(%d).String() = %s, want %s", tc.state, got, tc.want)
		}
	}
}

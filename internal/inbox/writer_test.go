package inbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"go.mailroom.tech/internal/common/clock"
)

func newTestWriter(t *testing.T, defs ...Definition) (*Writer, *MemoryStore, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(testStart)
	store := NewMemoryStore(clk)
	if len(defs) == 0 {
		defs = []Definition{NewDefinition("orders", TypeDefault)}
	}
	w, err := NewWriter(store, nil, defs, clk)
	if err != nil {
		t.Fatalf("failed to create writer: %v", err)
	}
	return w, store, clk
}

func TestWriterWrite(t *testing.T) {
	w, store, _ := newTestWriter(t)

	id, err := w.Write(context.Background(), "orders", "order.created", []byte(`{"orderId":"o-1"}`))
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if id == uuid.Nil {
		t.Error("expected a generated id")
	}

	captured := capture(t, store, "orders", "w1", 10, false)
	if len(captured) != 1 {
		t.Fatalf("expected 1 message, got %d", len(captured))
	}
	if captured[0].ID != id {
		t.Error("returned id should match the stored message")
	}
	if captured[0].MessageType != "order.created" {
		t.Errorf("unexpected message type %s", captured[0].MessageType)
	}
	if !captured[0].ReceivedAt.Equal(testStart) {
		t.Errorf("ReceivedAt should come from the clock, got %v", captured[0].ReceivedAt)
	}
}

func TestWriterRejectsUnknownInbox(t *testing.T) {
	w, _, _ := newTestWriter(t)

	_, err := w.Write(context.Background(), "nope", "order.created", nil)
	if !errors.Is(err, ErrInboxNotConfigured) {
		t.Errorf("expected ErrInboxNotConfigured, got %v", err)
	}
}

func TestWriterRejectsEmptyMessageType(t *testing.T) {
	w, _, _ := newTestWriter(t)

	if _, err := w.Write(context.Background(), "orders", "", nil); err == nil {
		t.Error("expected error for empty message type")
	}
}

func TestWriterRequiresGroupForFifo(t *testing.T) {
	w, store, _ := newTestWriter(t, NewDefinition("jobs", TypeFifo))

	if _, err := w.Write(context.Background(), "jobs", "job.run", nil); err == nil {
		t.Error("FIFO inbox should reject writes without a group id")
	}

	id, err := w.Write(context.Background(), "jobs", "job.run", nil, WithGroupID("tenant-1"))
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}
	captured := capture(t, store, "jobs", "w1", 10, true)
	if len(captured) != 1 || captured[0].ID != id || captured[0].GroupID != "tenant-1" {
		t.Error("expected the grouped message to be stored")
	}
}

func TestWriterOptions(t *testing.T) {
	w, store, _ := newTestWriter(t)

	supplied := uuid.New()
	id, err := w.Write(context.Background(), "orders", "order.created", nil,
		WithID(supplied),
		WithCollapseKey("device-7"),
		WithDeduplicationID("evt-1"))
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if id != supplied {
		t.Errorf("expected the supplied id, got %s", id)
	}

	captured := capture(t, store, "orders", "w1", 10, false)
	if captured[0].CollapseKey != "device-7" {
		t.Errorf("unexpected collapse key %q", captured[0].CollapseKey)
	}
	if captured[0].DeduplicationID != "evt-1" {
		t.Errorf("unexpected deduplication id %q", captured[0].DeduplicationID)
	}
}

func TestWriterPassesDeduplicationSettings(t *testing.T) {
	def := NewDefinition("orders", TypeDefault)
	def.Settings.EnableDeduplication = true
	def.Settings.DeduplicationInterval = time.Hour
	w, store, _ := newTestWriter(t, def)

	for i := 0; i < 2; i++ {
		if _, err := w.Write(context.Background(), "orders", "order.created", nil,
			WithDeduplicationID("evt-1")); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}

	if got := capture(t, store, "orders", "w1", 10, false); len(got) != 1 {
		t.Errorf("deduplication should suppress the repeat, got %d messages", len(got))
	}
}

func TestWriterWriteBatch(t *testing.T) {
	def := NewDefinition("orders", TypeDefault)
	def.Settings.WriteBatchSize = 2
	def.Settings.MaxWriteThreads = 2
	w, store, _ := newTestWriter(t, def)

	batch := make([]Batch, 5)
	for i := range batch {
		batch[i] = Batch{MessageType: "order.created", Payload: []byte(`{}`)}
	}

	ids, err := w.WriteBatch(context.Background(), "orders", batch)
	if err != nil {
		t.Fatalf("batch write failed: %v", err)
	}
	if len(ids) != 5 {
		t.Fatalf("expected 5 ids, got %d", len(ids))
	}

	captured := capture(t, store, "orders", "w1", 10, false)
	if len(captured) != 5 {
		t.Errorf("expected 5 stored messages, got %d", len(captured))
	}
}

func TestWriterWriteBatchEmpty(t *testing.T) {
	w, _, _ := newTestWriter(t)

	ids, err := w.WriteBatch(context.Background(), "orders", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ids != nil {
		t.Errorf("expected nil ids, got %v", ids)
	}
}

func TestWriterWriteBatchValidatesUpfront(t *testing.T) {
	w, store, _ := newTestWriter(t, NewDefinition("jobs", TypeFifo))

	batch := []Batch{
		{MessageType: "job.run", Options: []WriteOption{WithGroupID("g1")}},
		{MessageType: "job.run"}, // missing group id
	}
	if _, err := w.WriteBatch(context.Background(), "jobs", batch); err == nil {
		t.Fatal("expected validation error")
	}

	// Validation happens before any store call
	if got := capture(t, store, "jobs", "w1", 10, true); len(got) != 0 {
		t.Errorf("no messages should be written on validation failure, got %d", len(got))
	}
}

func TestWriterRejectsDuplicateDefinitions(t *testing.T) {
	_, err := NewWriter(NewMemoryStore(nil), nil, []Definition{
		NewDefinition("orders", TypeDefault),
		NewDefinition("orders", TypeBatched),
	}, nil)
	if err == nil {
		t.Error("expected error for duplicate inbox definitions")
	}
}

func TestWriterCircuitBreakerOpensAfterFailures(t *testing.T) {
	inner := &flakyStore{MemoryStore: NewMemoryStore(nil), failures: 100, err: errors.New("down")}
	cfg := DefaultWriterConfig()
	cfg.CircuitBreakerEnabled = true
	cfg.CircuitBreakerMinRequests = 3
	cfg.CircuitBreakerRatio = 0.5

	w, err := NewWriter(inner, cfg, []Definition{NewDefinition("orders", TypeDefault)}, nil)
	if err != nil {
		t.Fatalf("failed to create writer: %v", err)
	}

	for i := 0; i < 5; i++ {
		w.Write(context.Background(), "orders", "order.created", nil)
	}

	calls := inner.calls
	// The open breaker fails fast without reaching the store
	if _, err := w.Write(context.Background(), "orders", "order.created", nil); err == nil {
		t.Fatal("expected the open breaker to fail the write")
	}
	if inner.calls != calls {
		t.Errorf("open breaker should not call the store, calls went %d -> %d", calls, inner.calls)
	}
}

package inbox

import (
	"context"
	"errors"
	"strconv"
	"testing"
)

type orderEvent struct {
	OrderID string `json:"orderId"`
	Total   int    `json:"total"`
}

func TestRegisterAndLookup(t *testing.T) {
	r := NewRegistry()

	err := RegisterJSON(r, "order.created", func(ctx context.Context, msg orderEvent) Result {
		return Success()
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	d, err := r.Lookup("order.created")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.MessageType != "order.created" {
		t.Errorf("expected message type order.created, got %s", d.MessageType)
	}
	if d.Batch {
		t.Error("single-message handler should not be marked batch")
	}

	decoded, err := d.Decode([]byte(`{"orderId":"o-1","total":42}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	result := d.Invoke(context.Background(), decoded)
	if result.Status != StatusSuccess {
		t.Errorf("expected SUCCESS, got %s", result.Status)
	}
}

func TestLookupUnknownType(t *testing.T) {
	r := NewRegistry()

	_, err := r.Lookup("nope")
	if !errors.Is(err, ErrHandlerNotFound) {
		t.Errorf("expected ErrHandlerNotFound, got %v", err)
	}
}

func TestDuplicateRegistrationRejected(t *testing.T) {
	r := NewRegistry()

	if err := RegisterJSON(r, "dup", func(ctx context.Context, msg orderEvent) Result { return Success() }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := RegisterJSON(r, "dup", func(ctx context.Context, msg orderEvent) Result { return Success() }); err == nil {
		t.Error("expected error for duplicate registration")
	}
}

func TestRegisterRejectsEmptyTypeAndNilHandler(t *testing.T) {
	r := NewRegistry()

	if err := RegisterJSON(r, "", func(ctx context.Context, msg orderEvent) Result { return Success() }); err == nil {
		t.Error("expected error for empty message type")
	}
	if err := RegisterJSON[orderEvent](r, "t", nil); err == nil {
		t.Error("expected error for nil handler")
	}
}

func TestRegisterBatchHandler(t *testing.T) {
	r := NewRegistry()

	var seen int
	err := RegisterJSONBatch(r, "order.created", func(ctx context.Context, msgs []orderEvent) Result {
		seen = len(msgs)
		return Success()
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	d, err := r.Lookup("order.created")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.Batch {
		t.Fatal("batch handler should be marked batch")
	}

	decoded := make([]any, 0, 3)
	for i := 0; i < 3; i++ {
		v, err := d.Decode([]byte(`{"orderId":"o-` + strconv.Itoa(i) + `"}`))
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		decoded = append(decoded, v)
	}

	result := d.InvokeBatch(context.Background(), decoded)
	if result.Status != StatusSuccess {
		t.Errorf("expected SUCCESS, got %s", result.Status)
	}
	if seen != 3 {
		t.Errorf("expected handler to see 3 messages, got %d", seen)
	}
}

func TestRegisterRawPayloadHandler(t *testing.T) {
	r := NewRegistry()

	// nil decoder hands the handler the raw payload
	err := Register[[]byte](r, "raw", nil, func(ctx context.Context, payload []byte) Result {
		if string(payload) != "hello" {
			return Failed()
		}
		return Success()
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	d, err := r.Lookup("raw")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	decoded, err := d.Decode([]byte("hello"))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if result := d.Invoke(context.Background(), decoded); result.Status != StatusSuccess {
		t.Errorf("expected SUCCESS, got %s", result.Status)
	}
}

func TestLookupIsCached(t *testing.T) {
	r := NewRegistry()
	if err := RegisterJSON(r, "cached", func(ctx context.Context, msg orderEvent) Result { return Success() }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	first, err := r.Lookup("cached")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := r.Lookup("cached")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != second {
		t.Error("expected cached dispatch to be reused")
	}
}

func TestTypesAndLen(t *testing.T) {
	r := NewRegistry()
	if r.Len() != 0 {
		t.Errorf("expected empty registry, got %d", r.Len())
	}

	RegisterJSON(r, "a", func(ctx context.Context, msg orderEvent) Result { return Success() })
	RegisterJSON(r, "b", func(ctx context.Context, msg orderEvent) Result { return Success() })

	if r.Len() != 2 {
		t.Errorf("expected 2 registrations, got %d", r.Len())
	}
	types := r.Types()
	found := map[string]bool{}
	for _, typ := range types {
		found[typ] = true
	}
	if !found["a"] || !found["b"] {
		t.Errorf("expected types a and b, got %v", types)
	}
}

package inbox

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.mailroom.tech/internal/common/repository"
)

// flakyStore fails every operation until failures runs out
type flakyStore struct {
	*MemoryStore
	failures int
	calls    int
	err      error
}

func (f *flakyStore) Write(ctx context.Context, msg *Message, opts WriteOptions) error {
	f.calls++
	if f.failures > 0 {
		f.failures--
		return f.err
	}
	return f.MemoryStore.Write(ctx, msg, opts)
}

func fastRetry() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestRetryAbsorbsTransientErrors(t *testing.T) {
	inner := &flakyStore{MemoryStore: NewMemoryStore(nil), failures: 2, err: errors.New("connection reset")}
	store := WithRetry(inner, fastRetry())

	msg := NewMessage("orders", "order.created", nil, time.Now())
	if err := store.Write(context.Background(), msg, WriteOptions{}); err != nil {
		t.Fatalf("expected retries to absorb the failures, got %v", err)
	}
	if inner.calls != 3 {
		t.Errorf("expected 3 calls, got %d", inner.calls)
	}
}

func TestRetryGivesUpAfterMaxAttempts(t *testing.T) {
	inner := &flakyStore{MemoryStore: NewMemoryStore(nil), failures: 10, err: errors.New("connection reset")}
	store := WithRetry(inner, fastRetry())

	msg := NewMessage("orders", "order.created", nil, time.Now())
	if err := store.Write(context.Background(), msg, WriteOptions{}); err == nil {
		t.Fatal("expected the final error to surface")
	}
	if inner.calls != 3 {
		t.Errorf("expected 3 calls, got %d", inner.calls)
	}
}

func TestRetryFailsFastOnPermanentErrors(t *testing.T) {
	inner := &flakyStore{MemoryStore: NewMemoryStore(nil), failures: 10, err: Permanent(errors.New("constraint violation"))}
	store := WithRetry(inner, fastRetry())

	msg := NewMessage("orders", "order.created", nil, time.Now())
	if err := store.Write(context.Background(), msg, WriteOptions{}); err == nil {
		t.Fatal("expected the permanent error to surface")
	}
	if inner.calls != 1 {
		t.Errorf("permanent errors must not be retried, got %d calls", inner.calls)
	}
}

func TestRetryStopsOnContextCancellation(t *testing.T) {
	inner := &flakyStore{MemoryStore: NewMemoryStore(nil), failures: 10, err: errors.New("connection reset")}
	store := WithRetry(inner, RetryConfig{MaxAttempts: 5, BaseDelay: 50 * time.Millisecond, MaxDelay: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	msg := NewMessage("orders", "order.created", nil, time.Now())
	err := store.Write(ctx, msg, WriteOptions{})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if inner.calls != 1 {
		t.Errorf("expected 1 call before the cancelled backoff, got %d", inner.calls)
	}
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain error", errors.New("boom"), true},
		{"permanent", Permanent(errors.New("boom")), false},
		{"wrapped permanent", fmt.Errorf("op: %w", Permanent(errors.New("boom"))), false},
		{"context canceled", context.Canceled, false},
		{"deadline exceeded", context.DeadlineExceeded, false},
		{"duplicate key", repository.ErrDuplicateKey, false},
		{"not found", repository.ErrNotFound, false},
		{"unsupported", repository.ErrUnsupported, false},
	}

	for _, tc := range cases {
		if got := IsTransient(tc.err); got != tc.want {
			t.Errorf("%s: IsTransient = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestWithRetryPreservesGroupLockCapability(t *testing.T) {
	wrapped := WithRetry(NewMemoryStore(nil), fastRetry())
	if !SupportsGroupLocks(wrapped) {
		t.Error("retry wrapper must preserve the group lock capability")
	}
}

func TestPermanentNilIsNil(t *testing.T) {
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
}

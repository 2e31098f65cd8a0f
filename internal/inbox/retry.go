package inbox

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"go.mailroom.tech/internal/common/repository"
)

// RetryConfig tunes the transient-error retry decorator.
type RetryConfig struct {
	// MaxAttempts is the total number of tries per operation
	MaxAttempts int

	// BaseDelay is the first backoff delay; it doubles per attempt
	BaseDelay time.Duration

	// MaxDelay caps the backoff delay
	MaxDelay time.Duration
}

// DefaultRetryConfig returns sensible defaults
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 5,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    5 * time.Second,
	}
}

// permanentError marks an error the retry decorator must not absorb.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps an error so the retry decorator fails fast on it.
// Store implementations use it for constraint violations and anything else
// that cannot succeed on a second try.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsTransient reports whether an error is worth retrying.
// Context cancellation and deadline expiry are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}
	if errors.Is(err, repository.ErrDuplicateKey) ||
		errors.Is(err, repository.ErrNotFound) ||
		errors.Is(err, repository.ErrUnsupported) {
		return false
	}
	return true
}

// WithRetry wraps a store so transient errors are retried with exponential
// backoff and jitter. The FIFO capability of the wrapped store is preserved.
func WithRetry(next Store, cfg RetryConfig) Store {
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultRetryConfig()
	}
	rs := retryingStore{next: next, cfg: cfg}
	if locks, ok := next.(GroupLockStore); ok {
		return &retryingGroupLockStore{retryingStore: rs, locks: locks}
	}
	return &rs
}

type retryingStore struct {
	next Store
	cfg  RetryConfig
}

func (r *retryingStore) do(ctx context.Context, op string, fn func() error) error {
	delay := r.cfg.BaseDelay
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !IsTransient(err) || attempt >= r.cfg.MaxAttempts {
			return err
		}

		// Half fixed, half jitter to spread concurrent retries
		sleep := delay/2 + time.Duration(rand.Int64N(int64(delay/2)+1))
		slog.Debug("Retrying store operation",
			"store", r.next.Name(),
			"operation", op,
			"attempt", attempt,
			"delay", sleep,
			"error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}

		delay *= 2
		if delay > r.cfg.MaxDelay {
			delay = r.cfg.MaxDelay
		}
	}
}

func (r *retryingStore) Name() string {
	return r.next.Name()
}

func (r *retryingStore) Ping(ctx context.Context) error {
	return r.next.Ping(ctx)
}

func (r *retryingStore) Write(ctx context.Context, msg *Message, opts WriteOptions) error {
	return r.do(ctx, "write", func() error {
		return r.next.Write(ctx, msg, opts)
	})
}

func (r *retryingStore) WriteBatch(ctx context.Context, msgs []*Message, opts WriteOptions) error {
	return r.do(ctx, "write_batch", func() error {
		return r.next.WriteBatch(ctx, msgs, opts)
	})
}

func (r *retryingStore) ReadAndCapture(ctx context.Context, req ReadRequest) ([]*Message, error) {
	var msgs []*Message
	err := r.do(ctx, "read_and_capture", func() error {
		var err error
		msgs, err = r.next.ReadAndCapture(ctx, req)
		return err
	})
	return msgs, err
}

func (r *retryingStore) ExtendLocks(ctx context.Context, req ExtendRequest) (int, error) {
	var count int
	err := r.do(ctx, "extend_locks", func() error {
		var err error
		count, err = r.next.ExtendLocks(ctx, req)
		return err
	})
	return count, err
}

func (r *retryingStore) ApplyResults(ctx context.Context, outcome Outcome) error {
	return r.do(ctx, "apply_results", func() error {
		return r.next.ApplyResults(ctx, outcome)
	})
}

func (r *retryingStore) ReadDeadLetters(ctx context.Context, inboxName string, max int) ([]*DeadLetter, error) {
	var letters []*DeadLetter
	err := r.do(ctx, "read_dead_letters", func() error {
		var err error
		letters, err = r.next.ReadDeadLetters(ctx, inboxName, max)
		return err
	})
	return letters, err
}

func (r *retryingStore) HealthMetrics(ctx context.Context, inboxName string) (*HealthMetrics, error) {
	var hm *HealthMetrics
	err := r.do(ctx, "health_metrics", func() error {
		var err error
		hm, err = r.next.HealthMetrics(ctx, inboxName)
		return err
	})
	return hm, err
}

func (r *retryingStore) DeleteExpiredDeadLetters(ctx context.Context, inboxName string, before time.Time, limit int) (int64, error) {
	var deleted int64
	err := r.do(ctx, "delete_expired_dead_letters", func() error {
		var err error
		deleted, err = r.next.DeleteExpiredDeadLetters(ctx, inboxName, before, limit)
		return err
	})
	return deleted, err
}

func (r *retryingStore) DeleteExpiredDeduplicationRecords(ctx context.Context, inboxName string, before time.Time, limit int) (int64, error) {
	var deleted int64
	err := r.do(ctx, "delete_expired_deduplication_records", func() error {
		var err error
		deleted, err = r.next.DeleteExpiredDeduplicationRecords(ctx, inboxName, before, limit)
		return err
	})
	return deleted, err
}

func (r *retryingStore) Migrate(ctx context.Context) error {
	return r.do(ctx, "migrate", func() error {
		return r.next.Migrate(ctx)
	})
}

type retryingGroupLockStore struct {
	retryingStore
	locks GroupLockStore
}

func (r *retryingGroupLockStore) ReleaseGroupLocks(ctx context.Context, inboxName, workerID string, groupIDs []string) error {
	return r.do(ctx, "release_group_locks", func() error {
		return r.locks.ReleaseGroupLocks(ctx, inboxName, workerID, groupIDs)
	})
}

func (r *retryingGroupLockStore) ReleaseMessagesAndGroupLocks(ctx context.Context, inboxName, workerID string, ids []uuid.UUID, groupIDs []string) error {
	return r.do(ctx, "release_messages_and_group_locks", func() error {
		return r.locks.ReleaseMessagesAndGroupLocks(ctx, inboxName, workerID, ids, groupIDs)
	})
}

func (r *retryingGroupLockStore) DeleteExpiredGroupLocks(ctx context.Context, inboxName string, before time.Time, limit int) (int64, error) {
	var deleted int64
	err := r.do(ctx, "delete_expired_group_locks", func() error {
		var err error
		deleted, err = r.locks.DeleteExpiredGroupLocks(ctx, inboxName, before, limit)
		return err
	})
	return deleted, err
}

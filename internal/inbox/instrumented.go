package inbox

import (
	"context"
	"time"

	"github.com/google/uuid"

	"go.mailroom.tech/internal/common/repository"
)

// instrumentedStore wraps a Store with metrics and logging
type instrumentedStore struct {
	inner Store
	name  string
}

// WithInstrumentation creates an instrumented wrapper around a Store.
// The FIFO capability of the wrapped store is preserved.
func WithInstrumentation(inner Store) Store {
	is := instrumentedStore{inner: inner, name: inner.Name()}
	if locks, ok := inner.(GroupLockStore); ok {
		return &instrumentedGroupLockStore{instrumentedStore: is, locks: locks}
	}
	return &is
}

func (s *instrumentedStore) Name() string {
	return s.inner.Name()
}

func (s *instrumentedStore) Ping(ctx context.Context) error {
	return s.inner.Ping(ctx)
}

func (s *instrumentedStore) Write(ctx context.Context, msg *Message, opts WriteOptions) error {
	return repository.InstrumentVoid(ctx, s.name, "Write", func() error {
		return s.inner.Write(ctx, msg, opts)
	})
}

func (s *instrumentedStore) WriteBatch(ctx context.Context, msgs []*Message, opts WriteOptions) error {
	return repository.InstrumentVoid(ctx, s.name, "WriteBatch", func() error {
		return s.inner.WriteBatch(ctx, msgs, opts)
	})
}

func (s *instrumentedStore) ReadAndCapture(ctx context.Context, req ReadRequest) ([]*Message, error) {
	return repository.Instrument(ctx, s.name, "ReadAndCapture", func() ([]*Message, error) {
		return s.inner.ReadAndCapture(ctx, req)
	})
}

func (s *instrumentedStore) ExtendLocks(ctx context.Context, req ExtendRequest) (int, error) {
	return repository.Instrument(ctx, s.name, "ExtendLocks", func() (int, error) {
		return s.inner.ExtendLocks(ctx, req)
	})
}

func (s *instrumentedStore) ApplyResults(ctx context.Context, outcome Outcome) error {
	return repository.InstrumentVoid(ctx, s.name, "ApplyResults", func() error {
		return s.inner.ApplyResults(ctx, outcome)
	})
}

func (s *instrumentedStore) ReadDeadLetters(ctx context.Context, inboxName string, max int) ([]*DeadLetter, error) {
	return repository.Instrument(ctx, s.name, "ReadDeadLetters", func() ([]*DeadLetter, error) {
		return s.inner.ReadDeadLetters(ctx, inboxName, max)
	})
}

func (s *instrumentedStore) HealthMetrics(ctx context.Context, inboxName string) (*HealthMetrics, error) {
	return repository.Instrument(ctx, s.name, "HealthMetrics", func() (*HealthMetrics, error) {
		return s.inner.HealthMetrics(ctx, inboxName)
	})
}

func (s *instrumentedStore) DeleteExpiredDeadLetters(ctx context.Context, inboxName string, before time.Time, limit int) (int64, error) {
	return repository.Instrument(ctx, s.name, "DeleteExpiredDeadLetters", func() (int64, error) {
		return s.inner.DeleteExpiredDeadLetters(ctx, inboxName, before, limit)
	})
}

func (s *instrumentedStore) DeleteExpiredDeduplicationRecords(ctx context.Context, inboxName string, before time.Time, limit int) (int64, error) {
	return repository.Instrument(ctx, s.name, "DeleteExpiredDeduplicationRecords", func() (int64, error) {
		return s.inner.DeleteExpiredDeduplicationRecords(ctx, inboxName, before, limit)
	})
}

func (s *instrumentedStore) Migrate(ctx context.Context) error {
	return repository.InstrumentVoid(ctx, s.name, "Migrate", func() error {
		return s.inner.Migrate(ctx)
	})
}

// instrumentedGroupLockStore adds the FIFO capability pass-through
type instrumentedGroupLockStore struct {
	instrumentedStore
	locks GroupLockStore
}

func (s *instrumentedGroupLockStore) ReleaseGroupLocks(ctx context.Context, inboxName, workerID string, groupIDs []string) error {
	return repository.InstrumentVoid(ctx, s.name, "ReleaseGroupLocks", func() error {
		return s.locks.ReleaseGroupLocks(ctx, inboxName, workerID, groupIDs)
	})
}

func (s *instrumentedGroupLockStore) ReleaseMessagesAndGroupLocks(ctx context.Context, inboxName, workerID string, ids []uuid.UUID, groupIDs []string) error {
	return repository.InstrumentVoid(ctx, s.name, "ReleaseMessagesAndGroupLocks", func() error {
		return s.locks.ReleaseMessagesAndGroupLocks(ctx, inboxName, workerID, ids, groupIDs)
	})
}

func (s *instrumentedGroupLockStore) DeleteExpiredGroupLocks(ctx context.Context, inboxName string, before time.Time, limit int) (int64, error) {
	return repository.Instrument(ctx, s.name, "DeleteExpiredGroupLocks", func() (int64, error) {
		return s.locks.DeleteExpiredGroupLocks(ctx, inboxName, before, limit)
	})
}

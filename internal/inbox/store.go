package inbox

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store defines the storage provider contract for inbox persistence.
// Implementations exist for PostgreSQL, MySQL, MongoDB, Redis and memory.
//
// All operations are context-aware and return explicit errors. Timestamps
// are stored and compared in UTC. Callers use the retrying wrapper (see
// WithRetry) so transient storage errors are absorbed here rather than in
// the processing loop.
type Store interface {
	// Name returns the provider name for logging and metrics
	Name() string

	// Ping verifies connectivity for readiness checks
	Ping(ctx context.Context) error

	// Write inserts one message. When opts.Deduplicate is set and a
	// deduplication record already exists for (InboxName, DeduplicationID),
	// the write is suppressed silently. When the message carries a
	// CollapseKey, pending (uncaptured) messages with the same key are
	// deleted before the insert. Message insert and deduplication record
	// insert happen as one atomic unit.
	Write(ctx context.Context, msg *Message, opts WriteOptions) error

	// WriteBatch inserts messages with the same per-message semantics as
	// Write.
	WriteBatch(ctx context.Context, msgs []*Message, opts WriteOptions) error

	// ReadAndCapture atomically selects and leases up to req.BatchSize
	// eligible messages. A message is eligible when it carries no lease or
	// its lease is older than req.MaxProcessingTime. Messages are returned
	// ordered by ReceivedAt, then insertion order. For FIFO requests, groups
	// locked by another worker (unexpired) are skipped and group locks are
	// acquired or refreshed atomically with the capture.
	ReadAndCapture(ctx context.Context, req ReadRequest) ([]*Message, error)

	// ExtendLocks refreshes the lease on the given messages to
	// req.NewCapturedAt and returns how many were extended. Messages no
	// longer captured by req.WorkerID are ignored. For FIFO requests the
	// worker's group locks are refreshed as well.
	ExtendLocks(ctx context.Context, req ExtendRequest) (int, error)

	// ApplyResults applies a batch outcome as one atomic unit:
	// completions are deleted, failures are released with AttemptsCount+1,
	// releases are released unchanged, and dead-letter entries are copied to
	// the dead-letter store with their failure reason before deletion.
	// An empty outcome is a no-op. On error the messages stay captured and
	// lease expiry recovers them.
	ApplyResults(ctx context.Context, outcome Outcome) error

	// ReadDeadLetters returns up to max dead letters ordered by MovedAt asc.
	// A non-positive max returns no results.
	ReadDeadLetters(ctx context.Context, inboxName string, max int) ([]*DeadLetter, error)

	// HealthMetrics reports queue depth for one inbox
	HealthMetrics(ctx context.Context, inboxName string) (*HealthMetrics, error)

	// DeleteExpiredDeadLetters removes dead letters with MovedAt <= before,
	// at most limit rows, returning the number deleted
	DeleteExpiredDeadLetters(ctx context.Context, inboxName string, before time.Time, limit int) (int64, error)

	// DeleteExpiredDeduplicationRecords removes deduplication records with
	// CreatedAt <= before, at most limit rows, returning the number deleted.
	// Providers that expire records natively (TTL) return 0.
	DeleteExpiredDeduplicationRecords(ctx context.Context, inboxName string, before time.Time, limit int) (int64, error)

	// Migrate creates schema, tables and indexes as needed
	Migrate(ctx context.Context) error
}

// GroupLockStore is the optional capability FIFO inbox types require.
// Stores without it (MongoDB) reject FIFO inboxes at configuration time, and
// shutdown falls back to releasing messages through ApplyResults.
type GroupLockStore interface {
	Store

	// ReleaseGroupLocks releases the given group locks if still held by
	// workerID. Idempotent: missing or foreign locks are ignored.
	ReleaseGroupLocks(ctx context.Context, inboxName, workerID string, groupIDs []string) error

	// ReleaseMessagesAndGroupLocks releases message leases and group locks
	// as one atomic unit. Used when a worker abandons its in-flight batch at
	// shutdown.
	ReleaseMessagesAndGroupLocks(ctx context.Context, inboxName, workerID string, ids []uuid.UUID, groupIDs []string) error

	// DeleteExpiredGroupLocks removes group locks with LockedAt <= before,
	// at most limit rows, returning the number deleted
	DeleteExpiredGroupLocks(ctx context.Context, inboxName string, before time.Time, limit int) (int64, error)
}

// WriteOptions carries the write-path knobs of the owning inbox.
type WriteOptions struct {
	// Deduplicate enables the deduplication pre-check and record insert for
	// messages carrying a DeduplicationID
	Deduplicate bool

	// DeduplicationInterval sizes the native expiry on providers that
	// support it (Redis key TTL). Durable providers ignore it; their records
	// are swept by the cleanup loop.
	DeduplicationInterval time.Duration
}

// ReadRequest parameterizes one capture poll.
type ReadRequest struct {
	// InboxName is the inbox to poll
	InboxName string

	// WorkerID identifies the capturing worker
	WorkerID string

	// BatchSize is the maximum messages to capture
	BatchSize int

	// MaxProcessingTime is the lease validity window used to decide
	// eligibility and group lock expiry
	MaxProcessingTime time.Duration

	// Fifo requests group lock acquisition and foreign-group skipping
	Fifo bool
}

// ExtendRequest parameterizes one lease extension round.
type ExtendRequest struct {
	InboxName string
	WorkerID  string

	// IDs are the messages still being processed
	IDs []uuid.UUID

	// NewCapturedAt is the fresh lease timestamp
	NewCapturedAt time.Time

	// Fifo also refreshes the worker's group locks
	Fifo bool

	// MaxProcessingTime sizes native lock expiry on providers that use it
	MaxProcessingTime time.Duration
}

// DeadLetterEntry names one message to move to the dead-letter store.
type DeadLetterEntry struct {
	ID     uuid.UUID
	Reason string
}

// Outcome is the classified result of one captured batch.
type Outcome struct {
	InboxName string
	WorkerID  string

	// ToComplete messages are deleted
	ToComplete []uuid.UUID

	// ToFail messages are released with AttemptsCount incremented
	ToFail []uuid.UUID

	// ToRelease messages are released unchanged
	ToRelease []uuid.UUID

	// ToDeadLetter messages are copied to the dead-letter store, then deleted
	ToDeadLetter []DeadLetterEntry
}

// IsEmpty returns true when the outcome carries no work.
func (o *Outcome) IsEmpty() bool {
	return len(o.ToComplete) == 0 && len(o.ToFail) == 0 &&
		len(o.ToRelease) == 0 && len(o.ToDeadLetter) == 0
}

// Size returns the number of messages the outcome covers.
func (o *Outcome) Size() int {
	return len(o.ToComplete) + len(o.ToFail) + len(o.ToRelease) + len(o.ToDeadLetter)
}

// HealthMetrics is a point-in-time depth snapshot for one inbox.
type HealthMetrics struct {
	// PendingCount is the number of uncaptured messages
	PendingCount int64 `json:"pendingCount"`

	// CapturedCount is the number of currently leased messages
	CapturedCount int64 `json:"capturedCount"`

	// DeadLetterCount is the number of retained dead letters
	DeadLetterCount int64 `json:"deadLetterCount"`

	// OldestPendingAt is the receipt time of the oldest pending message,
	// nil when the inbox is empty
	OldestPendingAt *time.Time `json:"oldestPendingAt,omitempty"`
}

// SupportsGroupLocks reports whether the store carries the FIFO capability.
func SupportsGroupLocks(s Store) bool {
	_, ok := s.(GroupLockStore)
	return ok
}

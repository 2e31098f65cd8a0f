// Package inbox implements a durable message inbox for reliable message consumption.
// Producers write messages into named inboxes; polling workers capture batches under
// time-limited leases and dispatch them to registered handlers.
//
// Architecture (lease-based capture):
//  1. Writers insert messages (optionally deduplicated or collapsed by key)
//  2. Workers capture up to ReadBatchSize eligible messages, stamping
//     capturedAt/capturedBy atomically with selection
//  3. A processing strategy dispatches the batch to handlers
//  4. The outcome (complete/fail/release/dead-letter) is applied in one
//     atomic storage operation
//  5. Crash recovery is implicit: leases expire after MaxProcessingTime and
//     the messages become eligible for recapture
//
// FIFO inbox types additionally serialize processing per GroupId using group
// locks held for the lease duration.
package inbox

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type selects the processing strategy for an inbox.
type Type string

const (
	// TypeDefault - messages are processed individually and in parallel
	TypeDefault Type = "DEFAULT"

	// TypeBatched - messages are grouped by message type and handed to
	// batch handlers, one verdict per batch
	TypeBatched Type = "BATCHED"

	// TypeFifo - messages sharing a GroupId are processed strictly in order;
	// distinct groups run in parallel
	TypeFifo Type = "FIFO"

	// TypeFifoBatched - FIFO ordering per group, with consecutive runs of the
	// same message type handed to batch handlers
	TypeFifoBatched Type = "FIFO_BATCHED"
)

// IsFifo returns true for inbox types that require group ordering.
func (t Type) IsFifo() bool {
	return t == TypeFifo || t == TypeFifoBatched
}

// IsBatched returns true for inbox types that dispatch to batch handlers.
func (t Type) IsBatched() bool {
	return t == TypeBatched || t == TypeFifoBatched
}

// ParseType converts a configuration string to an inbox Type.
func ParseType(s string) (Type, error) {
	switch Type(s) {
	case TypeDefault, TypeBatched, TypeFifo, TypeFifoBatched:
		return Type(s), nil
	case "":
		return TypeDefault, nil
	default:
		return "", fmt.Errorf("unknown inbox type: %q", s)
	}
}

// Message is a single message stored in an inbox.
type Message struct {
	// ID is the unique message identifier. Caller-supplied or generated at
	// write time.
	ID uuid.UUID `json:"id"`

	// InboxName is the inbox this message belongs to
	InboxName string `json:"inboxName"`

	// MessageType selects the registered handler and payload decoder
	MessageType string `json:"messageType"`

	// Payload is the opaque message body
	Payload []byte `json:"payload"`

	// GroupID orders messages within FIFO inboxes. Required when the inbox
	// type is FIFO or FIFO_BATCHED, optional otherwise.
	GroupID string `json:"groupId,omitempty"`

	// CollapseKey, when set, replaces pending messages carrying the same key
	// at write time
	CollapseKey string `json:"collapseKey,omitempty"`

	// DeduplicationID, when set and deduplication is enabled, suppresses
	// repeat writes inside the deduplication window
	DeduplicationID string `json:"deduplicationId,omitempty"`

	// AttemptsCount is the number of failed processing attempts so far
	AttemptsCount int `json:"attemptsCount"`

	// ReceivedAt is when the message was written (UTC)
	ReceivedAt time.Time `json:"receivedAt"`

	// CapturedAt and CapturedBy form the processing lease. Both are unset or
	// both are set; the lease is valid for MaxProcessingTime from CapturedAt.
	CapturedAt *time.Time `json:"capturedAt,omitempty"`
	CapturedBy string     `json:"capturedBy,omitempty"`
}

// IsCaptured returns true if the message currently carries a lease,
// expired or not.
func (m *Message) IsCaptured() bool {
	return m.CapturedAt != nil
}

// LeaseExpired returns true if the message carries a lease older than
// maxProcessingTime.
func (m *Message) LeaseExpired(now time.Time, maxProcessingTime time.Duration) bool {
	return m.CapturedAt != nil && now.Sub(*m.CapturedAt) > maxProcessingTime
}

// DeadLetter is a message copy retained after processing was abandoned.
type DeadLetter struct {
	Message

	// FailureReason describes why the message was dead-lettered
	FailureReason string `json:"failureReason"`

	// MovedAt is when the message was moved to the dead-letter store (UTC)
	MovedAt time.Time `json:"movedAt"`
}

// DeduplicationRecord marks a DeduplicationID as seen for an inbox.
// The (InboxName, DeduplicationID) pair is unique.
type DeduplicationRecord struct {
	InboxName       string    `json:"inboxName"`
	DeduplicationID string    `json:"deduplicationId"`
	CreatedAt       time.Time `json:"createdAt"`
}

// GroupLock grants a worker exclusive processing rights over one group of a
// FIFO inbox for the lease duration.
type GroupLock struct {
	InboxName string    `json:"inboxName"`
	GroupID   string    `json:"groupId"`
	LockedAt  time.Time `json:"lockedAt"`
	LockedBy  string    `json:"lockedBy"`
}

// Expired returns true if the lock is older than maxProcessingTime.
func (l *GroupLock) Expired(now time.Time, maxProcessingTime time.Duration) bool {
	return now.Sub(l.LockedAt) > maxProcessingTime
}

// NewMessage builds a message with a generated ID and the given receipt time.
// The caller normalizes the time to UTC before storage.
func NewMessage(inboxName, messageType string, payload []byte, receivedAt time.Time) *Message {
	return &Message{
		ID:          uuid.New(),
		InboxName:   inboxName,
		MessageType: messageType,
		Payload:     payload,
		ReceivedAt:  receivedAt.UTC(),
	}
}

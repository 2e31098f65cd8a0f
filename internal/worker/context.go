// Package worker runs the processing side of the inbox: capture polling,
// strategy dispatch, lease extension and batch outcome application.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"go.mailroom.tech/internal/common/metrics"
	"go.mailroom.tech/internal/inbox"
)

// ProcContext collects handler verdicts for one captured batch and turns
// them into a single store outcome. Each message is classified exactly
// once; later classifications for the same message are ignored. Apply is
// called exactly once per batch, by the processing loop.
type ProcContext struct {
	inboxName string
	workerID  string
	settings  inbox.Settings
	messages  []*inbox.Message

	mu         sync.Mutex
	classified map[uuid.UUID]bool
	outcome    inbox.Outcome
	applied    bool
}

// NewProcContext creates the outcome collector for one captured batch
func NewProcContext(inboxName, workerID string, settings inbox.Settings, messages []*inbox.Message) *ProcContext {
	return &ProcContext{
		inboxName:  inboxName,
		workerID:   workerID,
		settings:   settings,
		messages:   messages,
		classified: make(map[uuid.UUID]bool, len(messages)),
		outcome: inbox.Outcome{
			InboxName: inboxName,
			WorkerID:  workerID,
		},
	}
}

// Messages returns the captured batch in storage order
func (p *ProcContext) Messages() []*inbox.Message {
	return p.messages
}

// Classify records the handler verdict for one message. Failed verdicts
// count against MaxAttempts; once exceeded the message is dead-lettered.
func (p *ProcContext) Classify(msg *inbox.Message, result inbox.Result) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.classified[msg.ID] {
		return
	}
	p.classified[msg.ID] = true

	switch result.Status {
	case inbox.StatusSuccess:
		p.outcome.ToComplete = append(p.outcome.ToComplete, msg.ID)
	case inbox.StatusRetry:
		p.outcome.ToRelease = append(p.outcome.ToRelease, msg.ID)
	case inbox.StatusFailed:
		if msg.AttemptsCount+1 < p.settings.MaxAttempts {
			p.outcome.ToFail = append(p.outcome.ToFail, msg.ID)
		} else {
			p.deadLetterLocked(msg, fmt.Sprintf("Max attempts (%d) exceeded", p.settings.MaxAttempts))
		}
	case inbox.StatusMoveToDeadLetter:
		p.deadLetterLocked(msg, result.Reason)
	default:
		p.deadLetterLocked(msg, fmt.Sprintf("unknown result status %d", result.Status))
	}
}

// DeadLetter abandons the message immediately without counting an attempt.
// Used for unknown message types, missing handlers and undecodable
// payloads.
func (p *ProcContext) DeadLetter(msg *inbox.Message, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.classified[msg.ID] {
		return
	}
	p.classified[msg.ID] = true
	p.deadLetterLocked(msg, reason)
}

func (p *ProcContext) deadLetterLocked(msg *inbox.Message, reason string) {
	if !p.settings.EnableDeadLetter {
		slog.Warn("Dead-lettering disabled, deleting message instead",
			"inbox", p.inboxName,
			"messageId", msg.ID,
			"messageType", msg.MessageType,
			"reason", reason)
		p.outcome.ToComplete = append(p.outcome.ToComplete, msg.ID)
		return
	}
	p.outcome.ToDeadLetter = append(p.outcome.ToDeadLetter, inbox.DeadLetterEntry{
		ID:     msg.ID,
		Reason: reason,
	})
}

// FailBatch marks every still-unclassified message as Failed
func (p *ProcContext) FailBatch() {
	for _, msg := range p.messages {
		p.Classify(msg, inbox.Failed())
	}
}

// Outcome returns the classification so far. For inspection; Apply is the
// write path.
func (p *ProcContext) Outcome() inbox.Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outcome
}

// Apply writes the outcome to the store as one atomic unit. Unclassified
// messages are left captured and recover through lease expiry. A second
// call is a no-op.
func (p *ProcContext) Apply(ctx context.Context, store inbox.Store) error {
	p.mu.Lock()
	if p.applied {
		p.mu.Unlock()
		return nil
	}
	p.applied = true
	outcome := p.outcome
	p.mu.Unlock()

	if outcome.IsEmpty() {
		return nil
	}

	if err := store.ApplyResults(ctx, outcome); err != nil {
		return fmt.Errorf("apply batch outcome: %w", err)
	}

	processed := metrics.WorkerMessagesProcessed
	processed.WithLabelValues(p.inboxName, "completed").Add(float64(len(outcome.ToComplete)))
	processed.WithLabelValues(p.inboxName, "failed").Add(float64(len(outcome.ToFail)))
	processed.WithLabelValues(p.inboxName, "released").Add(float64(len(outcome.ToRelease)))
	processed.WithLabelValues(p.inboxName, "dead_lettered").Add(float64(len(outcome.ToDeadLetter)))
	return nil
}

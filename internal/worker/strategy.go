package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"go.mailroom.tech/internal/inbox"
)

// Strategy processes one captured batch, classifying every message on the
// ProcContext. Strategies never call Apply; the loop does, exactly once.
type Strategy interface {
	Name() string
	Process(ctx context.Context, pc *ProcContext)
}

// groupLockReleaser is the slice of the store the FIFO strategies need to
// hand groups back as they finish.
type groupLockReleaser interface {
	ReleaseGroupLocks(ctx context.Context, inboxName, workerID string, groupIDs []string) error
}

// strategyFor selects the strategy for an inbox type. locks may be nil for
// non-FIFO types.
func strategyFor(typ inbox.Type, registry *inbox.Registry, settings inbox.Settings, locks groupLockReleaser) (Strategy, error) {
	switch typ {
	case inbox.TypeDefault:
		return &DefaultStrategy{registry: registry, settings: settings}, nil
	case inbox.TypeBatched:
		return &BatchedStrategy{registry: registry, settings: settings}, nil
	case inbox.TypeFifo:
		if locks == nil {
			return nil, fmt.Errorf("inbox type %s requires group lock support", typ)
		}
		return &FifoStrategy{registry: registry, settings: settings, locks: locks}, nil
	case inbox.TypeFifoBatched:
		if locks == nil {
			return nil, fmt.Errorf("inbox type %s requires group lock support", typ)
		}
		return &FifoBatchedStrategy{registry: registry, settings: settings, locks: locks}, nil
	default:
		return nil, fmt.Errorf("unknown inbox type: %q", typ)
	}
}

// executeWithTimeout runs one handler call bounded by the processing lease.
// A panic or a timeout counts as a failed attempt. On timeout the handler
// goroutine is left to observe its cancelled context.
func executeWithTimeout(ctx context.Context, settings inbox.Settings, fn func(ctx context.Context) inbox.Result) inbox.Result {
	runCtx, cancel := context.WithTimeout(ctx, settings.MaxProcessingTime)
	defer cancel()

	done := make(chan inbox.Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("Handler panicked",
					"panic", r,
					"stack", string(debug.Stack()))
				done <- inbox.Failed()
			}
		}()
		done <- fn(runCtx)
	}()

	select {
	case result := <-done:
		return result
	case <-runCtx.Done():
		return inbox.Failed()
	}
}

// resolve looks up and decodes one message. Unregistered types and
// undecodable payloads are dead-lettered here, without an attempt.
func resolve(registry *inbox.Registry, pc *ProcContext, msg *inbox.Message) (*inbox.Dispatch, any, bool) {
	d, err := registry.Lookup(msg.MessageType)
	if err != nil {
		pc.DeadLetter(msg, fmt.Sprintf("no handler registered for message type %q", msg.MessageType))
		return nil, nil, false
	}

	decoded, err := d.Decode(msg.Payload)
	if err != nil {
		pc.DeadLetter(msg, fmt.Sprintf("payload decode failed for type %q: %v", msg.MessageType, err))
		return nil, nil, false
	}
	return d, decoded, true
}

// invokeMessage runs one message through its handler, adapting
// batch-registered handlers to a single-element batch.
func invokeMessage(ctx context.Context, settings inbox.Settings, d *inbox.Dispatch, decoded any) inbox.Result {
	return executeWithTimeout(ctx, settings, func(ctx context.Context) inbox.Result {
		if d.Batch {
			return d.InvokeBatch(ctx, []any{decoded})
		}
		return d.Invoke(ctx, decoded)
	})
}

// groupByGroupID partitions a batch by GroupID, preserving storage order
// within each group and the order groups first appear.
func groupByGroupID(msgs []*inbox.Message) ([]string, map[string][]*inbox.Message) {
	var order []string
	groups := make(map[string][]*inbox.Message)
	for _, msg := range msgs {
		if _, seen := groups[msg.GroupID]; !seen {
			order = append(order, msg.GroupID)
		}
		groups[msg.GroupID] = append(groups[msg.GroupID], msg)
	}
	return order, groups
}

// releaseGroupLock hands one group back after its messages are classified.
// Runs on a non-cancellable context so shutdown cannot orphan the lock
// until lease expiry.
func releaseGroupLock(ctx context.Context, locks groupLockReleaser, pc *ProcContext, groupID string) {
	releaseCtx := context.WithoutCancel(ctx)
	if err := locks.ReleaseGroupLocks(releaseCtx, pc.inboxName, pc.workerID, []string{groupID}); err != nil {
		slog.Warn("Failed to release group lock, lease expiry will recover it",
			"inbox", pc.inboxName,
			"group", groupID,
			"error", err)
	}
}

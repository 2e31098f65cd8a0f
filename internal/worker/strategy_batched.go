package worker

import (
	"context"
	"sync"

	"go.mailroom.tech/internal/inbox"
)

// BatchedStrategy groups the batch by MessageType and hands each group to
// its handler in one call. Groups run in parallel, bounded by
// MaxProcessingThreads. Messages whose payload does not decode are
// dead-lettered individually and excluded from the group call.
type BatchedStrategy struct {
	registry *inbox.Registry
	settings inbox.Settings
}

func (s *BatchedStrategy) Name() string {
	return "batched"
}

func (s *BatchedStrategy) Process(ctx context.Context, pc *ProcContext) {
	var order []string
	byType := make(map[string][]*inbox.Message)
	for _, msg := range pc.Messages() {
		if _, seen := byType[msg.MessageType]; !seen {
			order = append(order, msg.MessageType)
		}
		byType[msg.MessageType] = append(byType[msg.MessageType], msg)
	}

	sem := make(chan struct{}, s.settings.MaxProcessingThreads)
	var wg sync.WaitGroup

	for _, messageType := range order {
		group := byType[messageType]

		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			s.processGroup(ctx, pc, group)
		}()
	}
	wg.Wait()
}

func (s *BatchedStrategy) processGroup(ctx context.Context, pc *ProcContext, group []*inbox.Message) {
	included := make([]*inbox.Message, 0, len(group))
	decoded := make([]any, 0, len(group))
	var dispatch *inbox.Dispatch

	for _, msg := range group {
		d, value, ok := resolve(s.registry, pc, msg)
		if !ok {
			continue
		}
		dispatch = d
		included = append(included, msg)
		decoded = append(decoded, value)
	}
	if len(included) == 0 {
		return
	}

	if !dispatch.Batch {
		// Single-message handler registered for this type: fall back to
		// per-message dispatch within the group.
		for _, msg := range included {
			d, value, ok := resolve(s.registry, pc, msg)
			if !ok {
				continue
			}
			pc.Classify(msg, invokeMessage(ctx, s.settings, d, value))
		}
		return
	}

	result := executeWithTimeout(ctx, s.settings, func(ctx context.Context) inbox.Result {
		return dispatch.InvokeBatch(ctx, decoded)
	})

	// One verdict covers the whole group
	for _, msg := range included {
		pc.Classify(msg, result)
	}
}

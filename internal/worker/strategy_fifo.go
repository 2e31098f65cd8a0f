package worker

import (
	"context"
	"sync"

	"go.mailroom.tech/internal/inbox"
)

// FifoStrategy processes groups in parallel (bounded by
// MaxProcessingThreads) with the messages inside each group strictly
// sequential. A non-success verdict aborts the rest of the group: the
// remaining messages are released untouched so the next capture retries
// them in order. The group lock is released when the group finishes,
// whatever the outcome.
type FifoStrategy struct {
	registry *inbox.Registry
	settings inbox.Settings
	locks    groupLockReleaser
}

func (s *FifoStrategy) Name() string {
	return "fifo"
}

func (s *FifoStrategy) Process(ctx context.Context, pc *ProcContext) {
	order, groups := groupByGroupID(pc.Messages())

	sem := make(chan struct{}, s.settings.MaxProcessingThreads)
	var wg sync.WaitGroup

	for _, groupID := range order {
		group := groups[groupID]

		sem <- struct{}{}
		wg.Add(1)
		go func(groupID string) {
			defer wg.Done()
			defer func() { <-sem }()
			defer releaseGroupLock(ctx, s.locks, pc, groupID)

			s.processGroup(ctx, pc, group)
		}(groupID)
	}
	wg.Wait()
}

func (s *FifoStrategy) processGroup(ctx context.Context, pc *ProcContext, group []*inbox.Message) {
	for i, msg := range group {
		d, decoded, ok := resolve(s.registry, pc, msg)
		if !ok {
			// Dead-lettered; the group continues past it
			continue
		}

		result := invokeMessage(ctx, s.settings, d, decoded)
		pc.Classify(msg, result)

		if result.Status != inbox.StatusSuccess {
			// Keep ordering: release everything behind the failure
			for _, rest := range group[i+1:] {
				pc.Classify(rest, inbox.Retry())
			}
			return
		}
	}
}

package worker

import (
	"context"
	"sync"

	"go.mailroom.tech/internal/inbox"
)

// FifoBatchedStrategy splits each group into maximal runs of consecutive
// same-MessageType messages and hands each run to the batch handler in one
// call. Runs stay sequential within the group; groups run in parallel.
// A non-success verdict aborts the rest of the group like FifoStrategy.
type FifoBatchedStrategy struct {
	registry *inbox.Registry
	settings inbox.Settings
	locks    groupLockReleaser
}

func (s *FifoBatchedStrategy) Name() string {
	return "fifo-batched"
}

func (s *FifoBatchedStrategy) Process(ctx context.Context, pc *ProcContext) {
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

// splitRuns cuts a group into maximal runs of consecutive messages sharing
// a MessageType.
func splitRuns(group []*inbox.Message) [][]*inbox.Message {
	var runs [][]*inbox.Message
	start := 0
	for i := 1; i <= len(group); i++ {
		if i == len(group) || group[i].MessageType != group[start].MessageType {
			runs = append(runs, group[start:i])
			start = i
		}
	}
	return runs
}

func (s *FifoBatchedStrategy) processGroup(ctx context.Context, pc *ProcContext, group []*inbox.Message) {
	runs := splitRuns(group)

	for runIdx, run := range runs {
		ok := s.processRun(ctx, pc, run)
		if !ok {
			// Keep ordering: release every run behind the failure
			for _, rest := range runs[runIdx+1:] {
				for _, msg := range rest {
					pc.Classify(msg, inbox.Retry())
				}
			}
			return
		}
	}
}

// processRun dispatches one run and reports whether the group may continue.
func (s *FifoBatchedStrategy) processRun(ctx context.Context, pc *ProcContext, run []*inbox.Message) bool {
	included := make([]*inbox.Message, 0, len(run))
	decoded := make([]any, 0, len(run))
	var dispatch *inbox.Dispatch

	for _, msg := range run {
		d, value, ok := resolve(s.registry, pc, msg)
		if !ok {
			continue
		}
		dispatch = d
		included = append(included, msg)
		decoded = append(decoded, value)
	}
	if len(included) == 0 {
		// Whole run dead-lettered; nothing blocks the group
		return true
	}

	if !dispatch.Batch {
		for i, msg := range included {
			result := invokeMessage(ctx, s.settings, dispatch, decoded[i])
			pc.Classify(msg, result)
			if result.Status != inbox.StatusSuccess {
				for _, rest := range included[i+1:] {
					pc.Classify(rest, inbox.Retry())
				}
				return false
			}
		}
		return true
	}

	result := executeWithTimeout(ctx, s.settings, func(ctx context.Context) inbox.Result {
		return dispatch.InvokeBatch(ctx, decoded)
	})
	for _, msg := range included {
		pc.Classify(msg, result)
	}
	return result.Status == inbox.StatusSuccess
}

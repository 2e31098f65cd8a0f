package worker

import (
	"context"
	"sync"

	"go.mailroom.tech/internal/inbox"
)

// DefaultStrategy dispatches every message independently, in parallel,
// bounded by MaxProcessingThreads.
type DefaultStrategy struct {
	registry *inbox.Registry
	settings inbox.Settings
}

func (s *DefaultStrategy) Name() string {
	return "default"
}

func (s *DefaultStrategy) Process(ctx context.Context, pc *ProcContext) {
	sem := make(chan struct{}, s.settings.MaxProcessingThreads)
	var wg sync.WaitGroup

	for _, msg := range pc.Messages() {
		sem <- struct{}{}
		wg.Add(1)
		go func(msg *inbox.Message) {
			defer wg.Done()
			defer func() { <-sem }()

			d, decoded, ok := resolve(s.registry, pc, msg)
			if !ok {
				return
			}
			pc.Classify(msg, invokeMessage(ctx, s.settings, d, decoded))
		}(msg)
	}
	wg.Wait()
}

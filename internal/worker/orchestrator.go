package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.mailroom.tech/internal/common/clock"
	"go.mailroom.tech/internal/common/metrics"
	"go.mailroom.tech/internal/inbox"
)

// InboxStatus is a point-in-time view of one inbox loop, for the
// monitoring API.
type InboxStatus struct {
	Name     string     `json:"name"`
	Type     inbox.Type `json:"type"`
	State    string     `json:"state"`
	WorkerID string     `json:"workerId"`
}

// Orchestrator owns one processing loop per configured inbox. It validates
// definitions against the store's capabilities before anything starts and
// plugs into the lifecycle supervisor as a Service.
type Orchestrator struct {
	store    inbox.Store
	registry *inbox.Registry
	clk      clock.Clock

	mu      sync.RWMutex
	loops   map[string]*Loop
	order   []string
	running bool
}

// NewOrchestrator builds the loops for the given definitions. FIFO
// definitions are rejected here when the store has no group lock support.
func NewOrchestrator(store inbox.Store, registry *inbox.Registry, clk clock.Clock, defs []inbox.Definition) (*Orchestrator, error) {
	if len(defs) == 0 {
		return nil, fmt.Errorf("no inboxes configured")
	}

	o := &Orchestrator{
		store:    store,
		registry: registry,
		clk:      clk,
		loops:    make(map[string]*Loop, len(defs)),
	}
	for _, def := range defs {
		if _, exists := o.loops[def.Name]; exists {
			return nil, fmt.Errorf("duplicate inbox definition: %s", def.Name)
		}
		loop, err := NewLoop(def, store, registry, clk)
		if err != nil {
			return nil, err
		}
		o.loops[def.Name] = loop
		o.order = append(o.order, def.Name)
	}
	return o, nil
}

// Start launches every loop. Idempotent while running.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.running {
		return nil
	}

	slog.Info("Starting inbox orchestrator",
		"inboxes", len(o.order),
		"store", o.store.Name(),
		"handlers", o.registry.Len())

	for _, name := range o.order {
		if err := o.loops[name].Start(ctx); err != nil {
			return fmt.Errorf("start loop for inbox %s: %w", name, err)
		}
	}
	o.running = true
	return nil
}

// Stop halts every loop, in parallel since each has its own shutdown
// budget.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.running {
		return nil
	}

	var wg sync.WaitGroup
	for _, name := range o.order {
		loop := o.loops[name]
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := loop.Stop(ctx); err != nil {
				slog.Error("Loop stop error",
					"inbox", loop.Definition().Name,
					"error", err)
			}
		}()
	}
	wg.Wait()

	o.running = false
	slog.Info("Inbox orchestrator stopped")
	return nil
}

// IsRunning reports whether the orchestrator has been started
func (o *Orchestrator) IsRunning() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.running
}

// GetInbox returns the status of one inbox loop
func (o *Orchestrator) GetInbox(name string) (InboxStatus, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	loop, ok := o.loops[name]
	if !ok {
		return InboxStatus{}, false
	}
	return statusOf(loop), true
}

// Inboxes returns the status of every loop in configuration order
func (o *Orchestrator) Inboxes() []InboxStatus {
	o.mu.RLock()
	defer o.mu.RUnlock()

	statuses := make([]InboxStatus, 0, len(o.order))
	for _, name := range o.order {
		statuses = append(statuses, statusOf(o.loops[name]))
	}
	return statuses
}

func statusOf(l *Loop) InboxStatus {
	def := l.Definition()
	return InboxStatus{
		Name:     def.Name,
		Type:     def.Type,
		State:    l.State().String(),
		WorkerID: l.WorkerID(),
	}
}

// depthSampleInterval paces the store health snapshots feeding the inbox
// depth gauges
const depthSampleInterval = 15 * time.Second

// sampleDepth refreshes the per-inbox depth gauges from the store
func (o *Orchestrator) sampleDepth(ctx context.Context) {
	for _, name := range o.order {
		hm, err := o.store.HealthMetrics(ctx, name)
		if err != nil {
			slog.Debug("Health metrics snapshot failed", "inbox", name, "error", err)
			continue
		}
		metrics.InboxPendingMessages.WithLabelValues(name).Set(float64(hm.PendingCount))
		metrics.InboxCapturedMessages.WithLabelValues(name).Set(float64(hm.CapturedCount))
		metrics.InboxDeadLetterMessages.WithLabelValues(name).Set(float64(hm.DeadLetterCount))
		if hm.OldestPendingAt != nil {
			metrics.InboxOldestPendingAge.WithLabelValues(name).Set(o.clockNow().Sub(*hm.OldestPendingAt).Seconds())
		} else {
			metrics.InboxOldestPendingAge.WithLabelValues(name).Set(0)
		}
	}
}

func (o *Orchestrator) clockNow() time.Time {
	if o.clk != nil {
		return o.clk.Now().UTC()
	}
	return time.Now().UTC()
}

// Service adapts the orchestrator to the lifecycle supervisor. Start
// blocks until ctx is cancelled, sampling inbox depth gauges while it
// waits.
type Service struct {
	orchestrator *Orchestrator
}

// NewService wraps an orchestrator as a lifecycle service
func NewService(o *Orchestrator) *Service {
	return &Service{orchestrator: o}
}

func (s *Service) Name() string {
	return "inbox-worker"
}

func (s *Service) Start(ctx context.Context) error {
	if err := s.orchestrator.Start(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(depthSampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.orchestrator.sampleDepth(ctx)
		}
	}
}

func (s *Service) Stop(ctx context.Context) error {
	return s.orchestrator.Stop(ctx)
}

func (s *Service) Health() error {
	if !s.orchestrator.IsRunning() {
		return fmt.Errorf("orchestrator not running")
	}
	return nil
}

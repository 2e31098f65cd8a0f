package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"go.mailroom.tech/internal/common/clock"
	"go.mailroom.tech/internal/common/metrics"
	"go.mailroom.tech/internal/common/tsid"
	"go.mailroom.tech/internal/inbox"
)

// LoopState is the lifecycle state of one processing loop
type LoopState int32

const (
	LoopStopped  LoopState = 0
	LoopStarting LoopState = 1
	LoopRunning  LoopState = 2
	LoopStopping LoopState = 3
)

// String returns a human-readable state name
func (s LoopState) String() string {
	switch s {
	case LoopStopped:
		return "STOPPED"
	case LoopStarting:
		return "STARTING"
	case LoopRunning:
		return "RUNNING"
	case LoopStopping:
		return "STOPPING"
	default:
		return "UNKNOWN"
	}
}

// abandonTimeout bounds the best-effort release when shutdown gives up on
// an in-flight batch
const abandonTimeout = 5 * time.Second

// Loop is the processing loop for one inbox: poll, capture, dispatch
// through the strategy, apply the outcome, repeat. One loop runs per
// configured inbox; additional instances of the process scale out against
// the same store through the lease protocol.
type Loop struct {
	def      inbox.Definition
	store    inbox.Store
	registry *inbox.Registry
	clk      clock.Clock
	strategy Strategy
	workerID string

	runningMu sync.Mutex
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}

	state     atomic.Int32
	abandoned atomic.Bool

	inFlightMu     sync.Mutex
	inFlightIDs    []uuid.UUID
	inFlightGroups []string
}

// NewLoop creates the processing loop for one inbox definition
func NewLoop(def inbox.Definition, store inbox.Store, registry *inbox.Registry, clk clock.Clock) (*Loop, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.System{}
	}

	var locks groupLockReleaser
	if gls, ok := store.(inbox.GroupLockStore); ok {
		locks = gls
	}
	if def.Type.IsFifo() && locks == nil {
		return nil, fmt.Errorf("inbox %s is %s but store %s does not support group locks", def.Name, def.Type, store.Name())
	}

	strategy, err := strategyFor(def.Type, registry, def.Settings, locks)
	if err != nil {
		return nil, fmt.Errorf("inbox %s: %w", def.Name, err)
	}

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "worker"
	}

	return &Loop{
		def:      def,
		store:    store,
		registry: registry,
		clk:      clk,
		strategy: strategy,
		workerID: hostname + "-" + tsid.Generate(),
	}, nil
}

// WorkerID returns the lease identity of this loop
func (l *Loop) WorkerID() string {
	return l.workerID
}

// Definition returns the inbox this loop serves
func (l *Loop) Definition() inbox.Definition {
	return l.def
}

// State returns the current loop state
func (l *Loop) State() LoopState {
	return LoopState(l.state.Load())
}

func (l *Loop) setState(s LoopState) {
	l.state.Store(int32(s))
	metrics.WorkerLoopState.WithLabelValues(l.def.Name).Set(float64(s))
}

// Start begins polling. Idempotent while running.
func (l *Loop) Start(ctx context.Context) error {
	l.runningMu.Lock()
	defer l.runningMu.Unlock()

	if l.running {
		return nil
	}
	l.running = true
	l.abandoned.Store(false)
	l.setState(LoopStarting)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	l.cancel = cancel
	l.done = make(chan struct{})

	slog.Info("Starting inbox processing loop",
		"inbox", l.def.Name,
		"type", l.def.Type,
		"strategy", l.strategy.Name(),
		"workerId", l.workerID)

	go l.run(runCtx)
	return nil
}

// Stop halts polling and waits up to ShutdownTimeout for the in-flight
// batch. On timeout the batch is abandoned: leases and group locks are
// released best-effort, and lease expiry covers the rest.
func (l *Loop) Stop(ctx context.Context) error {
	l.runningMu.Lock()
	defer l.runningMu.Unlock()

	if !l.running {
		return nil
	}
	l.setState(LoopStopping)
	l.cancel()

	select {
	case <-l.done:
	case <-time.After(l.def.Settings.ShutdownTimeout):
		slog.Warn("Shutdown timeout reached, abandoning in-flight batch",
			"inbox", l.def.Name,
			"workerId", l.workerID)
		l.abandon()
	case <-ctx.Done():
		l.abandon()
	}

	l.running = false
	l.setState(LoopStopped)
	slog.Info("Inbox processing loop stopped", "inbox", l.def.Name)
	return nil
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)
	l.setState(LoopRunning)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		l.iterate(ctx)
	}
}

func (l *Loop) iterate(ctx context.Context) {
	msgs, err := l.store.ReadAndCapture(ctx, inbox.ReadRequest{
		InboxName:         l.def.Name,
		WorkerID:          l.workerID,
		BatchSize:         l.def.Settings.ReadBatchSize,
		MaxProcessingTime: l.def.Settings.MaxProcessingTime,
		Fifo:              l.def.Type.IsFifo(),
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		metrics.WorkerPollErrors.WithLabelValues(l.def.Name).Inc()
		slog.Error("Poll failed",
			"inbox", l.def.Name,
			"workerId", l.workerID,
			"error", err)
		sleepInterruptible(ctx, l.def.Settings.PollingInterval)
		return
	}

	if len(msgs) == 0 {
		sleepInterruptible(ctx, l.def.Settings.PollingInterval)
		return
	}

	metrics.WorkerMessagesCaptured.WithLabelValues(l.def.Name).Add(float64(len(msgs)))
	metrics.WorkerBatchSize.WithLabelValues(l.def.Name).Observe(float64(len(msgs)))
	l.setInFlight(msgs)

	pc := NewProcContext(l.def.Name, l.workerID, l.def.Settings, msgs)
	extender := startLeaseExtender(l.store, l.clk, l.def, l.workerID, msgs)

	start := time.Now()
	l.strategy.Process(ctx, pc)
	extender.Stop()
	metrics.WorkerBatchDuration.WithLabelValues(l.def.Name).Observe(time.Since(start).Seconds())

	// Outcomes survive shutdown cancellation: the batch is done, losing the
	// apply would just mean duplicate delivery after lease expiry.
	if !l.abandoned.Load() {
		applyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abandonTimeout+l.def.Settings.ShutdownTimeout)
		err = pc.Apply(applyCtx, l.store)
		cancel()
		if err != nil {
			slog.Error("Failed to apply batch outcome, leases will expire",
				"inbox", l.def.Name,
				"workerId", l.workerID,
				"messages", len(msgs),
				"error", err)
		}
	}
	l.clearInFlight()

	if l.def.Settings.ReadDelay > 0 {
		sleepInterruptible(ctx, l.def.Settings.ReadDelay)
	}
}

func (l *Loop) setInFlight(msgs []*inbox.Message) {
	ids := make([]uuid.UUID, len(msgs))
	seen := make(map[string]bool)
	var groups []string
	for i, msg := range msgs {
		ids[i] = msg.ID
		if msg.GroupID != "" && !seen[msg.GroupID] {
			seen[msg.GroupID] = true
			groups = append(groups, msg.GroupID)
		}
	}

	l.inFlightMu.Lock()
	l.inFlightIDs = ids
	l.inFlightGroups = groups
	l.inFlightMu.Unlock()
}

func (l *Loop) clearInFlight() {
	l.inFlightMu.Lock()
	l.inFlightIDs = nil
	l.inFlightGroups = nil
	l.inFlightMu.Unlock()
}

// abandon releases whatever the loop still holds. Failure is tolerable;
// lease expiry recovers abandoned messages and locks.
func (l *Loop) abandon() {
	l.abandoned.Store(true)

	l.inFlightMu.Lock()
	ids := l.inFlightIDs
	groups := l.inFlightGroups
	l.inFlightMu.Unlock()

	if len(ids) == 0 && len(groups) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), abandonTimeout)
	defer cancel()

	var err error
	if gls, ok := l.store.(inbox.GroupLockStore); ok {
		err = gls.ReleaseMessagesAndGroupLocks(ctx, l.def.Name, l.workerID, ids, groups)
	} else {
		err = l.store.ApplyResults(ctx, inbox.Outcome{
			InboxName: l.def.Name,
			WorkerID:  l.workerID,
			ToRelease: ids,
		})
	}
	if err != nil {
		slog.Warn("Failed to release abandoned batch, leases will expire",
			"inbox", l.def.Name,
			"workerId", l.workerID,
			"messages", len(ids),
			"groups", len(groups),
			"error", err)
		return
	}

	slog.Info("Released abandoned batch",
		"inbox", l.def.Name,
		"messages", len(ids),
		"groups", len(groups))
}

func sleepInterruptible(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

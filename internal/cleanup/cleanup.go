// Package cleanup runs the retention sweeps: expired dead letters,
// deduplication records and group locks. It runs either as background
// loops inside the daemon or once through for cronjob-style invocation.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"go.mailroom.tech/internal/common/clock"
	"go.mailroom.tech/internal/common/metrics"
	"go.mailroom.tech/internal/inbox"
)

// Leader gates the sweeps to one instance when several run against the
// same store. Nil disables the gate.
type Leader interface {
	IsPrimary() bool
}

// Config configures the cleanup manager
type Config struct {
	// Interval between sweep rounds per kind
	Interval time.Duration

	// RestartDelay before a crashed loop is restarted
	RestartDelay time.Duration

	// BatchLimit caps rows deleted per store call
	BatchLimit int

	// RoundsPerSecond paces the delete batches so retention sweeps do not
	// saturate the store
	RoundsPerSecond float64
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Interval:        time.Minute,
		RestartDelay:    5 * time.Second,
		BatchLimit:      500,
		RoundsPerSecond: 10,
	}
}

// kind names one retention sweep for logs and metrics
type kind string

const (
	kindDeadLetter    kind = "dead_letter"
	kindDeduplication kind = "deduplication"
	kindGroupLock     kind = "group_lock"
)

// Manager owns the retention loops over one store and inbox set
type Manager struct {
	store   inbox.Store
	clk     clock.Clock
	config  *Config
	defs    []inbox.Definition
	leader  Leader
	limiter *rate.Limiter

	runningMu sync.Mutex
	running   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewManager creates a cleanup manager for the given inbox definitions
func NewManager(store inbox.Store, clk clock.Clock, config *Config, defs []inbox.Definition, leader Leader) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Manager{
		store:   store,
		clk:     clk,
		config:  config,
		defs:    defs,
		leader:  leader,
		limiter: rate.NewLimiter(rate.Limit(config.RoundsPerSecond), 1),
	}
}

// Start launches one supervised loop per sweep kind. Idempotent while
// running.
func (m *Manager) Start(ctx context.Context) error {
	m.runningMu.Lock()
	defer m.runningMu.Unlock()

	if m.running {
		return nil
	}
	m.running = true

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel

	kinds := []kind{kindDeadLetter, kindDeduplication}
	if inbox.SupportsGroupLocks(m.store) {
		kinds = append(kinds, kindGroupLock)
	}

	for _, k := range kinds {
		m.wg.Add(1)
		go m.supervise(runCtx, k)
	}

	slog.Info("Cleanup manager started",
		"loops", len(kinds),
		"interval", m.config.Interval,
		"leaderGated", m.leader != nil)
	return nil
}

// Stop halts the loops and waits for in-flight sweeps
func (m *Manager) Stop(ctx context.Context) error {
	m.runningMu.Lock()
	defer m.runningMu.Unlock()

	if !m.running {
		return nil
	}
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("Cleanup manager stop timed out")
	}

	m.running = false
	slog.Info("Cleanup manager stopped")
	return nil
}

// supervise runs one sweep loop, restarting it after RestartDelay when it
// panics.
func (m *Manager) supervise(ctx context.Context, k kind) {
	defer m.wg.Done()

	for {
		if err := m.runLoop(ctx, k); err == nil {
			return // clean shutdown
		}

		metrics.CleanupLoopRestarts.WithLabelValues(string(k)).Inc()
		slog.Error("Cleanup loop crashed, restarting",
			"kind", k,
			"restartDelay", m.config.RestartDelay)

		select {
		case <-ctx.Done():
			return
		case <-time.After(m.config.RestartDelay):
		}
	}
}

// runLoop runs sweep rounds until ctx is cancelled. A panic is converted
// to an error so the supervisor restarts the loop.
func (m *Manager) runLoop(ctx context.Context, k kind) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cleanup loop panic: %v", r)
		}
	}()

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	m.sweep(ctx, k)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.sweep(ctx, k)
		}
	}
}

// sweep runs one retention round of the given kind over every inbox
func (m *Manager) sweep(ctx context.Context, k kind) {
	if m.leader != nil {
		if !m.leader.IsPrimary() {
			metrics.CleanupLeaderState.Set(0)
			return
		}
		metrics.CleanupLeaderState.Set(1)
	}

	for _, def := range m.defs {
		if err := m.sweepInbox(ctx, k, def); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			metrics.CleanupSweeps.WithLabelValues(string(k), "failed").Inc()
			slog.Error("Retention sweep failed",
				"kind", k,
				"inbox", def.Name,
				"error", err)
			continue
		}
		metrics.CleanupSweeps.WithLabelValues(string(k), "success").Inc()
	}
}

// sweepInbox deletes in paced batches until a short round signals the
// backlog is drained
func (m *Manager) sweepInbox(ctx context.Context, k kind, def inbox.Definition) error {
	now := m.clk.Now().UTC()

	var cutoff time.Time
	switch k {
	case kindDeadLetter:
		if !def.Settings.EnableDeadLetter {
			return nil
		}
		cutoff = now.Add(-def.Settings.DeadLetterMaxMessageLifetime)
	case kindDeduplication:
		if !def.Settings.EnableDeduplication {
			return nil
		}
		cutoff = now.Add(-def.Settings.DeduplicationInterval)
	case kindGroupLock:
		if !def.Type.IsFifo() {
			return nil
		}
		cutoff = now.Add(-def.Settings.MaxProcessingTime)
	}

	var total int64
	for {
		if err := m.limiter.Wait(ctx); err != nil {
			return err
		}

		deleted, err := m.deleteBatch(ctx, k, def.Name, cutoff)
		if err != nil {
			return err
		}
		total += deleted
		metrics.CleanupDeletions.WithLabelValues(def.Name, string(k)).Add(float64(deleted))

		if deleted < int64(m.config.BatchLimit) {
			break
		}
	}

	if total > 0 {
		slog.Info("Retention sweep completed",
			"kind", k,
			"inbox", def.Name,
			"deleted", total)
	}
	return nil
}

func (m *Manager) deleteBatch(ctx context.Context, k kind, inboxName string, cutoff time.Time) (int64, error) {
	switch k {
	case kindDeadLetter:
		return m.store.DeleteExpiredDeadLetters(ctx, inboxName, cutoff, m.config.BatchLimit)
	case kindDeduplication:
		return m.store.DeleteExpiredDeduplicationRecords(ctx, inboxName, cutoff, m.config.BatchLimit)
	case kindGroupLock:
		gls, ok := m.store.(inbox.GroupLockStore)
		if !ok {
			return 0, nil
		}
		return gls.DeleteExpiredGroupLocks(ctx, inboxName, cutoff, m.config.BatchLimit)
	default:
		return 0, fmt.Errorf("unknown cleanup kind: %s", k)
	}
}

// RunOnce performs a single sweep of every kind, for cronjob-style
// invocation. The leader gate is ignored.
func (m *Manager) RunOnce(ctx context.Context) error {
	var firstErr error
	kinds := []kind{kindDeadLetter, kindDeduplication}
	if inbox.SupportsGroupLocks(m.store) {
		kinds = append(kinds, kindGroupLock)
	}

	for _, k := range kinds {
		for _, def := range m.defs {
			if err := m.sweepInbox(ctx, k, def); err != nil {
				metrics.CleanupSweeps.WithLabelValues(string(k), "failed").Inc()
				slog.Error("Retention sweep failed",
					"kind", k,
					"inbox", def.Name,
					"error", err)
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			metrics.CleanupSweeps.WithLabelValues(string(k), "success").Inc()
		}
	}
	return firstErr
}

// Service adapts the manager to the lifecycle supervisor
type Service struct {
	manager *Manager
}

// NewService wraps a cleanup manager as a lifecycle service
func NewService(m *Manager) *Service {
	return &Service{manager: m}
}

func (s *Service) Name() string {
	return "inbox-cleanup"
}

func (s *Service) Start(ctx context.Context) error {
	if err := s.manager.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	return s.manager.Stop(ctx)
}

func (s *Service) Health() error {
	return nil
}

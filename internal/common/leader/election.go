// Package leader elects one daemon instance to run the retention cleanup.
// The election lock lives in the coordination backend the store already
// provides (mongo or redis): the holder keeps refreshing a TTL'd lock and
// every other instance keeps its cleanup loops gated until the lock falls
// vacant.
package leader

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"
	"time"
)

// Config parameterizes one election.
type Config struct {
	// InstanceID identifies this daemon instance in the lock (defaults
	// to the hostname)
	InstanceID string

	// LockName is the election key, one per gated concern (default
	// "mailroom-cleanup-leader")
	LockName string

	// TTL is how long a held lock survives without a refresh (default 30s)
	TTL time.Duration

	// RefreshInterval paces acquisition attempts and refreshes (default 10s)
	RefreshInterval time.Duration
}

// DefaultConfig returns the standard election timings for the given lock.
func DefaultConfig(lockName string) *Config {
	instanceID, _ := os.Hostname()
	if instanceID == "" {
		instanceID = "instance-" + time.Now().Format("20060102150405")
	}

	return &Config{
		InstanceID:      instanceID,
		LockName:        lockName,
		TTL:             30 * time.Second,
		RefreshInterval: 10 * time.Second,
	}
}

// backend is the storage primitive an election runs on. Every call is
// scoped to one lock name and instance id via the Config.
type backend interface {
	// name identifies the backend in logs
	name() string

	// prepare sets the backend up once before the election loop starts
	prepare(ctx context.Context, cfg *Config) error

	// acquire takes the lock when it is vacant, expired or already ours.
	// True means this instance holds it for another TTL.
	acquire(ctx context.Context, cfg *Config) (bool, error)

	// refresh extends a lock this instance holds. False means the lock
	// was lost in the meantime.
	refresh(ctx context.Context, cfg *Config) (bool, error)

	// release drops the lock, only when this instance still owns it
	release(ctx context.Context, cfg *Config) error

	// currentLeader reports the live holder's instance id, "" when vacant
	currentLeader(ctx context.Context, cfg *Config) (string, error)
}

// Elector runs the election loop over a backend. Construct one with
// NewMongoElector or NewRedisElector.
type Elector struct {
	backend backend
	config  *Config

	isPrimary atomic.Bool
	cancel    context.CancelFunc
	done      chan struct{}

	onBecomeLeader   func()
	onLoseLeadership func()
}

func newElector(b backend, cfg *Config) *Elector {
	if cfg == nil {
		cfg = DefaultConfig("mailroom-cleanup-leader")
	}
	return &Elector{
		backend: b,
		config:  cfg,
		done:    make(chan struct{}),
	}
}

// OnBecomeLeader registers a callback invoked when this instance wins the
// election. Set before Start.
func (e *Elector) OnBecomeLeader(fn func()) {
	e.onBecomeLeader = fn
}

// OnLoseLeadership registers a callback invoked when a held lock is lost.
// Set before Start.
func (e *Elector) OnLoseLeadership(fn func()) {
	e.onLoseLeadership = fn
}

// Start prepares the backend and launches the election loop.
func (e *Elector) Start(ctx context.Context) error {
	if err := e.backend.prepare(ctx, e.config); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	go e.electionLoop(loopCtx)

	slog.Info("Leader election started",
		"backend", e.backend.name(),
		"instanceId", e.config.InstanceID,
		"lockName", e.config.LockName,
		"ttl", e.config.TTL,
		"refreshInterval", e.config.RefreshInterval)
	return nil
}

// Stop ends the election loop and releases the lock when held, so the
// next instance does not have to wait out the TTL.
func (e *Elector) Stop() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	<-e.done

	if e.isPrimary.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.backend.release(ctx, e.config); err != nil {
			slog.Error("Failed to release election lock",
				"backend", e.backend.name(),
				"lockName", e.config.LockName,
				"error", err)
		} else {
			slog.Info("Released election lock",
				"instanceId", e.config.InstanceID,
				"lockName", e.config.LockName)
		}
		e.isPrimary.Store(false)
	}

	slog.Info("Leader election stopped", "instanceId", e.config.InstanceID)
}

// IsPrimary reports whether this instance currently holds the lock. The
// cleanup manager checks this before every round.
func (e *Elector) IsPrimary() bool {
	return e.isPrimary.Load()
}

// InstanceID returns this elector's identity in the lock.
func (e *Elector) InstanceID() string {
	return e.config.InstanceID
}

// CurrentLeader reports the instance currently holding the lock, "" when
// no one does.
func (e *Elector) CurrentLeader(ctx context.Context) (string, error) {
	return e.backend.currentLeader(ctx, e.config)
}

func (e *Elector) electionLoop(ctx context.Context) {
	defer close(e.done)

	ticker := time.NewTicker(e.config.RefreshInterval)
	defer ticker.Stop()

	e.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

// tick refreshes a held lock or tries to take a vacant one. State changes
// fire the callbacks.
func (e *Elector) tick(ctx context.Context) {
	opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	wasPrimary := e.isPrimary.Load()

	if wasPrimary {
		held, err := e.backend.refresh(opCtx, e.config)
		if err != nil {
			slog.Error("Failed to refresh election lock",
				"backend", e.backend.name(),
				"lockName", e.config.LockName,
				"error", err)
		}
		if held && err == nil {
			return
		}

		e.isPrimary.Store(false)
		slog.Warn("Lost cleanup leadership",
			"instanceId", e.config.InstanceID,
			"lockName", e.config.LockName)
		if e.onLoseLeadership != nil {
			e.onLoseLeadership()
		}
		wasPrimary = false
	}

	acquired, err := e.backend.acquire(opCtx, e.config)
	if err != nil {
		slog.Error("Failed to acquire election lock",
			"backend", e.backend.name(),
			"lockName", e.config.LockName,
			"error", err)
		return
	}
	if !acquired {
		return
	}

	e.isPrimary.Store(true)
	if !wasPrimary {
		slog.Info("Acquired cleanup leadership",
			"instanceId", e.config.InstanceID,
			"lockName", e.config.LockName)
		if e.onBecomeLeader != nil {
			e.onBecomeLeader()
		}
	}
}

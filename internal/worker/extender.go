package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"go.mailroom.tech/internal/common/clock"
	"go.mailroom.tech/internal/common/metrics"
	"go.mailroom.tech/internal/inbox"
)

// leaseExtender keeps the leases of an in-flight batch alive while the
// strategy runs. It ticks at ExtensionInterval and stamps a fresh
// CapturedAt on everything the worker still holds. Extension failures are
// logged and never abort processing; a lease that lapses simply risks
// duplicate delivery.
type leaseExtender struct {
	store     inbox.Store
	clk       clock.Clock
	inboxName string
	workerID  string
	fifo      bool
	settings  inbox.Settings
	ids       []uuid.UUID

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// startLeaseExtender begins the extension loop for one captured batch.
// Returns nil when lock extension is disabled or the batch is empty.
func startLeaseExtender(store inbox.Store, clk clock.Clock, def inbox.Definition, workerID string, msgs []*inbox.Message) *leaseExtender {
	if !def.Settings.EnableLockExtension || len(msgs) == 0 {
		return nil
	}

	ids := make([]uuid.UUID, len(msgs))
	for i, msg := range msgs {
		ids[i] = msg.ID
	}

	e := &leaseExtender{
		store:     store,
		clk:       clk,
		inboxName: def.Name,
		workerID:  workerID,
		fifo:      def.Type.IsFifo(),
		settings:  def.Settings,
		ids:       ids,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *leaseExtender) run() {
	defer close(e.done)

	ticker := time.NewTicker(e.settings.ExtensionInterval())
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.extend()
		}
	}
}

func (e *leaseExtender) extend() {
	// Bounded by the tick period so a hung store call cannot pile up rounds
	ctx, cancel := context.WithTimeout(context.Background(), e.settings.ExtensionInterval())
	defer cancel()

	count, err := e.store.ExtendLocks(ctx, inbox.ExtendRequest{
		InboxName:         e.inboxName,
		WorkerID:          e.workerID,
		IDs:               e.ids,
		NewCapturedAt:     e.clk.Now().UTC(),
		Fifo:              e.fifo,
		MaxProcessingTime: e.settings.MaxProcessingTime,
	})
	if err != nil {
		metrics.WorkerLeaseExtensionFailures.WithLabelValues(e.inboxName).Inc()
		slog.Warn("Lease extension failed",
			"inbox", e.inboxName,
			"workerId", e.workerID,
			"messages", len(e.ids),
			"error", err)
		return
	}

	metrics.WorkerLeaseExtensions.WithLabelValues(e.inboxName).Inc()
	slog.Debug("Leases extended",
		"inbox", e.inboxName,
		"extended", count,
		"held", len(e.ids))
}

// Stop ends the extension loop and waits for an in-flight round
func (e *leaseExtender) Stop() {
	if e == nil {
		return
	}
	e.stopOnce.Do(func() { close(e.stop) })
	<-e.done
}

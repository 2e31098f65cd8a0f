// Package lifecycle composes the daemon out of long-running services. The
// worker loops, the retention cleanup, the broker ingest feeds and the
// monitoring HTTP server each implement Service; the supervisor starts
// them in dependency order and unwinds them in reverse on shutdown.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"log/slog"
)

// Service is one long-running component of the daemon.
type Service interface {
	// Name identifies the service in logs
	Name() string

	// Start runs the service. It blocks until ctx is cancelled; an error
	// before that means startup failed.
	Start(ctx context.Context) error

	// Stop shuts the service down within the deadline on ctx
	Stop(ctx context.Context) error

	// Health reports nil while the service is operating normally
	Health() error
}

const (
	// startupGrace is how long a Start call gets to fail fast before the
	// supervisor moves on to the next service
	startupGrace = 100 * time.Millisecond

	// stopTimeout bounds each service's Stop during shutdown
	stopTimeout = 30 * time.Second
)

// Supervisor runs a fixed set of services as one unit.
type Supervisor struct {
	services []Service

	mu      sync.RWMutex
	running bool
}

// NewSupervisor orders the services by startup: earlier services must not
// depend on later ones, since shutdown unwinds in reverse.
func NewSupervisor(services ...Service) *Supervisor {
	return &Supervisor{services: services}
}

// Run starts every service and blocks until ctx is cancelled or a service
// fails to start. Services already started are stopped in reverse order
// either way.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("supervisor already running")
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	var started []Service
	for _, svc := range s.services {
		slog.Info("Starting service", "service", svc.Name())

		errCh := make(chan error, 1)
		go func(svc Service) {
			errCh <- svc.Start(ctx)
		}(svc)

		select {
		case err := <-errCh:
			if err != nil {
				s.unwind(started)
				return fmt.Errorf("service %s failed to start: %w", svc.Name(), err)
			}
		case <-time.After(startupGrace):
		}

		started = append(started, svc)
		slog.Info("Service started", "service", svc.Name())
	}

	<-ctx.Done()
	slog.Info("Stopping services")
	s.unwind(started)
	return nil
}

// unwind stops services in reverse start order, each with its own deadline
func (s *Supervisor) unwind(started []Service) {
	for i := len(started) - 1; i >= 0; i-- {
		svc := started[i]
		slog.Info("Stopping service", "service", svc.Name())

		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		if err := svc.Stop(stopCtx); err != nil {
			slog.Error("Service stop error", "service", svc.Name(), "error", err)
		} else {
			slog.Info("Service stopped", "service", svc.Name())
		}
		cancel()
	}
}

// Health reports the first unhealthy service, nil when all are healthy.
func (s *Supervisor) Health() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, svc := range s.services {
		if err := svc.Health(); err != nil {
			return fmt.Errorf("service %s unhealthy: %w", svc.Name(), err)
		}
	}
	return nil
}

package lifecycle

import (
	"context"
	"log/slog"
	"net/http"
	"syscall"
	"time"

	"os/signal"
)

// Run supervises the services until SIGINT or SIGTERM, then waits for the
// shutdown to finish. This is the main loop of the daemon binary.
func Run(ctx context.Context, services ...Service) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	supervisor := NewSupervisor(services...)

	errCh := make(chan error, 1)
	go func() {
		errCh <- supervisor.Run(ctx)
	}()

	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	case err := <-errCh:
		return err
	}

	// The supervisor bounds each Stop with stopTimeout; this guards
	// against a Start that never returns after cancellation
	select {
	case err := <-errCh:
		return err
	case <-time.After(stopTimeout + 5*time.Second):
		slog.Error("Shutdown timed out")
		return nil
	}
}

// HTTPService runs an http.Server under the supervisor.
type HTTPService struct {
	name   string
	server *http.Server
}

func NewHTTPService(name string, server *http.Server) *HTTPService {
	return &HTTPService{name: name, server: server}
}

func (s *HTTPService) Name() string { return s.name }

// Start listens until ctx is cancelled. A bind failure surfaces as a
// startup error instead of taking the whole daemon down later.
func (s *HTTPService) Start(ctx context.Context) error {
	slog.Info("Starting HTTP server", "addr", s.server.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return nil
	}
}

func (s *HTTPService) Stop(ctx context.Context) error {
	slog.Info("Stopping HTTP server")
	return s.server.Shutdown(ctx)
}

func (s *HTTPService) Health() error {
	return nil
}

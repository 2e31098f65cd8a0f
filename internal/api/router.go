package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.mailroom.tech/internal/common/health"
)

// RouterConfig configures the HTTP surface
type RouterConfig struct {
	// CORSOrigins for the monitoring API. Empty disables CORS.
	CORSOrigins []string
}

// NewRouter assembles the monitoring router: health probes, Prometheus
// metrics and the inbox API.
func NewRouter(checker *health.Checker, handlers *Handlers, cfg *RouterConfig) http.Handler {
	if cfg == nil {
		cfg = &RouterConfig{}
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CORSOrigins,
			AllowedMethods:   []string{"GET", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"Link", "X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	// Health endpoints
	r.Get("/q/health", checker.HandleHealth)
	r.Get("/q/health/live", checker.HandleLive)
	r.Get("/q/health/ready", checker.HandleReady)

	// Prometheus metrics
	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/q/metrics", promhttp.Handler())

	// Monitoring API
	r.Route("/api/inboxes", func(r chi.Router) {
		r.Get("/", handlers.ListInboxes)
		r.Get("/{name}", handlers.GetInbox)
		r.Get("/{name}/dead-letters", handlers.GetDeadLetters)
	})

	return r
}

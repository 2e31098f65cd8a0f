package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// storeOperationDuration tracks the duration of store operations
	storeOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mailroom",
			Subsystem: "store",
			Name:      "operation_duration_seconds",
			Help:      "Store operation duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"store", "operation"},
	)

	// storeOperationTotal counts total store operations
	storeOperationTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailroom",
			Subsystem: "store",
			Name:      "operations_total",
			Help:      "Total store operations",
		},
		[]string{"store", "operation", "result"},
	)

	// storeOperationErrors counts store operation errors by type
	storeOperationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailroom",
			Subsystem: "store",
			Name:      "operation_errors_total",
			Help:      "Store operation errors by type",
		},
		[]string{"store", "operation", "error_type"},
	)
)

// SlowOperationThreshold defines when a store call is considered slow
const SlowOperationThreshold = 100 * time.Millisecond

// Instrument wraps a store operation with metrics and logging.
// It records duration, success/failure counts, and logs slow calls.
func Instrument[T any](
	ctx context.Context,
	store string,
	operation string,
	fn func() (T, error),
) (T, error) {
	start := time.Now()

	result, err := fn()

	duration := time.Since(start)

	// Record duration metric
	storeOperationDuration.WithLabelValues(store, operation).Observe(duration.Seconds())

	if err != nil {
		// Record error metrics
		storeOperationTotal.WithLabelValues(store, operation, "error").Inc()
		storeOperationErrors.WithLabelValues(store, operation, classifyError(err)).Inc()

		// Always log errors
		slog.Error("Store operation failed",
			"store", store,
			"operation", operation,
			"duration_ms", duration.Milliseconds(),
			"error", err)
	} else {
		// Record success
		storeOperationTotal.WithLabelValues(store, operation, "success").Inc()

		// Log slow calls
		if duration > SlowOperationThreshold {
			slog.Warn("Slow store operation",
				"store", store,
				"operation", operation,
				"duration_ms", duration.Milliseconds())
		}
	}

	return result, err
}

// InstrumentVoid wraps a store operation that returns only an error.
func InstrumentVoid(
	ctx context.Context,
	store string,
	operation string,
	fn func() error,
) error {
	_, err := Instrument(ctx, store, operation, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// classifyError returns a label-safe error type for metrics
func classifyError(err error) string {
	if errors.Is(err, ErrNotFound) {
		return "not_found"
	}
	if errors.Is(err, ErrDuplicateKey) {
		return "duplicate_key"
	}
	if errors.Is(err, ErrUnsupported) {
		return "unsupported"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	return "internal"
}

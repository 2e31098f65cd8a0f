package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Worker metrics

	// WorkerMessagesCaptured tracks messages captured by polling workers
	WorkerMessagesCaptured = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailroom",
			Subsystem: "worker",
			Name:      "messages_captured_total",
			Help:      "Total messages captured under a processing lease",
		},
		[]string{"inbox"},
	)

	// WorkerMessagesProcessed tracks handler outcomes per message
	WorkerMessagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailroom",
			Subsystem: "worker",
			Name:      "messages_processed_total",
			Help:      "Total messages processed by outcome",
		},
		[]string{"inbox", "result"}, // result: completed, failed, released, dead_lettered
	)

	// WorkerBatchSize tracks captured batch sizes
	WorkerBatchSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mailroom",
			Subsystem: "worker",
			Name:      "batch_size",
			Help:      "Messages per captured batch",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64, 128},
		},
		[]string{"inbox"},
	)

	// WorkerBatchDuration tracks time to process one captured batch
	WorkerBatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mailroom",
			Subsystem: "worker",
			Name:      "batch_duration_seconds",
			Help:      "Time to process a captured batch",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"inbox"},
	)

	// WorkerLeaseExtensions tracks successful lease extension rounds
	WorkerLeaseExtensions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailroom",
			Subsystem: "worker",
			Name:      "lease_extensions_total",
			Help:      "Total lease extension rounds",
		},
		[]string{"inbox"},
	)

	// WorkerLeaseExtensionFailures tracks failed lease extension rounds
	WorkerLeaseExtensionFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailroom",
			Subsystem: "worker",
			Name:      "lease_extension_failures_total",
			Help:      "Total failed lease extension rounds",
		},
		[]string{"inbox"},
	)

	// WorkerLoopState tracks per-inbox loop state
	// 0 = stopped, 1 = starting, 2 = running, 3 = stopping
	WorkerLoopState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mailroom",
			Subsystem: "worker",
			Name:      "loop_state",
			Help:      "Processing loop state (0=stopped, 1=starting, 2=running, 3=stopping)",
		},
		[]string{"inbox"},
	)

	// WorkerPollErrors tracks poll iterations that failed
	WorkerPollErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailroom",
			Subsystem: "worker",
			Name:      "poll_errors_total",
			Help:      "Total poll iterations that ended in an error",
		},
		[]string{"inbox"},
	)

	// Inbox depth metrics (from store health snapshots)

	// InboxPendingMessages tracks uncaptured messages per inbox
	InboxPendingMessages = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mailroom",
			Subsystem: "inbox",
			Name:      "pending_messages",
			Help:      "Number of uncaptured messages",
		},
		[]string{"inbox"},
	)

	// InboxCapturedMessages tracks leased messages per inbox
	InboxCapturedMessages = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mailroom",
			Subsystem: "inbox",
			Name:      "captured_messages",
			Help:      "Number of currently leased messages",
		},
		[]string{"inbox"},
	)

	// InboxDeadLetterMessages tracks retained dead letters per inbox
	InboxDeadLetterMessages = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mailroom",
			Subsystem: "inbox",
			Name:      "dead_letter_messages",
			Help:      "Number of retained dead letters",
		},
		[]string{"inbox"},
	)

	// InboxOldestPendingAge tracks the age of the oldest pending message
	InboxOldestPendingAge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mailroom",
			Subsystem: "inbox",
			Name:      "oldest_pending_age_seconds",
			Help:      "Age of the oldest uncaptured message in seconds",
		},
		[]string{"inbox"},
	)

	// Writer metrics

	// WriterMessagesWritten tracks messages written per inbox
	WriterMessagesWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailroom",
			Subsystem: "writer",
			Name:      "messages_written_total",
			Help:      "Total messages written",
		},
		[]string{"inbox"},
	)

	// WriterWriteErrors tracks write failures per inbox
	WriterWriteErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailroom",
			Subsystem: "writer",
			Name:      "write_errors_total",
			Help:      "Total write failures",
		},
		[]string{"inbox"},
	)

	// WriterCircuitBreakerState tracks circuit breaker state
	// 0 = closed (healthy), 1 = open (tripped), 2 = half-open (testing)
	WriterCircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mailroom",
			Subsystem: "writer",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"name"},
	)

	// WriterCircuitBreakerTrips tracks circuit breaker trip events
	WriterCircuitBreakerTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailroom",
			Subsystem: "writer",
			Name:      "circuit_breaker_trips_total",
			Help:      "Total circuit breaker trip events",
		},
		[]string{"name"},
	)

	// Cleanup metrics

	// CleanupDeletions tracks rows removed by retention sweeps
	CleanupDeletions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailroom",
			Subsystem: "cleanup",
			Name:      "deletions_total",
			Help:      "Total records removed by retention sweeps",
		},
		[]string{"inbox", "kind"}, // kind: dead_letter, deduplication, group_lock
	)

	// CleanupSweeps tracks sweep outcomes per cleanup kind
	CleanupSweeps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailroom",
			Subsystem: "cleanup",
			Name:      "sweeps_total",
			Help:      "Total retention sweeps by outcome",
		},
		[]string{"kind", "result"}, // result: success, failed
	)

	// CleanupLoopRestarts tracks supervised loop restarts after errors
	CleanupLoopRestarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailroom",
			Subsystem: "cleanup",
			Name:      "loop_restarts_total",
			Help:      "Total cleanup loop restarts after uncaught errors",
		},
		[]string{"kind"},
	)

	// CleanupLeaderState tracks leader election status for the cleanup loops
	// 0 = follower, 1 = leader
	CleanupLeaderState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mailroom",
			Subsystem: "cleanup",
			Name:      "leader_election_state",
			Help:      "Leader election state (0=follower, 1=leader)",
		},
	)

	// Ingest metrics

	// IngestMessages tracks broker deliveries written into inboxes
	IngestMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailroom",
			Subsystem: "ingest",
			Name:      "messages_total",
			Help:      "Total broker deliveries handled by outcome",
		},
		[]string{"source", "result"}, // source: nats, sqs; result: written, failed
	)

	// IngestReceiveErrors tracks broker receive failures
	IngestReceiveErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailroom",
			Subsystem: "ingest",
			Name:      "receive_errors_total",
			Help:      "Total broker receive failures",
		},
		[]string{"source"},
	)
)

// CircuitBreakerState constants
const (
	CircuitBreakerClosed   = 0
	CircuitBreakerOpen     = 1
	CircuitBreakerHalfOpen = 2
)

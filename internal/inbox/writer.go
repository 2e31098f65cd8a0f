package inbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"go.mailroom.tech/internal/common/clock"
	"go.mailroom.tech/internal/common/metrics"
)

// ErrInboxNotConfigured is returned for writes to an inbox the writer does
// not know about.
var ErrInboxNotConfigured = errors.New("inbox not configured")

// WriterConfig configures the write path
type WriterConfig struct {
	// CircuitBreaker settings. The breaker is off by default; when it is
	// open, writes fail fast with gobreaker.ErrOpenState.
	CircuitBreakerEnabled     bool
	CircuitBreakerRequests    uint32        // Max requests in half-open state
	CircuitBreakerInterval    time.Duration // Stats window
	CircuitBreakerRatio       float64       // Failure ratio to trip
	CircuitBreakerTimeout     time.Duration // Time in open state before half-open
	CircuitBreakerMinRequests uint32        // Min requests before evaluating ratio
}

// DefaultWriterConfig returns sensible defaults
func DefaultWriterConfig() *WriterConfig {
	return &WriterConfig{
		CircuitBreakerEnabled:     false,
		CircuitBreakerRequests:    10,
		CircuitBreakerInterval:    60 * time.Second,
		CircuitBreakerRatio:       0.5,
		CircuitBreakerTimeout:     5 * time.Second,
		CircuitBreakerMinRequests: 10,
	}
}

// WriteOption customizes a message before it is written
type WriteOption func(*Message)

// WithID supplies the message id instead of generating one. Writes with an
// id already present in the store are idempotent no-ops.
func WithID(id uuid.UUID) WriteOption {
	return func(m *Message) { m.ID = id }
}

// WithGroupID assigns the FIFO ordering group
func WithGroupID(groupID string) WriteOption {
	return func(m *Message) { m.GroupID = groupID }
}

// WithCollapseKey marks the message to replace pending messages sharing the
// same key
func WithCollapseKey(key string) WriteOption {
	return func(m *Message) { m.CollapseKey = key }
}

// WithDeduplicationID sets the deduplication key
func WithDeduplicationID(id string) WriteOption {
	return func(m *Message) { m.DeduplicationID = id }
}

// Writer is the client-facing write path. It fills in message defaults,
// validates against the inbox definition and hands off to the store, with
// batch chunking and an optional circuit breaker.
type Writer struct {
	store   Store
	clk     clock.Clock
	inboxes map[string]Definition
	breaker *gobreaker.CircuitBreaker
}

// NewWriter creates a writer for the given inbox definitions
func NewWriter(store Store, cfg *WriterConfig, defs []Definition, clk clock.Clock) (*Writer, error) {
	if cfg == nil {
		cfg = DefaultWriterConfig()
	}
	if clk == nil {
		clk = clock.System{}
	}

	inboxes := make(map[string]Definition, len(defs))
	for _, def := range defs {
		if err := def.Validate(); err != nil {
			return nil, err
		}
		if _, exists := inboxes[def.Name]; exists {
			return nil, fmt.Errorf("duplicate inbox definition: %s", def.Name)
		}
		inboxes[def.Name] = def
	}

	w := &Writer{
		store:   store,
		clk:     clk,
		inboxes: inboxes,
	}

	if cfg.CircuitBreakerEnabled {
		w.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "inbox-writer",
			MaxRequests: cfg.CircuitBreakerRequests,
			Interval:    cfg.CircuitBreakerInterval,
			Timeout:     cfg.CircuitBreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				if counts.Requests < cfg.CircuitBreakerMinRequests {
					return false
				}
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return failureRatio >= cfg.CircuitBreakerRatio
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				slog.Info("Circuit breaker state changed",
					"name", name,
					"from", from.String(),
					"to", to.String())

				var stateValue float64
				switch to {
				case gobreaker.StateClosed:
					stateValue = float64(metrics.CircuitBreakerClosed)
				case gobreaker.StateOpen:
					stateValue = float64(metrics.CircuitBreakerOpen)
					metrics.WriterCircuitBreakerTrips.WithLabelValues(name).Inc()
				case gobreaker.StateHalfOpen:
					stateValue = float64(metrics.CircuitBreakerHalfOpen)
				}
				metrics.WriterCircuitBreakerState.WithLabelValues(name).Set(stateValue)
			},
		})
	}

	return w, nil
}

// Write writes one message and returns its id
func (w *Writer) Write(ctx context.Context, inboxName, messageType string, payload []byte, opts ...WriteOption) (uuid.UUID, error) {
	def, msg, err := w.prepare(inboxName, messageType, payload, opts)
	if err != nil {
		return uuid.Nil, err
	}

	err = w.execute(func() error {
		return w.store.Write(ctx, msg, writeOptionsFor(def))
	})
	if err != nil {
		metrics.WriterWriteErrors.WithLabelValues(inboxName).Inc()
		return uuid.Nil, fmt.Errorf("write to inbox %s: %w", inboxName, err)
	}

	metrics.WriterMessagesWritten.WithLabelValues(inboxName).Inc()
	return msg.ID, nil
}

// Batch groups one prepared message for WriteBatch
type Batch struct {
	MessageType string
	Payload     []byte
	Options     []WriteOption
}

// WriteBatch writes a batch of messages to one inbox. The batch is split
// into WriteBatchSize chunks written with at most MaxWriteThreads in
// flight. The first chunk error is returned; chunks are independent, so a
// failed call may have written a subset (writes are id-idempotent, retrying
// the batch is safe).
func (w *Writer) WriteBatch(ctx context.Context, inboxName string, batch []Batch) ([]uuid.UUID, error) {
	if len(batch) == 0 {
		return nil, nil
	}

	def, ok := w.inboxes[inboxName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInboxNotConfigured, inboxName)
	}

	msgs := make([]*Message, len(batch))
	ids := make([]uuid.UUID, len(batch))
	for i, b := range batch {
		_, msg, err := w.prepare(inboxName, b.MessageType, b.Payload, b.Options)
		if err != nil {
			return nil, err
		}
		msgs[i] = msg
		ids[i] = msg.ID
	}

	opts := writeOptionsFor(def)
	chunkSize := def.Settings.WriteBatchSize
	sem := make(chan struct{}, def.Settings.MaxWriteThreads)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for start := 0; start < len(msgs); start += chunkSize {
		end := start + chunkSize
		if end > len(msgs) {
			end = len(msgs)
		}
		chunk := msgs[start:end]

		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			err := w.execute(func() error {
				return w.store.WriteBatch(ctx, chunk, opts)
			})

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				metrics.WriterWriteErrors.WithLabelValues(inboxName).Add(float64(len(chunk)))
				return
			}
			metrics.WriterMessagesWritten.WithLabelValues(inboxName).Add(float64(len(chunk)))
		}()
	}
	wg.Wait()

	if firstErr != nil {
		return nil, fmt.Errorf("write batch to inbox %s: %w", inboxName, firstErr)
	}
	return ids, nil
}

// prepare builds and validates a message for the named inbox
func (w *Writer) prepare(inboxName, messageType string, payload []byte, opts []WriteOption) (Definition, *Message, error) {
	def, ok := w.inboxes[inboxName]
	if !ok {
		return Definition{}, nil, fmt.Errorf("%w: %s", ErrInboxNotConfigured, inboxName)
	}
	if messageType == "" {
		return Definition{}, nil, fmt.Errorf("inbox %s: message type must not be empty", inboxName)
	}

	msg := NewMessage(inboxName, messageType, payload, w.clk.Now())
	for _, opt := range opts {
		opt(msg)
	}
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}

	if def.Type.IsFifo() && msg.GroupID == "" {
		return Definition{}, nil, fmt.Errorf("inbox %s is %s: group id is required", inboxName, def.Type)
	}

	return def, msg, nil
}

func (w *Writer) execute(fn func() error) error {
	if w.breaker == nil {
		return fn()
	}
	_, err := w.breaker.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

func writeOptionsFor(def Definition) WriteOptions {
	return WriteOptions{
		Deduplicate:           def.Settings.EnableDeduplication,
		DeduplicationInterval: def.Settings.DeduplicationInterval,
	}
}

// Package ingest feeds inboxes from message brokers. Each ingester runs as
// a lifecycle service: it receives deliveries, writes them through the
// inbox writer and acknowledges only after the write succeeds, so the
// broker redelivers anything lost in between. Deduplication absorbs those
// redeliveries when the inbox has it enabled.
package ingest

import (
	"context"
	"fmt"
	"time"

	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"go.mailroom.tech/internal/common/metrics"
	"go.mailroom.tech/internal/inbox"
)

// NATSConfig configures the NATS JetStream ingester
type NATSConfig struct {
	// URL of the NATS server
	URL string

	// StreamName is the JetStream stream to consume
	StreamName string

	// ConsumerName is the durable consumer name
	ConsumerName string

	// FilterSubject limits the consumer to matching subjects
	FilterSubject string

	// InboxName is the target inbox for every delivery
	InboxName string

	// SubjectTypes maps a subject to a MessageType. Deliveries on unmapped
	// subjects use the TypeHeader, then the subject itself.
	SubjectTypes map[string]string

	// TypeHeader is the header carrying the MessageType (default
	// "Mailroom-Type")
	TypeHeader string

	// AckWait before JetStream redelivers an unacked message
	AckWait time.Duration

	// MaxDeliver caps broker-side redeliveries
	MaxDeliver int
}

// DefaultNATSConfig returns sensible defaults
func DefaultNATSConfig() *NATSConfig {
	return &NATSConfig{
		URL:          "nats://localhost:4222",
		StreamName:   "MAILROOM",
		ConsumerName: "mailroom-ingest",
		TypeHeader:   "Mailroom-Type",
		AckWait:      2 * time.Minute,
		MaxDeliver:   5,
	}
}

// NATSIngest consumes a JetStream stream into one inbox
type NATSIngest struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	config *NATSConfig
	writer *inbox.Writer
}

// NewNATSIngest connects to NATS and prepares the ingester
func NewNATSIngest(cfg *NATSConfig, writer *inbox.Writer) (*NATSIngest, error) {
	if cfg == nil {
		cfg = DefaultNATSConfig()
	}
	if cfg.InboxName == "" {
		return nil, fmt.Errorf("nats ingest: inbox name must be configured")
	}

	conn, err := nats.Connect(cfg.URL,
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &NATSIngest{
		conn:   conn,
		js:     js,
		config: cfg,
		writer: writer,
	}, nil
}

func (n *NATSIngest) Name() string {
	return "nats-ingest"
}

// Start consumes until ctx is cancelled
func (n *NATSIngest) Start(ctx context.Context) error {
	stream, err := n.js.Stream(ctx, n.config.StreamName)
	if err != nil {
		return fmt.Errorf("failed to get stream %s: %w", n.config.StreamName, err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          n.config.ConsumerName,
		Durable:       n.config.ConsumerName,
		FilterSubject: n.config.FilterSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       n.config.AckWait,
		MaxDeliver:    n.config.MaxDeliver,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		ReplayPolicy:  jetstream.ReplayInstantPolicy,
		MaxAckPending: 1000,
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	slog.Info("Starting NATS ingest",
		"stream", n.config.StreamName,
		"consumer", n.config.ConsumerName,
		"inbox", n.config.InboxName)

	iter, err := consumer.Messages()
	if err != nil {
		return fmt.Errorf("failed to create message iterator: %w", err)
	}
	defer iter.Stop()

	go func() {
		<-ctx.Done()
		iter.Stop()
	}()

	for {
		msg, err := iter.Next()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if err == jetstream.ErrMsgIteratorClosed {
				return nil
			}
			metrics.IngestReceiveErrors.WithLabelValues("nats").Inc()
			slog.Error("Error getting next NATS message", "error", err)
			continue
		}
		n.handle(ctx, msg)
	}
}

func (n *NATSIngest) handle(ctx context.Context, msg jetstream.Msg) {
	messageType := n.messageType(msg)

	var opts []inbox.WriteOption
	if id := msg.Headers().Get("Nats-Msg-Id"); id != "" {
		opts = append(opts, inbox.WithDeduplicationID(id))
	}
	if group := msg.Headers().Get("Nats-Msg-Group"); group != "" {
		opts = append(opts, inbox.WithGroupID(group))
	}

	_, err := n.writer.Write(ctx, n.config.InboxName, messageType, msg.Data(), opts...)
	if err != nil {
		metrics.IngestMessages.WithLabelValues("nats", "failed").Inc()
		slog.Error("Failed to write NATS delivery to inbox",
			"subject", msg.Subject(),
			"inbox", n.config.InboxName,
			"error", err)
		if nakErr := msg.Nak(); nakErr != nil {
			slog.Warn("Failed to NAK message", "error", nakErr)
		}
		return
	}

	if err := msg.Ack(); err != nil {
		// Written but not acked: the redelivery is absorbed by
		// deduplication when enabled
		slog.Warn("Failed to ACK message after write", "subject", msg.Subject(), "error", err)
		return
	}
	metrics.IngestMessages.WithLabelValues("nats", "written").Inc()
}

func (n *NATSIngest) messageType(msg jetstream.Msg) string {
	if t := msg.Headers().Get(n.config.TypeHeader); t != "" {
		return t
	}
	if t, ok := n.config.SubjectTypes[msg.Subject()]; ok {
		return t
	}
	return msg.Subject()
}

func (n *NATSIngest) Stop(ctx context.Context) error {
	if err := n.conn.Drain(); err != nil {
		slog.Warn("NATS drain failed", "error", err)
	}
	n.conn.Close()
	return nil
}

func (n *NATSIngest) Health() error {
	if !n.conn.IsConnected() {
		return fmt.Errorf("nats connection down")
	}
	return nil
}

// Connected reports whether the NATS connection is currently up. Used by
// the readiness check.
func (n *NATSIngest) Connected() bool {
	return n.conn.IsConnected()
}

package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"go.mailroom.tech/internal/common/metrics"
	"go.mailroom.tech/internal/inbox"
)

// SQSAPI is the slice of the SQS client the ingester uses, for unit fakes
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// SQSConfig configures the SQS ingester
type SQSConfig struct {
	// QueueURL is the SQS queue to long-poll
	QueueURL string

	// Region for the AWS client
	Region string

	// InboxName is the target inbox for every delivery
	InboxName string

	// TypeAttribute is the message attribute carrying the MessageType
	// (default "MessageType")
	TypeAttribute string

	// DefaultMessageType is used when the attribute is absent
	DefaultMessageType string

	// WaitTimeSeconds for long polling (default 20, the SQS maximum)
	WaitTimeSeconds int32

	// MaxNumberOfMessages per receive (default 10, the SQS maximum)
	MaxNumberOfMessages int32

	// VisibilityTimeout before an undeleted message reappears
	VisibilityTimeout int32

	// CustomEndpoint is used for LocalStack/testing
	CustomEndpoint string

	// AccessKeyID for custom credentials (optional, for testing)
	AccessKeyID string

	// SecretAccessKey for custom credentials (optional, for testing)
	SecretAccessKey string
}

// DefaultSQSConfig returns sensible defaults
func DefaultSQSConfig() *SQSConfig {
	return &SQSConfig{
		TypeAttribute:       "MessageType",
		WaitTimeSeconds:     20,
		MaxNumberOfMessages: 10,
		VisibilityTimeout:   120,
	}
}

// SQSIngest long-polls an SQS queue into one inbox. A message is deleted
// from the queue only after the inbox write succeeds; everything else
// comes back via the visibility timeout.
type SQSIngest struct {
	client SQSAPI
	config *SQSConfig
	writer *inbox.Writer

	mu      sync.Mutex
	running bool
}

// NewSQSIngest builds the AWS client and the ingester
func NewSQSIngest(ctx context.Context, cfg *SQSConfig, writer *inbox.Writer) (*SQSIngest, error) {
	if cfg == nil {
		return nil, fmt.Errorf("sqs ingest: config must not be nil")
	}
	applySQSDefaults(cfg)

	var awsCfg aws.Config
	var err error
	if cfg.CustomEndpoint != "" {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.Region),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID, cfg.SecretAccessKey, "",
			)),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
			o.BaseEndpoint = aws.String(cfg.CustomEndpoint)
		})
		return NewSQSIngestWithClient(client, cfg, writer)
	}

	awsCfg, err = awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewSQSIngestWithClient(sqs.NewFromConfig(awsCfg), cfg, writer)
}

// NewSQSIngestWithClient wires an existing client, for tests
func NewSQSIngestWithClient(client SQSAPI, cfg *SQSConfig, writer *inbox.Writer) (*SQSIngest, error) {
	if cfg.QueueURL == "" {
		return nil, fmt.Errorf("sqs ingest: queue URL must be configured")
	}
	if cfg.InboxName == "" {
		return nil, fmt.Errorf("sqs ingest: inbox name must be configured")
	}
	applySQSDefaults(cfg)

	return &SQSIngest{
		client: client,
		config: cfg,
		writer: writer,
	}, nil
}

func applySQSDefaults(cfg *SQSConfig) {
	if cfg.TypeAttribute == "" {
		cfg.TypeAttribute = "MessageType"
	}
	if cfg.WaitTimeSeconds == 0 {
		cfg.WaitTimeSeconds = 20
	}
	if cfg.MaxNumberOfMessages == 0 {
		cfg.MaxNumberOfMessages = 10
	}
	if cfg.VisibilityTimeout == 0 {
		cfg.VisibilityTimeout = 120
	}
}

func (s *SQSIngest) Name() string {
	return "sqs-ingest"
}

// Start polls until ctx is cancelled
func (s *SQSIngest) Start(ctx context.Context) error {
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	slog.Info("Starting SQS ingest",
		"queueURL", s.config.QueueURL,
		"inbox", s.config.InboxName)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		batchSize, err := s.poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			metrics.IngestReceiveErrors.WithLabelValues("sqs").Inc()
			slog.Error("Error polling SQS", "error", err)
			sleepCtx(ctx, time.Second)
			continue
		}

		// Long polling already waited when the queue was empty; a partial
		// batch gets a short pause so deliveries can accumulate
		if batchSize > 0 && batchSize < int(s.config.MaxNumberOfMessages) {
			sleepCtx(ctx, 50*time.Millisecond)
		}
	}
}

func (s *SQSIngest) poll(ctx context.Context) (int, error) {
	result, err := s.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:                    aws.String(s.config.QueueURL),
		MaxNumberOfMessages:         s.config.MaxNumberOfMessages,
		WaitTimeSeconds:             s.config.WaitTimeSeconds,
		VisibilityTimeout:           s.config.VisibilityTimeout,
		MessageAttributeNames:       []string{"All"},
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{"All"},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to receive messages: %w", err)
	}

	for _, msg := range result.Messages {
		s.handle(ctx, msg)
	}
	return len(result.Messages), nil
}

func (s *SQSIngest) handle(ctx context.Context, msg types.Message) {
	messageType := s.messageType(msg)
	if messageType == "" {
		slog.Warn("SQS delivery has no message type, leaving for redelivery",
			"sqsMessageId", aws.ToString(msg.MessageId))
		metrics.IngestMessages.WithLabelValues("sqs", "failed").Inc()
		return
	}

	opts := []inbox.WriteOption{
		inbox.WithDeduplicationID(aws.ToString(msg.MessageId)),
	}
	if group, ok := msg.Attributes["MessageGroupId"]; ok && group != "" {
		opts = append(opts, inbox.WithGroupID(group))
	}

	var payload []byte
	if msg.Body != nil {
		payload = []byte(*msg.Body)
	}

	_, err := s.writer.Write(ctx, s.config.InboxName, messageType, payload, opts...)
	if err != nil {
		metrics.IngestMessages.WithLabelValues("sqs", "failed").Inc()
		slog.Error("Failed to write SQS delivery to inbox",
			"sqsMessageId", aws.ToString(msg.MessageId),
			"inbox", s.config.InboxName,
			"error", err)
		return // visibility timeout redelivers
	}

	_, err = s.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(s.config.QueueURL),
		ReceiptHandle: msg.ReceiptHandle,
	})
	if err != nil {
		// Written but not deleted: the redelivery is absorbed by the
		// dedup id set from the SQS message id
		slog.Warn("Failed to delete SQS message after write",
			"sqsMessageId", aws.ToString(msg.MessageId),
			"error", err)
		return
	}
	metrics.IngestMessages.WithLabelValues("sqs", "written").Inc()
}

func (s *SQSIngest) messageType(msg types.Message) string {
	if attr, ok := msg.MessageAttributes[s.config.TypeAttribute]; ok && attr.StringValue != nil {
		return *attr.StringValue
	}
	return s.config.DefaultMessageType
}

func (s *SQSIngest) Stop(ctx context.Context) error {
	return nil // Start exits on ctx cancellation
}

func (s *SQSIngest) Health() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return fmt.Errorf("sqs ingest not running")
	}
	return nil
}

// CheckQueue verifies the queue is reachable. Used by the readiness check.
func (s *SQSIngest) CheckQueue(ctx context.Context) error {
	_, err := s.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(s.config.QueueURL),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameApproximateNumberOfMessages},
	})
	if err != nil {
		return fmt.Errorf("queue %s unreachable: %w", s.config.QueueURL, err)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

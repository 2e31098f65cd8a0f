//go:build integration

// Integration tests against a real SQS queue in LocalStack. They require
// Docker and are run with -tags integration.
package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/localstack"

	"go.mailroom.tech/internal/common/clock"
	"go.mailroom.tech/internal/inbox"
)

func startLocalStack(ctx context.Context, t *testing.T) (*sqs.Client, string, func()) {
	t.Helper()

	container, err := localstack.Run(ctx,
		"localstack/localstack:3.0",
		testcontainers.WithEnv(map[string]string{
			"SERVICES": "sqs",
		}),
	)
	if err != nil {
		t.Fatalf("Failed to start localstack: %v", err)
	}
	terminate := func() { container.Terminate(ctx) }

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		terminate()
		t.Fatalf("Failed to get endpoint: %v", err)
	}
	endpoint = "http://" + endpoint

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion("us-east-1"),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			"test", "test", "test",
		)),
	)
	if err != nil {
		terminate()
		t.Fatalf("Failed to load AWS config: %v", err)
	}
	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})

	return client, endpoint, terminate
}

func TestSQSIngestIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	client, endpoint, terminate := startLocalStack(ctx, t)
	defer terminate()

	queue, err := client.CreateQueue(ctx, &sqs.CreateQueueInput{
		QueueName: aws.String("mailroom-ingest-test"),
	})
	if err != nil {
		t.Fatalf("Failed to create queue: %v", err)
	}
	queueURL := aws.ToString(queue.QueueUrl)

	clk := clock.System{}
	store := inbox.NewMemoryStore(clk)
	defs := []inbox.Definition{inbox.NewDefinition("orders", inbox.TypeDefault)}
	writer, err := inbox.NewWriter(store, nil, defs, clk)
	if err != nil {
		t.Fatalf("Failed to create writer: %v", err)
	}

	cfg := &SQSConfig{
		QueueURL:          queueURL,
		Region:            "us-east-1",
		InboxName:         "orders",
		WaitTimeSeconds:   1,
		VisibilityTimeout: 30,
		CustomEndpoint:    endpoint,
		AccessKeyID:       "test",
		SecretAccessKey:   "test",
	}
	ingester, err := NewSQSIngest(ctx, cfg, writer)
	if err != nil {
		t.Fatalf("Failed to create ingester: %v", err)
	}

	_, err = client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(queueURL),
		MessageBody: aws.String(`{"orderId":"o-1"}`),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"MessageType": {
				DataType:    aws.String("String"),
				StringValue: aws.String("order.created"),
			},
		},
	})
	if err != nil {
		t.Fatalf("Failed to send message: %v", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ingester.Start(runCtx)
	}()

	// Wait for the delivery to land in the inbox
	deadline := time.After(30 * time.Second)
	for {
		msgs, err := store.ReadAndCapture(ctx, inbox.ReadRequest{
			InboxName:         "orders",
			WorkerID:          "w1",
			BatchSize:         10,
			MaxProcessingTime: time.Minute,
		})
		if err != nil {
			t.Fatalf("ReadAndCapture failed: %v", err)
		}
		if len(msgs) == 1 {
			if msgs[0].MessageType != "order.created" {
				t.Errorf("unexpected message type %q", msgs[0].MessageType)
			}
			if string(msgs[0].Payload) != `{"orderId":"o-1"}` {
				t.Errorf("unexpected payload %s", msgs[0].Payload)
			}
			if msgs[0].DeduplicationID == "" {
				t.Error("the SQS message id should carry over as the dedup id")
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("Timeout waiting for the delivery")
		case <-time.After(100 * time.Millisecond):
		}
	}

	// The write must be followed by the queue-side delete
	attrs, err := client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(queueURL),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameApproximateNumberOfMessages},
	})
	if err != nil {
		t.Fatalf("GetQueueAttributes failed: %v", err)
	}
	if n := attrs.Attributes["ApproximateNumberOfMessages"]; n != "0" {
		t.Errorf("expected an empty queue after ingest, got %s visible messages", n)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Timeout waiting for the ingester to stop")
	}
}

// Package sqsqueue implements the durable queue contract on Amazon SQS,
// which provides visibility timeouts, receive counts, and dead-letter
// redrive natively. The redrive policy (including maxReceiveCount) is
// configured on the queue itself; this client surfaces what the service
// reports.
package sqsqueue

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/streamio/transcoder/internal/queue"
)

// Config holds SQS queue configuration.
type Config struct {
	Region             string
	QueueURL           string
	DeadLetterQueueURL string

	// WaitTime enables long polling on Receive.
	WaitTime time.Duration
}

// maxReceiveBatch is the hard cap SQS puts on a single receive call.
const maxReceiveBatch = 10

// api is the slice of the SQS client this backend uses.
type api interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, opts ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, opts ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, opts ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, opts ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// Queue is an SQS-backed durable queue.
type Queue struct {
	client api
	config *Config
	logger *slog.Logger
}

var _ queue.Queue = (*Queue)(nil)
var _ queue.DeadLetterReader = (*Queue)(nil)

// New creates a queue using the default AWS credential chain.
func New(ctx context.Context, config *Config, logger *slog.Logger) (*Queue, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(config.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.Info("SQS queue initialized",
		slog.String("queue_url", config.QueueURL),
		slog.String("region", config.Region),
	)

	return NewFromClient(sqs.NewFromConfig(awsCfg), config, logger), nil
}

// NewFromClient creates a queue around an existing client.
func NewFromClient(client api, config *Config, logger *slog.Logger) *Queue {
	return &Queue{
		client: client,
		config: config,
		logger: logger,
	}
}

func (q *Queue) Enqueue(ctx context.Context, body []byte) (string, error) {
	out, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.config.QueueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return "", queue.NewTransportError("enqueue", err)
	}
	return aws.ToString(out.MessageId), nil
}

func (q *Queue) Receive(ctx context.Context, max int, visibility time.Duration) ([]queue.Message, error) {
	if max > maxReceiveBatch {
		max = maxReceiveBatch
	}

	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.config.QueueURL),
		MaxNumberOfMessages: int32(max),
		VisibilityTimeout:   int32(visibility / time.Second),
		WaitTimeSeconds:     int32(q.config.WaitTime / time.Second),
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	if err != nil {
		return nil, queue.NewTransportError("receive", err)
	}

	msgs := make([]queue.Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		msgs = append(msgs, toMessage(m))
	}
	return msgs, nil
}

func (q *Queue) Acknowledge(ctx context.Context, receiptHandle string) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.config.QueueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return queue.NewTransportError("acknowledge", err)
	}
	return nil
}

func (q *Queue) ExtendVisibility(ctx context.Context, receiptHandle string, d time.Duration) error {
	_, err := q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(q.config.QueueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: int32(d / time.Second),
	})
	if err != nil {
		return queue.NewTransportError("extend visibility", err)
	}
	return nil
}

// ListDeadLetters reads the redrive target queue with zero visibility so
// inspection does not hide messages from other readers.
func (q *Queue) ListDeadLetters(ctx context.Context, limit int) ([]queue.Message, error) {
	if q.config.DeadLetterQueueURL == "" {
		return nil, fmt.Errorf("no dead-letter queue configured")
	}

	batch := limit
	if batch > maxReceiveBatch {
		batch = maxReceiveBatch
	}

	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.config.DeadLetterQueueURL),
		MaxNumberOfMessages: int32(batch),
		VisibilityTimeout:   0,
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	if err != nil {
		return nil, queue.NewTransportError("list dead letters", err)
	}

	msgs := make([]queue.Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		msgs = append(msgs, toMessage(m))
	}
	return msgs, nil
}

func toMessage(m types.Message) queue.Message {
	receiveCount := 0
	if raw, ok := m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
		if n, err := strconv.Atoi(raw); err == nil {
			receiveCount = n
		}
	}
	return queue.Message{
		ID:            aws.ToString(m.MessageId),
		Body:          []byte(aws.ToString(m.Body)),
		ReceiveCount:  receiveCount,
		ReceiptHandle: aws.ToString(m.ReceiptHandle),
	}
}

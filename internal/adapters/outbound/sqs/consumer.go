// Package sqs feeds unhealthy positions from an AWS SQS queue.
package sqs

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/archon-research/liquidator/internal/ports/outbound"
)

// sqsAPI defines the subset of SQS operations needed by the Consumer.
type sqsAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Compile-time check that Consumer implements outbound.PositionQueue
var _ outbound.PositionQueue = (*Consumer)(nil)

// maxBatch is the SQS limit on messages per receive.
const maxBatch = 10

// Config holds SQS consumer configuration.
type Config struct {
	QueueURL string

	// WaitTimeSeconds is the long-poll duration, at most 20.
	WaitTimeSeconds int32

	// VisibilityTimeout hides received messages from other replicas while
	// they are decoded. Zero keeps the queue's own setting.
	VisibilityTimeout int32
}

// ConfigDefaults returns the consumer defaults. The short long-poll keeps an
// empty queue from stalling the loop far beyond its idle interval.
func ConfigDefaults() Config {
	return Config{
		WaitTimeSeconds: 1,
	}
}

// Consumer is an SQS implementation of the outbound.PositionQueue port.
type Consumer struct {
	client sqsAPI
	config Config
	logger *slog.Logger
}

// NewConsumer creates a consumer using an SQS client built from cfg.
func NewConsumer(cfg aws.Config, sqsConfig Config, logger *slog.Logger, optFns ...func(*sqs.Options)) (*Consumer, error) {
	return newConsumer(sqs.NewFromConfig(cfg, optFns...), sqsConfig, logger)
}

func newConsumer(client sqsAPI, cfg Config, logger *slog.Logger) (*Consumer, error) {
	if cfg.QueueURL == "" {
		return nil, fmt.Errorf("queue URL is required")
	}
	if cfg.WaitTimeSeconds == 0 {
		cfg.WaitTimeSeconds = ConfigDefaults().WaitTimeSeconds
	}
	if cfg.WaitTimeSeconds > 20 {
		cfg.WaitTimeSeconds = 20
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Consumer{
		client: client,
		config: cfg,
		logger: logger.With("component", "sqs-consumer"),
	}, nil
}

// ReceiveMessages fetches up to maxMessages from the queue.
func (c *Consumer) ReceiveMessages(ctx context.Context, maxMessages int) ([]outbound.QueuedMessage, error) {
	maxMessages = max(1, min(maxMessages, maxBatch))

	input := &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.config.QueueURL),
		MaxNumberOfMessages: int32(maxMessages),
		WaitTimeSeconds:     c.config.WaitTimeSeconds,
	}
	if c.config.VisibilityTimeout > 0 {
		input.VisibilityTimeout = c.config.VisibilityTimeout
	}

	result, err := c.client.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to receive messages: %w", err)
	}

	messages := make([]outbound.QueuedMessage, 0, len(result.Messages))
	for _, msg := range result.Messages {
		if msg.MessageId == nil || msg.ReceiptHandle == nil || msg.Body == nil {
			continue
		}
		messages = append(messages, outbound.QueuedMessage{
			MessageID:     *msg.MessageId,
			ReceiptHandle: *msg.ReceiptHandle,
			Body:          *msg.Body,
		})
	}
	return messages, nil
}

// Acknowledge deletes a received message from the queue.
func (c *Consumer) Acknowledge(ctx context.Context, receiptHandle string) error {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.config.QueueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}

// Close is a no-op; the SQS client holds no connection.
func (c *Consumer) Close() error {
	return nil
}

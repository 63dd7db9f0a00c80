package sqs

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/archon-research/liquidator/internal/domain/entity"
	"github.com/archon-research/liquidator/internal/ports/outbound"
)

// Compile-time check that PositionSource implements outbound.PositionSource
var _ outbound.PositionSource = (*PositionSource)(nil)

// PositionSource drains position messages from an SQS queue.
//
// Each message body is one position or an array of positions. Decoded
// messages are deleted straight away, before the batch is dispatched: the
// upstream monitor re-emits positions that stay unhealthy. Messages that do
// not decode are left on the queue for its redrive policy.
type PositionSource struct {
	consumer    outbound.PositionQueue
	maxMessages int
	logger      *slog.Logger
}

// NewPositionSource wraps consumer. maxMessages <= 0 means the SQS maximum.
func NewPositionSource(consumer outbound.PositionQueue, maxMessages int, logger *slog.Logger) *PositionSource {
	if maxMessages <= 0 {
		maxMessages = maxBatch
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PositionSource{
		consumer:    consumer,
		maxMessages: maxMessages,
		logger:      logger.With("component", "sqs-position-source"),
	}
}

// FetchUnhealthyPositions receives one batch of messages.
func (s *PositionSource) FetchUnhealthyPositions(ctx context.Context) ([]entity.Position, error) {
	messages, err := s.consumer.ReceiveMessages(ctx, s.maxMessages)
	if err != nil {
		return nil, err
	}

	var positions []entity.Position
	for _, msg := range messages {
		decoded, err := decodeMessage(msg.Body)
		if err != nil {
			s.logger.Warn("leaving undecodable message for redrive", "messageId", msg.MessageID, "error", err)
			continue
		}
		if err := s.consumer.Acknowledge(ctx, msg.ReceiptHandle); err != nil {
			// Another replica may receive it again after the visibility timeout.
			s.logger.Warn("failed to delete message, skipping its positions", "messageId", msg.MessageID, "error", err)
			continue
		}
		positions = append(positions, decoded...)
	}
	return positions, nil
}

func decodeMessage(body string) ([]entity.Position, error) {
	positions, err := entity.DecodePositions([]byte(body))
	if err != nil {
		return nil, err
	}
	for i, p := range positions {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("position %d: %w", i, err)
		}
	}
	return positions, nil
}

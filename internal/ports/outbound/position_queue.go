package outbound

import "context"

// QueuedMessage is one message from the position feed. Its body holds a
// single position or a JSON array of positions.
type QueuedMessage struct {
	MessageID string

	// ReceiptHandle acknowledges this delivery. It changes on every receive.
	ReceiptHandle string

	Body string
}

// PositionQueue is the at-least-once queue the upstream health monitor
// publishes unhealthy positions to.
//
// Acknowledge a message once its positions are decoded. An unacknowledged
// message becomes visible again and, past the queue's receive limit, moves
// to its dead-letter queue.
type PositionQueue interface {
	// ReceiveMessages long-polls for up to maxMessages. An empty result is
	// not an error.
	ReceiveMessages(ctx context.Context, maxMessages int) ([]QueuedMessage, error)

	// Acknowledge deletes the delivery identified by receiptHandle.
	Acknowledge(ctx context.Context, receiptHandle string) error

	Close() error
}

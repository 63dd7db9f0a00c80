package outbound

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/archon-research/liquidator/internal/domain/entity"
)

// EventType represents the type of event.
type EventType string

// Event type constants.
const (
	EventTypeBatch      EventType = "liquidation_batch"
	EventTypeSwapFailed EventType = "swap_failed"
)

// Event is the interface that all outcome events implement.
type Event interface {
	// EventType returns the type of the event.
	EventType() EventType
	// GetBatchID returns the id of the batch the event belongs to.
	GetBatchID() uuid.UUID
}

// BatchEvent is published after a batch settled and its swaps completed.
type BatchEvent struct {
	BatchID      uuid.UUID     `json:"batchId"`
	Liquidations int           `json:"liquidations"`
	Coins        []entity.Coin `json:"coins"`
	Unfunded     int           `json:"unfunded"`
	SwapsFailed  int           `json:"swapsFailed"`
	TxHash       string        `json:"txHash,omitempty"`
	FinishedAt   time.Time     `json:"finishedAt"`
}

func (e BatchEvent) EventType() EventType  { return EventTypeBatch }
func (e BatchEvent) GetBatchID() uuid.UUID { return e.BatchID }

// SwapFailedEvent is published for every compensating swap that failed,
// leaving the agent under-rebalanced in ToDenom.
type SwapFailedEvent struct {
	BatchID   uuid.UUID       `json:"batchId"`
	Index     int             `json:"index"`
	FromDenom string          `json:"fromDenom"`
	ToDenom   string          `json:"toDenom"`
	Amount    decimal.Decimal `json:"amount"`
	Error     string          `json:"error"`
}

func (e SwapFailedEvent) EventType() EventType  { return EventTypeSwapFailed }
func (e SwapFailedEvent) GetBatchID() uuid.UUID { return e.BatchID }

// EventSink defines the interface for publishing liquidation outcome events.
type EventSink interface {
	// Publish publishes an outcome event.
	Publish(ctx context.Context, event Event) error

	// Close closes the sink and releases any resources.
	Close() error
}

// Package memory provides in-process adapters for local runs and tests.
package memory

import (
	"context"
	"sync"

	"github.com/archon-research/liquidator/internal/domain/entity"
	"github.com/archon-research/liquidator/internal/ports/outbound"
)

// Compile-time check that PositionQueue implements outbound.PositionSource
var _ outbound.PositionSource = (*PositionQueue)(nil)

// PositionQueue is a FIFO of positions. Each fetch drains up to BatchSize.
type PositionQueue struct {
	mu        sync.Mutex
	queue     []entity.Position
	batchSize int
	fetchErr  error
}

// NewPositionQueue creates a queue. batchSize <= 0 drains everything per fetch.
func NewPositionQueue(batchSize int) *PositionQueue {
	return &PositionQueue{batchSize: batchSize}
}

// Push appends positions to the queue.
func (q *PositionQueue) Push(positions ...entity.Position) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queue = append(q.queue, positions...)
}

// SetFetchError makes every fetch fail with err until cleared with nil.
func (q *PositionQueue) SetFetchError(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.fetchErr = err
}

// Len returns the number of queued positions.
func (q *PositionQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

// FetchUnhealthyPositions pops the next batch.
func (q *PositionQueue) FetchUnhealthyPositions(ctx context.Context) ([]entity.Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fetchErr != nil {
		return nil, q.fetchErr
	}

	n := len(q.queue)
	if q.batchSize > 0 && n > q.batchSize {
		n = q.batchSize
	}
	if n == 0 {
		return nil, nil
	}
	batch := make([]entity.Position, n)
	copy(batch, q.queue[:n])
	q.queue = q.queue[n:]
	return batch, nil
}

// Package outbound defines the outbound port interfaces.
package outbound

import (
	"context"

	"github.com/archon-research/liquidator/internal/domain/entity"
)

// PositionSource yields the current set of unhealthy positions.
// Classification as unhealthy happens upstream.
type PositionSource interface {
	// FetchUnhealthyPositions returns a snapshot of positions to liquidate.
	// An empty slice is a normal, frequent result and not an error.
	FetchUnhealthyPositions(ctx context.Context) ([]entity.Position, error)
}

package outbound

import (
	"context"
	"time"
)

// MetricsRecorder provides an interface for recording application metrics.
// This allows the application layer to record metrics without depending on
// specific telemetry implementations.
type MetricsRecorder interface {
	// RecordIteration records one loop iteration and how it ended
	// ("idle", "dispatched", or an error class).
	RecordIteration(ctx context.Context, outcome string, duration time.Duration)

	// RecordLiquidations records settled liquidations and unfunded instructions.
	RecordLiquidations(ctx context.Context, settled, unfunded int)

	// RecordSwap records one compensating swap outcome by status.
	RecordSwap(ctx context.Context, status string)
}

// Package shared provides instrumentation shared by application services.
package shared

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/archon-research/liquidator/internal/ports/outbound"
)

// Compile-time assertion that AppTelemetry implements MetricsRecorder.
var _ outbound.MetricsRecorder = (*AppTelemetry)(nil)

const instrumentationName = "github.com/archon-research/liquidator/internal/services"

// AppTelemetry records liquidation loop metrics through OpenTelemetry.
type AppTelemetry struct {
	iterations        metric.Int64Counter
	iterationDuration metric.Float64Histogram
	liquidations      metric.Int64Counter
	unfunded          metric.Int64Counter
	swaps             metric.Int64Counter
}

// NewAppTelemetry uses the global meter provider.
func NewAppTelemetry() (*AppTelemetry, error) {
	return NewAppTelemetryWithProvider(otel.GetMeterProvider())
}

// NewAppTelemetryWithProvider creates an AppTelemetry on a custom meter provider.
func NewAppTelemetryWithProvider(mp metric.MeterProvider) (*AppTelemetry, error) {
	meter := mp.Meter(instrumentationName)
	t := &AppTelemetry{}

	var err error
	if t.iterations, err = meter.Int64Counter(
		"liquidator.iterations.total",
		metric.WithDescription("Loop iterations by outcome"),
	); err != nil {
		return nil, err
	}
	if t.iterationDuration, err = meter.Float64Histogram(
		"liquidator.iteration.duration",
		metric.WithDescription("Wall time of one loop iteration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120),
	); err != nil {
		return nil, err
	}
	if t.liquidations, err = meter.Int64Counter(
		"liquidator.liquidations.total",
		metric.WithDescription("Liquidations settled on chain"),
	); err != nil {
		return nil, err
	}
	if t.unfunded, err = meter.Int64Counter(
		"liquidator.unfunded_instructions.total",
		metric.WithDescription("Instructions whose repay denom was missing from the position's debts"),
	); err != nil {
		return nil, err
	}
	if t.swaps, err = meter.Int64Counter(
		"liquidator.swaps.total",
		metric.WithDescription("Compensating swaps by status"),
	); err != nil {
		return nil, err
	}

	return t, nil
}

// RecordIteration records one loop iteration.
func (t *AppTelemetry) RecordIteration(ctx context.Context, outcome string, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	t.iterations.Add(ctx, 1, attrs)
	t.iterationDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordLiquidations records one settled batch.
func (t *AppTelemetry) RecordLiquidations(ctx context.Context, settled, unfunded int) {
	t.liquidations.Add(ctx, int64(settled))
	if unfunded > 0 {
		t.unfunded.Add(ctx, int64(unfunded))
	}
}

// RecordSwap records one compensating swap outcome.
func (t *AppTelemetry) RecordSwap(ctx context.Context, status string) {
	t.swaps.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// Package liquidator drives the liquidation loop: it drains unhealthy
// positions, funds and dispatches one liquidation batch per iteration, and
// rebalances the agent with one compensating swap per settled liquidation.
package liquidator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/archon-research/liquidator/internal/domain/entity"
	"github.com/archon-research/liquidator/internal/pkg/retry"
	"github.com/archon-research/liquidator/internal/ports/inbound"
	"github.com/archon-research/liquidator/internal/ports/outbound"
)

// Compile-time check that Service implements inbound.HealthChecker
var _ inbound.HealthChecker = (*Service)(nil)

const tracerName = "github.com/archon-research/liquidator/internal/services/liquidator"

// MinIdleInterval is the shortest allowed pause after an empty fetch.
const MinIdleInterval = 150 * time.Millisecond

// Config holds configuration for the liquidation loop.
type Config struct {
	// IdleInterval is the pause after a fetch returned no positions.
	IdleInterval time.Duration

	// Rounding turns fractional per-denom repayment totals into integer coins.
	Rounding RoundingMode

	// SwapConcurrency bounds in-flight compensating swaps; 1 is sequential.
	SwapConcurrency int

	// CallTimeout bounds each fetch, dispatch and swap call.
	CallTimeout time.Duration

	// SinkTimeout bounds recording, publishing and archiving a report.
	SinkTimeout time.Duration

	// MaxConsecutiveFailures stops Run after that many failed iterations
	// in a row. Zero means never give up.
	MaxConsecutiveFailures int

	// FailureBackoff paces iterations after a failure.
	FailureBackoff retry.Config

	// HealthTimeout is how long the loop may go without progress (an
	// iteration, a settled batch or a settled swap) before it reports unhealthy.
	HealthTimeout time.Duration

	Logger *slog.Logger
}

// ConfigDefaults returns the default loop configuration.
func ConfigDefaults() Config {
	return Config{
		IdleInterval:    200 * time.Millisecond,
		Rounding:        RoundHalfAwayFromZero,
		SwapConcurrency: 4,
		CallTimeout:     2 * time.Minute,
		SinkTimeout:     10 * time.Second,
		FailureBackoff: retry.Config{
			InitialBackoff: time.Second,
			MaxBackoff:     30 * time.Second,
			BackoffFactor:  2.0,
			Jitter:         true,
		},
		HealthTimeout: 5 * time.Minute,
		Logger:        slog.Default(),
	}
}

// Sinks are optional destinations for batch reports. Nil members are skipped.
type Sinks struct {
	Recorder outbound.OutcomeRecorder
	Events   outbound.EventSink
	Archive  outbound.ReportArchive
	Metrics  outbound.MetricsRecorder
}

// Service runs the liquidation loop.
type Service struct {
	config Config
	source outbound.PositionSource
	helper outbound.LiquidationHelper
	sinks  Sinks
	swaps  *swapSequencer

	sleep  func(ctx context.Context, d time.Duration) error
	now    func() time.Time
	tracer trace.Tracer

	ready        atomic.Bool
	lastProgress atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	runErr error

	logger *slog.Logger
}

// NewService creates a new liquidation loop.
func NewService(config Config, source outbound.PositionSource, helper outbound.LiquidationHelper, sinks Sinks) (*Service, error) {
	if source == nil {
		return nil, fmt.Errorf("position source cannot be nil")
	}
	if helper == nil {
		return nil, fmt.Errorf("liquidation helper cannot be nil")
	}

	defaults := ConfigDefaults()
	if config.IdleInterval == 0 {
		config.IdleInterval = defaults.IdleInterval
	}
	if config.IdleInterval < MinIdleInterval {
		return nil, fmt.Errorf("idle interval %v is below the minimum of %v", config.IdleInterval, MinIdleInterval)
	}
	if config.Rounding == "" {
		config.Rounding = defaults.Rounding
	}
	if _, err := ParseRoundingMode(string(config.Rounding)); err != nil {
		return nil, err
	}
	if config.SwapConcurrency <= 0 {
		config.SwapConcurrency = defaults.SwapConcurrency
	}
	if config.CallTimeout == 0 {
		config.CallTimeout = defaults.CallTimeout
	}
	if config.SinkTimeout == 0 {
		config.SinkTimeout = defaults.SinkTimeout
	}
	if config.FailureBackoff == (retry.Config{}) {
		config.FailureBackoff = defaults.FailureBackoff
	}
	if config.HealthTimeout == 0 {
		config.HealthTimeout = defaults.HealthTimeout
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	logger := config.Logger.With("component", "liquidator")

	svc := &Service{
		config: config,
		source: source,
		helper: helper,
		sinks:  sinks,
		swaps: &swapSequencer{
			helper:      helper,
			concurrency: config.SwapConcurrency,
			callTimeout: config.CallTimeout,
			logger:      logger,
		},
		sleep:  retry.Sleep,
		now:    time.Now,
		tracer: otel.Tracer(tracerName),
		logger: logger,
	}
	svc.swaps.onSettled = svc.heartbeat
	return svc, nil
}

// Start runs the supervised loop in the background.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return fmt.Errorf("liquidator already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.lastProgress.Store(s.now().UnixNano())

	go func() {
		defer close(s.done)
		if err := s.Run(runCtx); err != nil {
			s.mu.Lock()
			s.runErr = err
			s.mu.Unlock()
		}
	}()

	s.logger.Info("liquidator started",
		"idleInterval", s.config.IdleInterval,
		"swapConcurrency", s.config.SwapConcurrency,
		"rounding", s.config.Rounding)
	return nil
}

// Done is closed when the background loop has exited.
func (s *Service) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Err returns the error that stopped the background loop, if any.
func (s *Service) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runErr
}

// Stop asks the loop to exit and waits for the in-flight iteration,
// including its dispatch and swaps, to finish.
func (s *Service) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	s.logger.Info("liquidator stopped")
	return s.Err()
}

// Run executes iterations until ctx is cancelled or a fatal error occurs.
// Transient failures are logged and followed by exponential backoff.
func (s *Service) Run(ctx context.Context) error {
	backoff := retry.NewBackoff(s.config.FailureBackoff)
	failures := 0

	for ctx.Err() == nil {
		_, err := s.RunOnce(ctx)
		if err == nil {
			failures = 0
			backoff.Reset()
			continue
		}
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			return nil
		}
		if IsFatal(err) {
			s.logger.Error("fatal iteration error, stopping", "error", err)
			return err
		}

		failures++
		if s.config.MaxConsecutiveFailures > 0 && failures >= s.config.MaxConsecutiveFailures {
			s.logger.Error("giving up after consecutive failures", "failures", failures, "error", err)
			return fmt.Errorf("%w (%d): %w", ErrTooManyFailures, failures, err)
		}

		delay := backoff.Next()
		s.logger.Warn("iteration failed, backing off",
			"error", err,
			"failures", failures,
			"backoff", delay)
		if err := s.sleep(ctx, delay); err != nil {
			return nil
		}
	}
	return nil
}

// RunOnce performs one fetch, build, aggregate, dispatch and swap cycle.
// When the source has no work it pauses for the idle interval and returns
// a nil report. Once positions have been fetched the iteration runs to
// completion even if ctx is cancelled.
func (s *Service) RunOnce(ctx context.Context) (*entity.BatchReport, error) {
	start := s.now()
	ctx, span := s.tracer.Start(ctx, "liquidator.iteration")
	defer span.End()

	fetchCtx, cancel := withTimeout(ctx, s.config.CallTimeout)
	positions, err := s.source.FetchUnhealthyPositions(fetchCtx)
	cancel()
	if err != nil {
		err = &FetchError{Err: err}
		s.endIteration(ctx, span, errorClass(err), start, err)
		return nil, err
	}

	if len(positions) == 0 {
		s.markProgress()
		s.endIteration(ctx, span, "idle", start, nil)
		if err := s.sleep(ctx, s.config.IdleInterval); err != nil {
			s.logger.Debug("idle pause interrupted", "error", err)
		}
		return nil, nil
	}
	span.SetAttributes(attribute.Int("liquidator.positions", len(positions)))

	work := context.WithoutCancel(ctx)
	report, err := s.liquidate(work, positions, start)
	if report != nil {
		span.SetAttributes(attribute.String("liquidator.batch_id", report.ID.String()))
	}
	if err != nil {
		s.endIteration(work, span, errorClass(err), start, err)
		return report, err
	}

	s.markProgress()
	s.endIteration(work, span, "dispatched", start, nil)
	return report, nil
}

func (s *Service) liquidate(ctx context.Context, positions []entity.Position, start time.Time) (*entity.BatchReport, error) {
	report := entity.NewBatchReport(positions, start)
	logger := s.logger.With("batch", report.ID)

	instructions := make([]entity.LiquidationTx, 0, len(positions))
	for i, position := range positions {
		if err := position.Validate(); err != nil {
			return nil, &BuildError{Index: i, Address: position.Address, Err: err}
		}
		tx, err := s.helper.ProduceLiquidationTx(position)
		if err != nil {
			return nil, &BuildError{Index: i, Address: position.Address, Err: err}
		}
		instructions = append(instructions, tx)
	}
	report.Instructions = instructions

	aggregate, err := AggregateDebts(positions, instructions, s.config.Rounding)
	if err != nil {
		return nil, fmt.Errorf("aggregating debts: %w", err)
	}
	report.Coins = aggregate.Coins
	report.Unfunded = aggregate.Unfunded

	for _, i := range aggregate.Unfunded {
		logger.Warn("repay denom missing from position debts, instruction contributes no funding",
			"index", i,
			"user", instructions[i].UserAddress,
			"debtDenom", instructions[i].DebtDenom)
	}

	logger.Info("dispatching liquidation batch",
		"positions", len(positions),
		"coins", len(aggregate.Coins),
		"unfunded", len(aggregate.Unfunded))

	dispatchCtx, cancel := withTimeout(ctx, s.config.CallTimeout)
	results, err := s.helper.SendLiquidationTxs(dispatchCtx, instructions, aggregate.Coins)
	cancel()
	if err != nil {
		dispatchErr := &DispatchError{Instructions: len(instructions), Err: err}
		report.Error = dispatchErr.Error()
		report.FinishedAt = s.now().UTC()
		s.finish(ctx, report)
		return report, dispatchErr
	}
	if len(results) != len(instructions) {
		dispatchErr := &DispatchError{
			Instructions: len(instructions),
			Err:          fmt.Errorf("%w: got %d results", ErrResultCountMismatch, len(results)),
		}
		report.Results = results
		report.Error = dispatchErr.Error()
		report.FinishedAt = s.now().UTC()
		s.finish(ctx, report)
		return report, dispatchErr
	}
	report.Results = results
	s.heartbeat()

	logger.Info("liquidation batch settled", "liquidations", len(results))

	report.Swaps = s.swaps.run(ctx, results)
	report.FinishedAt = s.now().UTC()

	if failed := report.FailedSwaps(); len(failed) > 0 {
		logger.Warn("some compensating swaps failed, agent is under-rebalanced",
			"failed", len(failed),
			"total", len(report.Swaps))
	}

	s.finish(ctx, report)
	return report, nil
}

// finish hands the report to every configured sink. Sink failures are
// logged and never fail the iteration.
func (s *Service) finish(ctx context.Context, report *entity.BatchReport) {
	sinkCtx, cancel := withTimeout(ctx, s.config.SinkTimeout)
	defer cancel()

	if m := s.sinks.Metrics; m != nil && report.Dispatched() {
		m.RecordLiquidations(sinkCtx, len(report.Results), len(report.Unfunded))
		for _, swap := range report.Swaps {
			m.RecordSwap(sinkCtx, string(swap.Status))
		}
	}

	var errs []error
	if r := s.sinks.Recorder; r != nil {
		if err := r.RecordBatch(sinkCtx, report); err != nil {
			errs = append(errs, fmt.Errorf("recording batch: %w", err))
		}
	}
	if e := s.sinks.Events; e != nil {
		if err := s.publish(sinkCtx, e, report); err != nil {
			errs = append(errs, err)
		}
	}
	if a := s.sinks.Archive; a != nil {
		if err := a.Archive(sinkCtx, report); err != nil {
			errs = append(errs, fmt.Errorf("archiving batch: %w", err))
		}
	}

	if len(errs) > 0 {
		s.logger.Warn("failed to deliver batch report", "batch", report.ID, "error", errors.Join(errs...))
	}
}

func (s *Service) publish(ctx context.Context, sink outbound.EventSink, report *entity.BatchReport) error {
	if !report.Dispatched() {
		return nil
	}

	var errs []error
	failed := report.FailedSwaps()
	for _, swap := range failed {
		event := outbound.SwapFailedEvent{
			BatchID:   report.ID,
			Index:     swap.Index,
			FromDenom: swap.FromDenom,
			ToDenom:   swap.ToDenom,
			Amount:    swap.Amount,
			Error:     swap.Error,
		}
		if err := sink.Publish(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("publishing swap failure %d: %w", swap.Index, err))
		}
	}

	batch := outbound.BatchEvent{
		BatchID:      report.ID,
		Liquidations: len(report.Results),
		Coins:        report.Coins,
		Unfunded:     len(report.Unfunded),
		SwapsFailed:  len(failed),
		TxHash:       report.Results[0].TxHash,
		FinishedAt:   report.FinishedAt,
	}
	if err := sink.Publish(ctx, batch); err != nil {
		errs = append(errs, fmt.Errorf("publishing batch event: %w", err))
	}
	return errors.Join(errs...)
}

func (s *Service) endIteration(ctx context.Context, span trace.Span, outcome string, start time.Time, err error) {
	span.SetAttributes(attribute.String("liquidator.outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	if s.sinks.Metrics != nil {
		s.sinks.Metrics.RecordIteration(ctx, outcome, s.now().Sub(start))
	}
}

// heartbeat records liveness while a long batch is still settling swaps.
func (s *Service) heartbeat() {
	s.lastProgress.Store(s.now().UnixNano())
}

func (s *Service) markProgress() {
	s.heartbeat()
	s.ready.Store(true)
}

// IsReady returns true once the loop has completed an iteration.
func (s *Service) IsReady() bool {
	return s.ready.Load()
}

// IsHealthy returns true while the loop keeps making progress (a completed
// iteration, a settled batch or a settled swap) within HealthTimeout.
func (s *Service) IsHealthy() bool {
	last := s.lastProgress.Load()
	if last == 0 {
		return false
	}
	return s.now().Sub(time.Unix(0, last)) < s.config.HealthTimeout
}

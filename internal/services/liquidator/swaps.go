package liquidator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/archon-research/liquidator/internal/domain/entity"
	"github.com/archon-research/liquidator/internal/ports/outbound"
)

// swapSequencer issues one compensating swap per settlement result.
// Swaps run concurrently, bounded by concurrency, and every outcome is
// collected before run returns.
type swapSequencer struct {
	helper      outbound.LiquidationHelper
	concurrency int
	callTimeout time.Duration
	// onSettled, when set, is called after each swap outcome is known.
	onSettled func()
	logger    *slog.Logger
}

func (s *swapSequencer) run(ctx context.Context, results []entity.LiquidationResult) []entity.SwapOutcome {
	outcomes := make([]entity.SwapOutcome, len(results))

	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, result := range results {
		g.Go(func() error {
			outcomes[i] = s.swapOne(ctx, i, result)
			if s.onSettled != nil {
				s.onSettled()
			}
			return nil
		})
	}
	// Workers never return an error; failures live in outcomes.
	_ = g.Wait()

	return outcomes
}

func (s *swapSequencer) swapOne(ctx context.Context, index int, result entity.LiquidationResult) (outcome entity.SwapOutcome) {
	outcome = entity.SwapOutcome{
		Index:     index,
		FromDenom: result.CollateralReceivedDenom,
		ToDenom:   result.DebtRepaidDenom,
		Amount:    result.CollateralReceivedAmount,
	}

	if result.CollateralReceivedDenom == result.DebtRepaidDenom || !result.CollateralReceivedAmount.IsPositive() {
		outcome.Status = entity.SwapSkipped
		s.logger.Debug("nothing to swap",
			"index", index,
			"denom", result.CollateralReceivedDenom,
			"amount", result.CollateralReceivedAmount.String())
		return outcome
	}

	defer func() {
		if p := recover(); p != nil {
			outcome.Status = entity.SwapFailed
			outcome.Err = fmt.Errorf("swap panicked: %v", p)
			outcome.Error = outcome.Err.Error()
			s.logger.Error("swap panicked", "index", index, "panic", p)
		}
	}()

	callCtx, cancel := withTimeout(ctx, s.callTimeout)
	defer cancel()

	txHash, err := s.helper.Swap(callCtx, result.CollateralReceivedDenom, result.DebtRepaidDenom, result.CollateralReceivedAmount)
	if err != nil {
		outcome.Status = entity.SwapFailed
		outcome.Err = err
		outcome.Error = err.Error()
		s.logger.Error("compensating swap failed",
			"index", index,
			"user", result.UserAddress,
			"from", result.CollateralReceivedDenom,
			"to", result.DebtRepaidDenom,
			"amount", result.CollateralReceivedAmount.String(),
			"error", err)
		return outcome
	}

	outcome.Status = entity.SwapSucceeded
	outcome.TxHash = txHash
	s.logger.Info("compensating swap settled",
		"index", index,
		"from", result.CollateralReceivedDenom,
		"to", result.DebtRepaidDenom,
		"amount", result.CollateralReceivedAmount.String(),
		"tx", txHash)
	return outcome
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

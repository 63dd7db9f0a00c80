package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/archon-research/liquidator/internal/domain/entity"
	"github.com/archon-research/liquidator/internal/ports/outbound"
)

// Compile-time check that OutcomeRepository implements outbound.OutcomeRecorder
var _ outbound.OutcomeRecorder = (*OutcomeRepository)(nil)

const (
	upsertBatchSQL = `
INSERT INTO liquidation_batch (id, started_at, finished_at, positions, coins, unfunded, tx_hash, error)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO UPDATE SET
    finished_at = EXCLUDED.finished_at,
    coins       = EXCLUDED.coins,
    unfunded    = EXCLUDED.unfunded,
    tx_hash     = EXCLUDED.tx_hash,
    error       = EXCLUDED.error`

	upsertResultSQL = `
INSERT INTO liquidation_result (batch_id, idx, user_address, collateral_denom, debt_denom, repay_amount, collateral_received, debt_repaid)
VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8::numeric)
ON CONFLICT (batch_id, idx) DO UPDATE SET
    collateral_received = EXCLUDED.collateral_received,
    debt_repaid         = EXCLUDED.debt_repaid`

	upsertSwapSQL = `
INSERT INTO swap_outcome (batch_id, idx, from_denom, to_denom, amount, status, tx_hash, error)
VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8)
ON CONFLICT (batch_id, idx) DO UPDATE SET
    status  = EXCLUDED.status,
    tx_hash = EXCLUDED.tx_hash,
    error   = EXCLUDED.error`
)

// OutcomeRepository writes batch reports to the liquidation_batch,
// liquidation_result and swap_outcome tables in one transaction.
type OutcomeRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewOutcomeRepository creates a repository on pool.
func NewOutcomeRepository(pool *pgxpool.Pool, logger *slog.Logger) (*OutcomeRepository, error) {
	if pool == nil {
		return nil, fmt.Errorf("database pool cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OutcomeRepository{pool: pool, logger: logger.With("component", "outcome-repository")}, nil
}

// RecordBatch upserts report. Recording the same report twice is harmless.
func (r *OutcomeRepository) RecordBatch(ctx context.Context, report *entity.BatchReport) error {
	batchArgs, err := batchRow(report)
	if err != nil {
		return err
	}

	err = pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, upsertBatchSQL, batchArgs...); err != nil {
			return fmt.Errorf("failed to upsert batch: %w", err)
		}

		batch := &pgx.Batch{}
		for _, args := range resultRows(report) {
			batch.Queue(upsertResultSQL, args...)
		}
		for _, args := range swapRows(report) {
			batch.Queue(upsertSwapSQL, args...)
		}
		if batch.Len() == 0 {
			return nil
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to write batch rows: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("recording batch %s: %w", report.ID, err)
	}

	r.logger.Debug("recorded batch", "batch", report.ID, "results", len(report.Results), "swaps", len(report.Swaps))
	return nil
}

func batchRow(report *entity.BatchReport) ([]any, error) {
	coins := report.Coins
	if coins == nil {
		coins = []entity.Coin{}
	}
	coinsJSON, err := json.Marshal(coins)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal coins: %w", err)
	}

	unfunded := make([]int32, len(report.Unfunded))
	for i, idx := range report.Unfunded {
		unfunded[i] = int32(idx)
	}

	var txHash *string
	if len(report.Results) > 0 && report.Results[0].TxHash != "" {
		txHash = &report.Results[0].TxHash
	}

	return []any{
		report.ID,
		report.StartedAt,
		nullTime(report),
		len(report.Positions),
		coinsJSON,
		unfunded,
		txHash,
		nullString(report.Error),
	}, nil
}

// resultRows pairs each instruction with its result when one exists.
func resultRows(report *entity.BatchReport) [][]any {
	rows := make([][]any, 0, len(report.Instructions))
	for i, tx := range report.Instructions {
		var received, repaid *string
		if i < len(report.Results) {
			res := report.Results[i]
			c, d := res.CollateralReceivedAmount.String(), res.DebtRepaidAmount.String()
			received, repaid = &c, &d
		}
		rows = append(rows, []any{
			report.ID, i, tx.UserAddress, tx.CollateralDenom, tx.DebtDenom,
			tx.RepayAmount.String(), received, repaid,
		})
	}
	return rows
}

func swapRows(report *entity.BatchReport) [][]any {
	rows := make([][]any, 0, len(report.Swaps))
	for _, s := range report.Swaps {
		rows = append(rows, []any{
			report.ID, s.Index, s.FromDenom, s.ToDenom, s.Amount.String(),
			string(s.Status), nullString(s.TxHash), nullString(s.Error),
		})
	}
	return rows
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullTime(report *entity.BatchReport) any {
	if report.FinishedAt.IsZero() {
		return nil
	}
	return report.FinishedAt
}

package entity

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LiquidationTx is a liquidation intent derived from exactly one Position.
type LiquidationTx struct {
	UserAddress       string          `json:"userAddress"`
	CollateralDenom   string          `json:"collateralDenom"`
	DebtDenom         string          `json:"debtDenom"`
	RepayAmount       decimal.Decimal `json:"repayAmount"`
	ReceiveUnderlying bool            `json:"receiveUnderlying"`
}

// LiquidationResult is the settled outcome of one submitted LiquidationTx.
// Results are index-correlated with the submitted batch.
type LiquidationResult struct {
	UserAddress              string          `json:"userAddress"`
	CollateralReceivedDenom  string          `json:"collateralReceivedDenom"`
	CollateralReceivedAmount decimal.Decimal `json:"collateralReceivedAmount"`
	DebtRepaidDenom          string          `json:"debtRepaidDenom"`
	DebtRepaidAmount         decimal.Decimal `json:"debtRepaidAmount"`
	TxHash                   string          `json:"txHash,omitempty"`
}

// SwapStatus describes what happened to one compensating swap.
type SwapStatus string

const (
	SwapSucceeded SwapStatus = "succeeded"
	SwapFailed    SwapStatus = "failed"
	SwapSkipped   SwapStatus = "skipped"
)

// SwapOutcome is the observed result of the compensating swap for results[Index].
type SwapOutcome struct {
	Index     int             `json:"index"`
	FromDenom string          `json:"fromDenom"`
	ToDenom   string          `json:"toDenom"`
	Amount    decimal.Decimal `json:"amount"`
	Status    SwapStatus      `json:"status"`
	TxHash    string          `json:"txHash,omitempty"`
	Err       error           `json:"-"`
	Error     string          `json:"error,omitempty"`
}

// BatchReport is the full record of one loop iteration that dispatched work.
type BatchReport struct {
	ID           uuid.UUID           `json:"id"`
	StartedAt    time.Time           `json:"startedAt"`
	FinishedAt   time.Time           `json:"finishedAt"`
	Positions    []Position          `json:"positions"`
	Instructions []LiquidationTx     `json:"instructions"`
	Coins        []Coin              `json:"coins"`
	Unfunded     []int               `json:"unfunded,omitempty"`
	Results      []LiquidationResult `json:"results"`
	Swaps        []SwapOutcome       `json:"swaps"`
	Error        string              `json:"error,omitempty"`
}

// NewBatchReport starts a report for positions fetched at startedAt.
func NewBatchReport(positions []Position, startedAt time.Time) *BatchReport {
	return &BatchReport{
		ID:        uuid.New(),
		StartedAt: startedAt.UTC(),
		Positions: positions,
	}
}

// FailedSwaps returns the outcomes whose swap was attempted and failed.
func (r *BatchReport) FailedSwaps() []SwapOutcome {
	var failed []SwapOutcome
	for _, s := range r.Swaps {
		if s.Status == SwapFailed {
			failed = append(failed, s)
		}
	}
	return failed
}

// Dispatched reports whether the batch reached the ledger and settled.
func (r *BatchReport) Dispatched() bool {
	return len(r.Results) > 0 && r.Error == ""
}

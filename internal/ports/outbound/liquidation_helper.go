package outbound

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/archon-research/liquidator/internal/domain/entity"
)

// LiquidationHelper encodes, signs and submits liquidations and swaps
// against the target ledger.
type LiquidationHelper interface {
	// ProduceLiquidationTx derives one liquidation instruction from a position.
	// It must not mutate the position.
	ProduceLiquidationTx(position entity.Position) (entity.LiquidationTx, error)

	// SendLiquidationTxs submits txs as one atomic unit funded by coins.
	// On success len(results) == len(txs) and results[i] belongs to txs[i].
	SendLiquidationTxs(ctx context.Context, txs []entity.LiquidationTx, coins []entity.Coin) ([]entity.LiquidationResult, error)

	// Swap trades amount of fromDenom into toDenom and returns the tx hash.
	// Implementations must be safe for concurrent use.
	Swap(ctx context.Context, fromDenom, toDenom string, amount decimal.Decimal) (string, error)
}

package liquidator

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/archon-research/liquidator/internal/domain/entity"
)

// RoundingMode decides how a fractional per-denom repayment total becomes
// the integer amount of the funding coin.
type RoundingMode string

const (
	// RoundHalfAwayFromZero rounds 0.5 up to 1; it matches fixed-point
	// formatting with zero decimals and is the default.
	RoundHalfAwayFromZero RoundingMode = "half_away_from_zero"
	RoundHalfEven         RoundingMode = "half_even"
	RoundTruncate         RoundingMode = "truncate"
	RoundCeil             RoundingMode = "ceil"
	RoundFloor            RoundingMode = "floor"
)

// ParseRoundingMode parses a configured rounding mode; empty selects the default.
func ParseRoundingMode(raw string) (RoundingMode, error) {
	switch mode := RoundingMode(strings.ToLower(strings.TrimSpace(raw))); mode {
	case "":
		return RoundHalfAwayFromZero, nil
	case RoundHalfAwayFromZero, RoundHalfEven, RoundTruncate, RoundCeil, RoundFloor:
		return mode, nil
	default:
		return "", fmt.Errorf("unknown rounding mode %q", raw)
	}
}

// Apply rounds d to zero decimal places.
func (m RoundingMode) Apply(d decimal.Decimal) decimal.Decimal {
	switch m {
	case RoundHalfEven:
		return d.RoundBank(0)
	case RoundTruncate:
		return d.Truncate(0)
	case RoundCeil:
		return d.RoundCeil(0)
	case RoundFloor:
		return d.RoundFloor(0)
	default:
		return d.Round(0)
	}
}

// DebtAggregate is the funding needed for one batch.
type DebtAggregate struct {
	// Coins holds one entry per distinct debt denom, in order of first occurrence.
	Coins []entity.Coin
	// Unfunded lists instruction indexes whose debt denom had no matching
	// entry in the originating position; they contributed zero.
	Unfunded []int
}

// AggregateDebts sums, per debt denom, the amount each instruction repays.
// The amount for instructions[i] is read from positions[i].Debts, not from
// the instruction, and is zero when the position owes nothing in that denom.
func AggregateDebts(positions []entity.Position, instructions []entity.LiquidationTx, rounding RoundingMode) (DebtAggregate, error) {
	if len(positions) != len(instructions) {
		return DebtAggregate{}, fmt.Errorf("positions/instructions length mismatch: %d != %d", len(positions), len(instructions))
	}

	var order []string
	totals := make(map[string]decimal.Decimal)
	var unfunded []int

	for i, tx := range instructions {
		amount, found := positions[i].DebtAmount(tx.DebtDenom)
		if !found {
			unfunded = append(unfunded, i)
		}
		total, seen := totals[tx.DebtDenom]
		if !seen {
			order = append(order, tx.DebtDenom)
		}
		totals[tx.DebtDenom] = total.Add(amount)
	}

	coins := make([]entity.Coin, 0, len(order))
	for _, denom := range order {
		coins = append(coins, entity.Coin{
			Denom:  denom,
			Amount: rounding.Apply(totals[denom]).StringFixed(0),
		})
	}

	return DebtAggregate{Coins: coins, Unfunded: unfunded}, nil
}

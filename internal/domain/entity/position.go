package entity

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Position is a borrower's collateral and debt snapshot at the moment it was
// read from the queue. It is owned by the loop iteration that fetched it.
type Position struct {
	Address     string  `json:"address"`
	Collaterals []Asset `json:"collaterals"`
	Debts       []Asset `json:"debts"`
}

// Validate checks that the snapshot can be turned into a liquidation.
func (p Position) Validate() error {
	if p.Address == "" {
		return fmt.Errorf("address must not be empty")
	}
	if err := validateAssets("collateral", p.Collaterals); err != nil {
		return fmt.Errorf("position %s: %w", p.Address, err)
	}
	if err := validateAssets("debt", p.Debts); err != nil {
		return fmt.Errorf("position %s: %w", p.Address, err)
	}
	return nil
}

func validateAssets(kind string, assets []Asset) error {
	seen := make(map[string]bool, len(assets))
	for _, a := range assets {
		if err := a.validate(); err != nil {
			return fmt.Errorf("invalid %s: %w", kind, err)
		}
		if seen[a.Denom] {
			return fmt.Errorf("duplicate %s denom %s", kind, a.Denom)
		}
		seen[a.Denom] = true
	}
	return nil
}

// DebtAmount returns the amount owed in denom. The boolean is false when the
// position carries no debt entry for denom, in which case the amount is zero.
func (p Position) DebtAmount(denom string) (decimal.Decimal, bool) {
	for _, d := range p.Debts {
		if d.Denom == denom {
			return d.Amount, true
		}
	}
	return decimal.Zero, false
}

// LargestCollateral returns the collateral entry with the greatest amount.
// The first entry wins on ties.
func (p Position) LargestCollateral() (Asset, bool) {
	return largest(p.Collaterals)
}

// LargestDebt returns the debt entry with the greatest amount.
// The first entry wins on ties.
func (p Position) LargestDebt() (Asset, bool) {
	return largest(p.Debts)
}

func largest(assets []Asset) (Asset, bool) {
	if len(assets) == 0 {
		return Asset{}, false
	}
	best := assets[0]
	for _, a := range assets[1:] {
		if a.Amount.GreaterThan(best.Amount) {
			best = a
		}
	}
	return best, true
}

// DecodePositions parses a queue payload holding either one position object
// or an array of them.
func DecodePositions(data []byte) ([]Position, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty payload")
	}
	if trimmed[0] == '[' {
		var positions []Position
		if err := json.Unmarshal(trimmed, &positions); err != nil {
			return nil, fmt.Errorf("decoding positions: %w", err)
		}
		return positions, nil
	}
	var p Position
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return nil, fmt.Errorf("decoding position: %w", err)
	}
	return []Position{p}, nil
}

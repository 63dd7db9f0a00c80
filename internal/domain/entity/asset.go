package entity

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Asset is a balance of one fungible unit held or owed by a borrower.
type Asset struct {
	Denom  string          `json:"denom"`
	Amount decimal.Decimal `json:"amount"`
}

// NewAsset creates a new Asset entity.
func NewAsset(denom string, amount decimal.Decimal) (Asset, error) {
	a := Asset{Denom: denom, Amount: amount}
	if err := a.validate(); err != nil {
		return Asset{}, err
	}
	return a, nil
}

func (a Asset) validate() error {
	if a.Denom == "" {
		return fmt.Errorf("denom must not be empty")
	}
	if a.Amount.IsNegative() {
		return fmt.Errorf("amount for %s must be non-negative, got %s", a.Denom, a.Amount)
	}
	return nil
}

// Coin is a funding unit sent alongside a batch. Amount is an integer string.
type Coin struct {
	Denom  string `json:"denom"`
	Amount string `json:"amount"`
}

// AmountDecimal parses the integer amount.
func (c Coin) AmountDecimal() (decimal.Decimal, error) {
	d, err := decimal.NewFromString(c.Amount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parsing coin amount %q for %s: %w", c.Amount, c.Denom, err)
	}
	return d, nil
}

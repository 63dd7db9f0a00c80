package ethereum

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

var gasUnits = []struct {
	suffix string
	exp    int32
}{
	{"gwei", 9},
	{"mwei", 6},
	{"kwei", 3},
	{"wei", 0},
	{"ether", 18},
	{"eth", 18},
}

// ParseGasPrice parses a gas price such as "1.5gwei", "100wei" or a bare
// wei integer. The result must be a positive whole number of wei.
func ParseGasPrice(s string) (*big.Int, error) {
	raw := strings.ToLower(strings.TrimSpace(s))
	if raw == "" {
		return nil, fmt.Errorf("gas price is empty")
	}

	exp := int32(0)
	for _, u := range gasUnits {
		if strings.HasSuffix(raw, u.suffix) {
			raw = strings.TrimSpace(strings.TrimSuffix(raw, u.suffix))
			exp = u.exp
			break
		}
	}

	value, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid gas price %q: %w", s, err)
	}
	wei := value.Shift(exp)
	if !wei.IsPositive() {
		return nil, fmt.Errorf("gas price %q must be positive", s)
	}
	if !wei.Equal(wei.Truncate(0)) {
		return nil, fmt.Errorf("gas price %q is not a whole number of wei", s)
	}
	return wei.BigInt(), nil
}

// ParsePrivateKey decodes a hex-encoded secp256k1 key, with or without 0x.
func ParsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid signing key: %w", err)
	}
	return key, nil
}

// parseAddress accepts a denom or account only if it is a 20-byte hex address.
func parseAddress(kind, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%s %q is not a hex address", kind, s)
	}
	return common.HexToAddress(s), nil
}

// baseUnits converts an amount to integer token units, truncating any
// fractional part so the agent never commits more than it was funded for.
func baseUnits(d decimal.Decimal) (*big.Int, error) {
	if d.IsNegative() {
		return nil, fmt.Errorf("negative amount %s", d)
	}
	v := d.Truncate(0).BigInt()
	if err := fitsUint256(v); err != nil {
		return nil, err
	}
	return v, nil
}

func coinUnits(amount string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(amount, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid coin amount %q", amount)
	}
	if err := fitsUint256(v); err != nil {
		return nil, err
	}
	return v, nil
}

func toDecimal(v *big.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, 0)
}

func fitsUint256(v *big.Int) error {
	if _, overflow := uint256.FromBig(v); overflow {
		return fmt.Errorf("amount %s does not fit in uint256", v)
	}
	return nil
}

// minAmountOut applies a slippage tolerance in basis points to a quote.
// quote is a decoded uint256 so it always fits.
func minAmountOut(quote *big.Int, slippageBps int64) *big.Int {
	q, _ := uint256.FromBig(quote)
	out, _ := new(uint256.Int).MulDivOverflow(q, uint256.NewInt(uint64(10_000-slippageBps)), uint256.NewInt(10_000))
	return out.ToBig()
}

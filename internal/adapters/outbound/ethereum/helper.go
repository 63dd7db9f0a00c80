// Package ethereum implements the LiquidationHelper against an EVM chain:
// a liquidation filterer contract settles batches and a Uniswap V2 style
// router converts seized collateral back into the repaid asset.
package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/archon-research/liquidator/internal/domain/entity"
	"github.com/archon-research/liquidator/internal/pkg/retry"
	"github.com/archon-research/liquidator/internal/ports/outbound"
)

var _ outbound.LiquidationHelper = (*Helper)(nil)

// ChainClient is the subset of *ethclient.Client the helper needs.
type ChainClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// ErrReverted is returned when a mined transaction has a failed status.
var ErrReverted = errors.New("transaction reverted")

// Config holds configuration for the Helper.
type Config struct {
	// FiltererAddress is the liquidation filterer contract that executes batches.
	FiltererAddress common.Address

	// RouterAddress is the swap router used for compensating swaps.
	RouterAddress common.Address

	// GasPrice is the legacy gas price applied to every transaction.
	GasPrice *big.Int

	// GasLimit fixes the gas limit. Zero means estimate per transaction.
	GasLimit uint64

	// GasHeadroomPct pads estimated gas by this percentage (default: 20).
	GasHeadroomPct uint64

	// ReceiveUnderlying is stamped onto every produced instruction.
	ReceiveUnderlying bool

	// MaxSlippageBps bounds swap slippage against the router quote (default: 100).
	MaxSlippageBps int64

	// SwapDeadline is how long a swap stays valid on chain (default: 5m).
	SwapDeadline time.Duration

	// ReceiptPollInterval is the delay between receipt lookups (default: 2s).
	ReceiptPollInterval time.Duration

	// SendRate and SendBurst pace transaction submission (default: 5/s, burst 5).
	SendRate  rate.Limit
	SendBurst int

	Logger *slog.Logger
}

// ConfigDefaults returns a config with default values.
func ConfigDefaults() Config {
	return Config{
		GasHeadroomPct:      20,
		MaxSlippageBps:      100,
		SwapDeadline:        5 * time.Minute,
		ReceiptPollInterval: 2 * time.Second,
		SendRate:            5,
		SendBurst:           5,
		Logger:              slog.Default(),
	}
}

// Helper signs and submits liquidation batches and swaps from one account.
// It is safe for concurrent use.
type Helper struct {
	client  ChainClient
	key     *ecdsa.PrivateKey
	account common.Address
	chainID *big.Int
	signer  types.Signer
	abis    *contractABIs
	nonces  *nonceManager
	limiter *rate.Limiter
	config  Config
	logger  *slog.Logger
	now     func() time.Time
}

// NewHelper creates a Helper. The chain id is read from the node once.
func NewHelper(ctx context.Context, client ChainClient, key *ecdsa.PrivateKey, config Config) (*Helper, error) {
	if client == nil {
		return nil, fmt.Errorf("chain client is required")
	}
	if key == nil {
		return nil, fmt.Errorf("signing key is required")
	}
	if config.GasPrice == nil || config.GasPrice.Sign() <= 0 {
		return nil, fmt.Errorf("gas price must be positive")
	}
	if config.FiltererAddress == (common.Address{}) {
		return nil, fmt.Errorf("filterer address is required")
	}
	if config.RouterAddress == (common.Address{}) {
		return nil, fmt.Errorf("router address is required")
	}
	if config.MaxSlippageBps < 0 || config.MaxSlippageBps >= 10_000 {
		return nil, fmt.Errorf("max slippage must be in [0, 10000) bps, got %d", config.MaxSlippageBps)
	}

	defaults := ConfigDefaults()
	if config.GasHeadroomPct == 0 {
		config.GasHeadroomPct = defaults.GasHeadroomPct
	}
	if config.SwapDeadline <= 0 {
		config.SwapDeadline = defaults.SwapDeadline
	}
	if config.ReceiptPollInterval <= 0 {
		config.ReceiptPollInterval = defaults.ReceiptPollInterval
	}
	if config.SendRate <= 0 {
		config.SendRate = defaults.SendRate
	}
	if config.SendBurst <= 0 {
		config.SendBurst = defaults.SendBurst
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	abis, err := loadABIs()
	if err != nil {
		return nil, err
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain id: %w", err)
	}

	account := crypto.PubkeyToAddress(key.PublicKey)
	logger := config.Logger.With("component", "ethereum-helper")
	logger.Info("liquidation helper initialized",
		"account", account.Hex(),
		"chainID", chainID.String(),
		"filterer", config.FiltererAddress.Hex(),
		"router", config.RouterAddress.Hex())

	return &Helper{
		client:  client,
		key:     key,
		account: account,
		chainID: chainID,
		signer:  types.LatestSignerForChainID(chainID),
		abis:    abis,
		nonces:  newNonceManager(client, account),
		limiter: rate.NewLimiter(config.SendRate, config.SendBurst),
		config:  config,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// Account returns the address transactions are sent from.
func (h *Helper) Account() common.Address {
	return h.account
}

// ProduceLiquidationTx targets the position's largest collateral and
// largest debt, repaying that debt in full.
func (h *Helper) ProduceLiquidationTx(position entity.Position) (entity.LiquidationTx, error) {
	if _, err := parseAddress("user", position.Address); err != nil {
		return entity.LiquidationTx{}, err
	}
	collateral, ok := position.LargestCollateral()
	if !ok {
		return entity.LiquidationTx{}, fmt.Errorf("position %s has no collateral", position.Address)
	}
	debt, ok := position.LargestDebt()
	if !ok {
		return entity.LiquidationTx{}, fmt.Errorf("position %s has no debt", position.Address)
	}
	if _, err := parseAddress("collateral denom", collateral.Denom); err != nil {
		return entity.LiquidationTx{}, err
	}
	if _, err := parseAddress("debt denom", debt.Denom); err != nil {
		return entity.LiquidationTx{}, err
	}

	return entity.LiquidationTx{
		UserAddress:       position.Address,
		CollateralDenom:   collateral.Denom,
		DebtDenom:         debt.Denom,
		RepayAmount:       debt.Amount,
		ReceiveUnderlying: h.config.ReceiveUnderlying,
	}, nil
}

// SendLiquidationTxs approves the funding coins to the filterer and submits
// all txs in a single liquidateMany call. Results are read back from the
// receipt's Liquidated logs and ordered by batch index.
func (h *Helper) SendLiquidationTxs(ctx context.Context, txs []entity.LiquidationTx, coins []entity.Coin) ([]entity.LiquidationResult, error) {
	if len(txs) == 0 {
		return nil, fmt.Errorf("empty liquidation batch")
	}

	params, err := h.liquidationParams(txs)
	if err != nil {
		return nil, err
	}

	funding, err := fundingByToken(coins)
	if err != nil {
		return nil, err
	}
	for _, f := range funding {
		if err := h.ensureAllowance(ctx, f.token, h.config.FiltererAddress, f.amount, f.amount); err != nil {
			return nil, fmt.Errorf("funding %s: %w", f.token.Hex(), err)
		}
	}

	data, err := h.abis.filterer.Pack("liquidateMany", params)
	if err != nil {
		return nil, fmt.Errorf("failed to pack liquidateMany: %w", err)
	}

	receipt, err := h.transact(ctx, h.config.FiltererAddress, data)
	if err != nil {
		return nil, fmt.Errorf("liquidateMany: %w", err)
	}

	results, err := h.parseLiquidated(receipt, len(txs))
	if err != nil {
		return nil, err
	}

	h.logger.Info("liquidation batch settled",
		"tx", receipt.TxHash.Hex(),
		"liquidations", len(results),
		"gasUsed", receipt.GasUsed)
	return results, nil
}

// Swap sells amount of fromDenom for toDenom through the router, accepting
// at most MaxSlippageBps below the current quote.
func (h *Helper) Swap(ctx context.Context, fromDenom, toDenom string, amount decimal.Decimal) (string, error) {
	from, err := parseAddress("from denom", fromDenom)
	if err != nil {
		return "", err
	}
	to, err := parseAddress("to denom", toDenom)
	if err != nil {
		return "", err
	}
	amountIn, err := baseUnits(amount)
	if err != nil {
		return "", err
	}
	if amountIn.Sign() == 0 {
		return "", fmt.Errorf("swap amount %s rounds to zero", amount)
	}

	// Router approval is unlimited so concurrent swaps of one token never
	// consume each other's allowance.
	if err := h.ensureAllowance(ctx, from, h.config.RouterAddress, amountIn, maxUint256); err != nil {
		return "", fmt.Errorf("approving router: %w", err)
	}

	path := []common.Address{from, to}
	quote, err := h.quote(ctx, amountIn, path)
	if err != nil {
		return "", err
	}
	minOut := minAmountOut(quote, h.config.MaxSlippageBps)
	deadline := big.NewInt(h.now().Add(h.config.SwapDeadline).Unix())

	data, err := h.abis.router.Pack("swapExactTokensForTokens", amountIn, minOut, path, h.account, deadline)
	if err != nil {
		return "", fmt.Errorf("failed to pack swap: %w", err)
	}

	receipt, err := h.transact(ctx, h.config.RouterAddress, data)
	if err != nil {
		return "", fmt.Errorf("swapExactTokensForTokens: %w", err)
	}
	return receipt.TxHash.Hex(), nil
}

type tokenFunding struct {
	token  common.Address
	amount *big.Int
}

// fundingByToken sums coins per token address. Denoms differing only in
// letter case name the same token, and approve overwrites the allowance,
// so each token must be approved once for its total.
func fundingByToken(coins []entity.Coin) ([]tokenFunding, error) {
	var out []tokenFunding
	index := make(map[common.Address]int, len(coins))
	for _, coin := range coins {
		token, err := parseAddress("coin denom", coin.Denom)
		if err != nil {
			return nil, err
		}
		amount, err := coinUnits(coin.Amount)
		if err != nil {
			return nil, err
		}
		if amount.Sign() == 0 {
			continue
		}
		if i, ok := index[token]; ok {
			out[i].amount.Add(out[i].amount, amount)
			if err := fitsUint256(out[i].amount); err != nil {
				return nil, fmt.Errorf("funding %s: %w", token.Hex(), err)
			}
			continue
		}
		index[token] = len(out)
		out = append(out, tokenFunding{token: token, amount: amount})
	}
	return out, nil
}

var maxUint256 = new(uint256.Int).SetAllOne().ToBig()

func (h *Helper) liquidationParams(txs []entity.LiquidationTx) ([]liquidationParams, error) {
	params := make([]liquidationParams, len(txs))
	for i, tx := range txs {
		user, err := parseAddress("user", tx.UserAddress)
		if err != nil {
			return nil, fmt.Errorf("instruction %d: %w", i, err)
		}
		collateral, err := parseAddress("collateral denom", tx.CollateralDenom)
		if err != nil {
			return nil, fmt.Errorf("instruction %d: %w", i, err)
		}
		debt, err := parseAddress("debt denom", tx.DebtDenom)
		if err != nil {
			return nil, fmt.Errorf("instruction %d: %w", i, err)
		}
		amount, err := baseUnits(tx.RepayAmount)
		if err != nil {
			return nil, fmt.Errorf("instruction %d: %w", i, err)
		}
		params[i] = liquidationParams{
			User:              user,
			Collateral:        collateral,
			Debt:              debt,
			Amount:            amount,
			ReceiveUnderlying: tx.ReceiveUnderlying,
		}
	}
	return params, nil
}

// ensureAllowance approves spender for approveAmount when the current
// allowance is below required.
func (h *Helper) ensureAllowance(ctx context.Context, token, spender common.Address, required, approveAmount *big.Int) error {
	current, err := h.allowance(ctx, token, spender)
	if err != nil {
		return err
	}
	if current.Cmp(required) >= 0 {
		return nil
	}

	data, err := h.abis.erc20.Pack("approve", spender, approveAmount)
	if err != nil {
		return fmt.Errorf("failed to pack approve: %w", err)
	}
	receipt, err := h.transact(ctx, token, data)
	if err != nil {
		return fmt.Errorf("approve: %w", err)
	}
	h.logger.Debug("allowance raised",
		"token", token.Hex(),
		"spender", spender.Hex(),
		"amount", approveAmount.String(),
		"tx", receipt.TxHash.Hex())
	return nil
}

func (h *Helper) allowance(ctx context.Context, token, spender common.Address) (*big.Int, error) {
	data, err := h.abis.erc20.Pack("allowance", h.account, spender)
	if err != nil {
		return nil, fmt.Errorf("failed to pack allowance: %w", err)
	}
	result, err := h.client.CallContract(ctx, ethereum.CallMsg{From: h.account, To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read allowance of %s: %w", token.Hex(), err)
	}
	unpacked, err := h.abis.erc20.Unpack("allowance", result)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack allowance: %w", err)
	}
	value, ok := unpacked[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected allowance type %T", unpacked[0])
	}
	return value, nil
}

func (h *Helper) quote(ctx context.Context, amountIn *big.Int, path []common.Address) (*big.Int, error) {
	data, err := h.abis.router.Pack("getAmountsOut", amountIn, path)
	if err != nil {
		return nil, fmt.Errorf("failed to pack getAmountsOut: %w", err)
	}
	result, err := h.client.CallContract(ctx, ethereum.CallMsg{To: &h.config.RouterAddress, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to quote swap: %w", err)
	}
	unpacked, err := h.abis.router.Unpack("getAmountsOut", result)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack getAmountsOut: %w", err)
	}
	amounts, ok := unpacked[0].([]*big.Int)
	if !ok || len(amounts) != len(path) {
		return nil, fmt.Errorf("unexpected getAmountsOut result %v", unpacked[0])
	}
	return amounts[len(amounts)-1], nil
}

// transact signs, sends and waits for one transaction to be mined.
func (h *Helper) transact(ctx context.Context, to common.Address, data []byte) (*types.Receipt, error) {
	if err := h.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for send slot: %w", err)
	}

	gasLimit := h.config.GasLimit
	if gasLimit == 0 {
		estimate, err := h.client.EstimateGas(ctx, ethereum.CallMsg{
			From:     h.account,
			To:       &to,
			GasPrice: h.config.GasPrice,
			Data:     data,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to estimate gas: %w", err)
		}
		gasLimit = estimate + estimate*h.config.GasHeadroomPct/100
	}

	nonce, err := h.nonces.acquire(ctx)
	if err != nil {
		return nil, err
	}

	tx, err := types.SignNewTx(h.key, h.signer, &types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Gas:      gasLimit,
		GasPrice: h.config.GasPrice,
		Data:     data,
	})
	if err != nil {
		h.nonces.reset()
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := h.client.SendTransaction(ctx, tx); err != nil {
		h.nonces.reset()
		return nil, fmt.Errorf("failed to send transaction: %w", err)
	}
	h.logger.Debug("transaction sent", "tx", tx.Hash().Hex(), "to", to.Hex(), "nonce", nonce, "gas", gasLimit)

	receipt, err := h.waitMined(ctx, tx.Hash())
	if err != nil {
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("%w: %s", ErrReverted, tx.Hash().Hex())
	}
	return receipt, nil
}

func (h *Helper) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	for {
		receipt, err := h.client.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			h.logger.Warn("receipt lookup failed", "tx", hash.Hex(), "error", err)
		}
		if err := retry.Sleep(ctx, h.config.ReceiptPollInterval); err != nil {
			return nil, fmt.Errorf("waiting for receipt of %s: %w", hash.Hex(), err)
		}
	}
}

// parseLiquidated maps the filterer's Liquidated logs onto batch positions.
func (h *Helper) parseLiquidated(receipt *types.Receipt, n int) ([]entity.LiquidationResult, error) {
	event := h.abis.filterer.Events["Liquidated"]
	results := make([]entity.LiquidationResult, n)
	seen := make([]bool, n)

	for _, log := range receipt.Logs {
		if log.Address != h.config.FiltererAddress || len(log.Topics) != 3 || log.Topics[0] != event.ID {
			continue
		}

		index := new(big.Int).SetBytes(log.Topics[1].Bytes())
		if !index.IsInt64() || index.Int64() >= int64(n) {
			return nil, fmt.Errorf("liquidated log index %s out of range for batch of %d", index, n)
		}
		i := int(index.Int64())
		if seen[i] {
			return nil, fmt.Errorf("duplicate liquidated log for index %d", i)
		}

		values, err := event.Inputs.NonIndexed().Unpack(log.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to unpack liquidated log: %w", err)
		}
		if len(values) != 4 {
			return nil, fmt.Errorf("liquidated log has %d fields, want 4", len(values))
		}
		collateral, ok1 := values[0].(common.Address)
		received, ok2 := values[1].(*big.Int)
		debt, ok3 := values[2].(common.Address)
		repaid, ok4 := values[3].(*big.Int)
		if !ok1 || !ok2 || !ok3 || !ok4 {
			return nil, fmt.Errorf("unexpected liquidated log field types")
		}

		results[i] = entity.LiquidationResult{
			UserAddress:              common.BytesToAddress(log.Topics[2].Bytes()).Hex(),
			CollateralReceivedDenom:  collateral.Hex(),
			CollateralReceivedAmount: toDecimal(received),
			DebtRepaidDenom:          debt.Hex(),
			DebtRepaidAmount:         toDecimal(repaid),
			TxHash:                   receipt.TxHash.Hex(),
		}
		seen[i] = true
	}

	for i, ok := range seen {
		if !ok {
			return nil, fmt.Errorf("no liquidated log for index %d in %s", i, receipt.TxHash.Hex())
		}
	}
	return results, nil
}

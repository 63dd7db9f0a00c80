package ethereum

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/archon-research/liquidator/internal/domain/entity"
	"github.com/archon-research/liquidator/internal/testutil"
)

var (
	filtererAddr = common.HexToAddress("0x1000000000000000000000000000000000000001")
	routerAddr   = common.HexToAddress("0x2000000000000000000000000000000000000002")
	usdcAddr     = common.HexToAddress("0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48")
	wethAddr     = common.HexToAddress("0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2")
	daiAddr      = common.HexToAddress("0x6b175474e89094c44da98b954eedeac495271d0f")
	userAddr     = common.HexToAddress("0x3000000000000000000000000000000000000003")
	otherUser    = common.HexToAddress("0x4000000000000000000000000000000000000004")
)

// fakeChain answers calls by selector and mines every sent tx immediately.
type fakeChain struct {
	mu        sync.Mutex
	abis      *contractABIs
	nonce     uint64
	allowance *big.Int
	approved  map[common.Address]*big.Int
	quote     *big.Int
	sent      []*types.Transaction
	sendErr   error
	receiptFn func(tx *types.Transaction) *types.Receipt
	nonceHits int
}

func newFakeChain(t *testing.T) *fakeChain {
	t.Helper()
	abis, err := loadABIs()
	if err != nil {
		t.Fatalf("loadABIs: %v", err)
	}
	return &fakeChain{abis: abis, nonce: 7, allowance: big.NewInt(0), quote: big.NewInt(1000)}
}

func (f *fakeChain) ChainID(context.Context) (*big.Int, error) { return big.NewInt(1), nil }

func (f *fakeChain) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nonceHits++
	return f.nonce, nil
}

func (f *fakeChain) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case bytes.HasPrefix(msg.Data, f.abis.erc20.Methods["allowance"].ID):
		if v, ok := f.approved[*msg.To]; ok {
			return f.abis.erc20.Methods["allowance"].Outputs.Pack(v)
		}
		return f.abis.erc20.Methods["allowance"].Outputs.Pack(f.allowance)
	case bytes.HasPrefix(msg.Data, f.abis.router.Methods["getAmountsOut"].ID):
		args, err := f.abis.router.Methods["getAmountsOut"].Inputs.Unpack(msg.Data[4:])
		if err != nil {
			return nil, err
		}
		return f.abis.router.Methods["getAmountsOut"].Outputs.Pack([]*big.Int{args[0].(*big.Int), f.quote})
	}
	return nil, errors.New("unexpected call")
}

func (f *fakeChain) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 100_000, nil
}

func (f *fakeChain) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	// approve overwrites, it never adds.
	if approve := f.abis.erc20.Methods["approve"]; bytes.HasPrefix(tx.Data(), approve.ID) {
		args, err := approve.Inputs.Unpack(tx.Data()[4:])
		if err != nil {
			return err
		}
		if f.approved == nil {
			f.approved = make(map[common.Address]*big.Int)
		}
		f.approved[*tx.To()] = args[1].(*big.Int)
	}
	return nil
}

func (f *fakeChain) approvedFor(token common.Address) *big.Int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.approved[token]
}

func (f *fakeChain) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tx := range f.sent {
		if tx.Hash() != hash {
			continue
		}
		if f.receiptFn != nil {
			if r := f.receiptFn(tx); r != nil {
				r.TxHash = hash
				return r, nil
			}
		}
		return &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: hash}, nil
	}
	return nil, ethereum.NotFound
}

func (f *fakeChain) sentTxs() []*types.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.Transaction(nil), f.sent...)
}

func newTestHelper(t *testing.T, chain *fakeChain) *Helper {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	cfg := ConfigDefaults()
	cfg.FiltererAddress = filtererAddr
	cfg.RouterAddress = routerAddr
	cfg.GasPrice = big.NewInt(1_000_000_000)
	cfg.ReceiptPollInterval = time.Millisecond
	cfg.SendRate = 1000
	cfg.SendBurst = 100
	cfg.Logger = testutil.DiscardLogger()

	h, err := NewHelper(context.Background(), chain, key, cfg)
	if err != nil {
		t.Fatalf("NewHelper: %v", err)
	}
	return h
}

func liquidatedLog(t *testing.T, abis *contractABIs, index int64, user, collateral common.Address, received int64, debt common.Address, repaid int64) *types.Log {
	t.Helper()
	event := abis.filterer.Events["Liquidated"]
	data, err := event.Inputs.NonIndexed().Pack(collateral, big.NewInt(received), debt, big.NewInt(repaid))
	if err != nil {
		t.Fatalf("pack log: %v", err)
	}
	return &types.Log{
		Address: filtererAddr,
		Topics: []common.Hash{
			event.ID,
			common.BigToHash(big.NewInt(index)),
			common.BytesToHash(user.Bytes()),
		},
		Data: data,
	}
}

func selectorOf(tx *types.Transaction) []byte {
	return tx.Data()[:4]
}

func TestNewHelper_Validation(t *testing.T) {
	chain := newFakeChain(t)
	key, _ := crypto.GenerateKey()
	valid := Config{FiltererAddress: filtererAddr, RouterAddress: routerAddr, GasPrice: big.NewInt(1)}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing gas price", func(c *Config) { c.GasPrice = nil }, "gas price"},
		{"missing filterer", func(c *Config) { c.FiltererAddress = common.Address{} }, "filterer"},
		{"missing router", func(c *Config) { c.RouterAddress = common.Address{} }, "router"},
		{"slippage too high", func(c *Config) { c.MaxSlippageBps = 10_000 }, "slippage"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			_, err := NewHelper(context.Background(), chain, key, cfg)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}

	h, err := NewHelper(context.Background(), chain, key, valid)
	if err != nil {
		t.Fatalf("NewHelper: %v", err)
	}
	if h.config.SwapDeadline != 5*time.Minute || h.config.GasHeadroomPct != 20 {
		t.Errorf("defaults not applied: %+v", h.config)
	}
	if h.Account() != crypto.PubkeyToAddress(key.PublicKey) {
		t.Errorf("account mismatch")
	}
}

func TestProduceLiquidationTx(t *testing.T) {
	h := newTestHelper(t, newFakeChain(t))
	h.config.ReceiveUnderlying = true

	position := entity.Position{
		Address: userAddr.Hex(),
		Collaterals: []entity.Asset{
			{Denom: usdcAddr.Hex(), Amount: decimal.NewFromInt(50)},
			{Denom: wethAddr.Hex(), Amount: decimal.NewFromInt(80)},
		},
		Debts: []entity.Asset{
			{Denom: daiAddr.Hex(), Amount: decimal.NewFromInt(40)},
			{Denom: usdcAddr.Hex(), Amount: decimal.NewFromInt(40)},
		},
	}

	tx, err := h.ProduceLiquidationTx(position)
	if err != nil {
		t.Fatalf("ProduceLiquidationTx: %v", err)
	}
	if tx.CollateralDenom != wethAddr.Hex() {
		t.Errorf("collateral = %s, want largest %s", tx.CollateralDenom, wethAddr.Hex())
	}
	if tx.DebtDenom != daiAddr.Hex() {
		t.Errorf("debt = %s, want first of tied largest %s", tx.DebtDenom, daiAddr.Hex())
	}
	if !tx.RepayAmount.Equal(decimal.NewFromInt(40)) {
		t.Errorf("repay = %s, want 40", tx.RepayAmount)
	}
	if !tx.ReceiveUnderlying || tx.UserAddress != position.Address {
		t.Errorf("unexpected tx %+v", tx)
	}
	if len(position.Collaterals) != 2 || position.Collaterals[0].Denom != usdcAddr.Hex() {
		t.Error("position was mutated")
	}
}

func TestProduceLiquidationTx_Errors(t *testing.T) {
	h := newTestHelper(t, newFakeChain(t))
	good := []entity.Asset{{Denom: usdcAddr.Hex(), Amount: decimal.NewFromInt(1)}}

	tests := []struct {
		name     string
		position entity.Position
		want     string
	}{
		{"bad user", entity.Position{Address: "cosmos1abc", Collaterals: good, Debts: good}, "user"},
		{"no collateral", entity.Position{Address: userAddr.Hex(), Debts: good}, "no collateral"},
		{"no debt", entity.Position{Address: userAddr.Hex(), Collaterals: good}, "no debt"},
		{"bad denom", entity.Position{
			Address:     userAddr.Hex(),
			Collaterals: []entity.Asset{{Denom: "uatom", Amount: decimal.NewFromInt(1)}},
			Debts:       good,
		}, "collateral denom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.ProduceLiquidationTx(tt.position)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func batchTxs() []entity.LiquidationTx {
	return []entity.LiquidationTx{
		{UserAddress: userAddr.Hex(), CollateralDenom: wethAddr.Hex(), DebtDenom: usdcAddr.Hex(), RepayAmount: decimal.NewFromInt(100)},
		{UserAddress: otherUser.Hex(), CollateralDenom: wethAddr.Hex(), DebtDenom: daiAddr.Hex(), RepayAmount: decimal.NewFromInt(10)},
	}
}

func TestSendLiquidationTxs(t *testing.T) {
	chain := newFakeChain(t)
	h := newTestHelper(t, chain)
	liquidateID := chain.abis.filterer.Methods["liquidateMany"].ID

	chain.receiptFn = func(tx *types.Transaction) *types.Receipt {
		if !bytes.Equal(selectorOf(tx), liquidateID) {
			return nil
		}
		// Logs arrive out of order; results must follow batch index.
		return &types.Receipt{
			Status: types.ReceiptStatusSuccessful,
			Logs: []*types.Log{
				liquidatedLog(t, chain.abis, 1, otherUser, wethAddr, 5, daiAddr, 10),
				{Address: usdcAddr, Topics: []common.Hash{{0x01}}},
				liquidatedLog(t, chain.abis, 0, userAddr, wethAddr, 60, usdcAddr, 100),
			},
		}
	}

	coins := []entity.Coin{{Denom: usdcAddr.Hex(), Amount: "100"}, {Denom: daiAddr.Hex(), Amount: "10"}}
	results, err := h.SendLiquidationTxs(context.Background(), batchTxs(), coins)
	if err != nil {
		t.Fatalf("SendLiquidationTxs: %v", err)
	}

	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].UserAddress != userAddr.Hex() || !results[0].CollateralReceivedAmount.Equal(decimal.NewFromInt(60)) {
		t.Errorf("result 0 = %+v", results[0])
	}
	if results[1].DebtRepaidDenom != daiAddr.Hex() || !results[1].DebtRepaidAmount.Equal(decimal.NewFromInt(10)) {
		t.Errorf("result 1 = %+v", results[1])
	}

	sent := chain.sentTxs()
	if len(sent) != 3 {
		t.Fatalf("expected 2 approvals and 1 batch, got %d txs", len(sent))
	}
	approveID := chain.abis.erc20.Methods["approve"].ID
	for i, tx := range sent[:2] {
		if !bytes.Equal(selectorOf(tx), approveID) {
			t.Errorf("tx %d is not an approve", i)
		}
		args, err := chain.abis.erc20.Methods["approve"].Inputs.Unpack(tx.Data()[4:])
		if err != nil {
			t.Fatalf("unpack approve: %v", err)
		}
		if args[0].(common.Address) != filtererAddr {
			t.Errorf("approve %d spender = %s", i, args[0])
		}
	}
	if *sent[0].To() != usdcAddr || *sent[1].To() != daiAddr {
		t.Errorf("approvals sent to wrong tokens")
	}
	for i, tx := range sent {
		if tx.Nonce() != uint64(7+i) {
			t.Errorf("tx %d nonce = %d, want %d", i, tx.Nonce(), 7+i)
		}
		if tx.Gas() != 120_000 {
			t.Errorf("tx %d gas = %d, want padded estimate", i, tx.Gas())
		}
	}
	if *sent[2].To() != filtererAddr || !bytes.Equal(selectorOf(sent[2]), liquidateID) {
		t.Error("last tx is not liquidateMany on the filterer")
	}
}

func TestSendLiquidationTxs_SkipsApprovalWhenAllowanceSuffices(t *testing.T) {
	chain := newFakeChain(t)
	chain.allowance = big.NewInt(1_000)
	h := newTestHelper(t, chain)
	chain.receiptFn = func(tx *types.Transaction) *types.Receipt {
		return &types.Receipt{
			Status: types.ReceiptStatusSuccessful,
			Logs: []*types.Log{
				liquidatedLog(t, chain.abis, 0, userAddr, wethAddr, 60, usdcAddr, 100),
				liquidatedLog(t, chain.abis, 1, otherUser, wethAddr, 5, daiAddr, 10),
			},
		}
	}

	coins := []entity.Coin{{Denom: usdcAddr.Hex(), Amount: "100"}, {Denom: daiAddr.Hex(), Amount: "0"}}
	if _, err := h.SendLiquidationTxs(context.Background(), batchTxs(), coins); err != nil {
		t.Fatalf("SendLiquidationTxs: %v", err)
	}
	if n := len(chain.sentTxs()); n != 1 {
		t.Errorf("expected only the batch tx, got %d txs", n)
	}
}

func TestSendLiquidationTxs_FundsEachTokenOnceAcrossDenomSpellings(t *testing.T) {
	chain := newFakeChain(t)
	h := newTestHelper(t, chain)
	chain.receiptFn = func(tx *types.Transaction) *types.Receipt {
		if !bytes.Equal(selectorOf(tx), chain.abis.filterer.Methods["liquidateMany"].ID) {
			return nil
		}
		return &types.Receipt{
			Status: types.ReceiptStatusSuccessful,
			Logs: []*types.Log{
				liquidatedLog(t, chain.abis, 0, userAddr, wethAddr, 60, usdcAddr, 100),
				liquidatedLog(t, chain.abis, 1, otherUser, wethAddr, 30, usdcAddr, 50),
			},
		}
	}

	txs := []entity.LiquidationTx{
		{UserAddress: userAddr.Hex(), CollateralDenom: wethAddr.Hex(), DebtDenom: strings.ToLower(usdcAddr.Hex()), RepayAmount: decimal.NewFromInt(100)},
		{UserAddress: otherUser.Hex(), CollateralDenom: wethAddr.Hex(), DebtDenom: usdcAddr.Hex(), RepayAmount: decimal.NewFromInt(50)},
	}
	coins := []entity.Coin{
		{Denom: strings.ToLower(usdcAddr.Hex()), Amount: "100"},
		{Denom: usdcAddr.Hex(), Amount: "50"},
	}
	if _, err := h.SendLiquidationTxs(context.Background(), txs, coins); err != nil {
		t.Fatalf("SendLiquidationTxs: %v", err)
	}

	approveID := chain.abis.erc20.Methods["approve"].ID
	approvals := 0
	for _, tx := range chain.sentTxs() {
		if bytes.Equal(selectorOf(tx), approveID) {
			approvals++
		}
	}
	if approvals != 1 {
		t.Errorf("expected one approve for the shared token, got %d", approvals)
	}
	if got := chain.approvedFor(usdcAddr); got == nil || got.Int64() != 150 {
		t.Errorf("usdc allowance = %v, want 150", got)
	}
}

func TestFundingByToken(t *testing.T) {
	funding, err := fundingByToken([]entity.Coin{
		{Denom: usdcAddr.Hex(), Amount: "10"},
		{Denom: daiAddr.Hex(), Amount: "0"},
		{Denom: wethAddr.Hex(), Amount: "3"},
		{Denom: strings.ToLower(usdcAddr.Hex()), Amount: "5"},
	})
	if err != nil {
		t.Fatalf("fundingByToken: %v", err)
	}
	if len(funding) != 2 {
		t.Fatalf("expected 2 tokens, got %d", len(funding))
	}
	if funding[0].token != usdcAddr || funding[0].amount.Int64() != 15 {
		t.Errorf("first = %s %s, want usdc 15", funding[0].token.Hex(), funding[0].amount)
	}
	if funding[1].token != wethAddr || funding[1].amount.Int64() != 3 {
		t.Errorf("second = %s %s, want weth 3", funding[1].token.Hex(), funding[1].amount)
	}

	half := new(big.Int).Lsh(big.NewInt(1), 255).String()
	if _, err := fundingByToken([]entity.Coin{{Denom: usdcAddr.Hex(), Amount: half}, {Denom: usdcAddr.Hex(), Amount: half}}); err == nil {
		t.Error("expected error when the per-token total exceeds uint256")
	}
}

func TestSendLiquidationTxs_Failures(t *testing.T) {
	tests := []struct {
		name    string
		receipt func(t *testing.T, abis *contractABIs) *types.Receipt
		want    string
	}{
		{
			name: "reverted",
			receipt: func(*testing.T, *contractABIs) *types.Receipt {
				return &types.Receipt{Status: types.ReceiptStatusFailed}
			},
			want: "reverted",
		},
		{
			name: "missing index",
			receipt: func(t *testing.T, abis *contractABIs) *types.Receipt {
				return &types.Receipt{Status: types.ReceiptStatusSuccessful, Logs: []*types.Log{
					liquidatedLog(t, abis, 0, userAddr, wethAddr, 60, usdcAddr, 100),
				}}
			},
			want: "no liquidated log for index 1",
		},
		{
			name: "index out of range",
			receipt: func(t *testing.T, abis *contractABIs) *types.Receipt {
				return &types.Receipt{Status: types.ReceiptStatusSuccessful, Logs: []*types.Log{
					liquidatedLog(t, abis, 5, userAddr, wethAddr, 60, usdcAddr, 100),
				}}
			},
			want: "out of range",
		},
		{
			name: "duplicate index",
			receipt: func(t *testing.T, abis *contractABIs) *types.Receipt {
				return &types.Receipt{Status: types.ReceiptStatusSuccessful, Logs: []*types.Log{
					liquidatedLog(t, abis, 0, userAddr, wethAddr, 60, usdcAddr, 100),
					liquidatedLog(t, abis, 0, userAddr, wethAddr, 60, usdcAddr, 100),
				}}
			},
			want: "duplicate",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chain := newFakeChain(t)
			chain.allowance = big.NewInt(1_000)
			h := newTestHelper(t, chain)
			chain.receiptFn = func(*types.Transaction) *types.Receipt { return tt.receipt(t, chain.abis) }

			results, err := h.SendLiquidationTxs(context.Background(), batchTxs(), nil)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
			if results != nil {
				t.Errorf("expected no results on failure, got %d", len(results))
			}
		})
	}
}

func TestSendLiquidationTxs_RejectsBadInput(t *testing.T) {
	h := newTestHelper(t, newFakeChain(t))

	if _, err := h.SendLiquidationTxs(context.Background(), nil, nil); err == nil {
		t.Error("expected error for empty batch")
	}
	if _, err := h.SendLiquidationTxs(context.Background(), batchTxs(), []entity.Coin{{Denom: usdcAddr.Hex(), Amount: "1.5"}}); err == nil {
		t.Error("expected error for fractional coin amount")
	}
	bad := batchTxs()
	bad[1].DebtDenom = "udai"
	if _, err := h.SendLiquidationTxs(context.Background(), bad, nil); err == nil || !strings.Contains(err.Error(), "instruction 1") {
		t.Errorf("expected instruction 1 error, got %v", err)
	}
}

func TestSendLiquidationTxs_SendFailureResyncsNonce(t *testing.T) {
	chain := newFakeChain(t)
	chain.allowance = big.NewInt(1_000)
	chain.sendErr = errors.New("nonce too low")
	h := newTestHelper(t, chain)

	if _, err := h.SendLiquidationTxs(context.Background(), batchTxs(), nil); err == nil {
		t.Fatal("expected send error")
	}
	chain.mu.Lock()
	chain.sendErr = nil
	chain.nonce = 12
	chain.mu.Unlock()

	n, err := h.nonces.acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if n != 12 {
		t.Errorf("nonce after failed send = %d, want resynced 12", n)
	}
}

func TestSwap(t *testing.T) {
	chain := newFakeChain(t)
	chain.quote = big.NewInt(2_000)
	h := newTestHelper(t, chain)
	h.config.MaxSlippageBps = 50
	fixed := time.Unix(1_700_000_000, 0)
	h.now = func() time.Time { return fixed }

	hash, err := h.Swap(context.Background(), wethAddr.Hex(), usdcAddr.Hex(), decimal.RequireFromString("60.9"))
	if err != nil {
		t.Fatalf("Swap: %v", err)
	}

	sent := chain.sentTxs()
	if len(sent) != 2 {
		t.Fatalf("expected approve + swap, got %d txs", len(sent))
	}
	approveArgs, err := chain.abis.erc20.Methods["approve"].Inputs.Unpack(sent[0].Data()[4:])
	if err != nil {
		t.Fatalf("unpack approve: %v", err)
	}
	if approveArgs[0].(common.Address) != routerAddr || approveArgs[1].(*big.Int).Cmp(maxUint256) != 0 {
		t.Errorf("router approval = %v", approveArgs)
	}

	swapTx := sent[1]
	if hash != swapTx.Hash().Hex() {
		t.Errorf("hash = %s, want %s", hash, swapTx.Hash().Hex())
	}
	args, err := chain.abis.router.Methods["swapExactTokensForTokens"].Inputs.Unpack(swapTx.Data()[4:])
	if err != nil {
		t.Fatalf("unpack swap: %v", err)
	}
	if args[0].(*big.Int).Int64() != 60 {
		t.Errorf("amountIn = %s, want truncated 60", args[0])
	}
	if args[1].(*big.Int).Int64() != 1_990 {
		t.Errorf("amountOutMin = %s, want 1990", args[1])
	}
	path := args[2].([]common.Address)
	if len(path) != 2 || path[0] != wethAddr || path[1] != usdcAddr {
		t.Errorf("path = %v", path)
	}
	if args[3].(common.Address) != h.Account() {
		t.Errorf("recipient = %s", args[3])
	}
	if args[4].(*big.Int).Int64() != fixed.Add(5*time.Minute).Unix() {
		t.Errorf("deadline = %s", args[4])
	}
}

func TestSwap_Errors(t *testing.T) {
	h := newTestHelper(t, newFakeChain(t))

	if _, err := h.Swap(context.Background(), "uatom", usdcAddr.Hex(), decimal.NewFromInt(1)); err == nil {
		t.Error("expected error for non-address denom")
	}
	if _, err := h.Swap(context.Background(), wethAddr.Hex(), usdcAddr.Hex(), decimal.RequireFromString("0.4")); err == nil {
		t.Error("expected error for amount below one unit")
	}
	if _, err := h.Swap(context.Background(), wethAddr.Hex(), usdcAddr.Hex(), decimal.NewFromInt(-1)); err == nil {
		t.Error("expected error for negative amount")
	}
}

func TestSwap_ConcurrentUseDistinctNonces(t *testing.T) {
	chain := newFakeChain(t)
	chain.allowance = maxUint256
	h := newTestHelper(t, chain)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.Swap(context.Background(), wethAddr.Hex(), usdcAddr.Hex(), decimal.NewFromInt(10)); err != nil {
				t.Errorf("Swap: %v", err)
			}
		}()
	}
	wg.Wait()

	seen := make(map[uint64]bool)
	for _, tx := range chain.sentTxs() {
		if seen[tx.Nonce()] {
			t.Fatalf("nonce %d used twice", tx.Nonce())
		}
		seen[tx.Nonce()] = true
	}
	if len(seen) != 8 {
		t.Errorf("expected 8 swaps, got %d", len(seen))
	}
}

func TestTransact_WaitsForReceipt(t *testing.T) {
	chain := newFakeChain(t)
	h := newTestHelper(t, chain)

	wrapped := &pendingChain{fakeChain: chain, pending: 2}
	h.client = wrapped

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := h.transact(ctx, filtererAddr, []byte{0x01}); err != nil {
		t.Fatalf("transact: %v", err)
	}
	if wrapped.lookups != 3 {
		t.Errorf("lookups = %d, want 3", wrapped.lookups)
	}
}

type pendingChain struct {
	*fakeChain
	pending int
	lookups int
}

func (p *pendingChain) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	p.lookups++
	if p.lookups <= p.pending {
		return nil, ethereum.NotFound
	}
	return p.fakeChain.TransactionReceipt(ctx, hash)
}

package liquidator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/archon-research/liquidator/internal/domain/entity"
	"github.com/archon-research/liquidator/internal/ports/outbound"
	"github.com/archon-research/liquidator/internal/testutil"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

// mockSource implements outbound.PositionSource.
type mockSource struct {
	mu      sync.Mutex
	fetchFn func(ctx context.Context) ([]entity.Position, error)
	calls   int
}

func (m *mockSource) FetchUnhealthyPositions(ctx context.Context) ([]entity.Position, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.fetchFn != nil {
		return m.fetchFn(ctx)
	}
	return nil, nil
}

func (m *mockSource) fetchCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// batchSource returns the queued batches in order, then nothing.
func batchSource(batches ...[]entity.Position) *mockSource {
	var mu sync.Mutex
	return &mockSource{
		fetchFn: func(ctx context.Context) ([]entity.Position, error) {
			mu.Lock()
			defer mu.Unlock()
			if len(batches) == 0 {
				return nil, nil
			}
			next := batches[0]
			batches = batches[1:]
			return next, nil
		},
	}
}

// mockHelper implements outbound.LiquidationHelper.
type mockHelper struct {
	mu        sync.Mutex
	produceFn func(position entity.Position) (entity.LiquidationTx, error)
	sendFn    func(ctx context.Context, txs []entity.LiquidationTx, coins []entity.Coin) ([]entity.LiquidationResult, error)
	swapFn    func(ctx context.Context, from, to string, amount decimal.Decimal) (string, error)
	produced  int
	sendCalls int
	lastTxs   []entity.LiquidationTx
	lastCoins []entity.Coin
	swapCalls []string
}

func (m *mockHelper) ProduceLiquidationTx(position entity.Position) (entity.LiquidationTx, error) {
	m.mu.Lock()
	m.produced++
	m.mu.Unlock()
	if m.produceFn != nil {
		return m.produceFn(position)
	}
	return largestDebtTx(position)
}

func (m *mockHelper) SendLiquidationTxs(ctx context.Context, txs []entity.LiquidationTx, coins []entity.Coin) ([]entity.LiquidationResult, error) {
	m.mu.Lock()
	m.sendCalls++
	m.lastTxs = txs
	m.lastCoins = coins
	m.mu.Unlock()
	if m.sendFn != nil {
		return m.sendFn(ctx, txs, coins)
	}
	return settleAll(txs), nil
}

func (m *mockHelper) Swap(ctx context.Context, from, to string, amount decimal.Decimal) (string, error) {
	m.mu.Lock()
	m.swapCalls = append(m.swapCalls, from+"->"+to)
	m.mu.Unlock()
	if m.swapFn != nil {
		return m.swapFn(ctx, from, to, amount)
	}
	return "0xswap-" + from, nil
}

func (m *mockHelper) counts() (produced, sends, swaps int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.produced, m.sendCalls, len(m.swapCalls)
}

// mockRecorder implements outbound.OutcomeRecorder.
type mockRecorder struct {
	mu      sync.Mutex
	reports []*entity.BatchReport
	err     error
}

func (m *mockRecorder) RecordBatch(ctx context.Context, report *entity.BatchReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports = append(m.reports, report)
	return m.err
}

// mockEventSink implements outbound.EventSink.
type mockEventSink struct {
	mu     sync.Mutex
	events []outbound.Event
}

func (m *mockEventSink) Publish(ctx context.Context, event outbound.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *mockEventSink) Close() error { return nil }

// mockMetrics implements outbound.MetricsRecorder.
type mockMetrics struct {
	mu         sync.Mutex
	iterations map[string]int
	settled    int
	unfunded   int
	swaps      map[string]int
}

func newMockMetrics() *mockMetrics {
	return &mockMetrics{iterations: map[string]int{}, swaps: map[string]int{}}
}

func (m *mockMetrics) RecordIteration(ctx context.Context, outcome string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.iterations[outcome]++
}

func (m *mockMetrics) RecordLiquidations(ctx context.Context, settled, unfunded int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settled += settled
	m.unfunded += unfunded
}

func (m *mockMetrics) RecordSwap(ctx context.Context, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.swaps[status]++
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func asset(denom string, amount int64) entity.Asset {
	return entity.Asset{Denom: denom, Amount: dec(amount)}
}

func position(address string, collaterals []entity.Asset, debts ...entity.Asset) entity.Position {
	return entity.Position{Address: address, Collaterals: collaterals, Debts: debts}
}

func largestDebtTx(p entity.Position) (entity.LiquidationTx, error) {
	c, ok := p.LargestCollateral()
	if !ok {
		return entity.LiquidationTx{}, errors.New("position has no collateral")
	}
	d, ok := p.LargestDebt()
	if !ok {
		return entity.LiquidationTx{}, errors.New("position has no debt")
	}
	return entity.LiquidationTx{
		UserAddress:     p.Address,
		CollateralDenom: c.Denom,
		DebtDenom:       d.Denom,
		RepayAmount:     d.Amount,
	}, nil
}

// settleAll pretends every instruction settled with collateral equal to twice the repay amount.
func settleAll(txs []entity.LiquidationTx) []entity.LiquidationResult {
	results := make([]entity.LiquidationResult, len(txs))
	for i, tx := range txs {
		results[i] = entity.LiquidationResult{
			UserAddress:              tx.UserAddress,
			CollateralReceivedDenom:  tx.CollateralDenom,
			CollateralReceivedAmount: tx.RepayAmount.Mul(dec(2)),
			DebtRepaidDenom:          tx.DebtDenom,
			DebtRepaidAmount:         tx.RepayAmount,
			TxHash:                   fmt.Sprintf("0xbatch%d", len(txs)),
		}
	}
	return results
}

func testConfig() Config {
	return Config{
		IdleInterval:    MinIdleInterval,
		SwapConcurrency: 4,
		CallTimeout:     time.Second,
		Logger:          testutil.DiscardLogger(),
	}
}

// newTestService builds a Service whose sleeps are recorded instead of waited.
func newTestService(cfg Config, source outbound.PositionSource, helper outbound.LiquidationHelper, sinks Sinks) (*Service, *sleepRecorder) {
	svc, err := NewService(cfg, source, helper, sinks)
	if err != nil {
		panic(err)
	}
	rec := &sleepRecorder{}
	svc.sleep = rec.sleep
	return svc, rec
}

type sleepRecorder struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.sleeps = append(r.sleeps, d)
	r.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	// Yield so background loops under test do not spin hot.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Millisecond):
		return nil
	}
}

func (r *sleepRecorder) all() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.sleeps...)
}

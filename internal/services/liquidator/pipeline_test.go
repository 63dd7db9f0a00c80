package liquidator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/archon-research/liquidator/internal/adapters/outbound/memory"
	"github.com/archon-research/liquidator/internal/domain/entity"
	"github.com/archon-research/liquidator/internal/ports/outbound"
	"github.com/archon-research/liquidator/internal/testutil"
)

// Drives the background loop end to end through the in-memory adapters.
func TestPipeline_DrainsQueueThroughInMemoryAdapters(t *testing.T) {
	queue := memory.NewPositionQueue(2)
	queue.Push(
		position("alice", []entity.Asset{asset("atom", 500)}, asset("usdc", 100)),
		position("bob", []entity.Asset{asset("atom", 50)}, asset("atom", 10)),
		position("carol", []entity.Asset{asset("osmo", 90)}, asset("usdc", 40), asset("atom", 5)),
	)
	store := memory.NewReportStore(0)
	events := memory.NewEventSink()
	metrics := newMockMetrics()

	helper := &mockHelper{
		swapFn: func(ctx context.Context, from, to string, amount decimal.Decimal) (string, error) {
			if from == "osmo" {
				return "", errors.New("no route")
			}
			return "0xswap-" + from, nil
		},
	}

	cfg := testConfig()
	cfg.MaxConsecutiveFailures = 3
	svc, _ := newTestService(cfg, queue, helper, Sinks{
		Recorder: store,
		Events:   events,
		Archive:  store,
		Metrics:  metrics,
	})

	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	drained := testutil.WaitFor(t, 5*time.Second, 5*time.Millisecond, func() bool {
		return queue.Len() == 0 && len(store.Reports()) == 2
	})
	if !drained {
		t.Fatalf("queue not drained: %d left, %d reports", queue.Len(), len(store.Reports()))
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	reports := store.Reports()
	if len(reports) != 2 {
		t.Fatalf("expected 2 batch reports, got %d", len(reports))
	}

	first := reports[0]
	if len(first.Instructions) != 2 || len(first.Results) != 2 {
		t.Fatalf("first batch: %d instructions, %d results", len(first.Instructions), len(first.Results))
	}
	wantCoins := []entity.Coin{{Denom: "usdc", Amount: "100"}, {Denom: "atom", Amount: "10"}}
	if len(first.Coins) != len(wantCoins) {
		t.Fatalf("coins = %+v, want %+v", first.Coins, wantCoins)
	}
	for i, c := range wantCoins {
		if first.Coins[i] != c {
			t.Errorf("coin %d = %+v, want %+v", i, first.Coins[i], c)
		}
	}
	// bob repays atom with atom collateral: nothing to swap.
	if first.Swaps[1].Status != entity.SwapSkipped {
		t.Errorf("bob's swap status = %s, want skipped", first.Swaps[1].Status)
	}

	second := reports[1]
	if len(second.Results) != 1 || second.Swaps[0].Status != entity.SwapFailed {
		t.Fatalf("second batch = %+v", second)
	}

	failed := events.EventsByType(outbound.EventTypeSwapFailed)
	if len(failed) != 1 {
		t.Fatalf("expected 1 swap_failed event, got %d", len(failed))
	}
	if ev := failed[0].(outbound.SwapFailedEvent); ev.FromDenom != "osmo" || ev.BatchID != second.ID {
		t.Errorf("unexpected swap_failed event %+v", ev)
	}
	if n := len(events.EventsByType(outbound.EventTypeBatch)); n != 2 {
		t.Errorf("expected 2 batch events, got %d", n)
	}

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	if metrics.settled != 3 {
		t.Errorf("settled = %d, want 3", metrics.settled)
	}
	if metrics.swaps[string(entity.SwapSucceeded)] != 1 || metrics.swaps[string(entity.SwapFailed)] != 1 {
		t.Errorf("swap metrics = %v", metrics.swaps)
	}
	if !svc.IsReady() {
		t.Error("service should be ready after completed iterations")
	}
}

func TestPipeline_FetchFailuresStopLoop(t *testing.T) {
	queue := memory.NewPositionQueue(10)
	queue.SetFetchError(errors.New("queue unavailable"))

	cfg := testConfig()
	cfg.MaxConsecutiveFailures = 2
	svc, _ := newTestService(cfg, queue, &mockHelper{}, Sinks{})

	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-svc.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop")
	}
	if !errors.Is(svc.Err(), ErrTooManyFailures) {
		t.Errorf("Err() = %v, want ErrTooManyFailures", svc.Err())
	}
}

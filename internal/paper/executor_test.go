package paper

import (
	"context"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"leverage-cycle-bot/internal/execution"
	"leverage-cycle-bot/internal/portfolio"
	"leverage-cycle-bot/internal/position"
)

func floatEquals(a, b, tolerance float64) bool {
	return math.Abs(a-b) <= tolerance
}

func newTestExecutor(pf *portfolio.VirtualPortfolio, price float64) *Executor {
	e := NewExecutor(DefaultConfig(), pf, func(string) (float64, error) { return price, nil }, zerolog.Nop())
	e.SetRand(rand.New(rand.NewSource(42)))
	e.SetSleep(func(ctx context.Context, d time.Duration) error { return nil })
	return e
}

// ============================================================================
// TEST: Fill simulation bounds
// ============================================================================

func TestSubmitOrder_FillBounds(t *testing.T) {
	pf := portfolio.New(10000)
	e := newTestExecutor(pf, 100)

	for i := 0; i < 200; i++ {
		fill, err := e.SubmitOrder(context.Background(), execution.OrderRequest{
			Symbol:   "BTCUSDT",
			Side:     execution.SideBuy,
			Quantity: 1,
		})
		if err != nil {
			t.Fatalf("SubmitOrder failed: %v", err)
		}

		// Fill quantity in [95%,100%] of requested.
		if fill.Quantity < 0.95 || fill.Quantity > 1.0 {
			t.Fatalf("Fill quantity %.6f outside [0.95,1.00]", fill.Quantity)
		}
		// Buys fill at or above the quoted price, within 0.2%.
		if fill.Price < 100 || fill.Price > 100*1.002 {
			t.Fatalf("Buy fill price %.6f outside [100,100.2]", fill.Price)
		}
		// Latency within the configured window.
		if fill.Latency < 50*time.Millisecond || fill.Latency > 150*time.Millisecond {
			t.Fatalf("Latency %v outside [50ms,150ms]", fill.Latency)
		}
		// Fee is 0.1% of the fill notional.
		if !floatEquals(fill.Fee, fill.Price*fill.Quantity*0.001, 1e-9) {
			t.Fatalf("Fee %.8f is not 0.1%% of notional", fill.Fee)
		}
	}
}

func TestSubmitOrder_SellSlippageIsAdverse(t *testing.T) {
	pf := portfolio.New(10000)
	e := newTestExecutor(pf, 100)

	for i := 0; i < 50; i++ {
		fill, err := e.SubmitOrder(context.Background(), execution.OrderRequest{
			Symbol:   "BTCUSDT",
			Side:     execution.SideSell,
			Quantity: 1,
		})
		if err != nil {
			t.Fatalf("SubmitOrder failed: %v", err)
		}
		if fill.Price > 100 || fill.Price < 100*0.998 {
			t.Fatalf("Sell fill price %.6f outside [99.8,100]", fill.Price)
		}
	}
}

func TestSubmitOrder_ReduceOnlyFillsInFull(t *testing.T) {
	pf := portfolio.New(10000)
	e := newTestExecutor(pf, 100)

	fill, err := e.SubmitOrder(context.Background(), execution.OrderRequest{
		Symbol:     "BTCUSDT",
		Side:       execution.SideSell,
		Quantity:   0.97,
		ReduceOnly: true,
	})
	if err != nil {
		t.Fatalf("SubmitOrder failed: %v", err)
	}
	if fill.Quantity != 0.97 {
		t.Errorf("Expected reduce-only fill of full quantity 0.97, got %.6f", fill.Quantity)
	}
}

func TestSubmitOrder_InvalidQuantity(t *testing.T) {
	pf := portfolio.New(10000)
	e := newTestExecutor(pf, 100)

	if _, err := e.SubmitOrder(context.Background(), execution.OrderRequest{Symbol: "BTCUSDT", Side: execution.SideBuy}); err == nil {
		t.Error("Expected error for zero quantity")
	}
}

// ============================================================================
// TEST: Position open and close round trip
// ============================================================================

func TestOpenAndClosePosition(t *testing.T) {
	pf := portfolio.New(10000)
	e := newTestExecutor(pf, 100)

	p := &position.Position{
		Symbol:     "BTCUSDT",
		Side:       position.SideLong,
		Quantity:   10,
		EntryPrice: 100,
		Leverage:   10,
		StopLoss:   95,
	}
	fill, err := e.OpenPosition(context.Background(), p)
	if err != nil {
		t.Fatalf("OpenPosition failed: %v", err)
	}

	opened, ok := pf.Book().Get("BTCUSDT")
	if !ok || opened.Status != position.StatusOpen {
		t.Fatalf("Expected OPEN position after fill, got %+v", opened)
	}
	if opened.Quantity != fill.Quantity || opened.EntryPrice != fill.Price {
		t.Errorf("Position not sized to the fill: %+v vs %+v", opened, fill)
	}

	trade, err := e.ClosePosition(context.Background(), "BTCUSDT", position.CloseManual)
	if err != nil {
		t.Fatalf("ClosePosition failed: %v", err)
	}
	if trade.Reason != position.CloseManual {
		t.Errorf("Expected MANUAL close reason, got %s", trade.Reason)
	}
	if _, ok := pf.Book().Get("BTCUSDT"); ok {
		t.Error("Expected position removed from book after close")
	}
	if len(pf.Ledger()) != 1 {
		t.Errorf("Expected 1 ledger entry, got %d", len(pf.Ledger()))
	}
}

func TestOpenPosition_AbortsOnOrderFailure(t *testing.T) {
	pf := portfolio.New(10000)
	e := NewExecutor(DefaultConfig(), pf, func(string) (float64, error) { return 0, context.DeadlineExceeded }, zerolog.Nop())
	e.SetSleep(func(ctx context.Context, d time.Duration) error { return nil })

	p := &position.Position{Symbol: "BTCUSDT", Side: position.SideLong, Quantity: 1, EntryPrice: 100, Leverage: 10}
	if _, err := e.OpenPosition(context.Background(), p); err == nil {
		t.Fatal("Expected OpenPosition to fail")
	}
	if _, ok := pf.Book().Get("BTCUSDT"); ok {
		t.Error("Expected pending position aborted after order failure")
	}
	if pf.Cash() != 10000 {
		t.Errorf("Expected cash untouched, got %.2f", pf.Cash())
	}
}

func TestClosePosition_RequiresOpenPosition(t *testing.T) {
	pf := portfolio.New(10000)
	e := newTestExecutor(pf, 100)

	if _, err := e.ClosePosition(context.Background(), "BTCUSDT", position.CloseManual); err == nil {
		t.Error("Expected error closing a symbol with no position")
	}
}

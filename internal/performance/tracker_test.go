package performance

import (
	"math"
	"testing"
	"time"

	"leverage-cycle-bot/internal/portfolio"
	"leverage-cycle-bot/internal/position"
)

func floatEquals(a, b, tolerance float64) bool {
	return math.Abs(a-b) <= tolerance
}

func trade(pnl float64) portfolio.RealizedTrade {
	return portfolio.RealizedTrade{
		Symbol: "BTCUSDT",
		Side:   position.SideLong,
		PnL:    pnl,
	}
}

// ============================================================================
// TEST: Trade statistics
// ============================================================================

func TestCompute_TradeAggregates(t *testing.T) {
	tr := NewTracker(10000, time.Minute)
	ledger := []portfolio.RealizedTrade{
		trade(100), trade(50), trade(-30), trade(-20), trade(200),
	}

	stats := tr.Compute(ledger, 10300, 300, 12)

	if stats.TotalTrades != 5 || stats.WinningTrades != 3 || stats.LosingTrades != 2 {
		t.Fatalf("Unexpected trade counts: %+v", stats)
	}
	if !floatEquals(stats.WinRate, 0.6, 1e-9) {
		t.Errorf("Expected win rate 0.6, got %.4f", stats.WinRate)
	}
	if !floatEquals(stats.ProfitFactor, 350.0/50.0, 1e-9) {
		t.Errorf("Expected profit factor 7, got %.4f", stats.ProfitFactor)
	}
	if !floatEquals(stats.AvgWin, 350.0/3, 1e-9) {
		t.Errorf("Expected avg win %.4f, got %.4f", 350.0/3, stats.AvgWin)
	}
	if !floatEquals(stats.AvgLoss, -25, 1e-9) {
		t.Errorf("Expected avg loss -25, got %.4f", stats.AvgLoss)
	}
	if !floatEquals(stats.TotalReturnPct, 3, 1e-9) {
		t.Errorf("Expected total return 3%%, got %.4f", stats.TotalReturnPct)
	}
}

func TestCompute_NoLossesGivesInfiniteProfitFactor(t *testing.T) {
	tr := NewTracker(10000, time.Minute)
	stats := tr.Compute([]portfolio.RealizedTrade{trade(10)}, 10010, 10, 0)
	if !math.IsInf(stats.ProfitFactor, 1) {
		t.Errorf("Expected +Inf profit factor, got %.4f", stats.ProfitFactor)
	}
}

func TestCompute_EmptyLedger(t *testing.T) {
	tr := NewTracker(10000, time.Minute)
	stats := tr.Compute(nil, 10000, 0, 0)
	if stats.TotalTrades != 0 || stats.WinRate != 0 || stats.ProfitFactor != 0 {
		t.Errorf("Expected zeroed stats, got %+v", stats)
	}
}

// ============================================================================
// TEST: Drawdown tracking
// ============================================================================

func TestRecordEquity_MaxDrawdown(t *testing.T) {
	tr := NewTracker(10000, time.Minute)
	for _, equity := range []float64{10500, 11000, 9900, 10200, 10890} {
		tr.RecordEquity(equity)
	}

	stats := tr.Compute(nil, 10890, 0, 0)
	// Peak 11000 to trough 9900 is a 10% drawdown.
	if !floatEquals(stats.MaxDrawdownPct, 10, 1e-9) {
		t.Errorf("Expected max drawdown 10%%, got %.4f", stats.MaxDrawdownPct)
	}
}

// ============================================================================
// TEST: Sharpe ratio from per-cycle returns
// ============================================================================

func TestCompute_SharpeRatio(t *testing.T) {
	tr := NewTracker(10000, time.Hour)
	curve := []float64{10100, 10050, 10200, 10150, 10300}
	for _, equity := range curve {
		tr.RecordEquity(equity)
	}

	stats := tr.Compute(nil, 10300, 0, 0)
	if stats.SharpeRatio == 0 {
		t.Fatal("Expected nonzero Sharpe ratio")
	}
	// Mixed positive returns should annualize to a positive ratio.
	if stats.SharpeRatio < 0 {
		t.Errorf("Expected positive Sharpe, got %.4f", stats.SharpeRatio)
	}
}

func TestCompute_SharpeNeedsEnoughObservations(t *testing.T) {
	tr := NewTracker(10000, time.Hour)
	tr.RecordEquity(10100)

	stats := tr.Compute(nil, 10100, 0, 0)
	if stats.SharpeRatio != 0 {
		t.Errorf("Expected zero Sharpe with one observation, got %.4f", stats.SharpeRatio)
	}
}

func TestCompute_ConstantEquityZeroSharpe(t *testing.T) {
	tr := NewTracker(10000, time.Hour)
	for i := 0; i < 5; i++ {
		tr.RecordEquity(10000)
	}
	stats := tr.Compute(nil, 10000, 0, 0)
	if stats.SharpeRatio != 0 {
		t.Errorf("Expected zero Sharpe for flat curve, got %.4f", stats.SharpeRatio)
	}
}

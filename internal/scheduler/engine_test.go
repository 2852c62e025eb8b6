package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"leverage-cycle-bot/internal/circuit"
	"leverage-cycle-bot/internal/decision"
	"leverage-cycle-bot/internal/events"
	"leverage-cycle-bot/internal/marketdata"
	"leverage-cycle-bot/internal/notification"
	"leverage-cycle-bot/internal/paper"
	"leverage-cycle-bot/internal/performance"
	"leverage-cycle-bot/internal/portfolio"
	"leverage-cycle-bot/internal/position"
	"leverage-cycle-bot/internal/risk"
)

func floatEquals(a, b, tolerance float64) bool {
	return math.Abs(a-b) <= tolerance
}

type fakeMarket struct {
	prices  map[string]float64
	failing map[string]error
}

func (m *fakeMarket) FetchSnapshot(ctx context.Context, symbols []string) (*marketdata.Snapshot, map[string]error) {
	snap := &marketdata.Snapshot{TakenAt: time.Now(), Tickers: make(map[string]marketdata.Ticker)}
	failures := make(map[string]error)
	for _, sym := range symbols {
		if err, ok := m.failing[sym]; ok {
			failures[sym] = err
			continue
		}
		if price, ok := m.prices[sym]; ok {
			snap.Tickers[sym] = marketdata.Ticker{Symbol: sym, Price: price, At: snap.TakenAt}
		}
	}
	return snap, failures
}

type fakeDecider struct {
	signals []decision.Signal
	err     error
}

func (d *fakeDecider) ProposeSignals(ctx context.Context, snapshot *marketdata.Snapshot, positions []*position.Position) ([]decision.Signal, error) {
	return d.signals, d.err
}

type engineHarness struct {
	market  *fakeMarket
	decider *fakeDecider
	pf      *portfolio.VirtualPortfolio
	breaker *circuit.CircuitBreaker
	engine  *Engine
}

// newEngineHarness wires an engine around a deterministic paper executor. The
// breaker anchor sets the start-of-day equity, which tests can place above the
// portfolio's to force a trip.
func newEngineHarness(t *testing.T, breakerAnchor float64) *engineHarness {
	t.Helper()

	pf := portfolio.New(10000)
	market := &fakeMarket{
		prices:  map[string]float64{"BTCUSDT": 100, "ETHUSDT": 2000},
		failing: map[string]error{},
	}
	decider := &fakeDecider{}
	breaker := circuit.NewCircuitBreaker(circuit.DefaultConfig(), breakerAnchor)
	riskMgr := risk.NewManager(risk.DefaultConfig(), breaker, zerolog.Nop())
	tracker := performance.NewTracker(10000, time.Minute)

	// Frictionless fills keep the arithmetic exact.
	execCfg := &paper.Config{
		FeeRate:      0,
		MaxSlippage:  0,
		MinFillRatio: 1,
		MinLatency:   time.Millisecond,
		MaxLatency:   2 * time.Millisecond,
	}
	exec := paper.NewExecutor(execCfg, pf, func(symbol string) (float64, error) {
		price, ok := market.prices[symbol]
		if !ok {
			return 0, fmt.Errorf("no price for %s", symbol)
		}
		return price, nil
	}, zerolog.Nop())
	exec.SetRand(rand.New(rand.NewSource(7)))
	exec.SetSleep(func(ctx context.Context, d time.Duration) error { return nil })

	engine := NewEngine(
		[]string{"BTCUSDT", "ETHUSDT"},
		market,
		decider,
		exec,
		pf,
		riskMgr,
		tracker,
		events.NewEventBus(),
		notification.NewManager(zerolog.Nop()),
		nil,
		zerolog.Nop(),
	)

	return &engineHarness{market: market, decider: decider, pf: pf, breaker: breaker, engine: engine}
}

// seedPosition puts an already-open position in the portfolio, bypassing the
// execution layer.
func (h *engineHarness) seedPosition(t *testing.T, symbol string, price, qty, stop float64) {
	t.Helper()
	p := &position.Position{
		Symbol:     symbol,
		Side:       position.SideLong,
		Quantity:   qty,
		EntryPrice: price,
		Leverage:   10,
		StopLoss:   stop,
	}
	if err := h.pf.RegisterPending(p); err != nil {
		t.Fatalf("RegisterPending failed: %v", err)
	}
	if _, err := h.pf.ConfirmEntry(symbol, price, qty, 0, time.Now()); err != nil {
		t.Fatalf("ConfirmEntry failed: %v", err)
	}
}

func entry(symbol string, budget float64, leverage int) decision.Signal {
	return decision.Signal{
		Symbol:      symbol,
		Action:      decision.ActionEnterLong,
		Confidence:  0.8,
		Leverage:    leverage,
		RiskBudget:  budget,
		StopLossPct: 0.03,
	}
}

// ============================================================================
// TEST: Entry execution and signal containment
// ============================================================================

func TestRunCycle_OpensValidatedEntry(t *testing.T) {
	h := newEngineHarness(t, 10000)
	lowConfidence := entry("ETHUSDT", 150, 10)
	lowConfidence.Confidence = 0.4
	h.decider.signals = []decision.Signal{entry("BTCUSDT", 150, 10), lowConfidence}

	if err := h.engine.RunCycle(context.Background(), 1); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}

	p, ok := h.pf.Book().Get("BTCUSDT")
	if !ok || p.Status != position.StatusOpen {
		t.Fatal("Expected open BTCUSDT position")
	}
	// 150 margin at 10x is 1500 notional, 15 units at 100.
	if !floatEquals(p.Quantity, 15, 1e-9) {
		t.Errorf("Expected quantity 15, got %.6f", p.Quantity)
	}
	if _, ok := h.pf.Book().Get("ETHUSDT"); ok {
		t.Error("Low-confidence signal must not open a position")
	}
}

func TestRunCycle_DuplicateSymbolWithinCycle(t *testing.T) {
	h := newEngineHarness(t, 10000)
	h.decider.signals = []decision.Signal{entry("BTCUSDT", 100, 10), entry("BTCUSDT", 100, 10)}

	if err := h.engine.RunCycle(context.Background(), 1); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	if h.pf.Book().OpenCount() != 1 {
		t.Errorf("Expected a single position after duplicate signals, got %d", h.pf.Book().OpenCount())
	}
}

func TestRunCycle_DecisionFailureIsRetryable(t *testing.T) {
	h := newEngineHarness(t, 10000)
	h.decider.err = errors.New("decision service unreachable")

	if err := h.engine.RunCycle(context.Background(), 1); err == nil {
		t.Fatal("Expected cycle failure when the decision service fails")
	}
	if h.pf.Cash() != 10000 {
		t.Errorf("Expected portfolio untouched, cash %.2f", h.pf.Cash())
	}
}

// ============================================================================
// TEST: Market snapshot failures
// ============================================================================

func TestRunCycle_FetchFailureForOpenPositionFailsCycle(t *testing.T) {
	h := newEngineHarness(t, 10000)
	h.seedPosition(t, "BTCUSDT", 100, 10, 90)
	h.market.failing["BTCUSDT"] = errors.New("timeout")

	if err := h.engine.RunCycle(context.Background(), 1); err == nil {
		t.Fatal("Expected cycle failure when an open position has no market data")
	}
	if _, ok := h.pf.Book().Get("BTCUSDT"); !ok {
		t.Error("Position must survive the failed cycle untouched")
	}
}

func TestRunCycle_FetchFailureWithoutPositionExcludesSymbol(t *testing.T) {
	h := newEngineHarness(t, 10000)
	h.market.failing["ETHUSDT"] = errors.New("timeout")

	if err := h.engine.RunCycle(context.Background(), 1); err != nil {
		t.Fatalf("Expected cycle to proceed without the failed symbol, got %v", err)
	}
}

// ============================================================================
// TEST: Exit evaluation inside the cycle
// ============================================================================

func TestRunCycle_StopLossExit(t *testing.T) {
	h := newEngineHarness(t, 10000)
	h.seedPosition(t, "BTCUSDT", 100, 10, 97)
	h.market.prices["BTCUSDT"] = 96

	if err := h.engine.RunCycle(context.Background(), 1); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	if _, ok := h.pf.Book().Get("BTCUSDT"); ok {
		t.Fatal("Expected position closed by stop-loss")
	}
	ledger := h.pf.Ledger()
	if len(ledger) != 1 || ledger[0].Reason != position.CloseStopLoss {
		t.Errorf("Expected one STOP_LOSS trade, got %+v", ledger)
	}
}

func TestRunCycle_EmergencyLiquidation(t *testing.T) {
	h := newEngineHarness(t, 10000)
	// 2000 notional at 10x has 200 margin; a 32 loss is -16% of allocated
	// risk, past the emergency threshold while the 90 stop is still far.
	h.seedPosition(t, "BTCUSDT", 100, 20, 90)
	h.market.prices["BTCUSDT"] = 98.4

	if err := h.engine.RunCycle(context.Background(), 1); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	ledger := h.pf.Ledger()
	if len(ledger) != 1 || ledger[0].Reason != position.CloseEmergency {
		t.Errorf("Expected one EMERGENCY_LIQUIDATION trade, got %+v", ledger)
	}
}

// ============================================================================
// TEST: Circuit breaker trip liquidates and blocks entries
// ============================================================================

func TestRunCycle_BreakerTripLiquidatesAll(t *testing.T) {
	// Anchor the day at 11000 while the portfolio stands at 10000: a -9%
	// day, past the -7% threshold.
	h := newEngineHarness(t, 11000)
	h.seedPosition(t, "ETHUSDT", 2000, 1, 1800)

	if err := h.engine.RunCycle(context.Background(), 1); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}

	if h.breaker.State() != circuit.StateTripped {
		t.Fatalf("Expected TRIPPED breaker, got %s", h.breaker.State())
	}
	if h.pf.Book().OpenCount() != 0 {
		t.Fatalf("Expected all positions liquidated, %d remain", h.pf.Book().OpenCount())
	}
	ledger := h.pf.Ledger()
	if len(ledger) != 1 || ledger[0].Reason != position.CloseBreaker {
		t.Errorf("Expected one CIRCUIT_BREAKER trade, got %+v", ledger)
	}

	// Entries stay blocked while tripped.
	h.decider.signals = []decision.Signal{entry("BTCUSDT", 100, 10)}
	if err := h.engine.RunCycle(context.Background(), 2); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	if h.pf.Book().OpenCount() != 0 {
		t.Error("Expected entry rejected while breaker is tripped")
	}
}

// ============================================================================
// TEST: Manual close queue
// ============================================================================

func TestQueueManualClose_AppliedAtCycleStart(t *testing.T) {
	h := newEngineHarness(t, 10000)
	h.seedPosition(t, "BTCUSDT", 100, 10, 90)

	h.engine.QueueManualClose("BTCUSDT")
	h.engine.QueueManualClose("BTCUSDT") // deduplicated
	h.engine.QueueManualClose("XRPUSDT") // no such position, ignored

	if err := h.engine.RunCycle(context.Background(), 1); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	ledger := h.pf.Ledger()
	if len(ledger) != 1 || ledger[0].Reason != position.CloseManual {
		t.Errorf("Expected one MANUAL trade, got %+v", ledger)
	}

	// The queue drains: a second cycle closes nothing further.
	if err := h.engine.RunCycle(context.Background(), 2); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	if len(h.pf.Ledger()) != 1 {
		t.Errorf("Expected queue drained after one cycle, ledger has %d trades", len(h.pf.Ledger()))
	}
}

// Package performance derives trading statistics from the realized trade
// ledger and the per-cycle equity curve: win rate, profit factor, drawdown
// and an annualized Sharpe ratio.
package performance

import (
	"math"
	"sync"
	"time"

	"leverage-cycle-bot/internal/portfolio"
)

// Stats is a point-in-time performance report.
type Stats struct {
	GeneratedAt    time.Time `json:"generated_at"`
	InitialEquity  float64   `json:"initial_equity"`
	CurrentEquity  float64   `json:"current_equity"`
	TotalReturnPct float64   `json:"total_return_pct"`
	RealizedPnL    float64   `json:"realized_pnl"`
	FeesPaid       float64   `json:"fees_paid"`
	TotalTrades    int       `json:"total_trades"`
	WinningTrades  int       `json:"winning_trades"`
	LosingTrades   int       `json:"losing_trades"`
	WinRate        float64   `json:"win_rate"`
	ProfitFactor   float64   `json:"profit_factor"`
	AvgWin         float64   `json:"avg_win"`
	AvgLoss        float64   `json:"avg_loss"`
	MaxDrawdownPct float64   `json:"max_drawdown_pct"`
	SharpeRatio    float64   `json:"sharpe_ratio"`
	Cycles         int       `json:"cycles"`
}

// Tracker accumulates the per-cycle equity curve and computes statistics over
// it plus the portfolio's trade ledger. RecordEquity is called once per
// completed cycle.
type Tracker struct {
	mu            sync.RWMutex
	initialEquity float64
	equityCurve   []float64
	peakEquity    float64
	maxDrawdown   float64
	cycleInterval time.Duration
}

// NewTracker creates a tracker anchored at the starting equity.
func NewTracker(initialEquity float64, cycleInterval time.Duration) *Tracker {
	return &Tracker{
		initialEquity: initialEquity,
		equityCurve:   []float64{initialEquity},
		peakEquity:    initialEquity,
		cycleInterval: cycleInterval,
	}
}

// RecordEquity appends one equity observation and updates the running
// drawdown high-water mark.
func (t *Tracker) RecordEquity(equity float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.equityCurve = append(t.equityCurve, equity)
	if equity > t.peakEquity {
		t.peakEquity = equity
	}
	if t.peakEquity > 0 {
		drawdown := (t.peakEquity - equity) / t.peakEquity
		if drawdown > t.maxDrawdown {
			t.maxDrawdown = drawdown
		}
	}
}

// Compute builds a stats report from the ledger and the recorded equity curve.
func (t *Tracker) Compute(ledger []portfolio.RealizedTrade, currentEquity, realizedPnL, feesPaid float64) *Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	stats := &Stats{
		GeneratedAt:   time.Now(),
		InitialEquity: t.initialEquity,
		CurrentEquity: currentEquity,
		RealizedPnL:   realizedPnL,
		FeesPaid:      feesPaid,
		TotalTrades:   len(ledger),
		Cycles:        len(t.equityCurve) - 1,
	}
	if t.initialEquity > 0 {
		stats.TotalReturnPct = (currentEquity - t.initialEquity) / t.initialEquity * 100
	}
	stats.MaxDrawdownPct = t.maxDrawdown * 100

	grossProfit := 0.0
	grossLoss := 0.0
	for _, trade := range ledger {
		if trade.PnL > 0 {
			stats.WinningTrades++
			grossProfit += trade.PnL
		} else if trade.PnL < 0 {
			stats.LosingTrades++
			grossLoss += -trade.PnL
		}
	}
	if stats.TotalTrades > 0 {
		stats.WinRate = float64(stats.WinningTrades) / float64(stats.TotalTrades)
	}
	if stats.WinningTrades > 0 {
		stats.AvgWin = grossProfit / float64(stats.WinningTrades)
	}
	if stats.LosingTrades > 0 {
		stats.AvgLoss = -grossLoss / float64(stats.LosingTrades)
	}
	if grossLoss > 0 {
		stats.ProfitFactor = grossProfit / grossLoss
	} else if grossProfit > 0 {
		stats.ProfitFactor = math.Inf(1)
	}

	stats.SharpeRatio = t.sharpeLocked()
	return stats
}

// sharpeLocked annualizes the mean/stddev of per-cycle simple returns using
// the configured cycle interval. Needs at least two returns.
func (t *Tracker) sharpeLocked() float64 {
	if len(t.equityCurve) < 3 || t.cycleInterval <= 0 {
		return 0
	}

	returns := make([]float64, 0, len(t.equityCurve)-1)
	for i := 1; i < len(t.equityCurve); i++ {
		prev := t.equityCurve[i-1]
		if prev <= 0 {
			continue
		}
		returns = append(returns, (t.equityCurve[i]-prev)/prev)
	}
	if len(returns) < 2 {
		return 0
	}

	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns) - 1)
	stddev := math.Sqrt(variance)
	if stddev == 0 {
		return 0
	}

	cyclesPerYear := float64(365*24*time.Hour) / float64(t.cycleInterval)
	return mean / stddev * math.Sqrt(cyclesPerYear)
}

// EquityCurve returns a copy of the recorded equity observations.
func (t *Tracker) EquityCurve() []float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	curve := make([]float64, len(t.equityCurve))
	copy(curve, t.equityCurve)
	return curve
}

// Package risk implements the gatekeeper between proposed signals and
// position mutation: per-signal validation against portfolio invariants,
// emergency per-position liquidation checks, and the daily-loss circuit
// breaker evaluation.
package risk

import (
	"fmt"

	"github.com/rs/zerolog"

	"leverage-cycle-bot/internal/circuit"
	"leverage-cycle-bot/internal/decision"
	"leverage-cycle-bot/internal/portfolio"
	"leverage-cycle-bot/internal/position"
)

// Config holds risk management configuration
type Config struct {
	MaxOpenPositions      int     `json:"max_open_positions"`       // concurrent open positions cap
	MaxPositionExposure   float64 `json:"max_position_exposure"`    // per-position notional / equity cap
	MaxAggregateExposure  float64 `json:"max_aggregate_exposure"`   // sum of notionals / equity cap
	MinLeverage           int     `json:"min_leverage"`
	MaxLeverage           int     `json:"max_leverage"`
	MinConfidence         float64 `json:"min_confidence"`           // entry confidence floor
	MinStopLossPct        float64 `json:"min_stop_loss_pct"`
	MaxStopLossPct        float64 `json:"max_stop_loss_pct"`
	EmergencyLossFraction float64 `json:"emergency_loss_fraction"`  // per-position unrealized loss vs margin
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxOpenPositions:      6,
		MaxPositionExposure:   0.20,
		MaxAggregateExposure:  0.80,
		MinLeverage:           5,
		MaxLeverage:           40,
		MinConfidence:         0.60,
		MinStopLossPct:        0.01,
		MaxStopLossPct:        0.10,
		EmergencyLossFraction: 0.15,
	}
}

// Verdict is the outcome of validating one signal. Rejections carry the
// specific violated invariant; they never mutate state.
type Verdict struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

func accepted() Verdict {
	return Verdict{Accepted: true}
}

func rejected(format string, args ...interface{}) Verdict {
	return Verdict{Accepted: false, Reason: fmt.Sprintf(format, args...)}
}

// Manager validates proposed signals and owns the circuit breaker.
type Manager struct {
	config  *Config
	breaker *circuit.CircuitBreaker
	logger  zerolog.Logger
}

// NewManager creates a risk manager around the given circuit breaker.
func NewManager(config *Config, breaker *circuit.CircuitBreaker, logger zerolog.Logger) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	return &Manager{
		config:  config,
		breaker: breaker,
		logger:  logger,
	}
}

// Breaker exposes the circuit breaker for manual reset handling.
func (m *Manager) Breaker() *circuit.CircuitBreaker {
	return m.breaker
}

// ProposedNotional returns the notional exposure a signal asks for: its risk
// budget (margin) multiplied by the requested leverage.
func ProposedNotional(sig *decision.Signal) float64 {
	return sig.RiskBudget * float64(sig.Leverage)
}

// Validate checks one signal against the portfolio snapshot. Close and hold
// signals are always accepted (they cannot increase risk). Entries are
// rejected on the first violated invariant; validation never mutates state.
func (m *Manager) Validate(sig *decision.Signal, snap *portfolio.Snapshot) Verdict {
	if !sig.Action.IsEntry() {
		return accepted()
	}

	if !m.breaker.AllowsEntries() {
		return rejected("circuit breaker is %s: entries are halted", m.breaker.State())
	}

	if sig.Confidence < m.config.MinConfidence {
		return rejected("confidence %.2f below floor %.2f", sig.Confidence, m.config.MinConfidence)
	}

	if sig.Leverage < m.config.MinLeverage || sig.Leverage > m.config.MaxLeverage {
		return rejected("leverage %dx outside [%d,%d]", sig.Leverage, m.config.MinLeverage, m.config.MaxLeverage)
	}

	if sig.RiskBudget <= 0 {
		return rejected("risk budget %.2f must be positive", sig.RiskBudget)
	}

	if sig.StopLossPct < m.config.MinStopLossPct || sig.StopLossPct > m.config.MaxStopLossPct {
		return rejected("stop-loss fraction %.4f outside [%.2f,%.2f]", sig.StopLossPct, m.config.MinStopLossPct, m.config.MaxStopLossPct)
	}

	if snap.Equity <= 0 {
		return rejected("equity %.2f is not positive", snap.Equity)
	}

	existingNotional := 0.0
	haveSymbol := false
	for _, p := range snap.Positions {
		if p.Symbol == sig.Symbol {
			existingNotional = p.Notional()
			haveSymbol = true
		}
	}

	if !haveSymbol && len(snap.Positions) >= m.config.MaxOpenPositions {
		return rejected("open position count %d at cap %d", len(snap.Positions), m.config.MaxOpenPositions)
	}

	proposed := ProposedNotional(sig)

	if (existingNotional+proposed)/snap.Equity > m.config.MaxPositionExposure {
		return rejected("position exposure %.2f%% of equity exceeds cap %.0f%%",
			(existingNotional+proposed)/snap.Equity*100, m.config.MaxPositionExposure*100)
	}

	if (snap.OpenNotional()+proposed)/snap.Equity > m.config.MaxAggregateExposure {
		return rejected("aggregate exposure %.2f%% of equity exceeds cap %.0f%%",
			(snap.OpenNotional()+proposed)/snap.Equity*100, m.config.MaxAggregateExposure*100)
	}

	if haveSymbol {
		return rejected("position already open for %s", sig.Symbol)
	}

	return accepted()
}

// BuildPosition constructs the PENDING position for an accepted entry signal
// at the snapshot price. Stop and target levels are anchored to the decision
// price; the fill price may differ by slippage.
func (m *Manager) BuildPosition(sig *decision.Signal, price float64) (*position.Position, error) {
	if price <= 0 {
		return nil, fmt.Errorf("no price for %s", sig.Symbol)
	}

	side := position.SideLong
	stopLoss := price * (1 - sig.StopLossPct)
	takeProfit := 0.0
	if sig.TakeProfitPct > 0 {
		takeProfit = price * (1 + sig.TakeProfitPct)
	}
	if sig.Action == decision.ActionEnterShort {
		side = position.SideShort
		stopLoss = price * (1 + sig.StopLossPct)
		if sig.TakeProfitPct > 0 {
			takeProfit = price * (1 - sig.TakeProfitPct)
		}
	}

	return &position.Position{
		Symbol:       sig.Symbol,
		Side:         side,
		Quantity:     ProposedNotional(sig) / price,
		EntryPrice:   price,
		Leverage:     sig.Leverage,
		StopLoss:     stopLoss,
		TakeProfit:   takeProfit,
		Invalidation: sig.Invalidation,
	}, nil
}

// EvaluateEmergencyLiquidations returns close directives for every open
// position whose unrealized loss has reached the emergency fraction of its
// allocated margin. Evaluated every cycle ahead of the portfolio breaker.
func (m *Manager) EvaluateEmergencyLiquidations(snap *portfolio.Snapshot) []position.CloseDirective {
	var directives []position.CloseDirective
	for _, p := range snap.Positions {
		price, ok := snap.Prices[p.Symbol]
		if !ok || price <= 0 {
			continue
		}
		margin := p.Margin()
		if margin <= 0 {
			continue
		}
		if p.UnrealizedPnL(price) <= -m.config.EmergencyLossFraction*margin {
			directives = append(directives, position.CloseDirective{
				Symbol: p.Symbol,
				Reason: position.CloseEmergency,
				Price:  price,
			})
		}
	}
	return directives
}

// EvaluateCircuitBreaker recomputes daily P&L from the snapshot equity and
// advances the breaker state machine. On a trip the caller must liquidate all
// open positions before considering any new entries in the same cycle.
func (m *Manager) EvaluateCircuitBreaker(snap *portfolio.Snapshot) circuit.Transition {
	transition := m.breaker.Evaluate(snap.Equity, snap.TakenAt)
	switch transition {
	case circuit.TransitionTripped:
		m.logger.Error().
			Float64("daily_pnl", m.breaker.DailyPnL()).
			Float64("equity", snap.Equity).
			Msg("circuit breaker tripped")
	case circuit.TransitionReactivated:
		m.logger.Info().Msg("circuit breaker reset confirmed, entries re-enabled")
	}
	return transition
}

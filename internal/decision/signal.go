// Package decision defines the candidate trading signals proposed by the
// external reasoning service and the HTTP client that obtains them.
package decision

import (
	"fmt"

	"leverage-cycle-bot/internal/position"
)

// Action is the kind of move a signal proposes.
type Action string

const (
	ActionEnterLong  Action = "enter_long"
	ActionEnterShort Action = "enter_short"
	ActionHold       Action = "hold"
	ActionClose      Action = "close"
)

// IsEntry reports whether the action opens new exposure.
func (a Action) IsEntry() bool {
	return a == ActionEnterLong || a == ActionEnterShort
}

// Signal is one candidate action from the decision service. It is read-only
// input to risk validation; nothing downstream mutates it.
type Signal struct {
	Symbol        string  `json:"symbol"`
	Action        Action  `json:"action"`
	Confidence    float64 `json:"confidence"`      // [0,1]
	Leverage      int     `json:"leverage"`        // [5,40]
	RiskBudget    float64 `json:"risk_budget"`     // quote currency, > 0
	StopLossPct   float64 `json:"stop_loss_pct"`   // [0.01,0.10], fraction of entry price
	TakeProfitPct float64 `json:"take_profit_pct"` // optional, 0 = none
	Rationale     string  `json:"rationale"`

	// Optional price-based invalidation rule for the resulting position,
	// independent of stop-loss and take-profit.
	Invalidation *position.InvalidationRule `json:"invalidation,omitempty"`
}

func (s *Signal) String() string {
	return fmt.Sprintf("%s %s (conf=%.2f lev=%dx risk=%.2f)", s.Action, s.Symbol, s.Confidence, s.Leverage, s.RiskBudget)
}

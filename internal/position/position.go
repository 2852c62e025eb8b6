// Package position owns the lifecycle of individual leveraged positions:
// PENDING on an accepted entry, OPEN on fill confirmation, CLOSED on
// stop/target/invalidation/liquidation/manual close.
package position

import (
	"fmt"
	"time"
)

// Side represents the direction of a position
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Status represents the lifecycle state of a position
type Status string

const (
	StatusPending Status = "PENDING"
	StatusOpen    Status = "OPEN"
	StatusClosed  Status = "CLOSED"
)

// CloseReason records why a position was closed
type CloseReason string

const (
	CloseStopLoss    CloseReason = "STOP_LOSS"
	CloseTakeProfit  CloseReason = "TAKE_PROFIT"
	CloseInvalidated CloseReason = "INVALIDATED"
	CloseEmergency   CloseReason = "EMERGENCY_LIQUIDATION"
	CloseBreaker     CloseReason = "CIRCUIT_BREAKER"
	CloseManual      CloseReason = "MANUAL"
)

// InvalidationRule is a price-based rule, independent of stop-loss and
// take-profit, that forces a position closed once violated.
type InvalidationRule struct {
	Level float64 `json:"level"`
	Above bool    `json:"above"` // true: invalid when price >= level, false: invalid when price <= level
}

// Triggered reports whether the rule fires at the given price.
func (r *InvalidationRule) Triggered(price float64) bool {
	if r == nil || r.Level <= 0 {
		return false
	}
	if r.Above {
		return price >= r.Level
	}
	return price <= r.Level
}

// Position is a single leveraged position. The symbol is the unique key among
// open positions; at most one position per symbol exists at a time.
type Position struct {
	Symbol       string            `json:"symbol"`
	Side         Side              `json:"side"`
	Quantity     float64           `json:"quantity"`
	EntryPrice   float64           `json:"entry_price"`
	Leverage     int               `json:"leverage"`
	StopLoss     float64           `json:"stop_loss"`
	TakeProfit   float64           `json:"take_profit"` // 0 = no target
	Invalidation *InvalidationRule `json:"invalidation,omitempty"`
	Status       Status            `json:"status"`
	EntryFee     float64           `json:"entry_fee,omitempty"`
	OpenedAt     time.Time         `json:"opened_at"`
	ClosedAt     time.Time         `json:"closed_at,omitempty"`
	ExitPrice    float64           `json:"exit_price,omitempty"`
	RealizedPnL  float64           `json:"realized_pnl,omitempty"`
	CloseReason  CloseReason       `json:"close_reason,omitempty"`
}

// Notional returns the position notional at entry.
func (p *Position) Notional() float64 {
	return p.EntryPrice * p.Quantity
}

// Margin returns the capital allocated to the position (notional / leverage).
func (p *Position) Margin() float64 {
	if p.Leverage <= 0 {
		return p.Notional()
	}
	return p.Notional() / float64(p.Leverage)
}

// UnrealizedPnL returns the mark-to-market P&L at the given price.
func (p *Position) UnrealizedPnL(price float64) float64 {
	if p.Status != StatusOpen || price <= 0 {
		return 0
	}
	if p.Side == SideLong {
		return (price - p.EntryPrice) * p.Quantity
	}
	return (p.EntryPrice - price) * p.Quantity
}

// ExitReason evaluates the position's own exit rules against one observed
// price. Stop-loss is checked before take-profit so that a gapped tick that
// crosses both closes at the conservative outcome; invalidation is checked
// last. Returns "" when no rule fires.
func (p *Position) ExitReason(price float64) CloseReason {
	if p.Status != StatusOpen || price <= 0 {
		return ""
	}

	if p.Side == SideLong {
		if p.StopLoss > 0 && price <= p.StopLoss {
			return CloseStopLoss
		}
		if p.TakeProfit > 0 && price >= p.TakeProfit {
			return CloseTakeProfit
		}
	} else {
		if p.StopLoss > 0 && price >= p.StopLoss {
			return CloseStopLoss
		}
		if p.TakeProfit > 0 && price <= p.TakeProfit {
			return CloseTakeProfit
		}
	}

	if p.Invalidation.Triggered(price) {
		return CloseInvalidated
	}

	return ""
}

// CloseDirective instructs the execution layer to close an open position.
type CloseDirective struct {
	Symbol string      `json:"symbol"`
	Reason CloseReason `json:"reason"`
	Price  float64     `json:"price"` // observed price that triggered the close
}

func (d CloseDirective) String() string {
	return fmt.Sprintf("close %s (%s @ %.4f)", d.Symbol, d.Reason, d.Price)
}

// Package portfolio implements the virtual portfolio: cash balance, the open
// position book, the realized P&L ledger and the fee accumulator. All
// mutations flow through the execution layer (single-writer discipline);
// every other component reads consistent snapshots.
package portfolio

import (
	"fmt"
	"sync"
	"time"

	"leverage-cycle-bot/internal/position"
)

// RealizedTrade is one entry in the realized P&L ledger.
type RealizedTrade struct {
	Symbol     string               `json:"symbol"`
	Side       position.Side        `json:"side"`
	Quantity   float64              `json:"quantity"`
	EntryPrice float64              `json:"entry_price"`
	ExitPrice  float64              `json:"exit_price"`
	PnL        float64              `json:"pnl"` // net of entry and exit fees
	Fees       float64              `json:"fees"`
	Reason     position.CloseReason `json:"reason"`
	OpenedAt   time.Time            `json:"opened_at"`
	ClosedAt   time.Time            `json:"closed_at"`
}

// Snapshot is a consistent point-in-time view of the portfolio, taken at
// cycle start and observed unchanged by risk validation, circuit-breaker
// evaluation and position checks within that cycle.
type Snapshot struct {
	TakenAt     time.Time            `json:"taken_at"`
	Cash        float64              `json:"cash"`
	Equity      float64              `json:"equity"`
	Positions   []*position.Position `json:"positions"`
	Prices      map[string]float64   `json:"prices"`
	RealizedPnL float64              `json:"realized_pnl"`
	FeesPaid    float64              `json:"fees_paid"`
	Unrealized  map[string]float64   `json:"unrealized"`
}

// OpenNotional returns the sum of entry notionals of all open positions.
func (s *Snapshot) OpenNotional() float64 {
	total := 0.0
	for _, p := range s.Positions {
		total += p.Notional()
	}
	return total
}

// VirtualPortfolio holds simulated capital and the position book.
type VirtualPortfolio struct {
	mu          sync.RWMutex
	cash        float64
	initialCash float64
	book        *position.Book
	ledger      []RealizedTrade
	feesPaid    float64
	realizedPnL float64
}

// New creates a virtual portfolio with the given starting cash.
func New(initialCash float64) *VirtualPortfolio {
	return &VirtualPortfolio{
		cash:        initialCash,
		initialCash: initialCash,
		book:        position.NewBook(),
	}
}

// Book exposes the position book for read access and exit evaluation.
func (vp *VirtualPortfolio) Book() *position.Book {
	return vp.book
}

// RegisterPending registers a PENDING position for an accepted entry signal.
func (vp *VirtualPortfolio) RegisterPending(p *position.Position) error {
	return vp.book.OpenPending(p)
}

// AbortPending drops a PENDING position whose entry order failed.
func (vp *VirtualPortfolio) AbortPending(symbol string) error {
	return vp.book.Abort(symbol)
}

// ConfirmEntry applies an entry fill: the position opens at the filled price
// and quantity, and cash moves by the fill notional plus fee for buys, minus
// fee for sells (shorts collect the sale proceeds).
func (vp *VirtualPortfolio) ConfirmEntry(symbol string, fillPrice, fillQty, fee float64, at time.Time) (*position.Position, error) {
	vp.mu.Lock()
	defer vp.mu.Unlock()

	p, err := vp.book.ConfirmFill(symbol, fillPrice, fillQty, at)
	if err != nil {
		return nil, err
	}

	notional := fillPrice * fillQty
	if p.Side == position.SideLong {
		vp.cash -= notional + fee
	} else {
		vp.cash += notional - fee
	}
	vp.feesPaid += fee

	// Remember the entry fee so the ledger can net it out at close.
	vp.book.SetEntryFee(symbol, fee)
	p.EntryFee = fee

	return p, nil
}

// ConfirmClose applies an exit fill: the position closes at the filled price,
// cash moves by the exit notional (sells collect, buy-backs pay), and the
// realized trade, net of both fees, is appended to the ledger.
func (vp *VirtualPortfolio) ConfirmClose(symbol string, fillPrice, fee float64, reason position.CloseReason, at time.Time) (*RealizedTrade, error) {
	vp.mu.Lock()
	defer vp.mu.Unlock()

	live, ok := vp.book.Get(symbol)
	if !ok {
		return nil, fmt.Errorf("no position for %s", symbol)
	}
	entryFee := live.EntryFee

	closed, err := vp.book.Close(symbol, fillPrice, reason, at)
	if err != nil {
		return nil, err
	}

	notional := fillPrice * closed.Quantity
	if closed.Side == position.SideLong {
		vp.cash += notional - fee
	} else {
		vp.cash -= notional + fee
	}
	vp.feesPaid += fee

	trade := RealizedTrade{
		Symbol:     closed.Symbol,
		Side:       closed.Side,
		Quantity:   closed.Quantity,
		EntryPrice: closed.EntryPrice,
		ExitPrice:  fillPrice,
		PnL:        closed.RealizedPnL - entryFee - fee,
		Fees:       entryFee + fee,
		Reason:     reason,
		OpenedAt:   closed.OpenedAt,
		ClosedAt:   at,
	}
	vp.ledger = append(vp.ledger, trade)
	vp.realizedPnL += trade.PnL

	return &trade, nil
}

// Cash returns the current cash balance.
func (vp *VirtualPortfolio) Cash() float64 {
	vp.mu.RLock()
	defer vp.mu.RUnlock()
	return vp.cash
}

// RealizedPnL returns cumulative realized P&L, net of fees.
func (vp *VirtualPortfolio) RealizedPnL() float64 {
	vp.mu.RLock()
	defer vp.mu.RUnlock()
	return vp.realizedPnL
}

// FeesPaid returns the cumulative fees deducted from cash.
func (vp *VirtualPortfolio) FeesPaid() float64 {
	vp.mu.RLock()
	defer vp.mu.RUnlock()
	return vp.feesPaid
}

// Ledger returns a copy of the realized P&L ledger, oldest first.
func (vp *VirtualPortfolio) Ledger() []RealizedTrade {
	vp.mu.RLock()
	defer vp.mu.RUnlock()

	out := make([]RealizedTrade, len(vp.ledger))
	copy(out, vp.ledger)
	return out
}

// Equity returns cash plus the signed market value of open positions at the
// given prices: long holdings add value, short liabilities subtract it.
// Positions without a price are valued at entry.
func (vp *VirtualPortfolio) Equity(prices map[string]float64) float64 {
	vp.mu.RLock()
	defer vp.mu.RUnlock()
	return vp.equityLocked(prices)
}

func (vp *VirtualPortfolio) equityLocked(prices map[string]float64) float64 {
	equity := vp.cash
	for _, p := range vp.book.OpenPositions() {
		price, ok := prices[p.Symbol]
		if !ok || price <= 0 {
			price = p.EntryPrice
		}
		value := price * p.Quantity
		if p.Side == position.SideLong {
			equity += value
		} else {
			equity -= value
		}
	}
	return equity
}

// Snapshot captures a consistent view of the portfolio at the given prices.
func (vp *VirtualPortfolio) Snapshot(prices map[string]float64, at time.Time) *Snapshot {
	vp.mu.RLock()
	defer vp.mu.RUnlock()

	positions := vp.book.OpenPositions()
	unrealized := make(map[string]float64, len(positions))
	for _, p := range positions {
		if price, ok := prices[p.Symbol]; ok {
			unrealized[p.Symbol] = p.UnrealizedPnL(price)
		}
	}

	pricesCopy := make(map[string]float64, len(prices))
	for k, v := range prices {
		pricesCopy[k] = v
	}

	return &Snapshot{
		TakenAt:     at,
		Cash:        vp.cash,
		Equity:      vp.equityLocked(prices),
		Positions:   positions,
		Prices:      pricesCopy,
		RealizedPnL: vp.realizedPnL,
		FeesPaid:    vp.feesPaid,
		Unrealized:  unrealized,
	}
}

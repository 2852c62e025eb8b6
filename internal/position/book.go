package position

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Book tracks all positions keyed by symbol and enforces the lifecycle
// transitions PENDING -> OPEN -> CLOSED. Closed positions are archived.
type Book struct {
	mu       sync.RWMutex
	open     map[string]*Position // PENDING and OPEN, keyed by symbol
	archived []*Position
}

// NewBook creates an empty position book.
func NewBook() *Book {
	return &Book{
		open: make(map[string]*Position),
	}
}

// OpenPending registers a PENDING position for an accepted entry signal.
// Fails if the symbol already has a live position.
func (b *Book) OpenPending(p *Position) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.open[p.Symbol]; exists {
		return fmt.Errorf("position already exists for %s", p.Symbol)
	}

	p.Status = StatusPending
	b.open[p.Symbol] = p
	return nil
}

// ConfirmFill transitions a PENDING position to OPEN, sized to the filled
// quantity and priced at the actual fill price. Partial fills open a smaller
// position; the unfilled remainder is discarded.
func (b *Book) ConfirmFill(symbol string, fillPrice, fillQty float64, at time.Time) (*Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, exists := b.open[symbol]
	if !exists {
		return nil, fmt.Errorf("no position for %s", symbol)
	}
	if p.Status != StatusPending {
		return nil, fmt.Errorf("position %s is %s, expected %s", symbol, p.Status, StatusPending)
	}
	if fillQty <= 0 || fillPrice <= 0 {
		return nil, fmt.Errorf("invalid fill for %s: qty=%.8f price=%.8f", symbol, fillQty, fillPrice)
	}

	p.Status = StatusOpen
	p.EntryPrice = fillPrice
	p.Quantity = fillQty
	p.OpenedAt = at
	return p.copy(), nil
}

// Abort removes a PENDING position whose entry order failed. OPEN positions
// cannot be aborted, only closed.
func (b *Book) Abort(symbol string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, exists := b.open[symbol]
	if !exists {
		return fmt.Errorf("no position for %s", symbol)
	}
	if p.Status != StatusPending {
		return fmt.Errorf("cannot abort %s position %s", p.Status, symbol)
	}

	delete(b.open, symbol)
	return nil
}

// Close transitions an OPEN position to CLOSED and archives it. The realized
// P&L recorded here is price-based; fees are accounted by the portfolio.
func (b *Book) Close(symbol string, exitPrice float64, reason CloseReason, at time.Time) (*Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, exists := b.open[symbol]
	if !exists {
		return nil, fmt.Errorf("no position for %s", symbol)
	}
	if p.Status != StatusOpen {
		return nil, fmt.Errorf("position %s is %s, expected %s", symbol, p.Status, StatusOpen)
	}

	p.RealizedPnL = p.UnrealizedPnL(exitPrice)
	p.Status = StatusClosed
	p.ExitPrice = exitPrice
	p.ClosedAt = at
	p.CloseReason = reason

	delete(b.open, symbol)
	b.archived = append(b.archived, p)
	return p.copy(), nil
}

// SetEntryFee records the entry fee paid when the position was opened.
func (b *Book) SetEntryFee(symbol string, fee float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if p, exists := b.open[symbol]; exists {
		p.EntryFee = fee
	}
}

// Get returns a copy of the live (PENDING or OPEN) position for a symbol.
func (b *Book) Get(symbol string) (*Position, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	p, exists := b.open[symbol]
	if !exists {
		return nil, false
	}
	return p.copy(), true
}

// OpenPositions returns copies of all OPEN positions, sorted by symbol for
// deterministic iteration.
func (b *Book) OpenPositions() []*Position {
	b.mu.RLock()
	defer b.mu.RUnlock()

	positions := make([]*Position, 0, len(b.open))
	for _, p := range b.open {
		if p.Status == StatusOpen {
			positions = append(positions, p.copy())
		}
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Symbol < positions[j].Symbol })
	return positions
}

// OpenCount returns the number of OPEN positions.
func (b *Book) OpenCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := 0
	for _, p := range b.open {
		if p.Status == StatusOpen {
			count++
		}
	}
	return count
}

// Archived returns copies of closed positions, oldest first.
func (b *Book) Archived() []*Position {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*Position, len(b.archived))
	for i, p := range b.archived {
		out[i] = p.copy()
	}
	return out
}

// EvaluateExits checks every OPEN position's stop-loss, take-profit and
// invalidation condition against the given prices and returns close
// directives for whatever fired. Symbols without a price are skipped.
func (b *Book) EvaluateExits(prices map[string]float64) []CloseDirective {
	var directives []CloseDirective
	for _, p := range b.OpenPositions() {
		price, ok := prices[p.Symbol]
		if !ok {
			continue
		}
		if reason := p.ExitReason(price); reason != "" {
			directives = append(directives, CloseDirective{
				Symbol: p.Symbol,
				Reason: reason,
				Price:  price,
			})
		}
	}
	return directives
}

func (p *Position) copy() *Position {
	cp := *p
	if p.Invalidation != nil {
		inv := *p.Invalidation
		cp.Invalidation = &inv
	}
	return &cp
}

// Package execution defines the order-execution contract shared by the paper
// trading simulator and any live exchange adapter. Callers depend only on the
// Adapter interface, so the two are structurally interchangeable.
package execution

import (
	"context"
	"time"
)

// OrderSide is the direction of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderRequest describes a market order to submit.
type OrderRequest struct {
	ClientOrderID string    `json:"client_order_id"`
	Symbol        string    `json:"symbol"`
	Side          OrderSide `json:"side"`
	Quantity      float64   `json:"quantity"`
	ReduceOnly    bool      `json:"reduce_only"` // closes an existing position
}

// Fill is the settled result of an order submission.
type Fill struct {
	ClientOrderID string        `json:"client_order_id"`
	Symbol        string        `json:"symbol"`
	Side          OrderSide     `json:"side"`
	Price         float64       `json:"price"`    // includes slippage
	Quantity      float64       `json:"quantity"` // may be less than requested
	Fee           float64       `json:"fee"`      // quote currency, deducted from cash
	Latency       time.Duration `json:"latency"`
	FilledAt      time.Time     `json:"filled_at"`
}

// Notional returns the fill notional in quote currency.
func (f *Fill) Notional() float64 {
	return f.Price * f.Quantity
}

// Adapter submits orders for execution. SubmitOrder blocks until the fill
// settles or the context is cancelled.
type Adapter interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (*Fill, error)
}

// Package paper implements the paper trading executor: a stand-in for a live
// exchange adapter that simulates fills (latency, slippage, partial fills,
// fees) against the virtual portfolio without risking real capital.
package paper

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"leverage-cycle-bot/internal/execution"
	"leverage-cycle-bot/internal/portfolio"
	"leverage-cycle-bot/internal/position"
)

// Config holds fill-simulation parameters.
type Config struct {
	FeeRate      float64       `json:"fee_rate"`       // fraction of notional per fill
	MaxSlippage  float64       `json:"max_slippage"`   // adverse price move, fraction
	MinFillRatio float64       `json:"min_fill_ratio"` // filled quantity floor, fraction of requested
	MinLatency   time.Duration `json:"min_latency"`
	MaxLatency   time.Duration `json:"max_latency"`
}

// DefaultConfig returns the simulator defaults: 0.1% fee, up to 0.2% adverse
// slippage, fills in [95%,100%] of requested quantity, 50-150ms latency.
func DefaultConfig() *Config {
	return &Config{
		FeeRate:      0.001,
		MaxSlippage:  0.002,
		MinFillRatio: 0.95,
		MinLatency:   50 * time.Millisecond,
		MaxLatency:   150 * time.Millisecond,
	}
}

// PriceProvider returns the current price for a symbol.
type PriceProvider func(symbol string) (float64, error)

// Executor simulates order execution and is the single writer of the virtual
// portfolio. It implements execution.Adapter.
type Executor struct {
	mu      sync.Mutex
	cfg     *Config
	pf      *portfolio.VirtualPortfolio
	priceOf PriceProvider
	rng     *rand.Rand
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
	logger  zerolog.Logger
}

// NewExecutor creates a paper trading executor over the given portfolio.
func NewExecutor(cfg *Config, pf *portfolio.VirtualPortfolio, priceOf PriceProvider, logger zerolog.Logger) *Executor {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Executor{
		cfg:     cfg,
		pf:      pf,
		priceOf: priceOf,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		now:     time.Now,
		sleep:   sleepCtx,
		logger:  logger,
	}
}

// SetRand injects a deterministic random source for tests.
func (e *Executor) SetRand(rng *rand.Rand) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rng = rng
}

// SetClock injects a deterministic clock for tests.
func (e *Executor) SetClock(now func() time.Time) {
	e.now = now
}

// SetSleep injects the latency wait, so tests settle fills instantly.
func (e *Executor) SetSleep(sleep func(ctx context.Context, d time.Duration) error) {
	e.sleep = sleep
}

// SubmitOrder simulates a market order: a bounded random latency, adverse
// slippage against the requester (buys fill higher, sells lower), a partial
// fill of the requested quantity, and a fee on the fill notional. The unfilled
// remainder is discarded; there is no resting order book.
func (e *Executor) SubmitOrder(ctx context.Context, req execution.OrderRequest) (*execution.Fill, error) {
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("invalid quantity %.8f for %s", req.Quantity, req.Symbol)
	}

	price, err := e.priceOf(req.Symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to get price for %s: %w", req.Symbol, err)
	}
	if price <= 0 {
		return nil, fmt.Errorf("no price for %s", req.Symbol)
	}

	e.mu.Lock()
	latency := e.cfg.MinLatency + time.Duration(e.rng.Int63n(int64(e.cfg.MaxLatency-e.cfg.MinLatency)+1))
	slippage := e.rng.Float64() * e.cfg.MaxSlippage
	fillRatio := e.cfg.MinFillRatio + e.rng.Float64()*(1-e.cfg.MinFillRatio)
	e.mu.Unlock()

	if err := e.sleep(ctx, latency); err != nil {
		return nil, err
	}

	fillPrice := price * (1 - slippage)
	if req.Side == execution.SideBuy {
		fillPrice = price * (1 + slippage)
	}

	fillQty := req.Quantity * fillRatio
	if req.ReduceOnly {
		// Closes settle in full: a stranded remainder would leave a
		// position partly open with no resting order to finish it.
		fillQty = req.Quantity
	}

	fill := &execution.Fill{
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Price:         fillPrice,
		Quantity:      fillQty,
		Fee:           fillPrice * fillQty * e.cfg.FeeRate,
		Latency:       latency,
		FilledAt:      e.now(),
	}

	e.logger.Debug().
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Float64("price", fill.Price).
		Float64("quantity", fill.Quantity).
		Float64("fee", fill.Fee).
		Dur("latency", latency).
		Msg("simulated fill")

	return fill, nil
}

// OpenPosition registers the position as PENDING, submits the entry order and
// confirms the fill against the portfolio. On order failure the pending
// position is aborted and no state is mutated.
func (e *Executor) OpenPosition(ctx context.Context, p *position.Position) (*execution.Fill, error) {
	if err := e.pf.RegisterPending(p); err != nil {
		return nil, err
	}

	side := execution.SideBuy
	if p.Side == position.SideShort {
		side = execution.SideSell
	}

	fill, err := e.SubmitOrder(ctx, execution.OrderRequest{
		ClientOrderID: uuid.NewString(),
		Symbol:        p.Symbol,
		Side:          side,
		Quantity:      p.Quantity,
	})
	if err != nil {
		if abortErr := e.pf.AbortPending(p.Symbol); abortErr != nil {
			e.logger.Error().Err(abortErr).Str("symbol", p.Symbol).Msg("failed to abort pending position")
		}
		return nil, err
	}

	if _, err := e.pf.ConfirmEntry(p.Symbol, fill.Price, fill.Quantity, fill.Fee, fill.FilledAt); err != nil {
		return nil, err
	}

	return fill, nil
}

// ClosePosition submits a reduce-only exit order for the full position
// quantity and realizes the trade against the portfolio.
func (e *Executor) ClosePosition(ctx context.Context, symbol string, reason position.CloseReason) (*portfolio.RealizedTrade, error) {
	p, ok := e.pf.Book().Get(symbol)
	if !ok {
		return nil, fmt.Errorf("no position for %s", symbol)
	}
	if p.Status != position.StatusOpen {
		return nil, fmt.Errorf("position %s is %s, expected %s", symbol, p.Status, position.StatusOpen)
	}

	side := execution.SideSell
	if p.Side == position.SideShort {
		side = execution.SideBuy
	}

	fill, err := e.SubmitOrder(ctx, execution.OrderRequest{
		ClientOrderID: uuid.NewString(),
		Symbol:        symbol,
		Side:          side,
		Quantity:      p.Quantity,
		ReduceOnly:    true,
	})
	if err != nil {
		return nil, err
	}

	return e.pf.ConfirmClose(symbol, fill.Price, fill.Fee, reason, fill.FilledAt)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ensure Executor implements the execution adapter contract.
var _ execution.Adapter = (*Executor)(nil)

package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"leverage-cycle-bot/internal/circuit"
	"leverage-cycle-bot/internal/decision"
	"leverage-cycle-bot/internal/events"
	"leverage-cycle-bot/internal/execution"
	"leverage-cycle-bot/internal/marketdata"
	"leverage-cycle-bot/internal/notification"
	"leverage-cycle-bot/internal/performance"
	"leverage-cycle-bot/internal/portfolio"
	"leverage-cycle-bot/internal/position"
	"leverage-cycle-bot/internal/risk"
)

// MarketFetcher provides the per-cycle market snapshot. Per-symbol failures
// are reported in the map, not as a fatal error.
type MarketFetcher interface {
	FetchSnapshot(ctx context.Context, symbols []string) (*marketdata.Snapshot, map[string]error)
}

// SignalProposer obtains candidate signals from the decision service.
type SignalProposer interface {
	ProposeSignals(ctx context.Context, snapshot *marketdata.Snapshot, positions []*position.Position) ([]decision.Signal, error)
}

// Trader opens and closes positions through the execution layer. The paper
// executor and a live adapter satisfy the same contract.
type Trader interface {
	OpenPosition(ctx context.Context, p *position.Position) (*execution.Fill, error)
	ClosePosition(ctx context.Context, symbol string, reason position.CloseReason) (*portfolio.RealizedTrade, error)
}

// TradeStore persists realized trades and open-position snapshots. A nil
// TradeStore disables persistence.
type TradeStore interface {
	RecordTrade(ctx context.Context, trade portfolio.RealizedTrade) error
	SavePositionSnapshot(ctx context.Context, positions []*position.Position) error
}

// Engine is the cycle body: snapshot -> exits -> safety checks -> decide ->
// validate -> execute -> update. The scheduler guarantees at most one RunCycle
// in flight; manual closes arriving between cycles are queued and applied at
// the start of the next cycle, never mid-cycle.
type Engine struct {
	symbols  []string
	market   MarketFetcher
	decider  SignalProposer
	trader   Trader
	pf       *portfolio.VirtualPortfolio
	risk     *risk.Manager
	tracker  *performance.Tracker
	bus      *events.EventBus
	notifier *notification.Manager
	store    TradeStore
	logger   zerolog.Logger

	queueMu       sync.Mutex
	pendingCloses []string
}

// NewEngine wires the cycle body.
func NewEngine(
	symbols []string,
	market MarketFetcher,
	decider SignalProposer,
	trader Trader,
	pf *portfolio.VirtualPortfolio,
	riskMgr *risk.Manager,
	tracker *performance.Tracker,
	bus *events.EventBus,
	notifier *notification.Manager,
	store TradeStore,
	logger zerolog.Logger,
) *Engine {
	return &Engine{
		symbols:  symbols,
		market:   market,
		decider:  decider,
		trader:   trader,
		pf:       pf,
		risk:     riskMgr,
		tracker:  tracker,
		bus:      bus,
		notifier: notifier,
		store:    store,
		logger:   logger,
	}
}

// QueueManualClose requests a position close that will be applied at the
// start of the next cycle.
func (e *Engine) QueueManualClose(symbol string) {
	e.queueMu.Lock()
	defer e.queueMu.Unlock()

	for _, s := range e.pendingCloses {
		if s == symbol {
			return
		}
	}
	e.pendingCloses = append(e.pendingCloses, symbol)
}

func (e *Engine) drainManualCloses() []string {
	e.queueMu.Lock()
	defer e.queueMu.Unlock()

	out := e.pendingCloses
	e.pendingCloses = nil
	return out
}

// RunCycle executes one trading cycle. Only errors that compromise the cycle
// as a whole (snapshot inconsistency, decision service failure) are returned;
// per-signal validation and execution failures are contained and logged.
func (e *Engine) RunCycle(ctx context.Context, sequence int64) error {
	snap, err := e.fetchMarket(ctx)
	if err != nil {
		return err
	}
	prices := snap.Prices()
	now := snap.TakenAt

	// Queued manual actions are applied first, before any evaluation.
	for _, symbol := range e.drainManualCloses() {
		if _, ok := e.pf.Book().Get(symbol); !ok {
			continue
		}
		e.closePosition(ctx, symbol, position.CloseManual)
	}

	// Position-level exits: stop-loss, take-profit, invalidation.
	for _, d := range e.pf.Book().EvaluateExits(prices) {
		e.closePosition(ctx, d.Symbol, d.Reason)
	}

	// Emergency per-position liquidation, ahead of the portfolio breaker.
	pSnap := e.pf.Snapshot(prices, now)
	for _, d := range e.risk.EvaluateEmergencyLiquidations(pSnap) {
		trade := e.closePosition(ctx, d.Symbol, position.CloseEmergency)
		if trade != nil {
			e.notifier.NotifyEmergencyClose(trade.Symbol, trade.PnL)
			e.bus.Publish(events.Event{Type: events.EventEmergencyClose, Data: map[string]interface{}{
				"symbol": trade.Symbol,
				"pnl":    trade.PnL,
			}})
		}
	}

	// Portfolio circuit breaker on a fresh snapshot.
	pSnap = e.pf.Snapshot(prices, now)
	switch e.risk.EvaluateCircuitBreaker(pSnap) {
	case circuit.TransitionTripped:
		e.liquidateAll(ctx)
		e.notifier.NotifyBreakerTripped(e.risk.Breaker().DailyPnL(), pSnap.Equity)
		e.bus.PublishBreakerTripped(e.risk.Breaker().DailyPnL(), e.risk.Breaker().StartOfDayEquity())
	case circuit.TransitionReactivated:
		e.notifier.NotifyBreakerReset()
		e.bus.Publish(events.Event{Type: events.EventBreakerReset, Data: map[string]interface{}{}})
	}

	// Decision service: failure here is transient, retried next cycle.
	signals, err := e.decider.ProposeSignals(ctx, snap, e.pf.Book().OpenPositions())
	if err != nil {
		return fmt.Errorf("decision service: %w", err)
	}

	for i := range signals {
		e.applySignal(ctx, &signals[i], snap, now)
	}

	final := e.pf.Snapshot(prices, now)
	e.tracker.RecordEquity(final.Equity)
	if e.store != nil {
		if err := e.store.SavePositionSnapshot(ctx, final.Positions); err != nil {
			e.logger.Warn().Err(err).Msg("failed to persist position snapshot")
		}
	}

	e.logger.Info().
		Int64("sequence", sequence).
		Float64("equity", final.Equity).
		Int("open_positions", len(final.Positions)).
		Int("signals", len(signals)).
		Msg("cycle body finished")
	return nil
}

// fetchMarket fans out per-symbol ticker fetches for the configured universe
// plus every symbol holding an open position. A failed symbol is excluded for
// the cycle unless it holds an open position, which makes the whole cycle a
// retryable failure.
func (e *Engine) fetchMarket(ctx context.Context) (*marketdata.Snapshot, error) {
	universe := make([]string, 0, len(e.symbols))
	seen := make(map[string]bool, len(e.symbols))
	for _, s := range e.symbols {
		if !seen[s] {
			universe = append(universe, s)
			seen[s] = true
		}
	}
	for _, p := range e.pf.Book().OpenPositions() {
		if !seen[p.Symbol] {
			universe = append(universe, p.Symbol)
			seen[p.Symbol] = true
		}
	}

	snap, failures := e.market.FetchSnapshot(ctx, universe)
	for symbol, ferr := range failures {
		if _, ok := e.pf.Book().Get(symbol); ok {
			return nil, fmt.Errorf("market data for open position %s unavailable: %w", symbol, ferr)
		}
		e.logger.Warn().Err(ferr).Str("symbol", symbol).Msg("symbol excluded from cycle, fetch failed")
	}
	return snap, nil
}

// applySignal validates and executes one signal. Failures are contained so
// the remaining signals in the cycle still get processed.
func (e *Engine) applySignal(ctx context.Context, sig *decision.Signal, snap *marketdata.Snapshot, now time.Time) {
	switch {
	case sig.Action == decision.ActionHold:
		return
	case sig.Action == decision.ActionClose:
		if p, ok := e.pf.Book().Get(sig.Symbol); ok && p.Status == position.StatusOpen {
			e.closePosition(ctx, sig.Symbol, position.CloseManual)
		}
		return
	case !sig.Action.IsEntry():
		e.logger.Warn().Str("action", string(sig.Action)).Str("symbol", sig.Symbol).Msg("unknown signal action ignored")
		return
	}

	// Validate against the portfolio as it stands after earlier signals in
	// this cycle, so the caps hold cumulatively.
	verdict := e.risk.Validate(sig, e.pf.Snapshot(snap.Prices(), now))
	if !verdict.Accepted {
		e.logger.Warn().
			Str("symbol", sig.Symbol).
			Str("action", string(sig.Action)).
			Str("reason", verdict.Reason).
			Msg("signal rejected")
		e.bus.PublishSignalRejected(sig.Symbol, string(sig.Action), verdict.Reason)
		return
	}

	price, ok := snap.Price(sig.Symbol)
	if !ok {
		e.logger.Warn().Str("symbol", sig.Symbol).Msg("entry skipped, no price this cycle")
		return
	}

	pos, err := e.risk.BuildPosition(sig, price)
	if err != nil {
		e.logger.Warn().Err(err).Str("symbol", sig.Symbol).Msg("entry skipped")
		return
	}

	if _, err := e.trader.OpenPosition(ctx, pos); err != nil {
		e.logger.Error().Err(err).Str("symbol", sig.Symbol).Msg("entry order failed")
		e.bus.PublishError("execution", "entry order failed for "+sig.Symbol, err)
		return
	}

	opened, _ := e.pf.Book().Get(pos.Symbol)
	if opened != nil {
		e.logger.Info().
			Str("symbol", opened.Symbol).
			Str("side", string(opened.Side)).
			Float64("entry_price", opened.EntryPrice).
			Float64("quantity", opened.Quantity).
			Int("leverage", opened.Leverage).
			Msg("position opened")
		e.bus.PublishPositionOpened(opened.Symbol, string(opened.Side), opened.EntryPrice, opened.Quantity, opened.Leverage)
		e.notifier.NotifyPositionOpened(opened.Symbol, string(opened.Side), opened.EntryPrice, opened.Quantity, opened.Leverage)
	}
}

// closePosition closes one position through the execution layer and fans the
// result out to the event bus, alerting and persistence. Failure is contained.
func (e *Engine) closePosition(ctx context.Context, symbol string, reason position.CloseReason) *portfolio.RealizedTrade {
	trade, err := e.trader.ClosePosition(ctx, symbol, reason)
	if err != nil {
		e.logger.Error().Err(err).Str("symbol", symbol).Str("reason", string(reason)).Msg("close order failed")
		e.bus.PublishError("execution", "close order failed for "+symbol, err)
		return nil
	}

	e.logger.Info().
		Str("symbol", trade.Symbol).
		Str("reason", string(trade.Reason)).
		Float64("pnl", trade.PnL).
		Msg("position closed")
	e.bus.PublishPositionClosed(trade.Symbol, string(trade.Reason), trade.EntryPrice, trade.ExitPrice, trade.PnL)
	e.notifier.NotifyPositionClosed(trade.Symbol, trade.EntryPrice, trade.ExitPrice, trade.PnL, string(trade.Reason))

	if e.store != nil {
		if err := e.store.RecordTrade(ctx, *trade); err != nil {
			e.logger.Warn().Err(err).Str("symbol", trade.Symbol).Msg("failed to persist trade")
		}
	}
	return trade
}

// liquidateAll closes every open position with the circuit breaker reason.
func (e *Engine) liquidateAll(ctx context.Context) {
	for _, p := range e.pf.Book().OpenPositions() {
		e.closePosition(ctx, p.Symbol, position.CloseBreaker)
	}
}

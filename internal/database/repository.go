package database

import (
	"context"
	"fmt"
	"time"

	"leverage-cycle-bot/internal/portfolio"
	"leverage-cycle-bot/internal/position"
	"leverage-cycle-bot/internal/scheduler"
)

// Repository writes cycle records, realized trades and position snapshots to
// PostgreSQL. All writes are appends; rows are never updated or deleted.
type Repository struct {
	db *DB
}

// NewRepository creates a repository over the given connection.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// RecordCycle appends one cycle audit record.
func (r *Repository) RecordCycle(ctx context.Context, rec scheduler.CycleRecord) error {
	query := `
		INSERT INTO trading_cycles (sequence, scheduled_at, started_at, ended_at, outcome, error)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))`

	_, err := r.db.Pool.Exec(ctx, query,
		rec.Sequence, rec.ScheduledAt, nullableTime(rec.StartedAt), nullableTime(rec.EndedAt),
		string(rec.Outcome), rec.Error)
	if err != nil {
		return fmt.Errorf("failed to record cycle %d: %w", rec.Sequence, err)
	}
	return nil
}

// RecordTrade appends one realized trade.
func (r *Repository) RecordTrade(ctx context.Context, trade portfolio.RealizedTrade) error {
	query := `
		INSERT INTO trades (symbol, side, quantity, entry_price, exit_price, pnl, fees, close_reason, opened_at, closed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := r.db.Pool.Exec(ctx, query,
		trade.Symbol, string(trade.Side), trade.Quantity, trade.EntryPrice, trade.ExitPrice,
		trade.PnL, trade.Fees, string(trade.Reason), trade.OpenedAt, trade.ClosedAt)
	if err != nil {
		return fmt.Errorf("failed to record trade for %s: %w", trade.Symbol, err)
	}
	return nil
}

// SavePositionSnapshot appends the current open positions as one snapshot
// batch sharing a taken_at timestamp.
func (r *Repository) SavePositionSnapshot(ctx context.Context, positions []*position.Position) error {
	if len(positions) == 0 {
		return nil
	}

	takenAt := time.Now()
	query := `
		INSERT INTO position_snapshots (symbol, side, quantity, entry_price, leverage, stop_loss, take_profit, opened_at, taken_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	for _, p := range positions {
		_, err := r.db.Pool.Exec(ctx, query,
			p.Symbol, string(p.Side), p.Quantity, p.EntryPrice, p.Leverage,
			p.StopLoss, p.TakeProfit, p.OpenedAt, takenAt)
		if err != nil {
			return fmt.Errorf("failed to snapshot position %s: %w", p.Symbol, err)
		}
	}
	return nil
}

// RecentTrades returns the most recent realized trades, newest first.
func (r *Repository) RecentTrades(ctx context.Context, limit int) ([]portfolio.RealizedTrade, error) {
	query := `
		SELECT symbol, side, quantity, entry_price, exit_price, pnl, fees, close_reason, opened_at, closed_at
		FROM trades ORDER BY closed_at DESC LIMIT $1`

	rows, err := r.db.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var trades []portfolio.RealizedTrade
	for rows.Next() {
		var t portfolio.RealizedTrade
		var side, reason string
		if err := rows.Scan(&t.Symbol, &side, &t.Quantity, &t.EntryPrice, &t.ExitPrice,
			&t.PnL, &t.Fees, &reason, &t.OpenedAt, &t.ClosedAt); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		t.Side = position.Side(side)
		t.Reason = position.CloseReason(reason)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

// The repository satisfies both persistence contracts of the trading loop.
var (
	_ scheduler.Store      = (*Repository)(nil)
	_ scheduler.TradeStore = (*Repository)(nil)
)

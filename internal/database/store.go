package database

import (
	"context"

	"leverage-cycle-bot/internal/portfolio"
	"leverage-cycle-bot/internal/position"
	"leverage-cycle-bot/internal/scheduler"
)

// CompositeStore routes trades and cycle records to PostgreSQL and mirrors
// the open-position snapshot into Redis. Either backend may be nil.
type CompositeStore struct {
	repo  *Repository
	redis *RedisSnapshotStore
}

// NewCompositeStore creates the combined persistence collaborator.
func NewCompositeStore(repo *Repository, redis *RedisSnapshotStore) *CompositeStore {
	return &CompositeStore{repo: repo, redis: redis}
}

// RecordCycle appends a cycle audit record.
func (s *CompositeStore) RecordCycle(ctx context.Context, rec scheduler.CycleRecord) error {
	if s.repo == nil {
		return nil
	}
	return s.repo.RecordCycle(ctx, rec)
}

// RecordTrade appends a realized trade.
func (s *CompositeStore) RecordTrade(ctx context.Context, trade portfolio.RealizedTrade) error {
	if s.repo == nil {
		return nil
	}
	return s.repo.RecordTrade(ctx, trade)
}

// SavePositionSnapshot writes the snapshot to both backends.
func (s *CompositeStore) SavePositionSnapshot(ctx context.Context, positions []*position.Position) error {
	if s.redis != nil {
		if err := s.redis.SaveOpenPositions(ctx, positions); err != nil {
			return err
		}
	}
	if s.repo == nil {
		return nil
	}
	return s.repo.SavePositionSnapshot(ctx, positions)
}

var (
	_ scheduler.Store      = (*CompositeStore)(nil)
	_ scheduler.TradeStore = (*CompositeStore)(nil)
)

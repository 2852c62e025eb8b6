package database

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"leverage-cycle-bot/internal/position"
)

const (
	// openPositionsKey holds the latest open-position snapshot as one JSON
	// document, overwritten each cycle.
	openPositionsKey = "cyclebot:positions:open"

	// snapshotTTL keeps a stale snapshot from surviving a long outage.
	snapshotTTL = 7 * 24 * time.Hour
)

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// RedisSnapshotStore keeps the latest open-position snapshot in Redis so a
// restarted process can see what was open. When Redis is unavailable it falls
// back to an in-memory copy; the trading loop never blocks on it.
type RedisSnapshotStore struct {
	client    *redis.Client
	logger    zerolog.Logger
	available atomic.Bool

	mu       sync.RWMutex
	fallback []*position.Position
}

// NewRedisSnapshotStore creates the store. A nil client means memory-only
// operation.
func NewRedisSnapshotStore(client *redis.Client, logger zerolog.Logger) *RedisSnapshotStore {
	store := &RedisSnapshotStore{
		client: client,
		logger: logger,
	}

	if client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn().Err(err).Msg("redis unavailable at startup, using in-memory snapshot only")
		} else {
			logger.Info().Msg("redis snapshot store connected")
			store.available.Store(true)
		}
	}

	return store
}

// SaveOpenPositions overwrites the open-position snapshot.
func (s *RedisSnapshotStore) SaveOpenPositions(ctx context.Context, positions []*position.Position) error {
	s.mu.Lock()
	s.fallback = positions
	s.mu.Unlock()

	if s.client == nil {
		return nil
	}

	payload, err := json.Marshal(positions)
	if err != nil {
		return fmt.Errorf("failed to marshal position snapshot: %w", err)
	}

	if err := s.client.Set(ctx, openPositionsKey, payload, snapshotTTL).Err(); err != nil {
		if s.available.Swap(false) {
			s.logger.Warn().Err(err).Msg("redis write failed, falling back to in-memory snapshot")
		}
		return nil
	}

	if !s.available.Swap(true) {
		s.logger.Info().Msg("redis snapshot store recovered")
	}
	return nil
}

// LoadOpenPositions returns the last saved snapshot, preferring Redis.
func (s *RedisSnapshotStore) LoadOpenPositions(ctx context.Context) ([]*position.Position, error) {
	if s.client != nil {
		payload, err := s.client.Get(ctx, openPositionsKey).Bytes()
		switch {
		case err == redis.Nil:
			return nil, nil
		case err == nil:
			var positions []*position.Position
			if err := json.Unmarshal(payload, &positions); err != nil {
				return nil, fmt.Errorf("failed to decode position snapshot: %w", err)
			}
			return positions, nil
		default:
			s.logger.Warn().Err(err).Msg("redis read failed, using in-memory snapshot")
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fallback, nil
}

// Available reports whether Redis handled the most recent operation.
func (s *RedisSnapshotStore) Available() bool {
	return s.available.Load()
}

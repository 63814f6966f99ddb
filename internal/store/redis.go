package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/godcandle/round-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the two hot read paths: the active round snapshot (hit on
// every tick and every GET /api/game/round) and the leaderboard. Writes go
// to the primary store and invalidate the cache.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

const (
	activeRoundKey = "round:active"
	leaderboardKey = "leaderboard:top"
)

// --- Write paths (write to primary, invalidate cache) ---

func (s *CachedStore) CreateRound(ctx context.Context, r *model.Round) error {
	if err := s.primary.CreateRound(ctx, r); err != nil {
		return err
	}
	s.cacheRound(ctx, r)
	return nil
}

func (s *CachedStore) CompleteRound(ctx context.Context, id string, endedAt time.Time, finalMultiplier decimal.Decimal) (bool, error) {
	settled, err := s.primary.CompleteRound(ctx, id, endedAt, finalMultiplier)
	if err != nil {
		return false, err
	}
	s.rdb.Del(ctx, activeRoundKey)
	return settled, nil
}

func (s *CachedStore) ApplyTrade(ctx context.Context, m *TradeMutation) error {
	if err := s.primary.ApplyTrade(ctx, m); err != nil {
		return err
	}
	// Pool state changed; next round read re-populates. Leaderboard
	// staleness is bounded by the cache TTL.
	s.rdb.Del(ctx, activeRoundKey)
	return nil
}

// --- Read-through paths ---

func (s *CachedStore) GetActiveRound(ctx context.Context) (*model.Round, error) {
	data, err := s.rdb.Get(ctx, activeRoundKey).Bytes()
	if err == nil {
		var r model.Round
		if json.Unmarshal(data, &r) == nil {
			return &r, nil
		}
	}

	r, err := s.primary.GetActiveRound(ctx)
	if err != nil {
		return nil, err
	}
	s.cacheRound(ctx, r)
	return r, nil
}

func (s *CachedStore) Leaderboard(ctx context.Context, limit int) ([]model.LeaderboardEntry, error) {
	data, err := s.rdb.Get(ctx, leaderboardCacheKey(limit)).Bytes()
	if err == nil {
		var entries []model.LeaderboardEntry
		if json.Unmarshal(data, &entries) == nil {
			return entries, nil
		}
	}

	entries, err := s.primary.Leaderboard(ctx, limit)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(entries); err == nil {
		s.rdb.Set(ctx, leaderboardCacheKey(limit), data, s.ttl)
	}
	return entries, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetRound(ctx context.Context, id string) (*model.Round, error) {
	return s.primary.GetRound(ctx, id)
}

func (s *CachedStore) ListTradesByRound(ctx context.Context, roundID string) ([]model.Trade, error) {
	return s.primary.ListTradesByRound(ctx, roundID)
}

func (s *CachedStore) GetPosition(ctx context.Context, roundID, wallet string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, roundID, wallet)
}

func (s *CachedStore) ListOpenPositions(ctx context.Context, roundID string) ([]model.Position, error) {
	return s.primary.ListOpenPositions(ctx, roundID)
}

func (s *CachedStore) GetBalance(ctx context.Context, wallet string) (*model.LedgerBalance, error) {
	return s.primary.GetBalance(ctx, wallet)
}

func (s *CachedStore) GetTransferBySignature(ctx context.Context, signature string) (*model.TransferRecord, error) {
	return s.primary.GetTransferBySignature(ctx, signature)
}

func (s *CachedStore) ConfirmDeposit(ctx context.Context, wallet string, amount decimal.Decimal, signature string) (*model.LedgerBalance, error) {
	return s.primary.ConfirmDeposit(ctx, wallet, amount, signature)
}

func (s *CachedStore) RecordPendingDeposit(ctx context.Context, wallet string, amount decimal.Decimal, signature string) (*model.TransferRecord, error) {
	return s.primary.RecordPendingDeposit(ctx, wallet, amount, signature)
}

func (s *CachedStore) RecordFailedDeposit(ctx context.Context, wallet string, amount decimal.Decimal, signature string) error {
	return s.primary.RecordFailedDeposit(ctx, wallet, amount, signature)
}

func (s *CachedStore) BeginWithdrawal(ctx context.Context, wallet string, amount decimal.Decimal) (*model.TransferRecord, error) {
	return s.primary.BeginWithdrawal(ctx, wallet, amount)
}

func (s *CachedStore) ConfirmWithdrawal(ctx context.Context, transferID, signature string) error {
	return s.primary.ConfirmWithdrawal(ctx, transferID, signature)
}

func (s *CachedStore) CompensateWithdrawal(ctx context.Context, transferID string) error {
	return s.primary.CompensateWithdrawal(ctx, transferID)
}

// --- Cache helpers ---

func (s *CachedStore) cacheRound(ctx context.Context, r *model.Round) {
	if data, err := json.Marshal(r); err == nil {
		s.rdb.Set(ctx, activeRoundKey, data, s.ttl)
	}
}

func leaderboardCacheKey(limit int) string {
	return fmt.Sprintf("%s:%d", leaderboardKey, limit)
}

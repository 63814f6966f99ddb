package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/godcandle/round-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence). A single
// mutex stands in for the row-level locks of the Postgres implementation.
type MemoryStore struct {
	mu        sync.RWMutex
	rounds    map[string]*model.Round
	positions map[string]*model.Position // key: roundID|wallet
	balances  map[string]*model.LedgerBalance
	trades    []model.Trade
	transfers map[string]*model.TransferRecord // key: transfer ID
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rounds:    make(map[string]*model.Round),
		positions: make(map[string]*model.Position),
		balances:  make(map[string]*model.LedgerBalance),
		transfers: make(map[string]*model.TransferRecord),
	}
}

func positionKey(roundID, wallet string) string {
	return roundID + "|" + wallet
}

// --- Rounds ---

func (s *MemoryStore) CreateRound(_ context.Context, r *model.Round) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.rounds {
		if existing.Status == model.RoundActive && r.Status == model.RoundActive {
			return fmt.Errorf("round %s is still active", existing.ID)
		}
	}

	cp := *r
	s.rounds[r.ID] = &cp
	return nil
}

func (s *MemoryStore) GetRound(_ context.Context, id string) (*model.Round, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rounds[id]
	if !ok {
		return nil, fmt.Errorf("round %s: %w", id, ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) GetActiveRound(_ context.Context) (*model.Round, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.rounds {
		if r.Status == model.RoundActive {
			cp := *r
			return &cp, nil
		}
	}
	return nil, ErrNoActiveRound
}

func (s *MemoryStore) CompleteRound(_ context.Context, id string, endedAt time.Time, finalMultiplier decimal.Decimal) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rounds[id]
	if !ok {
		return false, fmt.Errorf("round %s: %w", id, ErrNotFound)
	}
	if r.Status != model.RoundActive {
		return false, nil
	}
	r.Status = model.RoundCompleted
	r.EndedAt = &endedAt
	r.CurrentMultiplier = finalMultiplier
	return true, nil
}

// --- Trades ---

func (s *MemoryStore) ApplyTrade(_ context.Context, m *TradeMutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rounds[m.Trade.RoundID]
	if !ok {
		return fmt.Errorf("round %s: %w", m.Trade.RoundID, ErrNotFound)
	}

	b := s.ensureBalanceLocked(m.Trade.WalletAddress)
	if b.DepositedBalance.Add(m.BalanceChange).IsNegative() {
		return ErrInsufficientBalance
	}

	r.Pool.SolBalance = m.NewPoolBalance
	r.CurrentMultiplier = m.NewMultiplier

	pos := m.Position
	s.positions[positionKey(pos.RoundID, pos.WalletAddress)] = &pos

	b.DepositedBalance = b.DepositedBalance.Add(m.BalanceChange)
	b.TotalWagered = b.TotalWagered.Add(m.WageredDelta)
	b.TotalWon = b.TotalWon.Add(m.WonDelta)

	s.trades = append(s.trades, m.Trade)
	return nil
}

func (s *MemoryStore) ListTradesByRound(_ context.Context, roundID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for _, t := range s.trades {
		if t.RoundID == roundID {
			result = append(result, t)
		}
	}
	return result, nil
}

// --- Positions ---

func (s *MemoryStore) GetPosition(_ context.Context, roundID, wallet string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[positionKey(roundID, wallet)]
	if !ok {
		return nil, fmt.Errorf("position %s/%s: %w", roundID, wallet, ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListOpenPositions(_ context.Context, roundID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var positions []model.Position
	for _, p := range s.positions {
		if p.RoundID == roundID && p.TokenBalance.IsPositive() {
			positions = append(positions, *p)
		}
	}
	return positions, nil
}

// --- Ledger balances ---

func (s *MemoryStore) GetBalance(_ context.Context, wallet string) (*model.LedgerBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *s.ensureBalanceLocked(wallet)
	return &cp, nil
}

func (s *MemoryStore) Leaderboard(_ context.Context, limit int) ([]model.LeaderboardEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var entries []model.LeaderboardEntry
	for _, b := range s.balances {
		if !b.TotalWagered.IsPositive() {
			continue
		}
		entries = append(entries, model.LeaderboardEntry{
			WalletAddress: b.WalletAddress,
			TotalWagered:  b.TotalWagered,
			TotalWon:      b.TotalWon,
			NetProfit:     b.TotalWon.Sub(b.TotalWagered),
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].NetProfit.GreaterThan(entries[j].NetProfit)
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// --- Transfers ---

func (s *MemoryStore) GetTransferBySignature(_ context.Context, signature string) (*model.TransferRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t := s.findBySignatureLocked(signature)
	if t == nil {
		return nil, fmt.Errorf("transfer %s: %w", signature, ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) ConfirmDeposit(_ context.Context, wallet string, amount decimal.Decimal, signature string) (*model.LedgerBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// The credit happens exactly once per signature: on first sight, or on
	// the pending to confirmed transition of a previously parked deposit.
	switch existing := s.findBySignatureLocked(signature); {
	case existing == nil:
		now := time.Now().UTC()
		record := &model.TransferRecord{
			ID:            newID(),
			WalletAddress: wallet,
			Direction:     model.TransferDeposit,
			TxSignature:   signature,
			Status:        model.TransferConfirmed,
			Amount:        amount,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		s.transfers[record.ID] = record

		b := s.ensureBalanceLocked(wallet)
		b.DepositedBalance = b.DepositedBalance.Add(amount)
	case existing.Status == model.TransferPending:
		existing.Status = model.TransferConfirmed
		existing.Amount = amount
		existing.UpdatedAt = time.Now().UTC()

		b := s.ensureBalanceLocked(wallet)
		b.DepositedBalance = b.DepositedBalance.Add(amount)
	}

	cp := *s.ensureBalanceLocked(wallet)
	return &cp, nil
}

func (s *MemoryStore) RecordPendingDeposit(_ context.Context, wallet string, amount decimal.Decimal, signature string) (*model.TransferRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing := s.findBySignatureLocked(signature); existing != nil {
		cp := *existing
		return &cp, nil
	}

	now := time.Now().UTC()
	record := &model.TransferRecord{
		ID:            newID(),
		WalletAddress: wallet,
		Direction:     model.TransferDeposit,
		TxSignature:   signature,
		Status:        model.TransferPending,
		Amount:        amount,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.transfers[record.ID] = record
	cp := *record
	return &cp, nil
}

func (s *MemoryStore) RecordFailedDeposit(_ context.Context, wallet string, amount decimal.Decimal, signature string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing := s.findBySignatureLocked(signature); existing != nil {
		if existing.Status == model.TransferPending {
			existing.Status = model.TransferFailed
			existing.UpdatedAt = time.Now().UTC()
		}
		return nil
	}

	now := time.Now().UTC()
	record := &model.TransferRecord{
		ID:            newID(),
		WalletAddress: wallet,
		Direction:     model.TransferDeposit,
		TxSignature:   signature,
		Status:        model.TransferFailed,
		Amount:        amount,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.transfers[record.ID] = record
	return nil
}

func (s *MemoryStore) BeginWithdrawal(_ context.Context, wallet string, amount decimal.Decimal) (*model.TransferRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.ensureBalanceLocked(wallet)
	if b.DepositedBalance.LessThan(amount) {
		return nil, ErrInsufficientBalance
	}
	b.DepositedBalance = b.DepositedBalance.Sub(amount)

	now := time.Now().UTC()
	record := &model.TransferRecord{
		ID:            newID(),
		WalletAddress: wallet,
		Direction:     model.TransferWithdrawal,
		TxSignature:   model.PendingSignature,
		Status:        model.TransferPending,
		Amount:        amount,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.transfers[record.ID] = record
	cp := *record
	return &cp, nil
}

func (s *MemoryStore) ConfirmWithdrawal(_ context.Context, transferID, signature string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.transfers[transferID]
	if !ok || t.Status != model.TransferPending {
		return fmt.Errorf("transfer %s: %w", transferID, ErrNotFound)
	}
	t.Status = model.TransferConfirmed
	t.TxSignature = signature
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) CompensateWithdrawal(_ context.Context, transferID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.transfers[transferID]
	if !ok {
		return fmt.Errorf("transfer %s: %w", transferID, ErrNotFound)
	}
	if t.Status != model.TransferPending {
		return nil
	}
	b := s.ensureBalanceLocked(t.WalletAddress)
	b.DepositedBalance = b.DepositedBalance.Add(t.Amount)
	t.Status = model.TransferFailed
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// --- Helpers (callers hold the lock) ---

func (s *MemoryStore) ensureBalanceLocked(wallet string) *model.LedgerBalance {
	b, ok := s.balances[wallet]
	if !ok {
		b = &model.LedgerBalance{
			WalletAddress:    wallet,
			DepositedBalance: decimal.Zero,
			TotalWagered:     decimal.Zero,
			TotalWon:         decimal.Zero,
		}
		s.balances[wallet] = b
	}
	return b
}

func (s *MemoryStore) findBySignatureLocked(signature string) *model.TransferRecord {
	if signature == model.PendingSignature {
		return nil
	}
	for _, t := range s.transfers {
		if t.TxSignature == signature {
			return t
		}
	}
	return nil
}

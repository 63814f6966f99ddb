// Package store defines the persistence interface for the round engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache for hot round/leaderboard reads), and in-memory (for testing).
//
// Multi-entity operations (ApplyTrade, BeginWithdrawal, ConfirmDeposit,
// CompensateWithdrawal) are atomic: they commit fully or leave no trace.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/godcandle/round-engine/internal/model"
)

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrNoActiveRound is returned when no round is currently active.
	ErrNoActiveRound = errors.New("store: no active round")

	// ErrInsufficientBalance is returned when a debit would take a
	// ledger balance below zero. No mutation occurs.
	ErrInsufficientBalance = errors.New("store: insufficient balance")
)

// TradeMutation carries the full effect of one executed trade. The service
// computes the post-trade state under its execution lock; the store applies
// it as one transaction, re-validating ledger sufficiency under a row lock.
type TradeMutation struct {
	Trade model.Trade

	// Post-trade round state.
	NewPoolBalance decimal.Decimal
	NewMultiplier  decimal.Decimal

	// Post-trade position snapshot, upserted by (round, wallet).
	Position model.Position

	// Signed delta applied to the wallet's deposited balance:
	// negative gross for buys, positive net payout for sells.
	BalanceChange decimal.Decimal

	// Lifetime counters.
	WageredDelta decimal.Decimal
	WonDelta     decimal.Decimal
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Rounds ---

	// CreateRound persists a new round.
	CreateRound(ctx context.Context, round *model.Round) error

	// GetRound retrieves a round by ID.
	GetRound(ctx context.Context, id string) (*model.Round, error)

	// GetActiveRound returns the single active round, or ErrNoActiveRound.
	GetActiveRound(ctx context.Context) (*model.Round, error)

	// CompleteRound marks a round completed with its end time and final
	// multiplier. Returns false with no state change if the round was
	// already completed, making settlement idempotent.
	CompleteRound(ctx context.Context, id string, endedAt time.Time, finalMultiplier decimal.Decimal) (bool, error)

	// --- Trades ---

	// ApplyTrade atomically applies a trade across the round pool, the
	// position, the ledger balance, and the append-only trade log.
	ApplyTrade(ctx context.Context, m *TradeMutation) error

	// ListTradesByRound returns the round's trades in execution order.
	ListTradesByRound(ctx context.Context, roundID string) ([]model.Trade, error)

	// --- Positions ---

	// GetPosition retrieves one wallet's position in a round.
	GetPosition(ctx context.Context, roundID, wallet string) (*model.Position, error)

	// ListOpenPositions returns all positions in a round with
	// TokenBalance > 0.
	ListOpenPositions(ctx context.Context, roundID string) ([]model.Position, error)

	// --- Ledger balances ---

	// GetBalance returns a wallet's ledger balance, creating a zero
	// balance on first sight.
	GetBalance(ctx context.Context, wallet string) (*model.LedgerBalance, error)

	// Leaderboard returns the top wallets by lifetime net profit.
	Leaderboard(ctx context.Context, limit int) ([]model.LeaderboardEntry, error)

	// --- Transfers ---

	// GetTransferBySignature looks up a transfer by external signature.
	GetTransferBySignature(ctx context.Context, signature string) (*model.TransferRecord, error)

	// ConfirmDeposit atomically credits a verified deposit and records it
	// as confirmed. A signature parked as pending upgrades to confirmed and
	// credits on that transition. Idempotent by signature: a repeated call
	// for a settled signature returns the current balance with no second
	// credit.
	ConfirmDeposit(ctx context.Context, wallet string, amount decimal.Decimal, signature string) (*model.LedgerBalance, error)

	// RecordPendingDeposit persists a deposit that could not yet be
	// observed on-chain, without crediting. Idempotent by signature.
	RecordPendingDeposit(ctx context.Context, wallet string, amount decimal.Decimal, signature string) (*model.TransferRecord, error)

	// RecordFailedDeposit persists a deposit that failed on-chain
	// verification, without crediting. Idempotent by signature.
	RecordFailedDeposit(ctx context.Context, wallet string, amount decimal.Decimal, signature string) error

	// BeginWithdrawal debits the wallet's balance and writes a pending
	// withdrawal record in one transaction, under a row-level lock on the
	// balance. Returns ErrInsufficientBalance with no mutation if the
	// balance cannot cover the amount.
	BeginWithdrawal(ctx context.Context, wallet string, amount decimal.Decimal) (*model.TransferRecord, error)

	// ConfirmWithdrawal marks a pending withdrawal confirmed with the
	// signature returned by the chain.
	ConfirmWithdrawal(ctx context.Context, transferID, signature string) error

	// CompensateWithdrawal re-credits the debited amount and marks the
	// withdrawal failed, atomically. Used when the external transfer
	// fails after the debit committed.
	CompensateWithdrawal(ctx context.Context, transferID string) error
}

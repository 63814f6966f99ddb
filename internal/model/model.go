// Package model defines the core domain types shared across the round engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Round statuses.
const (
	RoundActive    = "active"
	RoundCompleted = "completed"
)

// Trade types.
const (
	TradeBuy  = "buy"
	TradeSell = "sell"
)

// Transfer record statuses and directions.
const (
	TransferPending   = "pending"
	TransferConfirmed = "confirmed"
	TransferFailed    = "failed"

	TransferDeposit    = "deposit"
	TransferWithdrawal = "withdrawal"
)

// PendingSignature is the sentinel signature held by a withdrawal record
// until the on-chain transfer returns a real one.
const PendingSignature = "pending"

// Pool is the shared synthetic liquidity pool for one round.
// SolBalance is the cumulative net SOL held by the round and never goes
// negative; the constant virtual base lives in the pricing engine.
type Pool struct {
	SolBalance decimal.Decimal `json:"sol_balance" db:"sol_balance"`
}

// Round is one fixed-duration trading round. Exactly one round may be
// active at a time. Pool fields are mutated only by trade execution;
// status and end time only by the lifecycle scheduler.
type Round struct {
	ID                string          `json:"id" db:"id"`
	Status            string          `json:"status" db:"status"`
	Pool              Pool            `json:"pool"`
	CurrentMultiplier decimal.Decimal `json:"current_multiplier" db:"current_multiplier"`
	DurationSeconds   int             `json:"duration_seconds" db:"duration_seconds"`
	StartedAt         time.Time       `json:"started_at" db:"started_at"`
	EndedAt           *time.Time      `json:"ended_at,omitempty" db:"ended_at"`
}

// Expired reports whether the round's trading window has elapsed at now.
func (r *Round) Expired(now time.Time) bool {
	return now.Sub(r.StartedAt) >= time.Duration(r.DurationSeconds)*time.Second
}

// TimeRemaining returns the whole seconds left in the round, floored at zero.
func (r *Round) TimeRemaining(now time.Time) int {
	remaining := r.DurationSeconds - int(now.Sub(r.StartedAt).Seconds())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Position is one participant's stake in one round. Created on first buy,
// updated on every trade, never deleted. EntryMultiplier is set iff
// TokenBalance > 0; cleared when a sell empties the position.
type Position struct {
	RoundID         string           `json:"round_id" db:"round_id"`
	WalletAddress   string           `json:"wallet_address" db:"wallet_address"`
	TokenBalance    decimal.Decimal  `json:"token_balance" db:"token_balance"`
	TotalSolIn      decimal.Decimal  `json:"total_sol_in" db:"total_sol_in"`
	TotalSolOut     decimal.Decimal  `json:"total_sol_out" db:"total_sol_out"`
	EntryMultiplier *decimal.Decimal `json:"entry_multiplier,omitempty" db:"entry_multiplier"`
}

// LedgerBalance is a participant's long-lived internal balance, funded by
// deposits and drained by withdrawals. DepositedBalance never goes negative;
// it is mutated only inside atomic transactions that validate sufficiency.
type LedgerBalance struct {
	WalletAddress    string          `json:"wallet_address" db:"wallet_address"`
	DepositedBalance decimal.Decimal `json:"deposited_balance" db:"deposited_balance"`
	TotalWagered     decimal.Decimal `json:"total_wagered" db:"total_wagered"`
	TotalWon         decimal.Decimal `json:"total_won" db:"total_won"`
}

// Trade is an immutable record of one executed buy or sell.
// Once written these are never modified or deleted; they are the audit
// trail for settlement and fee accounting.
type Trade struct {
	ID            string          `json:"id" db:"id"`
	RoundID       string          `json:"round_id" db:"round_id"`
	WalletAddress string          `json:"wallet_address" db:"wallet_address"`
	Type          string          `json:"type" db:"type"`
	SolAmount     decimal.Decimal `json:"sol_amount" db:"sol_amount"`
	TokenAmount   decimal.Decimal `json:"token_amount" db:"token_amount"`
	PriceAtTrade  decimal.Decimal `json:"price_at_trade" db:"price_at_trade"`
	FeeAmount     decimal.Decimal `json:"fee_amount" db:"fee_amount"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// TransferRecord tracks one inbound deposit or outbound withdrawal against
// the external chain. A given external signature is processed at most once:
// a second confirmation for the same signature returns the settled outcome.
type TransferRecord struct {
	ID            string          `json:"id" db:"id"`
	WalletAddress string          `json:"wallet_address" db:"wallet_address"`
	Direction     string          `json:"direction" db:"direction"`
	TxSignature   string          `json:"tx_signature" db:"tx_signature"`
	Status        string          `json:"status" db:"status"`
	Amount        decimal.Decimal `json:"amount" db:"amount"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// LeaderboardEntry is one row of the lifetime profit leaderboard.
type LeaderboardEntry struct {
	WalletAddress string          `json:"wallet_address"`
	TotalWagered  decimal.Decimal `json:"total_wagered"`
	TotalWon      decimal.Decimal `json:"total_won"`
	NetProfit     decimal.Decimal `json:"net_profit"`
}

// Forfeiture is stake left unsold at round end, valued at the final
// multiplier and lost to the house.
type Forfeiture struct {
	WalletAddress   string          `json:"wallet_address"`
	TokensForfeited decimal.Decimal `json:"tokens_forfeited"`
	SolValueLost    decimal.Decimal `json:"sol_value_lost"`
}

// Package risk enforces per-trade and per-round exposure limits.
//
// A single wallet pushing outsized capital into the shared pool distorts
// the multiplier for everyone else in the round, so buys are bounded both
// per trade and by cumulative SOL committed to the active round.
package risk

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrTradeLimitExceeded is returned when a single buy exceeds the
	// per-trade maximum.
	ErrTradeLimitExceeded = errors.New("risk: trade size exceeds per-trade limit")

	// ErrExposureLimitExceeded is returned when a buy would push a
	// wallet's cumulative SOL committed to the round beyond the maximum.
	ErrExposureLimitExceeded = errors.New("risk: round exposure limit exceeded")
)

// ExposureLimiter enforces buy-side limits. A zero limit disables the
// corresponding check.
type ExposureLimiter struct {
	// MaxPerTrade is the maximum SOL a single buy may commit.
	MaxPerTrade decimal.Decimal

	// MaxPerRound is the maximum cumulative SOL a wallet may commit to
	// one round across all of its buys.
	MaxPerRound decimal.Decimal
}

// NewExposureLimiter creates a limiter with the given per-trade and
// per-round maximums.
func NewExposureLimiter(maxPerTrade, maxPerRound decimal.Decimal) *ExposureLimiter {
	return &ExposureLimiter{
		MaxPerTrade: maxPerTrade,
		MaxPerRound: maxPerRound,
	}
}

// CheckBuy validates a buy of solAmount for a wallet that has already
// committed committedSolIn to the round. Returns nil if within limits.
func (l *ExposureLimiter) CheckBuy(solAmount, committedSolIn decimal.Decimal) error {
	if l.MaxPerTrade.IsPositive() && solAmount.GreaterThan(l.MaxPerTrade) {
		return ErrTradeLimitExceeded
	}
	if l.MaxPerRound.IsPositive() && committedSolIn.Add(solAmount).GreaterThan(l.MaxPerRound) {
		return ErrExposureLimitExceeded
	}
	return nil
}

// Package pricing implements the virtual-base multiplier model for the
// round liquidity pool.
//
// The pool is priced as a ratio to the round's starting price:
//
//	multiplier = (virtualBase + solBalance) / virtualBase
//
// The virtual base is a constant liquidity floor: it prevents division by
// zero on an empty pool and bounds early price sensitivity. With the
// default base of 0.5 SOL, a single 0.5 SOL buy doubles the multiplier.
//
// Buy conversion is 1:1: staking s SOL (after fee) grants s stake units.
// No bonding-curve token-supply accounting is used.
//
// All monetary values use shopspring/decimal, never float64.
package pricing

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/godcandle/round-engine/internal/model"
)

// ErrInvalidVirtualBase is returned when the virtual base is not positive.
var ErrInvalidVirtualBase = errors.New("pricing: virtual base must be positive")

// PriceScale is the number of decimal places for multiplier rounding.
var PriceScale int32 = 8

// DefaultVirtualBase is the canonical liquidity floor: a 0.5 SOL buy into
// an empty pool yields a 2.00x move.
var DefaultVirtualBase = decimal.NewFromFloat(0.5)

// Engine computes pool multipliers. It is stateless; pool state is passed
// as arguments, not stored.
type Engine struct {
	virtualBase decimal.Decimal
}

// NewEngine creates a pricing engine with the given virtual base liquidity.
func NewEngine(virtualBase decimal.Decimal) (*Engine, error) {
	if virtualBase.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidVirtualBase
	}
	return &Engine{virtualBase: virtualBase}, nil
}

// VirtualBase returns the liquidity floor constant.
func (e *Engine) VirtualBase() decimal.Decimal {
	return e.virtualBase
}

// Multiplier returns the current price multiplier for a pool:
//
//	(virtualBase + solBalance) / virtualBase
//
// An empty pool prices at exactly 1.00x. Multiplier is monotonically
// increasing in solBalance and never drops below 1.
func (e *Engine) Multiplier(pool model.Pool) decimal.Decimal {
	return e.virtualBase.Add(pool.SolBalance).Div(e.virtualBase).Round(PriceScale)
}

// ApplyBuy returns a new pool with solIn added to the balance.
func (e *Engine) ApplyBuy(pool model.Pool, solIn decimal.Decimal) model.Pool {
	return model.Pool{SolBalance: pool.SolBalance.Add(solIn)}
}

// ApplySell returns a new pool with solOut removed, floored at zero.
// The floor is the solvency backstop: the pool never reports a negative
// balance regardless of the requested payout.
func (e *Engine) ApplySell(pool model.Pool, solOut decimal.Decimal) model.Pool {
	balance := pool.SolBalance.Sub(solOut)
	if balance.IsNegative() {
		balance = decimal.Zero
	}
	return model.Pool{SolBalance: balance}
}

// MultiplierAfterBuy returns the multiplier the pool would have after a
// buy of solIn (already net of fees).
func (e *Engine) MultiplierAfterBuy(pool model.Pool, solIn decimal.Decimal) decimal.Decimal {
	return e.Multiplier(e.ApplyBuy(pool, solIn))
}

// MultiplierAfterSell returns the multiplier the pool would have after a
// sell removing solOut from the balance.
func (e *Engine) MultiplierAfterSell(pool model.Pool, solOut decimal.Decimal) decimal.Decimal {
	return e.Multiplier(e.ApplySell(pool, solOut))
}

// BuyImpact returns the percentage change in multiplier a buy of solIn
// would cause. Purely derived; used for preview UIs.
func (e *Engine) BuyImpact(pool model.Pool, solIn decimal.Decimal) decimal.Decimal {
	return impact(e.Multiplier(pool), e.MultiplierAfterBuy(pool, solIn))
}

// SellImpact returns the percentage change in multiplier a sell removing
// solOut would cause. Negative for any sell that moves the pool.
func (e *Engine) SellImpact(pool model.Pool, solOut decimal.Decimal) decimal.Decimal {
	return impact(e.Multiplier(pool), e.MultiplierAfterSell(pool, solOut))
}

func impact(before, after decimal.Decimal) decimal.Decimal {
	hundred := decimal.NewFromInt(100)
	return after.Sub(before).Div(before).Mul(hundred).Round(PriceScale)
}

// Package position implements entry-multiplier accounting for round
// positions.
//
// A buyer's own trade must not be profitable purely because their own
// capital moved the price. The entry multiplier for a buy is therefore the
// midpoint of the pre- and post-trade multipliers, so the buyer profits only
// once later buyers push the price above that midpoint. Repeat buys blend
// entries by token-weighted average.
package position

import (
	"github.com/shopspring/decimal"
)

// EntryScale is the number of decimal places for entry multiplier rounding.
var EntryScale int32 = 8

// dustEpsilon bounds the residual token balance treated as numerically
// zero after a full sell.
var dustEpsilon = decimal.New(1, -9) // 1e-9

// TradeEntry returns the entry multiplier for a single buy: the midpoint
// of the multiplier before and after the buy's capital hit the pool.
func TradeEntry(multBefore, multAfter decimal.Decimal) decimal.Decimal {
	two := decimal.NewFromInt(2)
	return multBefore.Add(multAfter).Div(two).Round(EntryScale)
}

// BlendEntry folds a new buy into an existing position's entry by
// token-weighted average:
//
//	(oldTokens*oldEntry + newTokens*tradeEntry) / (oldTokens + newTokens)
//
// A first buy (oldTokens zero or no prior entry) takes tradeEntry directly.
func BlendEntry(oldTokens decimal.Decimal, oldEntry *decimal.Decimal, newTokens, tradeEntry decimal.Decimal) decimal.Decimal {
	if oldEntry == nil || oldTokens.LessThanOrEqual(decimal.Zero) {
		return tradeEntry
	}
	total := oldTokens.Add(newTokens)
	if total.LessThanOrEqual(decimal.Zero) {
		return tradeEntry
	}
	weighted := oldTokens.Mul(*oldEntry).Add(newTokens.Mul(tradeEntry))
	return weighted.Div(total).Round(EntryScale)
}

// IsDust reports whether a token balance is within epsilon of zero.
// A sell that leaves only dust empties the position and clears its entry.
func IsDust(tokens decimal.Decimal) bool {
	return tokens.Abs().LessThan(dustEpsilon)
}

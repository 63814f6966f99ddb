package pricing

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/godcandle/round-engine/internal/model"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func pool(sol float64) model.Pool {
	return model.Pool{SolBalance: d(sol)}
}

// --- Constructor tests ---

func TestNewEngine_Valid(t *testing.T) {
	e, err := NewEngine(d(0.5))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !e.VirtualBase().Equal(d(0.5)) {
		t.Errorf("expected virtual base 0.5, got %s", e.VirtualBase())
	}
}

func TestNewEngine_ZeroBase(t *testing.T) {
	if _, err := NewEngine(decimal.Zero); err != ErrInvalidVirtualBase {
		t.Errorf("expected ErrInvalidVirtualBase for base=0, got %v", err)
	}
}

func TestNewEngine_NegativeBase(t *testing.T) {
	if _, err := NewEngine(d(-1)); err != ErrInvalidVirtualBase {
		t.Errorf("expected ErrInvalidVirtualBase for base=-1, got %v", err)
	}
}

// --- Multiplier tests ---

func TestMultiplier_EmptyPoolIsOne(t *testing.T) {
	e, _ := NewEngine(DefaultVirtualBase)
	m := e.Multiplier(pool(0))
	if !m.Equal(d(1)) {
		t.Errorf("expected 1.00x on empty pool, got %s", m)
	}
}

func TestMultiplier_GodCandle(t *testing.T) {
	// With base 0.5, a 0.5 SOL pool doubles and a 1.0 SOL pool triples.
	e, _ := NewEngine(DefaultVirtualBase)

	cases := []struct {
		solBalance float64
		want       float64
	}{
		{0.5, 2.0},
		{1.0, 3.0},
		{0.25, 1.5},
		{2.0, 5.0},
	}
	for _, tc := range cases {
		got := e.Multiplier(pool(tc.solBalance))
		if !got.Equal(d(tc.want)) {
			t.Errorf("Multiplier(%v) = %s, want %v", tc.solBalance, got, tc.want)
		}
	}
}

func TestMultiplier_MonotonicInBalance(t *testing.T) {
	e, _ := NewEngine(DefaultVirtualBase)
	prev := e.Multiplier(pool(0))
	for _, sol := range []float64{0.01, 0.1, 0.5, 1, 3, 10, 100} {
		m := e.Multiplier(pool(sol))
		if m.LessThanOrEqual(prev) {
			t.Errorf("multiplier not increasing at balance %v: %s <= %s", sol, m, prev)
		}
		prev = m
	}
}

func TestMultiplier_NeverBelowOne(t *testing.T) {
	e, _ := NewEngine(DefaultVirtualBase)
	for _, sol := range []float64{0, 0.000001, 0.3, 7} {
		if e.Multiplier(pool(sol)).LessThan(d(1)) {
			t.Errorf("multiplier below 1.0 for balance %v", sol)
		}
	}
}

// --- Apply tests ---

func TestApplyBuy_AddsToBalance(t *testing.T) {
	e, _ := NewEngine(DefaultVirtualBase)
	p := e.ApplyBuy(pool(0.3), d(0.2))
	if !p.SolBalance.Equal(d(0.5)) {
		t.Errorf("expected balance 0.5, got %s", p.SolBalance)
	}
}

func TestApplySell_FloorsAtZero(t *testing.T) {
	e, _ := NewEngine(DefaultVirtualBase)
	p := e.ApplySell(pool(0.3), d(1))
	if !p.SolBalance.IsZero() {
		t.Errorf("expected balance floored at 0, got %s", p.SolBalance)
	}
}

func TestApplySell_DoesNotMutateInput(t *testing.T) {
	e, _ := NewEngine(DefaultVirtualBase)
	in := pool(1)
	_ = e.ApplySell(in, d(0.4))
	if !in.SolBalance.Equal(d(1)) {
		t.Errorf("input pool mutated: %s", in.SolBalance)
	}
}

func TestMultiplierAfterBuy(t *testing.T) {
	e, _ := NewEngine(DefaultVirtualBase)
	m := e.MultiplierAfterBuy(pool(0), d(0.98))
	// (0.5 + 0.98) / 0.5 = 2.96
	if !m.Equal(d(2.96)) {
		t.Errorf("expected 2.96, got %s", m)
	}
}

func TestMultiplierAfterSell(t *testing.T) {
	e, _ := NewEngine(DefaultVirtualBase)
	m := e.MultiplierAfterSell(pool(1), d(0.5))
	if !m.Equal(d(2)) {
		t.Errorf("expected 2, got %s", m)
	}
}

// --- Impact tests ---

func TestBuyImpact_Positive(t *testing.T) {
	e, _ := NewEngine(DefaultVirtualBase)
	// 1.00x → 2.00x is +100%.
	got := e.BuyImpact(pool(0), d(0.5))
	if !got.Equal(d(100)) {
		t.Errorf("expected +100%%, got %s", got)
	}
}

func TestSellImpact_Negative(t *testing.T) {
	e, _ := NewEngine(DefaultVirtualBase)
	// 2.00x → 1.00x is -50%.
	got := e.SellImpact(pool(0.5), d(0.5))
	if !got.Equal(d(-50)) {
		t.Errorf("expected -50%%, got %s", got)
	}
}

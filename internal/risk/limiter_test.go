package risk

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestCheckBuy_WithinLimits(t *testing.T) {
	l := NewExposureLimiter(d(10), d(50))
	if err := l.CheckBuy(d(5), d(20)); err != nil {
		t.Errorf("expected trade within limits, got %v", err)
	}
}

func TestCheckBuy_PerTradeExceeded(t *testing.T) {
	l := NewExposureLimiter(d(10), d(50))
	if err := l.CheckBuy(d(10.01), decimal.Zero); err != ErrTradeLimitExceeded {
		t.Errorf("expected ErrTradeLimitExceeded, got %v", err)
	}
}

func TestCheckBuy_ExposureExceeded(t *testing.T) {
	l := NewExposureLimiter(d(10), d(50))
	if err := l.CheckBuy(d(10), d(45)); err != ErrExposureLimitExceeded {
		t.Errorf("expected ErrExposureLimitExceeded, got %v", err)
	}
}

func TestCheckBuy_ExactlyAtLimits(t *testing.T) {
	l := NewExposureLimiter(d(10), d(50))
	if err := l.CheckBuy(d(10), d(40)); err != nil {
		t.Errorf("limits are inclusive, got %v", err)
	}
}

func TestCheckBuy_ZeroLimitsDisabled(t *testing.T) {
	l := NewExposureLimiter(decimal.Zero, decimal.Zero)
	if err := l.CheckBuy(d(1e6), d(1e9)); err != nil {
		t.Errorf("zero limits should disable checks, got %v", err)
	}
}

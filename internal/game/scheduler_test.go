package game

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/godcandle/round-engine/internal/model"
	"github.com/godcandle/round-engine/internal/pricing"
	"github.com/godcandle/round-engine/internal/store"
)

func newTestScheduler(t *testing.T, st store.Store) *Scheduler {
	t.Helper()
	engine, err := pricing.NewEngine(pricing.DefaultVirtualBase)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	sched := NewScheduler(st, nil, engine, SchedulerConfig{
		RoundDuration:    30 * time.Second,
		CountdownSeconds: 20,
	})
	sched.now = func() time.Time { return testNow }
	return sched
}

func TestCountdownStartsRound(t *testing.T) {
	st := store.NewMemoryStore()
	sched := newTestScheduler(t, st)
	ctx := context.Background()

	sched.setCountdown(2)

	sched.tickOnce(ctx)
	if _, err := st.GetActiveRound(ctx); err == nil {
		t.Fatal("round started while countdown still running")
	}
	if got := sched.CountdownRemaining(); got != 1 {
		t.Fatalf("countdown = %d, want 1", got)
	}

	sched.tickOnce(ctx)
	round, err := st.GetActiveRound(ctx)
	if err != nil {
		t.Fatalf("expected active round after countdown: %v", err)
	}
	if round.DurationSeconds != 30 {
		t.Errorf("duration = %d, want 30", round.DurationSeconds)
	}
	if !round.CurrentMultiplier.Equal(decimal.NewFromInt(1)) {
		t.Errorf("multiplier = %s, want 1", round.CurrentMultiplier)
	}
	if !round.Pool.SolBalance.IsZero() {
		t.Errorf("pool = %s, want 0", round.Pool.SolBalance)
	}
}

func TestActiveRoundTickLeavesRoundAlone(t *testing.T) {
	st := store.NewMemoryStore()
	sched := newTestScheduler(t, st)
	ctx := context.Background()

	seedRound(t, st, testNow.Add(-10*time.Second))
	sched.tickOnce(ctx)

	round, err := st.GetActiveRound(ctx)
	if err != nil {
		t.Fatalf("GetActiveRound: %v", err)
	}
	if round.Status != model.RoundActive {
		t.Errorf("status = %q, want active", round.Status)
	}
}

func TestSettleExpiredRound(t *testing.T) {
	st := store.NewMemoryStore()
	sched := newTestScheduler(t, st)
	ctx := context.Background()

	round := seedRound(t, st, testNow.Add(-60*time.Second))
	seedBalance(t, st, testWallet, "10", "sig-sched-1")

	// One open position left unsold at round end.
	entry := d("1.98")
	if err := st.ApplyTrade(ctx, &store.TradeMutation{
		Trade: model.Trade{
			ID:            "trade-1",
			RoundID:       round.ID,
			WalletAddress: testWallet,
			Type:          model.TradeBuy,
			SolAmount:     d("1"),
			TokenAmount:   d("1"),
			PriceAtTrade:  d("2.96"),
			FeeAmount:     d("0.02"),
			CreatedAt:     testNow.Add(-50 * time.Second),
		},
		NewPoolBalance: d("0.98"),
		NewMultiplier:  d("2.96"),
		Position: model.Position{
			RoundID:         round.ID,
			WalletAddress:   testWallet,
			TokenBalance:    d("1"),
			TotalSolIn:      d("1"),
			TotalSolOut:     decimal.Zero,
			EntryMultiplier: &entry,
		},
		BalanceChange: d("-1"),
		WageredDelta:  d("1"),
	}); err != nil {
		t.Fatalf("ApplyTrade: %v", err)
	}

	sched.tickOnce(ctx)

	got, err := st.GetRound(ctx, round.ID)
	if err != nil {
		t.Fatalf("GetRound: %v", err)
	}
	if got.Status != model.RoundCompleted {
		t.Fatalf("status = %q, want completed", got.Status)
	}
	if got.EndedAt == nil {
		t.Fatal("EndedAt not set")
	}
	if !got.CurrentMultiplier.Equal(d("2.96")) {
		t.Errorf("final multiplier = %s, want 2.96", got.CurrentMultiplier)
	}
	if _, err := st.GetActiveRound(ctx); err == nil {
		t.Error("round still active after settlement")
	}
	if sched.CountdownRemaining() != 20 {
		t.Errorf("countdown = %d, want 20 after settlement", sched.CountdownRemaining())
	}

	// The unsold stake stays forfeited; the ledger is not re-credited.
	balance, err := st.GetBalance(ctx, testWallet)
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if !balance.DepositedBalance.Equal(d("9")) {
		t.Errorf("balance = %s, want 9", balance.DepositedBalance)
	}
}

func TestForfeitureValuedAtFinalMultiplier(t *testing.T) {
	entry := d("1.98")
	positions := []model.Position{
		{WalletAddress: testWallet, TokenBalance: d("1"), EntryMultiplier: &entry},
		{WalletAddress: testWallet2, TokenBalance: d("0.5")},
	}

	got := forfeituresFor(positions, d("2.96"))
	if len(got) != 2 {
		t.Fatalf("forfeitures = %d, want 2", len(got))
	}
	if !got[0].SolValueLost.Equal(d("2.96")) {
		t.Errorf("lost = %s, want 2.96", got[0].SolValueLost)
	}
	if !got[0].TokensForfeited.Equal(d("1")) {
		t.Errorf("tokens = %s, want 1", got[0].TokensForfeited)
	}
	if !got[1].SolValueLost.Equal(d("1.48")) {
		t.Errorf("lost = %s, want 1.48", got[1].SolValueLost)
	}
}

func TestSettleIdempotent(t *testing.T) {
	st := store.NewMemoryStore()
	sched := newTestScheduler(t, st)
	ctx := context.Background()

	round := seedRound(t, st, testNow.Add(-60*time.Second))

	sched.settle(ctx, round)
	first, err := st.GetRound(ctx, round.ID)
	if err != nil {
		t.Fatalf("GetRound: %v", err)
	}
	endedAt := *first.EndedAt

	// A second settle of the same round is a no-op.
	sched.settle(ctx, round)
	second, err := st.GetRound(ctx, round.ID)
	if err != nil {
		t.Fatalf("GetRound: %v", err)
	}
	if !second.EndedAt.Equal(endedAt) {
		t.Errorf("EndedAt changed on repeat settle: %v != %v", second.EndedAt, endedAt)
	}
}

func TestSchedulerStartStop(t *testing.T) {
	st := store.NewMemoryStore()
	sched := newTestScheduler(t, st)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched.Start(ctx)
	round, err := st.GetActiveRound(ctx)
	if err != nil {
		t.Fatalf("expected a round at cold start: %v", err)
	}
	if round.Status != model.RoundActive {
		t.Errorf("status = %q, want active", round.Status)
	}
	if sched.CountdownRemaining() != 0 {
		t.Errorf("countdown = %d, want 0 while a round runs", sched.CountdownRemaining())
	}
	sched.Stop()
}

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/godcandle/round-engine/internal/model"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func activeRound(id string) *model.Round {
	return &model.Round{
		ID:                id,
		Status:            model.RoundActive,
		Pool:              model.Pool{SolBalance: decimal.Zero},
		CurrentMultiplier: decimal.NewFromInt(1),
		DurationSeconds:   30,
		StartedAt:         baseTime,
	}
}

func TestCreateRoundRejectsSecondActive(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	if err := st.CreateRound(ctx, activeRound("r1")); err != nil {
		t.Fatalf("first CreateRound: %v", err)
	}
	if err := st.CreateRound(ctx, activeRound("r2")); err == nil {
		t.Fatal("second active round accepted")
	}
}

func TestCompleteRoundIdempotent(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	if err := st.CreateRound(ctx, activeRound("r1")); err != nil {
		t.Fatalf("CreateRound: %v", err)
	}

	settled, err := st.CompleteRound(ctx, "r1", baseTime.Add(30*time.Second), d("2.96"))
	if err != nil {
		t.Fatalf("CompleteRound: %v", err)
	}
	if !settled {
		t.Fatal("first CompleteRound reported already settled")
	}

	settled, err = st.CompleteRound(ctx, "r1", baseTime.Add(31*time.Second), d("9.99"))
	if err != nil {
		t.Fatalf("repeat CompleteRound: %v", err)
	}
	if settled {
		t.Fatal("repeat CompleteRound reported a fresh settlement")
	}

	round, err := st.GetRound(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRound: %v", err)
	}
	if !round.CurrentMultiplier.Equal(d("2.96")) {
		t.Errorf("final multiplier = %s, repeat settle overwrote it", round.CurrentMultiplier)
	}
}

func TestApplyTradeRejectsOverdraft(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	if err := st.CreateRound(ctx, activeRound("r1")); err != nil {
		t.Fatalf("CreateRound: %v", err)
	}

	err := st.ApplyTrade(ctx, &TradeMutation{
		Trade: model.Trade{
			ID:            "t1",
			RoundID:       "r1",
			WalletAddress: "wallet-a",
			Type:          model.TradeBuy,
			SolAmount:     d("1"),
			TokenAmount:   d("1"),
			CreatedAt:     baseTime,
		},
		NewPoolBalance: d("0.98"),
		NewMultiplier:  d("2.96"),
		Position: model.Position{
			RoundID:       "r1",
			WalletAddress: "wallet-a",
			TokenBalance:  d("1"),
			TotalSolIn:    d("1"),
		},
		BalanceChange: d("-1"),
		WageredDelta:  d("1"),
	})
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}

	// Nothing committed: pool and position untouched.
	round, _ := st.GetRound(ctx, "r1")
	if !round.Pool.SolBalance.IsZero() {
		t.Errorf("pool = %s, want 0 after rejected trade", round.Pool.SolBalance)
	}
	if _, err := st.GetPosition(ctx, "r1", "wallet-a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("position written despite rejected trade")
	}
}

func TestConfirmDepositIdempotentBySignature(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := st.ConfirmDeposit(ctx, "wallet-a", d("2"), "sig-1"); err != nil {
			t.Fatalf("ConfirmDeposit %d: %v", i, err)
		}
	}

	balance, err := st.GetBalance(ctx, "wallet-a")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if !balance.DepositedBalance.Equal(d("2")) {
		t.Errorf("balance = %s, want 2 after repeated confirms", balance.DepositedBalance)
	}
}

func TestConfirmDepositUpgradesPendingRecord(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	if _, err := st.RecordPendingDeposit(ctx, "wallet-a", d("1"), "sig-1"); err != nil {
		t.Fatalf("RecordPendingDeposit: %v", err)
	}

	balance, err := st.ConfirmDeposit(ctx, "wallet-a", d("1"), "sig-1")
	if err != nil {
		t.Fatalf("ConfirmDeposit: %v", err)
	}
	if !balance.DepositedBalance.Equal(d("1")) {
		t.Errorf("balance = %s, want 1 after pending deposit confirmed", balance.DepositedBalance)
	}

	record, err := st.GetTransferBySignature(ctx, "sig-1")
	if err != nil {
		t.Fatalf("GetTransferBySignature: %v", err)
	}
	if record.Status != model.TransferConfirmed {
		t.Errorf("status = %s, want %s", record.Status, model.TransferConfirmed)
	}

	// A repeat confirmation of the now settled signature credits nothing.
	balance, err = st.ConfirmDeposit(ctx, "wallet-a", d("1"), "sig-1")
	if err != nil {
		t.Fatalf("repeat ConfirmDeposit: %v", err)
	}
	if !balance.DepositedBalance.Equal(d("1")) {
		t.Errorf("balance = %s, want 1 after repeat confirm", balance.DepositedBalance)
	}
}

func TestConfirmDepositLeavesFailedRecordAlone(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	if _, err := st.RecordPendingDeposit(ctx, "wallet-a", d("1"), "sig-1"); err != nil {
		t.Fatalf("RecordPendingDeposit: %v", err)
	}
	if err := st.RecordFailedDeposit(ctx, "wallet-a", d("1"), "sig-1"); err != nil {
		t.Fatalf("RecordFailedDeposit: %v", err)
	}

	balance, err := st.ConfirmDeposit(ctx, "wallet-a", d("1"), "sig-1")
	if err != nil {
		t.Fatalf("ConfirmDeposit: %v", err)
	}
	if !balance.DepositedBalance.IsZero() {
		t.Errorf("balance = %s, want 0 for a failed signature", balance.DepositedBalance)
	}

	record, err := st.GetTransferBySignature(ctx, "sig-1")
	if err != nil {
		t.Fatalf("GetTransferBySignature: %v", err)
	}
	if record.Status != model.TransferFailed {
		t.Errorf("status = %s, want %s", record.Status, model.TransferFailed)
	}
}

func TestWithdrawalLifecycle(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	if _, err := st.ConfirmDeposit(ctx, "wallet-a", d("5"), "sig-1"); err != nil {
		t.Fatalf("seed deposit: %v", err)
	}

	rec, err := st.BeginWithdrawal(ctx, "wallet-a", d("2"))
	if err != nil {
		t.Fatalf("BeginWithdrawal: %v", err)
	}
	if rec.TxSignature != model.PendingSignature {
		t.Errorf("signature = %q, want pending sentinel", rec.TxSignature)
	}

	balance, _ := st.GetBalance(ctx, "wallet-a")
	if !balance.DepositedBalance.Equal(d("3")) {
		t.Errorf("balance = %s, want 3 after debit", balance.DepositedBalance)
	}

	if err := st.ConfirmWithdrawal(ctx, rec.ID, "sig-out"); err != nil {
		t.Fatalf("ConfirmWithdrawal: %v", err)
	}
	got, err := st.GetTransferBySignature(ctx, "sig-out")
	if err != nil {
		t.Fatalf("GetTransferBySignature: %v", err)
	}
	if got.Status != model.TransferConfirmed {
		t.Errorf("status = %q, want confirmed", got.Status)
	}

	// Compensation after confirmation must not re-credit.
	if err := st.CompensateWithdrawal(ctx, rec.ID); err != nil {
		t.Fatalf("CompensateWithdrawal: %v", err)
	}
	balance, _ = st.GetBalance(ctx, "wallet-a")
	if !balance.DepositedBalance.Equal(d("3")) {
		t.Errorf("balance = %s, compensation of a confirmed withdrawal re-credited", balance.DepositedBalance)
	}
}

func TestCompensateWithdrawalRecredits(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	if _, err := st.ConfirmDeposit(ctx, "wallet-a", d("5"), "sig-1"); err != nil {
		t.Fatalf("seed deposit: %v", err)
	}
	rec, err := st.BeginWithdrawal(ctx, "wallet-a", d("2"))
	if err != nil {
		t.Fatalf("BeginWithdrawal: %v", err)
	}

	if err := st.CompensateWithdrawal(ctx, rec.ID); err != nil {
		t.Fatalf("CompensateWithdrawal: %v", err)
	}

	balance, _ := st.GetBalance(ctx, "wallet-a")
	if !balance.DepositedBalance.Equal(d("5")) {
		t.Errorf("balance = %s, want 5 after compensation", balance.DepositedBalance)
	}

	// Compensation is itself idempotent.
	if err := st.CompensateWithdrawal(ctx, rec.ID); err != nil {
		t.Fatalf("repeat CompensateWithdrawal: %v", err)
	}
	balance, _ = st.GetBalance(ctx, "wallet-a")
	if !balance.DepositedBalance.Equal(d("5")) {
		t.Errorf("balance = %s, repeat compensation double-credited", balance.DepositedBalance)
	}
}

func TestLeaderboardOrdering(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	if err := st.CreateRound(ctx, activeRound("r1")); err != nil {
		t.Fatalf("CreateRound: %v", err)
	}

	seed := func(wallet, deposit, wagered, won string) {
		t.Helper()
		if _, err := st.ConfirmDeposit(ctx, wallet, d(deposit), "sig-"+wallet); err != nil {
			t.Fatalf("seed %s: %v", wallet, err)
		}
		if err := st.ApplyTrade(ctx, &TradeMutation{
			Trade: model.Trade{
				ID:            "t-" + wallet,
				RoundID:       "r1",
				WalletAddress: wallet,
				Type:          model.TradeBuy,
				SolAmount:     d(wagered),
				TokenAmount:   d(wagered),
				CreatedAt:     baseTime,
			},
			NewPoolBalance: decimal.Zero,
			NewMultiplier:  decimal.NewFromInt(1),
			Position: model.Position{
				RoundID:       "r1",
				WalletAddress: wallet,
			},
			BalanceChange: d(wagered).Neg(),
			WageredDelta:  d(wagered),
			WonDelta:      d(won),
		}); err != nil {
			t.Fatalf("trade %s: %v", wallet, err)
		}
	}

	seed("wallet-a", "10", "2", "1") // net -1
	seed("wallet-b", "10", "1", "5") // net +4
	seed("wallet-c", "10", "3", "4") // net +1

	entries, err := st.Leaderboard(ctx, 2)
	if err != nil {
		t.Fatalf("Leaderboard: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want limit 2", len(entries))
	}
	if entries[0].WalletAddress != "wallet-b" || entries[1].WalletAddress != "wallet-c" {
		t.Errorf("order = %s, %s; want wallet-b, wallet-c",
			entries[0].WalletAddress, entries[1].WalletAddress)
	}
	if !entries[0].NetProfit.Equal(d("4")) {
		t.Errorf("net profit = %s, want 4", entries[0].NetProfit)
	}
}

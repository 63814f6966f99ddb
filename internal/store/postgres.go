package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/godcandle/round-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Row-level locks (SELECT ... FOR UPDATE) serialize concurrent mutations
// of a round's pool and a wallet's ledger balance.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// --- Rounds ---

func (s *PostgresStore) CreateRound(ctx context.Context, r *model.Round) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO rounds (id, status, sol_balance, current_multiplier, duration_seconds, started_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5, $6)`,
		r.ID, r.Status, r.Pool.SolBalance.String(), r.CurrentMultiplier.String(),
		r.DurationSeconds, r.StartedAt,
	)
	return err
}

const roundColumns = `id, status, sol_balance::TEXT, current_multiplier::TEXT, duration_seconds, started_at, ended_at`

func scanRound(row pgx.Row) (*model.Round, error) {
	var r model.Round
	var solBalance, multiplier string
	if err := row.Scan(&r.ID, &r.Status, &solBalance, &multiplier,
		&r.DurationSeconds, &r.StartedAt, &r.EndedAt); err != nil {
		return nil, err
	}
	r.Pool.SolBalance, _ = decimal.NewFromString(solBalance)
	r.CurrentMultiplier, _ = decimal.NewFromString(multiplier)
	return &r, nil
}

func (s *PostgresStore) GetRound(ctx context.Context, id string) (*model.Round, error) {
	r, err := scanRound(s.pool.QueryRow(ctx,
		`SELECT `+roundColumns+` FROM rounds WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("round %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get round %s: %w", id, err)
	}
	return r, nil
}

func (s *PostgresStore) GetActiveRound(ctx context.Context) (*model.Round, error) {
	r, err := scanRound(s.pool.QueryRow(ctx,
		`SELECT `+roundColumns+` FROM rounds WHERE status = $1 ORDER BY started_at DESC LIMIT 1`,
		model.RoundActive))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoActiveRound
	}
	if err != nil {
		return nil, fmt.Errorf("get active round: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) CompleteRound(ctx context.Context, id string, endedAt time.Time, finalMultiplier decimal.Decimal) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE rounds
		 SET status = $2, ended_at = $3, current_multiplier = $4::NUMERIC
		 WHERE id = $1 AND status = $5`,
		id, model.RoundCompleted, endedAt, finalMultiplier.String(), model.RoundActive)
	if err != nil {
		return false, fmt.Errorf("complete round %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// --- Trades ---

func (s *PostgresStore) ApplyTrade(ctx context.Context, m *TradeMutation) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("apply trade: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lock the round row: all trades against the active round serialize here.
	var status string
	err = tx.QueryRow(ctx,
		`SELECT status FROM rounds WHERE id = $1 FOR UPDATE`, m.Trade.RoundID).
		Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("round %s: %w", m.Trade.RoundID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("apply trade: lock round: %w", err)
	}

	// Lock the ledger row and re-validate sufficiency for debits.
	balance, err := lockBalance(ctx, tx, m.Trade.WalletAddress)
	if err != nil {
		return err
	}
	if balance.Add(m.BalanceChange).IsNegative() {
		return ErrInsufficientBalance
	}

	if _, err := tx.Exec(ctx,
		`UPDATE rounds SET sol_balance = $2::NUMERIC, current_multiplier = $3::NUMERIC WHERE id = $1`,
		m.Trade.RoundID, m.NewPoolBalance.String(), m.NewMultiplier.String()); err != nil {
		return fmt.Errorf("apply trade: update round: %w", err)
	}

	var entry *string
	if m.Position.EntryMultiplier != nil {
		s := m.Position.EntryMultiplier.String()
		entry = &s
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO positions (round_id, wallet_address, token_balance, total_sol_in, total_sol_out, entry_multiplier)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC)
		 ON CONFLICT (round_id, wallet_address) DO UPDATE
		 SET token_balance = EXCLUDED.token_balance,
		     total_sol_in = EXCLUDED.total_sol_in,
		     total_sol_out = EXCLUDED.total_sol_out,
		     entry_multiplier = EXCLUDED.entry_multiplier`,
		m.Position.RoundID, m.Position.WalletAddress,
		m.Position.TokenBalance.String(), m.Position.TotalSolIn.String(),
		m.Position.TotalSolOut.String(), entry); err != nil {
		return fmt.Errorf("apply trade: upsert position: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE balances
		 SET deposited_balance = deposited_balance + $2::NUMERIC,
		     total_wagered = total_wagered + $3::NUMERIC,
		     total_won = total_won + $4::NUMERIC
		 WHERE wallet_address = $1`,
		m.Trade.WalletAddress, m.BalanceChange.String(),
		m.WageredDelta.String(), m.WonDelta.String()); err != nil {
		return fmt.Errorf("apply trade: update balance: %w", err)
	}

	t := m.Trade
	if _, err := tx.Exec(ctx,
		`INSERT INTO trades (id, round_id, wallet_address, type, sol_amount, token_amount, price_at_trade, fee_amount, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9)`,
		t.ID, t.RoundID, t.WalletAddress, t.Type,
		t.SolAmount.String(), t.TokenAmount.String(),
		t.PriceAtTrade.String(), t.FeeAmount.String(), t.CreatedAt); err != nil {
		return fmt.Errorf("apply trade: insert trade: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) ListTradesByRound(ctx context.Context, roundID string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, round_id, wallet_address, type,
		        sol_amount::TEXT, token_amount::TEXT, price_at_trade::TEXT, fee_amount::TEXT, created_at
		 FROM trades WHERE round_id = $1 ORDER BY created_at`, roundID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var sol, tokens, price, fee string
		if err := rows.Scan(&t.ID, &t.RoundID, &t.WalletAddress, &t.Type,
			&sol, &tokens, &price, &fee, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.SolAmount, _ = decimal.NewFromString(sol)
		t.TokenAmount, _ = decimal.NewFromString(tokens)
		t.PriceAtTrade, _ = decimal.NewFromString(price)
		t.FeeAmount, _ = decimal.NewFromString(fee)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// --- Positions ---

const positionColumns = `round_id, wallet_address, token_balance::TEXT, total_sol_in::TEXT, total_sol_out::TEXT, entry_multiplier::TEXT`

func scanPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var tokens, solIn, solOut string
	var entry *string
	if err := row.Scan(&p.RoundID, &p.WalletAddress, &tokens, &solIn, &solOut, &entry); err != nil {
		return nil, err
	}
	p.TokenBalance, _ = decimal.NewFromString(tokens)
	p.TotalSolIn, _ = decimal.NewFromString(solIn)
	p.TotalSolOut, _ = decimal.NewFromString(solOut)
	if entry != nil {
		e, _ := decimal.NewFromString(*entry)
		p.EntryMultiplier = &e
	}
	return &p, nil
}

func (s *PostgresStore) GetPosition(ctx context.Context, roundID, wallet string) (*model.Position, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE round_id = $1 AND wallet_address = $2`,
		roundID, wallet))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("position %s/%s: %w", roundID, wallet, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get position: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) ListOpenPositions(ctx context.Context, roundID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE round_id = $1 AND token_balance > 0`,
		roundID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

// --- Ledger balances ---

func (s *PostgresStore) GetBalance(ctx context.Context, wallet string) (*model.LedgerBalance, error) {
	// First sight of a wallet creates its zero balance row.
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO balances (wallet_address, deposited_balance, total_wagered, total_won)
		 VALUES ($1, 0, 0, 0) ON CONFLICT (wallet_address) DO NOTHING`, wallet); err != nil {
		return nil, fmt.Errorf("ensure balance %s: %w", wallet, err)
	}

	var b model.LedgerBalance
	var deposited, wagered, won string
	err := s.pool.QueryRow(ctx,
		`SELECT wallet_address, deposited_balance::TEXT, total_wagered::TEXT, total_won::TEXT
		 FROM balances WHERE wallet_address = $1`, wallet).
		Scan(&b.WalletAddress, &deposited, &wagered, &won)
	if err != nil {
		return nil, fmt.Errorf("get balance %s: %w", wallet, err)
	}
	b.DepositedBalance, _ = decimal.NewFromString(deposited)
	b.TotalWagered, _ = decimal.NewFromString(wagered)
	b.TotalWon, _ = decimal.NewFromString(won)
	return &b, nil
}

func (s *PostgresStore) Leaderboard(ctx context.Context, limit int) ([]model.LeaderboardEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT wallet_address, total_wagered::TEXT, total_won::TEXT,
		        (total_won - total_wagered)::TEXT AS net_profit
		 FROM balances
		 WHERE total_wagered > 0
		 ORDER BY total_won - total_wagered DESC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.LeaderboardEntry
	for rows.Next() {
		var e model.LeaderboardEntry
		var wagered, won, profit string
		if err := rows.Scan(&e.WalletAddress, &wagered, &won, &profit); err != nil {
			return nil, err
		}
		e.TotalWagered, _ = decimal.NewFromString(wagered)
		e.TotalWon, _ = decimal.NewFromString(won)
		e.NetProfit, _ = decimal.NewFromString(profit)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Transfers ---

const transferColumns = `id, wallet_address, direction, tx_signature, status, amount::TEXT, created_at, updated_at`

func scanTransfer(row pgx.Row) (*model.TransferRecord, error) {
	var t model.TransferRecord
	var amount string
	if err := row.Scan(&t.ID, &t.WalletAddress, &t.Direction, &t.TxSignature,
		&t.Status, &amount, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Amount, _ = decimal.NewFromString(amount)
	return &t, nil
}

func (s *PostgresStore) GetTransferBySignature(ctx context.Context, signature string) (*model.TransferRecord, error) {
	t, err := scanTransfer(s.pool.QueryRow(ctx,
		`SELECT `+transferColumns+` FROM transfers WHERE tx_signature = $1`, signature))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("transfer %s: %w", signature, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get transfer: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) ConfirmDeposit(ctx context.Context, wallet string, amount decimal.Decimal, signature string) (*model.LedgerBalance, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("confirm deposit: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	// Signature uniqueness is the idempotency key. The upsert affects a row
	// exactly when the deposit is new or upgrades from pending, so the
	// balance credit is gated on it: an already confirmed or failed
	// signature credits nothing.
	tag, err := tx.Exec(ctx,
		`INSERT INTO transfers (id, wallet_address, direction, tx_signature, status, amount, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, NOW(), NOW())
		 ON CONFLICT (tx_signature) WHERE tx_signature <> 'pending'
		 DO UPDATE SET status = EXCLUDED.status, amount = EXCLUDED.amount, updated_at = NOW()
		 WHERE transfers.status = $7`,
		newID(), wallet, model.TransferDeposit, signature, model.TransferConfirmed,
		amount.String(), model.TransferPending)
	if err != nil {
		return nil, fmt.Errorf("confirm deposit: insert transfer: %w", err)
	}

	if tag.RowsAffected() == 1 {
		if _, err := tx.Exec(ctx,
			`INSERT INTO balances (wallet_address, deposited_balance, total_wagered, total_won)
			 VALUES ($1, $2::NUMERIC, 0, 0)
			 ON CONFLICT (wallet_address) DO UPDATE
			 SET deposited_balance = balances.deposited_balance + EXCLUDED.deposited_balance`,
			wallet, amount.String()); err != nil {
			return nil, fmt.Errorf("confirm deposit: credit balance: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("confirm deposit: commit: %w", err)
	}
	return s.GetBalance(ctx, wallet)
}

func (s *PostgresStore) RecordPendingDeposit(ctx context.Context, wallet string, amount decimal.Decimal, signature string) (*model.TransferRecord, error) {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO transfers (id, wallet_address, direction, tx_signature, status, amount, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, NOW(), NOW())
		 ON CONFLICT (tx_signature) WHERE tx_signature <> 'pending' DO NOTHING`,
		newID(), wallet, model.TransferDeposit, signature, model.TransferPending, amount.String())
	if err != nil {
		return nil, fmt.Errorf("record pending deposit: %w", err)
	}
	return s.GetTransferBySignature(ctx, signature)
}

func (s *PostgresStore) RecordFailedDeposit(ctx context.Context, wallet string, amount decimal.Decimal, signature string) error {
	// A signature previously parked as pending flips to failed; a settled
	// one is left alone.
	_, err := s.pool.Exec(ctx,
		`INSERT INTO transfers (id, wallet_address, direction, tx_signature, status, amount, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, NOW(), NOW())
		 ON CONFLICT (tx_signature) WHERE tx_signature <> 'pending'
		 DO UPDATE SET status = EXCLUDED.status, updated_at = NOW()
		 WHERE transfers.status = $7`,
		newID(), wallet, model.TransferDeposit, signature, model.TransferFailed,
		amount.String(), model.TransferPending)
	if err != nil {
		return fmt.Errorf("record failed deposit: %w", err)
	}
	return nil
}

func (s *PostgresStore) BeginWithdrawal(ctx context.Context, wallet string, amount decimal.Decimal) (*model.TransferRecord, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin withdrawal: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	balance, err := lockBalance(ctx, tx, wallet)
	if err != nil {
		return nil, err
	}
	if balance.LessThan(amount) {
		return nil, ErrInsufficientBalance
	}

	// Debit first; the external transfer happens outside this transaction
	// and compensates on failure.
	if _, err := tx.Exec(ctx,
		`UPDATE balances SET deposited_balance = deposited_balance - $2::NUMERIC WHERE wallet_address = $1`,
		wallet, amount.String()); err != nil {
		return nil, fmt.Errorf("begin withdrawal: debit: %w", err)
	}

	record := &model.TransferRecord{
		ID:            newID(),
		WalletAddress: wallet,
		Direction:     model.TransferWithdrawal,
		TxSignature:   model.PendingSignature,
		Status:        model.TransferPending,
		Amount:        amount,
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO transfers (id, wallet_address, direction, tx_signature, status, amount, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8)`,
		record.ID, record.WalletAddress, record.Direction, record.TxSignature,
		record.Status, record.Amount.String(), record.CreatedAt, record.UpdatedAt); err != nil {
		return nil, fmt.Errorf("begin withdrawal: insert transfer: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("begin withdrawal: commit: %w", err)
	}
	return record, nil
}

func (s *PostgresStore) ConfirmWithdrawal(ctx context.Context, transferID, signature string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE transfers SET status = $2, tx_signature = $3, updated_at = NOW()
		 WHERE id = $1 AND status = $4`,
		transferID, model.TransferConfirmed, signature, model.TransferPending)
	if err != nil {
		return fmt.Errorf("confirm withdrawal %s: %w", transferID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("confirm withdrawal %s: %w", transferID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) CompensateWithdrawal(ctx context.Context, transferID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("compensate withdrawal: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var wallet, status, amountStr string
	err = tx.QueryRow(ctx,
		`SELECT wallet_address, status, amount::TEXT FROM transfers WHERE id = $1 FOR UPDATE`,
		transferID).Scan(&wallet, &status, &amountStr)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("compensate withdrawal %s: %w", transferID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("compensate withdrawal: lock transfer: %w", err)
	}
	if status != model.TransferPending {
		// Already settled; nothing to compensate.
		return nil
	}

	if _, err := tx.Exec(ctx,
		`UPDATE balances SET deposited_balance = deposited_balance + $2::NUMERIC WHERE wallet_address = $1`,
		wallet, amountStr); err != nil {
		return fmt.Errorf("compensate withdrawal: recredit: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE transfers SET status = $2, updated_at = NOW() WHERE id = $1`,
		transferID, model.TransferFailed); err != nil {
		return fmt.Errorf("compensate withdrawal: mark failed: %w", err)
	}

	return tx.Commit(ctx)
}

// lockBalance ensures a balance row exists and locks it for update,
// returning the current deposited balance.
func lockBalance(ctx context.Context, tx pgx.Tx, wallet string) (decimal.Decimal, error) {
	if _, err := tx.Exec(ctx,
		`INSERT INTO balances (wallet_address, deposited_balance, total_wagered, total_won)
		 VALUES ($1, 0, 0, 0) ON CONFLICT (wallet_address) DO NOTHING`, wallet); err != nil {
		return decimal.Zero, fmt.Errorf("ensure balance %s: %w", wallet, err)
	}
	var depositedStr string
	if err := tx.QueryRow(ctx,
		`SELECT deposited_balance::TEXT FROM balances WHERE wallet_address = $1 FOR UPDATE`,
		wallet).Scan(&depositedStr); err != nil {
		return decimal.Zero, fmt.Errorf("lock balance %s: %w", wallet, err)
	}
	deposited, _ := decimal.NewFromString(depositedStr)
	return deposited, nil
}

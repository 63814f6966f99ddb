// Package funds handles the money boundary: confirming on-chain deposits
// into the internal ledger and paying out withdrawals back to the chain.
//
// Withdrawals debit the ledger first and send the on-chain transfer
// second. If the transfer fails the debit is compensated; a compensation
// failure is the one unrecoverable state and is logged loudly for manual
// reconciliation.
package funds

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/godcandle/round-engine/internal/chain"
	"github.com/godcandle/round-engine/internal/game"
	"github.com/godcandle/round-engine/internal/metrics"
	"github.com/godcandle/round-engine/internal/model"
	"github.com/godcandle/round-engine/internal/store"
)

// Domain errors surfaced to callers as structured failures.
var (
	ErrTxNotConfirmed   = errors.New("funds: transaction not yet confirmed on chain")
	ErrDepositRejected  = errors.New("funds: deposit verification failed")
	ErrBelowMinimum     = errors.New("funds: amount below minimum")
	ErrTransferFailed   = errors.New("funds: on-chain transfer failed")
	ErrAlreadyProcessed = errors.New("funds: signature already processed")
)

// Config holds the funds-flow tunables.
type Config struct {
	// EscrowAddress is the game's escrow wallet; deposits must land here.
	EscrowAddress string

	// MinWithdrawal is the smallest accepted withdrawal, in SOL.
	MinWithdrawal decimal.Decimal

	// DepositTolerance is the accepted absolute difference between the
	// claimed and observed deposit amounts, in SOL. Covers fee dust.
	DepositTolerance decimal.Decimal

	// PollAttempts bounds how many times an unseen transaction is
	// re-queried before the deposit is parked as pending.
	PollAttempts int

	// PollDelay is the wait between confirmation polls.
	PollDelay time.Duration
}

// Service confirms deposits and executes withdrawals.
type Service struct {
	store    store.Store
	observer chain.Observer
	hub      *game.Hub
	cfg      Config
}

// NewService creates a funds service. Pass nil for hub if realtime
// balance notifications are not needed.
func NewService(st store.Store, observer chain.Observer, hub *game.Hub, cfg Config) *Service {
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = 5
	}
	if cfg.PollDelay <= 0 {
		cfg.PollDelay = 2 * time.Second
	}
	if cfg.DepositTolerance.IsZero() {
		cfg.DepositTolerance = decimal.New(1, -6)
	}
	return &Service{store: st, observer: observer, hub: hub, cfg: cfg}
}

// --- Request/Response types ---

// ConfirmDepositRequest is the JSON body for POST /api/deposit/confirm.
type ConfirmDepositRequest struct {
	WalletAddress string          `json:"wallet_address"`
	TxSignature   string          `json:"tx_signature"`
	Amount        decimal.Decimal `json:"amount"`
}

// DepositResponse is returned from the deposit confirmation route.
type DepositResponse struct {
	Success          bool            `json:"success"`
	Status           string          `json:"status"`
	DepositedBalance decimal.Decimal `json:"deposited_balance"`
}

// WithdrawRequest is the JSON body for POST /api/withdraw.
type WithdrawRequest struct {
	WalletAddress string          `json:"wallet_address"`
	Amount        decimal.Decimal `json:"amount"`
}

// WithdrawResponse is returned from the withdrawal route.
type WithdrawResponse struct {
	Success     bool            `json:"success"`
	TxSignature string          `json:"tx_signature"`
	Amount      decimal.Decimal `json:"amount"`
}

// --- Deposits ---

// ConfirmDeposit verifies a claimed deposit against the chain and credits
// the ledger. Idempotent by signature: re-confirming a settled signature
// returns the current balance without a second credit, and a signature
// previously parked as pending is re-checked.
func (s *Service) ConfirmDeposit(ctx context.Context, wallet, signature string, amount decimal.Decimal) (*model.LedgerBalance, error) {
	if existing, err := s.store.GetTransferBySignature(ctx, signature); err == nil {
		switch existing.Status {
		case model.TransferConfirmed:
			return s.store.GetBalance(ctx, wallet)
		case model.TransferFailed:
			return nil, ErrAlreadyProcessed
		}
		// Pending record from an earlier confirmation attempt; poll again.
	}

	tx, err := s.pollTransaction(ctx, signature)
	if errors.Is(err, chain.ErrTxNotFound) {
		if _, recErr := s.store.RecordPendingDeposit(ctx, wallet, amount, signature); recErr != nil {
			slog.Error("failed to record pending deposit", "signature", signature, "err", recErr)
		}
		metrics.DepositsTotal.WithLabelValues("pending").Inc()
		return nil, ErrTxNotConfirmed
	}
	if err != nil {
		metrics.DepositsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	if err := chain.VerifyDeposit(tx, wallet, s.cfg.EscrowAddress, amount, s.cfg.DepositTolerance); err != nil {
		if recErr := s.store.RecordFailedDeposit(ctx, wallet, amount, signature); recErr != nil {
			slog.Error("failed to record rejected deposit", "signature", signature, "err", recErr)
		}
		metrics.DepositsTotal.WithLabelValues("rejected").Inc()
		slog.Warn("deposit rejected",
			"wallet", wallet,
			"signature", signature,
			"amount", amount.String(),
			"err", err,
		)
		return nil, errors.Join(ErrDepositRejected, err)
	}

	balance, err := s.store.ConfirmDeposit(ctx, wallet, amount, signature)
	if err != nil {
		return nil, err
	}

	metrics.DepositsTotal.WithLabelValues("confirmed").Inc()
	slog.Info("deposit confirmed",
		"wallet", wallet,
		"signature", signature,
		"amount", amount.String(),
		"balance", balance.DepositedBalance.String(),
	)
	s.notifyBalance(wallet, balance.DepositedBalance, amount, "deposit")
	return balance, nil
}

// maxPollDelay caps the backoff between visibility polls.
const maxPollDelay = 30 * time.Second

// pollTransaction queries the chain for a signature with bounded retries,
// doubling the wait between attempts while the transaction is not yet
// visible.
func (s *Service) pollTransaction(ctx context.Context, signature string) (*chain.TxInfo, error) {
	delay := s.cfg.PollDelay
	var lastErr error
	for attempt := 0; attempt < s.cfg.PollAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > maxPollDelay {
				delay = maxPollDelay
			}
		}
		tx, err := s.observer.GetTransaction(ctx, signature)
		if err == nil {
			return tx, nil
		}
		lastErr = err
		if !errors.Is(err, chain.ErrTxNotFound) {
			return nil, err
		}
	}
	return nil, lastErr
}

// --- Withdrawals ---

// Withdraw debits the ledger and sends SOL from the escrow to the wallet.
// The debit commits before the transfer is attempted; a failed transfer
// triggers an atomic compensation re-crediting the ledger.
func (s *Service) Withdraw(ctx context.Context, wallet string, amount decimal.Decimal) (string, error) {
	if amount.LessThan(s.cfg.MinWithdrawal) || !amount.IsPositive() {
		return "", ErrBelowMinimum
	}

	rec, err := s.store.BeginWithdrawal(ctx, wallet, amount)
	if err != nil {
		return "", err
	}

	signature, err := s.observer.Transfer(ctx, wallet, amount)
	if err != nil {
		slog.Warn("withdrawal transfer failed, compensating",
			"wallet", wallet,
			"transfer_id", rec.ID,
			"amount", amount.String(),
			"err", err,
		)
		if compErr := s.store.CompensateWithdrawal(ctx, rec.ID); compErr != nil {
			// The ledger is debited but no SOL moved and the re-credit
			// failed. Operator intervention required.
			metrics.ReconciliationFailures.Inc()
			slog.Error("RECONCILIATION_FAILURE: withdrawal debit could not be compensated",
				"wallet", wallet,
				"transfer_id", rec.ID,
				"amount", amount.String(),
				"transfer_err", err,
				"compensation_err", compErr,
			)
			return "", errors.Join(ErrTransferFailed, compErr)
		}
		metrics.WithdrawalsTotal.WithLabelValues("compensated").Inc()
		return "", errors.Join(ErrTransferFailed, err)
	}

	if err := s.store.ConfirmWithdrawal(ctx, rec.ID, signature); err != nil {
		// SOL already moved; record stays pending with the debit in
		// place, so no funds are at risk.
		slog.Error("failed to mark withdrawal confirmed",
			"wallet", wallet,
			"transfer_id", rec.ID,
			"signature", signature,
			"err", err,
		)
	}

	metrics.WithdrawalsTotal.WithLabelValues("confirmed").Inc()
	slog.Info("withdrawal sent",
		"wallet", wallet,
		"transfer_id", rec.ID,
		"signature", signature,
		"amount", amount.String(),
	)

	if balance, err := s.store.GetBalance(ctx, wallet); err == nil {
		s.notifyBalance(wallet, balance.DepositedBalance, amount.Neg(), "withdrawal")
	}
	return signature, nil
}

func (s *Service) notifyBalance(wallet string, balance, change decimal.Decimal, reason string) {
	if s.hub == nil {
		return
	}
	s.hub.SendToWallet(wallet, game.BalanceUpdateEvent{
		Type:             game.EventBalanceUpdate,
		DepositedBalance: balance,
		Change:           change,
		Reason:           reason,
	})
}

// --- HTTP handlers ---

// HandleConfirmDeposit handles POST /api/deposit/confirm.
func (s *Service) HandleConfirmDeposit(w http.ResponseWriter, r *http.Request) {
	var req ConfirmDepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := chain.ValidateAddress(req.WalletAddress); err != nil {
		writeFail(w, http.StatusBadRequest, "invalid wallet_address")
		return
	}
	if req.TxSignature == "" || req.TxSignature == model.PendingSignature {
		writeFail(w, http.StatusBadRequest, "invalid tx_signature")
		return
	}
	if !req.Amount.IsPositive() {
		writeFail(w, http.StatusBadRequest, "amount must be positive")
		return
	}

	balance, err := s.ConfirmDeposit(r.Context(), req.WalletAddress, req.TxSignature, req.Amount)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, DepositResponse{
			Success:          true,
			Status:           model.TransferConfirmed,
			DepositedBalance: balance.DepositedBalance,
		})
	case errors.Is(err, ErrTxNotConfirmed):
		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"success": false,
			"status":  model.TransferPending,
			"error":   "transaction not yet confirmed, retry later",
		})
	case errors.Is(err, ErrDepositRejected):
		writeFail(w, http.StatusUnprocessableEntity, "deposit verification failed")
	case errors.Is(err, ErrAlreadyProcessed):
		writeFail(w, http.StatusConflict, "signature already processed")
	default:
		slog.Error("deposit confirmation failed", "err", err)
		writeFail(w, http.StatusInternalServerError, "internal error")
	}
}

// HandleWithdraw handles POST /api/withdraw.
func (s *Service) HandleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req WithdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := chain.ValidateAddress(req.WalletAddress); err != nil {
		writeFail(w, http.StatusBadRequest, "invalid wallet_address")
		return
	}

	signature, err := s.Withdraw(r.Context(), req.WalletAddress, req.Amount)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, WithdrawResponse{
			Success:     true,
			TxSignature: signature,
			Amount:      req.Amount,
		})
	case errors.Is(err, ErrBelowMinimum):
		writeFail(w, http.StatusBadRequest, "amount below minimum withdrawal")
	case errors.Is(err, store.ErrInsufficientBalance):
		writeFail(w, http.StatusConflict, "insufficient balance")
	case errors.Is(err, ErrTransferFailed):
		writeFail(w, http.StatusBadGateway, "on-chain transfer failed")
	default:
		slog.Error("withdrawal failed", "err", err)
		writeFail(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeFail(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   message,
	})
}

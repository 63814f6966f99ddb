// Package chain implements the Solana chain observer: transaction lookup
// for deposit verification, outbound escrow transfers for withdrawals, and
// denomination conversion between lamports and SOL.
package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"
)

var (
	// ErrTxNotFound is returned when a transaction is not (yet) visible
	// on-chain. Callers may retry with backoff.
	ErrTxNotFound = errors.New("chain: transaction not found")

	// ErrTxFailed is returned when the transaction exists but failed
	// on-chain.
	ErrTxFailed = errors.New("chain: transaction failed on-chain")

	// ErrSenderMismatch is returned when the fee payer does not match
	// the claimed participant.
	ErrSenderMismatch = errors.New("chain: sender does not match claimed wallet")

	// ErrDestinationMismatch is returned when the transfer did not pay
	// the designated escrow account.
	ErrDestinationMismatch = errors.New("chain: destination is not the escrow account")

	// ErrAmountMismatch is returned when the transferred amount differs
	// from the claimed amount beyond tolerance.
	ErrAmountMismatch = errors.New("chain: transferred amount does not match claim")

	// ErrInvalidAddress is returned for malformed base58 account keys.
	ErrInvalidAddress = errors.New("chain: invalid address")
)

// LamportsPerSol is the Solana base denomination: 1 SOL = 1e9 lamports.
const LamportsPerSol = 1_000_000_000

// TxInfo is the observer's view of one confirmed transaction: enough to
// verify a claimed deposit without re-parsing instructions.
type TxInfo struct {
	Signature    string
	Slot         int64
	BlockTime    int64
	Failed       bool
	AccountKeys  []string
	PreBalances  []int64
	PostBalances []int64
}

// Sender returns the transaction's fee payer (the first account key).
func (t *TxInfo) Sender() string {
	if len(t.AccountKeys) == 0 {
		return ""
	}
	return t.AccountKeys[0]
}

// LamportsReceivedBy returns the net lamport balance change of the given
// account, or zero if the account did not take part in the transaction.
func (t *TxInfo) LamportsReceivedBy(address string) int64 {
	for i, key := range t.AccountKeys {
		if key != address {
			continue
		}
		if i < len(t.PreBalances) && i < len(t.PostBalances) {
			return t.PostBalances[i] - t.PreBalances[i]
		}
	}
	return 0
}

// Observer is the chain capability the engine depends on: look up a
// transaction by signature and move escrow funds out.
type Observer interface {
	// GetTransaction retrieves a transaction, or ErrTxNotFound if it is
	// not yet visible.
	GetTransaction(ctx context.Context, signature string) (*TxInfo, error)

	// Transfer sends amount SOL from the escrow account to destination
	// and returns the transaction signature.
	Transfer(ctx context.Context, destination string, amount decimal.Decimal) (string, error)
}

// LamportsToSol converts lamports to a SOL decimal.
func LamportsToSol(lamports int64) decimal.Decimal {
	return decimal.New(lamports, 0).Div(decimal.New(LamportsPerSol, 0))
}

// SolToLamports converts a SOL decimal to lamports, truncating sub-lamport
// precision.
func SolToLamports(sol decimal.Decimal) uint64 {
	return uint64(sol.Mul(decimal.New(LamportsPerSol, 0)).IntPart())
}

// ValidateAddress checks that an address is valid base58 for a 32-byte
// Solana public key.
func ValidateAddress(address string) error {
	raw, err := base58.Decode(address)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidAddress, address)
	}
	if len(raw) != 32 {
		return fmt.Errorf("%w: expected 32 bytes, got %d", ErrInvalidAddress, len(raw))
	}
	return nil
}

// VerifyDeposit checks a looked-up transaction against a deposit claim:
// the transaction succeeded, the claimed wallet paid it, the escrow
// account received it, and the received amount matches the claim within
// tolerance (in SOL).
func VerifyDeposit(tx *TxInfo, wallet, escrow string, amount, tolerance decimal.Decimal) error {
	if tx == nil {
		return ErrTxNotFound
	}
	if tx.Failed {
		return ErrTxFailed
	}
	if tx.Sender() != wallet {
		return ErrSenderMismatch
	}
	received := LamportsToSol(tx.LamportsReceivedBy(escrow))
	if !received.IsPositive() {
		return ErrDestinationMismatch
	}
	if received.Sub(amount).Abs().GreaterThan(tolerance) {
		return fmt.Errorf("%w: claimed %s, received %s", ErrAmountMismatch, amount, received)
	}
	return nil
}

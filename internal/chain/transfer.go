package chain

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"
)

// ErrNoEscrowKey is returned when Transfer is called on a client without
// a configured escrow keypair.
var ErrNoEscrowKey = errors.New("chain: escrow key not configured")

// systemProgramID is the Solana System Program address (all-zero key).
const systemProgramID = "11111111111111111111111111111111"

// systemTransferIndex is the System Program instruction index for Transfer.
const systemTransferIndex uint32 = 2

// Transfer sends amount SOL from the escrow account to destination by
// building, signing, and submitting a System Program transfer. Returns the
// transaction signature.
func (c *Client) Transfer(ctx context.Context, destination string, amount decimal.Decimal) (string, error) {
	if c.escrowKey == nil {
		return "", ErrNoEscrowKey
	}
	if err := ValidateAddress(destination); err != nil {
		return "", err
	}
	if !amount.IsPositive() {
		return "", fmt.Errorf("chain: transfer amount must be positive, got %s", amount)
	}

	blockhash, err := c.getLatestBlockhash(ctx)
	if err != nil {
		return "", fmt.Errorf("get blockhash: %w", err)
	}

	msg, err := buildTransferMessage(c.escrowPub, destination, blockhash, SolToLamports(amount))
	if err != nil {
		return "", err
	}

	sig := ed25519.Sign(c.escrowKey, msg)

	// Wire transaction: compact array of signatures followed by the message.
	tx := append(compactU16(1), sig...)
	tx = append(tx, msg...)

	signature, err := c.sendTransaction(ctx, base64.StdEncoding.EncodeToString(tx))
	if err != nil {
		return "", fmt.Errorf("send transaction: %w", err)
	}
	return signature, nil
}

// buildTransferMessage serializes a legacy Solana message holding a single
// System Program transfer of lamports from source to destination.
func buildTransferMessage(source, destination, blockhash string, lamports uint64) ([]byte, error) {
	sourceKey, err := base58.Decode(source)
	if err != nil || len(sourceKey) != 32 {
		return nil, fmt.Errorf("%w: source %s", ErrInvalidAddress, source)
	}
	destKey, err := base58.Decode(destination)
	if err != nil || len(destKey) != 32 {
		return nil, fmt.Errorf("%w: destination %s", ErrInvalidAddress, destination)
	}
	programKey, _ := base58.Decode(systemProgramID)
	hash, err := base58.Decode(blockhash)
	if err != nil || len(hash) != 32 {
		return nil, fmt.Errorf("chain: invalid blockhash %s", blockhash)
	}

	// Header: 1 required signature, 0 readonly signed, 1 readonly
	// unsigned (the program account).
	msg := []byte{1, 0, 1}

	// Account keys: payer, recipient, system program.
	msg = append(msg, compactU16(3)...)
	msg = append(msg, sourceKey...)
	msg = append(msg, destKey...)
	msg = append(msg, programKey...)

	msg = append(msg, hash...)

	// Instruction data: u32 transfer index + u64 lamports, little endian.
	data := make([]byte, 12)
	binary.LittleEndian.PutUint32(data[0:4], systemTransferIndex)
	binary.LittleEndian.PutUint64(data[4:12], lamports)

	// One instruction: program index 2, accounts [payer, recipient].
	msg = append(msg, compactU16(1)...)
	msg = append(msg, 2)
	msg = append(msg, compactU16(2)...)
	msg = append(msg, 0, 1)
	msg = append(msg, compactU16(len(data))...)
	msg = append(msg, data...)

	return msg, nil
}

// compactU16 encodes a length in Solana's shortvec format.
func compactU16(n int) []byte {
	var out []byte
	v := uint16(n)
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			out = append(out, b)
			return out
		}
		out = append(out, b|0x80)
	}
}

// ParseEscrowKey decodes a base58 64-byte ed25519 secret key and returns
// the key with its derived public address.
func ParseEscrowKey(secret string) (ed25519.PrivateKey, string, error) {
	raw, err := base58.Decode(secret)
	if err != nil {
		return nil, "", fmt.Errorf("chain: decode escrow key: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, "", fmt.Errorf("chain: escrow key must be %d bytes, got %d", ed25519.PrivateKeySize, len(raw))
	}
	key := ed25519.PrivateKey(raw)
	pub := base58.Encode(key.Public().(ed25519.PublicKey))
	return key, pub, nil
}

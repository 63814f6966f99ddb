package chain

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
)

// StubObserver is a scripted Observer for tests: transactions are served
// from a map and transfers return a canned signature or error.
type StubObserver struct {
	mu  sync.Mutex
	txs map[string]*TxInfo

	TransferSig   string
	TransferErr   error
	TransferCalls int
}

// NewStubObserver creates an empty stub.
func NewStubObserver() *StubObserver {
	return &StubObserver{txs: make(map[string]*TxInfo)}
}

// AddTransaction registers a transaction the stub will serve.
func (s *StubObserver) AddTransaction(tx *TxInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txs[tx.Signature] = tx
}

func (s *StubObserver) GetTransaction(_ context.Context, signature string) (*TxInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[signature]
	if !ok {
		return nil, ErrTxNotFound
	}
	return tx, nil
}

func (s *StubObserver) Transfer(_ context.Context, _ string, _ decimal.Decimal) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TransferCalls++
	if s.TransferErr != nil {
		return "", s.TransferErr
	}
	return s.TransferSig, nil
}

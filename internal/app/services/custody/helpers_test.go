package custody

import (
	"context"
	"sync"
	"time"

	"github.com/method-app/custody/internal/ton"
)

// fakeLedger is an in-memory Ledger for pipeline tests. Optional gates let a
// test hold a call open to provoke overlap.
type fakeLedger struct {
	mu sync.Mutex

	height     uint64
	blocks     map[uint64][]ton.Transaction
	accountTxs map[string][]ton.Transaction
	balances   map[string]int64
	seqnos     map[string]uint32
	sendHash   string

	heightErr  error
	blockErr   error
	accountErr error
	sendErr    error

	heightGate  chan struct{}
	balanceGate chan struct{}

	heightCalls  int
	accountCalls int
	sent         [][]byte
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		blocks:     make(map[uint64][]ton.Transaction),
		accountTxs: make(map[string][]ton.Transaction),
		balances:   make(map[string]int64),
		seqnos:     make(map[string]uint32),
		sendHash:   "sweep-tx-hash",
	}
}

func (f *fakeLedger) GetMasterchainHeight(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	f.heightCalls++
	gate := f.heightGate
	height, err := f.height, f.heightErr
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	return height, err
}

func (f *fakeLedger) GetBlockTransactions(_ context.Context, seqno uint64) ([]ton.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.blockErr != nil {
		return nil, f.blockErr
	}
	return f.blocks[seqno], nil
}

func (f *fakeLedger) GetAccountTransactions(_ context.Context, address string, _ int) ([]ton.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accountCalls++
	if f.accountErr != nil {
		return nil, f.accountErr
	}
	return f.accountTxs[address], nil
}

func (f *fakeLedger) GetBalance(ctx context.Context, address string) (int64, error) {
	f.mu.Lock()
	gate := f.balanceGate
	balance := f.balances[address]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	return balance, nil
}

func (f *fakeLedger) GetSeqno(_ context.Context, address string) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seqnos[address], nil
}

func (f *fakeLedger) SendBoc(_ context.Context, payload []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sent = append(f.sent, append([]byte(nil), payload...))
	return f.sendHash, nil
}

func (f *fakeLedger) addAccountTx(address string, tx ton.Transaction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accountTxs[address] = append(f.accountTxs[address], tx)
}

func (f *fakeLedger) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// fakeConfirm is a ConfirmationSource with a fixed answer.
type fakeConfirm struct {
	seen bool
	err  error
}

func (f *fakeConfirm) HasTransaction(context.Context, string, string) (bool, error) {
	return f.seen, f.err
}

// incomingTx builds a fresh incoming deposit transaction.
func incomingTx(hash, dest, memo string, value int64) ton.Transaction {
	return ton.Transaction{
		ID:    ton.TransactionID{Hash: hash},
		Utime: time.Now().Unix(),
		InMsg: &ton.Message{
			Source:      "depositor",
			Destination: dest,
			Value:       ton.Coins(value),
			Memo:        memo,
		},
	}
}

// outgoingTx builds a transaction carrying an outgoing transfer, as seen in
// the custodial account's history after a sweep.
func outgoingTx(hash, dest, memo string, value int64) ton.Transaction {
	return ton.Transaction{
		ID:    ton.TransactionID{Hash: hash},
		Utime: time.Now().Unix(),
		OutMsgs: []ton.Message{{
			Destination: dest,
			Value:       ton.Coins(value),
			Memo:        memo,
		}},
	}
}

// noSleep replaces retry delays in tests.
func noSleep(context.Context, time.Duration) error { return nil }

// Package custody implements the deposit credit and sweep pipeline: chain
// scanning, deposit classification, verification, the idempotent ticket
// ledger and the custodial sweep engine.
package custody

import (
	"context"

	"github.com/method-app/custody/internal/ton"
)

// Ledger is the read/submit capability the pipeline consumes from the chain.
type Ledger interface {
	GetMasterchainHeight(ctx context.Context) (uint64, error)
	GetBlockTransactions(ctx context.Context, seqno uint64) ([]ton.Transaction, error)
	GetAccountTransactions(ctx context.Context, address string, limit int) ([]ton.Transaction, error)
	GetBalance(ctx context.Context, address string) (int64, error)
	GetSeqno(ctx context.Context, address string) (uint32, error)
	SendBoc(ctx context.Context, payload []byte) (string, error)
}

// ConfirmationSource corroborates a located transaction through a second,
// independent observer.
type ConfirmationSource interface {
	HasTransaction(ctx context.Context, address, hash string) (bool, error)
}

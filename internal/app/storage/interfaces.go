// Package storage defines persistence interfaces for the custody service.
package storage

import (
	"context"
	"errors"

	"github.com/method-app/custody/internal/app/domain/custody"
)

// ErrNotFound is returned when a requested record does not exist. Callers
// that treat absence as a normal outcome (address lookups, sweep status
// checks) match against it with errors.Is.
var ErrNotFound = errors.New("storage: not found")

// ErrExists is returned when inserting a record whose key already exists.
var ErrExists = errors.New("storage: already exists")

// UserStore persists user ticket balances and the append-only credit
// history. AtomicCreditIfNotProcessed is the only balance mutation path.
type UserStore interface {
	// GetUserIDByDepositAddress resolves a custodial deposit address to its
	// owning user. Returns ErrNotFound for unknown addresses.
	GetUserIDByDepositAddress(ctx context.Context, address string) (string, error)

	// AtomicCreditIfNotProcessed applies the credit and appends the history
	// entry in one atomic step. When the idempotency key was already
	// processed it returns the current balance and alreadyProcessed=true
	// without touching anything.
	AtomicCreditIfNotProcessed(ctx context.Context, userID, key string, amount int64, creditType string) (balance int64, alreadyProcessed bool, err error)

	TicketBalance(ctx context.Context, userID string) (int64, error)
	ListCreditHistory(ctx context.Context, userID string) ([]custody.CreditEntry, error)
}

// CustodyStore persists custodial accounts, deposit records and sweep
// status.
type CustodyStore interface {
	CreateCustodialAccount(ctx context.Context, acct custody.CustodialAccount) (custody.CustodialAccount, error)
	GetCustodialAccount(ctx context.Context, id string) (custody.CustodialAccount, error)
	GetCustodialAccountByUser(ctx context.Context, userID string) (custody.CustodialAccount, error)

	// CreateDepositRecord inserts a new record. Returns ErrExists when the
	// idempotency key is already present.
	CreateDepositRecord(ctx context.Context, rec custody.DepositRecord) (custody.DepositRecord, error)
	GetDepositRecord(ctx context.Context, key string) (custody.DepositRecord, error)

	// UpdateDepositRecord moves a record forward. Backward transitions are
	// rejected.
	UpdateDepositRecord(ctx context.Context, key string, status custody.DepositStatus, txHash, reason string) (custody.DepositRecord, error)

	// ListUnsettledDeposits returns records that have not reached a sweep
	// terminal state, oldest first.
	ListUnsettledDeposits(ctx context.Context) ([]custody.DepositRecord, error)

	SweepStatus(ctx context.Context, key string) (custody.SweepStatus, error)
	SetSweepStatus(ctx context.Context, status custody.SweepStatus) error
}

// CursorStore persists the last fully-processed masterchain block seqno.
type CursorStore interface {
	Cursor(ctx context.Context) (uint64, error)
	SetCursor(ctx context.Context, seqno uint64) error
}

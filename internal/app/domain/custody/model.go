// Package custody defines the domain model for deposit custody: custodial
// accounts, deposit records with a forward-only status lifecycle, the credit
// ledger entries and sweep status.
package custody

import "time"

// DepositStatus is the lifecycle stage of a deposit record. Transitions only
// move forward; a stage is never revisited.
type DepositStatus string

const (
	// StatusPending is the initial state: a candidate was observed but not
	// yet verified on chain.
	StatusPending DepositStatus = "pending"
	// StatusVerified means the deposit transaction was located and
	// corroborated.
	StatusVerified DepositStatus = "verified"
	// StatusCredited means the ticket credit was applied.
	StatusCredited DepositStatus = "credited"
	// StatusSweepInitiated means the sweep transfer was submitted and is
	// awaiting confirmation.
	StatusSweepInitiated DepositStatus = "sweep_initiated"
	// StatusSweepConfirmed is the terminal success state.
	StatusSweepConfirmed DepositStatus = "sweep_confirmed"
	// StatusSweepFailed is terminal for the sweep, not the credit: the user
	// keeps their tickets and the sweep can be retried under the same key.
	StatusSweepFailed DepositStatus = "sweep_failed"
)

var statusRank = map[DepositStatus]int{
	StatusPending:        0,
	StatusVerified:       1,
	StatusCredited:       2,
	StatusSweepInitiated: 3,
	StatusSweepConfirmed: 4,
	StatusSweepFailed:    4,
}

// Forward reports whether moving from one status to another advances the
// lifecycle. Equal states are not an advance; unknown states never are.
func Forward(from, to DepositStatus) bool {
	fromRank, okFrom := statusRank[from]
	toRank, okTo := statusRank[to]
	return okFrom && okTo && toRank > fromRank
}

// AtLeast reports whether the status has reached the given stage.
func (s DepositStatus) AtLeast(stage DepositStatus) bool {
	rank, ok := statusRank[s]
	stageRank, okStage := statusRank[stage]
	return ok && okStage && rank >= stageRank
}

// SweepState is the durable state of a sweep attempt, keyed by the deposit
// idempotency key.
type SweepState string

const (
	SweepStateInitiated    SweepState = "initiated"
	SweepStateConfirmed    SweepState = "confirmed"
	SweepStateFailed       SweepState = "failed"
	SweepStateInsufficient SweepState = "insufficient_balance"
)

// Credit types recorded in the history ledger.
const (
	// CreditTypePurchase is a chain-verified deposit credit.
	CreditTypePurchase = "purchase"
	// CreditTypeExternal is a client-reported payment notification.
	CreditTypeExternal = "external_payment"
)

// CustodialAccount is a per-user deposit wallet whose keys the service holds.
type CustodialAccount struct {
	ID        string
	UserID    string
	Address   string
	PublicKey []byte
	SecretKey []byte
	CreatedAt time.Time
	// LastSweep mirrors the most recent sweep status for audit queries.
	LastSweep *SweepStatus
}

// DepositRecord tracks one deposit through the pipeline, keyed by the memo's
// idempotency key.
type DepositRecord struct {
	Key             string
	UserID          string
	AccountID       string
	AmountRequested int64 // ticket units from the memo
	Status          DepositStatus
	ChainTxHash     string
	Reason          string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// CreditEntry is one row of the append-only credit history.
type CreditEntry struct {
	ID        string
	UserID    string
	Key       string
	Type      string
	Amount    int64
	CreatedAt time.Time
}

// SweepStatus is the durable record of a sweep attempt.
type SweepStatus struct {
	Key       string
	State     SweepState
	Amount    int64 // nanotons submitted
	TxHash    string
	Reason    string
	UpdatedAt time.Time
}

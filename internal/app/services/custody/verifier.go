package custody

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/method-app/custody/internal/app/domain/custody"
	"github.com/method-app/custody/internal/app/storage"
	"github.com/method-app/custody/internal/ton"
	"github.com/method-app/custody/pkg/logger"
)

// VerifierConfig bounds the verification retry loop.
type VerifierConfig struct {
	// Attempts is the number of account-history scans before giving up
	// with a Pending result.
	Attempts int
	// InitialDelay runs before the first attempt and is longer than Delay
	// to absorb indexer replication lag.
	InitialDelay time.Duration
	Delay        time.Duration
	// Freshness rejects matches older than this window so a stale memo
	// cannot be replayed into a new credit.
	Freshness time.Duration
	// HistoryLimit caps how many recent account transactions are scanned.
	HistoryLimit int
}

// DefaultVerifierConfig mirrors the production retry budget.
func DefaultVerifierConfig() VerifierConfig {
	return VerifierConfig{
		Attempts:     10,
		InitialDelay: 15 * time.Second,
		Delay:        5 * time.Second,
		Freshness:    30 * time.Minute,
		HistoryLimit: 20,
	}
}

// VerifyResult is the verifier's outcome. Confirmed=false with a nil error
// means "not yet": absence of a match is not evidence of non-existence.
type VerifyResult struct {
	Confirmed bool
	TxHash    string
}

// Verifier decides whether a candidate deposit is final on chain.
type Verifier struct {
	ledger  Ledger
	store   storage.CustodyStore
	confirm ConfirmationSource
	cfg     VerifierConfig
	log     *logger.Logger

	// sleep is replaced in tests to avoid real delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewVerifier creates a verifier. confirm may be nil, in which case the
// corroboration step is skipped.
func NewVerifier(ledger Ledger, store storage.CustodyStore, confirm ConfirmationSource, cfg VerifierConfig, log *logger.Logger) *Verifier {
	if log == nil {
		log = logger.NewDefault("custody-verifier")
	}
	if cfg.Attempts <= 0 {
		cfg = DefaultVerifierConfig()
	}
	return &Verifier{
		ledger:  ledger,
		store:   store,
		confirm: confirm,
		cfg:     cfg,
		log:     log,
		sleep:   sleepCtx,
	}
}

// Verify locates the deposit transaction in the custodial account's recent
// history and corroborates it. When the idempotency key is already credited
// it short-circuits without touching the network.
func (v *Verifier) Verify(ctx context.Context, acct domain.CustodialAccount, memo Memo) (VerifyResult, error) {
	rec, err := v.store.GetDepositRecord(ctx, memo.Key)
	if err == nil && rec.Status.AtLeast(domain.StatusCredited) {
		return VerifyResult{Confirmed: true, TxHash: rec.ChainTxHash}, nil
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return VerifyResult{}, err
	}

	for attempt := 0; attempt < v.cfg.Attempts; attempt++ {
		delay := v.cfg.Delay
		if attempt == 0 {
			delay = v.cfg.InitialDelay
		}
		if err := v.sleep(ctx, delay); err != nil {
			return VerifyResult{}, err
		}

		txs, err := v.ledger.GetAccountTransactions(ctx, acct.Address, v.cfg.HistoryLimit)
		if err != nil {
			v.log.WithError(err).WithField("key", memo.Key).Warn("account history fetch failed")
			continue
		}

		hash, found := v.locate(txs, memo)
		if !found {
			continue
		}

		if v.confirm != nil {
			seen, err := v.confirm.HasTransaction(ctx, acct.Address, hash)
			if err != nil {
				v.log.WithError(err).WithField("key", memo.Key).Warn("confirmation query failed")
				continue
			}
			if !seen {
				continue
			}
		}

		return VerifyResult{Confirmed: true, TxHash: hash}, nil
	}

	return VerifyResult{}, nil
}

// locate finds an incoming transfer carrying the memo key within the
// freshness window. The key alone identifies the purchase; the tag is not
// re-checked here since the classifier already did.
func (v *Verifier) locate(txs []ton.Transaction, memo Memo) (string, bool) {
	cutoff := time.Now().Add(-v.cfg.Freshness).Unix()
	for _, tx := range txs {
		if !tx.Incoming() {
			continue
		}
		if tx.Utime < cutoff {
			continue
		}
		parts := strings.Split(strings.TrimSpace(tx.InMsg.Memo), ":")
		if len(parts) != 3 || parts[2] != memo.Key {
			continue
		}
		return tx.Hash(), true
	}
	return "", false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

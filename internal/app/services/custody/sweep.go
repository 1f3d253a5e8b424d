package custody

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	domain "github.com/method-app/custody/internal/app/domain/custody"
	"github.com/method-app/custody/internal/app/metrics"
	"github.com/method-app/custody/internal/app/storage"
	"github.com/method-app/custody/internal/ton"
	"github.com/method-app/custody/pkg/logger"
)

// SweepOutcome is the typed result of a sweep attempt.
type SweepOutcome string

const (
	// SweepSuccess means a durable confirmed sweep already exists for the
	// key; nothing was re-sent.
	SweepSuccess SweepOutcome = "success"
	// SweepPending means a transfer was submitted (or is already in
	// flight) and confirmation polling will settle it.
	SweepPending SweepOutcome = "pending"
	// SweepInsufficientBalance is terminal-for-now: the custodial account
	// cannot cover the minimum transfer plus the fee reserve.
	SweepInsufficientBalance SweepOutcome = "insufficient_balance"
	// SweepAlreadyAttempted means another attempt holds the in-process
	// guard for this key.
	SweepAlreadyAttempted SweepOutcome = "already_attempted"
	// SweepError covers signing and submission failures.
	SweepError SweepOutcome = "error"
)

// SweepResult carries the outcome plus the submitted amount and hash when a
// transfer went out.
type SweepResult struct {
	Outcome SweepOutcome
	TxHash  string
	Amount  int64
	Reason  string
}

// SweeperConfig holds sweep thresholds and the confirmation polling budget.
// Amounts are nanotons.
type SweeperConfig struct {
	OperatingAddress string
	FeeReserve       int64
	MinTransfer      int64
	// DustThreshold: when balance minus the fee reserve falls below it,
	// the entire balance is sent instead, accepting that fees consume the
	// remainder.
	DustThreshold   int64
	TransferTTL     time.Duration
	ConfirmAttempts int
	ConfirmDelay    time.Duration
	HistoryLimit    int
}

// DefaultSweeperConfig returns production defaults (0.01 TON fee reserve,
// 0.05 TON minimum transfer).
func DefaultSweeperConfig(operatingAddress string) SweeperConfig {
	return SweeperConfig{
		OperatingAddress: operatingAddress,
		FeeReserve:       10_000_000,
		MinTransfer:      50_000_000,
		DustThreshold:    10_000_000,
		TransferTTL:      2 * time.Minute,
		ConfirmAttempts:  20,
		ConfirmDelay:     6 * time.Second,
		HistoryLimit:     20,
	}
}

// Sweeper moves custodial funds to the operating account, at most one
// in-flight attempt per idempotency key.
type Sweeper struct {
	store  storage.CustodyStore
	ledger Ledger
	cfg    SweeperConfig
	log    *logger.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
	wg       sync.WaitGroup

	sleep func(ctx context.Context, d time.Duration) error
}

// NewSweeper creates a sweep engine.
func NewSweeper(store storage.CustodyStore, ledger Ledger, cfg SweeperConfig, log *logger.Logger) *Sweeper {
	if log == nil {
		log = logger.NewDefault("custody-sweeper")
	}
	if cfg.ConfirmAttempts <= 0 {
		cfg.ConfirmAttempts = 20
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 20
	}
	if cfg.TransferTTL <= 0 {
		cfg.TransferTTL = 2 * time.Minute
	}
	return &Sweeper{
		store:    store,
		ledger:   ledger,
		cfg:      cfg,
		log:      log,
		inflight: make(map[string]struct{}),
		sleep:    sleepCtx,
	}
}

// Sweep attempts to move the custodial account's funds to the operating
// account under the given idempotency key. Every terminal branch persists
// its reason.
func (s *Sweeper) Sweep(ctx context.Context, acct domain.CustodialAccount, key string) SweepResult {
	start := time.Now()
	result := s.sweep(ctx, acct, key)
	metrics.RecordSweep(string(result.Outcome), time.Since(start))
	return result
}

func (s *Sweeper) sweep(ctx context.Context, acct domain.CustodialAccount, key string) SweepResult {
	log := s.log.WithField("key", key).WithField("account", acct.ID)

	// A durable confirmed sweep means the funds already moved; an
	// initiated one means confirmation polling is settling it.
	st, err := s.store.SweepStatus(ctx, key)
	switch {
	case err == nil && st.State == domain.SweepStateConfirmed:
		return SweepResult{Outcome: SweepSuccess, TxHash: st.TxHash, Amount: st.Amount}
	case err == nil && st.State == domain.SweepStateInitiated:
		return SweepResult{Outcome: SweepPending, TxHash: st.TxHash, Amount: st.Amount}
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		return SweepResult{Outcome: SweepError, Reason: err.Error()}
	}

	if !s.acquire(key) {
		return SweepResult{Outcome: SweepAlreadyAttempted, Reason: "sweep already in progress"}
	}
	defer s.release(key)

	balance, err := s.ledger.GetBalance(ctx, acct.Address)
	if err != nil {
		return s.fail(ctx, key, fmt.Sprintf("balance query: %v", err))
	}

	if balance < s.cfg.MinTransfer+s.cfg.FeeReserve {
		reason := fmt.Sprintf("balance %d below minimum %d", balance, s.cfg.MinTransfer+s.cfg.FeeReserve)
		if err := s.store.SetSweepStatus(ctx, domain.SweepStatus{
			Key:    key,
			State:  domain.SweepStateInsufficient,
			Reason: reason,
		}); err != nil {
			log.WithError(err).Warn("persist insufficient-balance status failed")
		}
		return SweepResult{Outcome: SweepInsufficientBalance, Reason: reason}
	}

	amount := balance - s.cfg.FeeReserve
	if amount < s.cfg.DustThreshold {
		// Sending balance minus the reserve would strand dust; send
		// everything and let fees consume the remainder.
		amount = balance
	}

	seqno, err := s.ledger.GetSeqno(ctx, acct.Address)
	if err != nil {
		return s.fail(ctx, key, fmt.Sprintf("seqno query: %v", err))
	}

	wallet, err := ton.WalletFromKeys(acct.PublicKey, acct.SecretKey)
	if err != nil {
		return s.fail(ctx, key, fmt.Sprintf("load wallet: %v", err))
	}

	payload, err := wallet.SignTransfer(seqno, s.cfg.OperatingAddress, amount, key, time.Now().Add(s.cfg.TransferTTL))
	if err != nil {
		return s.fail(ctx, key, fmt.Sprintf("sign transfer: %v", err))
	}

	hash, err := s.ledger.SendBoc(ctx, payload)
	if err != nil {
		return s.fail(ctx, key, fmt.Sprintf("submit transfer: %v", err))
	}

	if err := s.store.SetSweepStatus(ctx, domain.SweepStatus{
		Key:    key,
		State:  domain.SweepStateInitiated,
		Amount: amount,
		TxHash: hash,
	}); err != nil {
		log.WithError(err).Warn("persist initiated status failed")
	}
	if _, err := s.store.UpdateDepositRecord(ctx, key, domain.StatusSweepInitiated, "", ""); err != nil {
		log.WithError(err).Warn("mark deposit sweep-initiated failed")
	}

	log.Infof("sweep submitted: %d nanotons in tx %s", amount, hash)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		// The confirmation budget runs to completion even if the
		// triggering request goes away.
		s.confirm(context.Background(), acct, key, amount, hash)
	}()

	return SweepResult{Outcome: SweepPending, TxHash: hash, Amount: amount}
}

// Confirm re-runs confirmation polling for an initiated sweep. Used by the
// recovery poller after a restart.
func (s *Sweeper) Confirm(ctx context.Context, acct domain.CustodialAccount, key string) {
	st, err := s.store.SweepStatus(ctx, key)
	if err != nil || st.State != domain.SweepStateInitiated {
		return
	}
	if !s.acquire(key) {
		return
	}
	defer s.release(key)
	s.confirm(ctx, acct, key, st.Amount, st.TxHash)
}

// Wait blocks until all detached confirmation loops finish. Test helper.
func (s *Sweeper) Wait() { s.wg.Wait() }

func (s *Sweeper) confirm(ctx context.Context, acct domain.CustodialAccount, key string, amount int64, hash string) {
	log := s.log.WithField("key", key)
	var lastErr error

	for attempt := 0; attempt < s.cfg.ConfirmAttempts; attempt++ {
		if err := s.sleep(ctx, s.cfg.ConfirmDelay); err != nil {
			lastErr = err
			break
		}

		txs, err := s.ledger.GetAccountTransactions(ctx, acct.Address, s.cfg.HistoryLimit)
		if err != nil {
			lastErr = err
			continue
		}

		if !outgoingTransferSeen(txs, s.cfg.OperatingAddress, key) {
			continue
		}

		if err := s.store.SetSweepStatus(ctx, domain.SweepStatus{
			Key:    key,
			State:  domain.SweepStateConfirmed,
			Amount: amount,
			TxHash: hash,
		}); err != nil {
			log.WithError(err).Warn("persist confirmed status failed")
		}
		if _, err := s.store.UpdateDepositRecord(ctx, key, domain.StatusSweepConfirmed, "", ""); err != nil {
			log.WithError(err).Warn("mark deposit sweep-confirmed failed")
		}
		log.Info("sweep confirmed")
		return
	}

	reason := "confirmation attempts exhausted"
	if lastErr != nil {
		reason = fmt.Sprintf("%s: %v", reason, lastErr)
	}
	if err := s.store.SetSweepStatus(ctx, domain.SweepStatus{
		Key:    key,
		State:  domain.SweepStateFailed,
		Amount: amount,
		TxHash: hash,
		Reason: reason,
	}); err != nil {
		log.WithError(err).Warn("persist failed status failed")
	}
	if _, err := s.store.UpdateDepositRecord(ctx, key, domain.StatusSweepFailed, "", reason); err != nil {
		log.WithError(err).Warn("mark deposit sweep-failed failed")
	}
	log.Warnf("sweep confirmation gave up: %s", reason)
}

func (s *Sweeper) fail(ctx context.Context, key, reason string) SweepResult {
	if err := s.store.SetSweepStatus(ctx, domain.SweepStatus{
		Key:    key,
		State:  domain.SweepStateFailed,
		Reason: reason,
	}); err != nil {
		s.log.WithError(err).WithField("key", key).Warn("persist failed status failed")
	}
	return SweepResult{Outcome: SweepError, Reason: reason}
}

func (s *Sweeper) acquire(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, held := s.inflight[key]; held {
		return false
	}
	s.inflight[key] = struct{}{}
	return true
}

func (s *Sweeper) release(key string) {
	s.mu.Lock()
	delete(s.inflight, key)
	s.mu.Unlock()
}

func outgoingTransferSeen(txs []ton.Transaction, destination, key string) bool {
	for _, tx := range txs {
		for _, out := range tx.OutMsgs {
			if out.Destination == destination && out.Memo == key {
				return true
			}
		}
	}
	return false
}

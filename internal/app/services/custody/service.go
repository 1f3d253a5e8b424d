package custody

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	domain "github.com/method-app/custody/internal/app/domain/custody"
	"github.com/method-app/custody/internal/app/metrics"
	"github.com/method-app/custody/internal/app/storage"
	"github.com/method-app/custody/internal/ton"
	"github.com/method-app/custody/pkg/logger"
)

// CreditResult is the outcome of an idempotent credit.
type CreditResult struct {
	Balance          int64
	AlreadyProcessed bool
}

// Service exposes the custody operations consumed by route handlers and the
// scanner: the idempotent credit ledger, deposit address management, and the
// deposit pipeline from verified candidate to sweep.
type Service struct {
	users    storage.UserStore
	store    storage.CustodyStore
	verifier *Verifier
	sweeper  *Sweeper
	log      *logger.Logger

	// wg tracks detached deposit pipelines so tests can wait for them.
	wg sync.WaitGroup
}

// New creates the custody service.
func New(users storage.UserStore, store storage.CustodyStore, verifier *Verifier, sweeper *Sweeper, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("custody")
	}
	return &Service{
		users:    users,
		store:    store,
		verifier: verifier,
		sweeper:  sweeper,
		log:      log,
	}
}

// Credit applies a ticket credit at most once per idempotency key. A second
// invocation returns the existing balance with AlreadyProcessed set; it is a
// no-op, not an error.
func (s *Service) Credit(ctx context.Context, userID, key string, amount int64, creditType string) (CreditResult, error) {
	if userID == "" || key == "" {
		return CreditResult{}, fmt.Errorf("user id and idempotency key required")
	}
	if amount <= 0 {
		return CreditResult{}, fmt.Errorf("credit amount must be positive")
	}
	if creditType == "" {
		creditType = domain.CreditTypePurchase
	}

	balance, already, err := s.users.AtomicCreditIfNotProcessed(ctx, userID, key, amount, creditType)
	if err != nil {
		return CreditResult{}, err
	}
	metrics.RecordCredit(creditType, already)
	if already {
		s.log.WithField("key", key).Debug("credit already processed")
	}
	return CreditResult{Balance: balance, AlreadyProcessed: already}, nil
}

// OnExternalPaymentNotification credits a client-reported transfer under the
// same idempotent contract as chain-observed deposits.
func (s *Service) OnExternalPaymentNotification(ctx context.Context, userID, key string, amount int64) (CreditResult, error) {
	return s.Credit(ctx, userID, key, amount, domain.CreditTypeExternal)
}

// GetBalance returns the user's ticket balance.
func (s *Service) GetBalance(ctx context.Context, userID string) (int64, error) {
	return s.users.TicketBalance(ctx, userID)
}

// History returns the user's credit history, oldest first.
func (s *Service) History(ctx context.Context, userID string) ([]domain.CreditEntry, error) {
	return s.users.ListCreditHistory(ctx, userID)
}

// GetDepositAddress returns the user's custodial deposit address, creating
// the custodial account on first call.
func (s *Service) GetDepositAddress(ctx context.Context, userID string) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", fmt.Errorf("user id required")
	}

	acct, err := s.store.GetCustodialAccountByUser(ctx, userID)
	if err == nil {
		return acct.Address, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return "", err
	}

	wallet, err := ton.GenerateWallet()
	if err != nil {
		return "", err
	}

	created, err := s.store.CreateCustodialAccount(ctx, domain.CustodialAccount{
		ID:        uuid.NewString(),
		UserID:    userID,
		Address:   wallet.Address(),
		PublicKey: wallet.PublicKey,
		SecretKey: wallet.SecretKey,
	})
	if errors.Is(err, storage.ErrExists) {
		// Lost a creation race; the winner's account is the one.
		existing, getErr := s.store.GetCustodialAccountByUser(ctx, userID)
		if getErr != nil {
			return "", getErr
		}
		return existing.Address, nil
	}
	if err != nil {
		return "", err
	}

	s.log.WithField("user", userID).Info("custodial account created")
	return created.Address, nil
}

// GetSweepStatus returns the sweep status for an idempotency key.
func (s *Service) GetSweepStatus(ctx context.Context, key string) (domain.SweepStatus, error) {
	return s.store.SweepStatus(ctx, key)
}

// RetrySweep re-runs the sweep for a credited deposit. Exposed for operator
// intervention after an insufficient-balance outcome was topped up.
func (s *Service) RetrySweep(ctx context.Context, key string) (SweepResult, error) {
	rec, err := s.store.GetDepositRecord(ctx, key)
	if err != nil {
		return SweepResult{}, err
	}
	if !rec.Status.AtLeast(domain.StatusCredited) {
		return SweepResult{}, fmt.Errorf("deposit %s not credited yet", key)
	}
	acct, err := s.store.GetCustodialAccount(ctx, rec.AccountID)
	if err != nil {
		return SweepResult{}, err
	}
	return s.sweeper.Sweep(ctx, acct, key), nil
}

// HandleCandidate runs the deposit pipeline for a classified candidate in a
// detached goroutine so the scanner tick stays responsive.
func (s *Service) HandleCandidate(ctx context.Context, userID string, candidate Candidate) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.processDeposit(context.Background(), userID, candidate); err != nil {
			s.log.WithError(err).WithField("key", candidate.Memo.Key).Warn("deposit pipeline failed")
		}
	}()
}

// Wait blocks until detached deposit pipelines finish. Test helper.
func (s *Service) Wait() {
	s.wg.Wait()
	if s.sweeper != nil {
		s.sweeper.Wait()
	}
}

// processDeposit drives one candidate through verify -> credit -> sweep.
// Every stage persists its transition so a crash resumes instead of
// restarting.
func (s *Service) processDeposit(ctx context.Context, userID string, candidate Candidate) error {
	key := candidate.Memo.Key
	log := s.log.WithField("key", key).WithField("user", userID)

	acct, err := s.store.GetCustodialAccountByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("load custodial account: %w", err)
	}

	rec, err := s.store.CreateDepositRecord(ctx, domain.DepositRecord{
		Key:             key,
		UserID:          userID,
		AccountID:       acct.ID,
		AmountRequested: candidate.Memo.Amount,
		Status:          domain.StatusPending,
		ChainTxHash:     candidate.TxHash,
	})
	if errors.Is(err, storage.ErrExists) {
		rec, err = s.store.GetDepositRecord(ctx, key)
	}
	if err != nil {
		return fmt.Errorf("deposit record: %w", err)
	}

	return s.resume(ctx, acct, rec, log)
}

// Resume re-drives a deposit record from its persisted status. Called by the
// recovery poller for records left mid-pipeline.
func (s *Service) Resume(ctx context.Context, rec domain.DepositRecord) error {
	acct, err := s.store.GetCustodialAccount(ctx, rec.AccountID)
	if err != nil {
		return fmt.Errorf("load custodial account: %w", err)
	}
	return s.resume(ctx, acct, rec, s.log.WithField("key", rec.Key))
}

func (s *Service) resume(ctx context.Context, acct domain.CustodialAccount, rec domain.DepositRecord, log *logger.Logger) error {
	key := rec.Key

	if !rec.Status.AtLeast(domain.StatusVerified) {
		result, err := s.verifier.Verify(ctx, acct, Memo{Tag: DefaultMemoTags[0], Amount: rec.AmountRequested, Key: key})
		if err != nil {
			return fmt.Errorf("verify: %w", err)
		}
		if !result.Confirmed {
			// Not yet final. The record stays Pending and the recovery
			// poller retries later.
			log.Info("deposit not yet final")
			return nil
		}
		if rec, err = s.store.UpdateDepositRecord(ctx, key, domain.StatusVerified, result.TxHash, ""); err != nil {
			return fmt.Errorf("mark verified: %w", err)
		}
	}

	if !rec.Status.AtLeast(domain.StatusCredited) {
		credit, err := s.Credit(ctx, rec.UserID, key, rec.AmountRequested, domain.CreditTypePurchase)
		if err != nil {
			return fmt.Errorf("credit: %w", err)
		}
		if rec, err = s.store.UpdateDepositRecord(ctx, key, domain.StatusCredited, "", ""); err != nil {
			return fmt.Errorf("mark credited: %w", err)
		}
		log.Infof("credited %d tickets (balance %d, duplicate=%t)", rec.AmountRequested, credit.Balance, credit.AlreadyProcessed)
	}

	result := s.sweeper.Sweep(ctx, acct, key)
	switch result.Outcome {
	case SweepError:
		log.Warnf("sweep failed: %s", result.Reason)
	case SweepInsufficientBalance:
		log.Warnf("sweep blocked: %s", result.Reason)
	}
	return nil
}

package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/method-app/custody/internal/app/domain/custody"
	"github.com/method-app/custody/internal/app/storage"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests and local
// development.
type Store struct {
	mu             sync.Mutex
	nextID         int64
	balances       map[string]int64
	history        map[string][]custody.CreditEntry
	processedKeys  map[string]struct{}
	accounts       map[string]custody.CustodialAccount
	accountsByUser map[string]string
	usersByAddress map[string]string
	deposits       map[string]custody.DepositRecord
	sweeps         map[string]custody.SweepStatus
	cursor         uint64
}

var _ storage.UserStore = (*Store)(nil)
var _ storage.CustodyStore = (*Store)(nil)
var _ storage.CursorStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		nextID:         1,
		balances:       make(map[string]int64),
		history:        make(map[string][]custody.CreditEntry),
		processedKeys:  make(map[string]struct{}),
		accounts:       make(map[string]custody.CustodialAccount),
		accountsByUser: make(map[string]string),
		usersByAddress: make(map[string]string),
		deposits:       make(map[string]custody.DepositRecord),
		sweeps:         make(map[string]custody.SweepStatus),
	}
}

func (s *Store) nextIDLocked() string {
	id := s.nextID
	s.nextID++
	return fmt.Sprintf("%d", id)
}

// SetBalance seeds a user balance. Test helper.
func (s *Store) SetBalance(userID string, balance int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[userID] = balance
}

// UserStore implementation ----------------------------------------------------

func (s *Store) GetUserIDByDepositAddress(_ context.Context, address string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	userID, ok := s.usersByAddress[address]
	if !ok {
		return "", fmt.Errorf("address %s: %w", address, storage.ErrNotFound)
	}
	return userID, nil
}

func (s *Store) AtomicCreditIfNotProcessed(_ context.Context, userID, key string, amount int64, creditType string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, done := s.processedKeys[key]; done {
		return s.balances[userID], true, nil
	}

	s.processedKeys[key] = struct{}{}
	s.balances[userID] += amount
	s.history[userID] = append(s.history[userID], custody.CreditEntry{
		ID:        s.nextIDLocked(),
		UserID:    userID,
		Key:       key,
		Type:      creditType,
		Amount:    amount,
		CreatedAt: time.Now().UTC(),
	})
	return s.balances[userID], false, nil
}

func (s *Store) TicketBalance(_ context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[userID], nil
}

func (s *Store) ListCreditHistory(_ context.Context, userID string) ([]custody.CreditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.history[userID]
	result := make([]custody.CreditEntry, len(entries))
	copy(result, entries)
	return result, nil
}

// CustodyStore implementation -------------------------------------------------

func (s *Store) CreateCustodialAccount(_ context.Context, acct custody.CustodialAccount) (custody.CustodialAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accountsByUser[acct.UserID]; exists {
		return custody.CustodialAccount{}, fmt.Errorf("custodial account for user %s: %w", acct.UserID, storage.ErrExists)
	}
	if acct.ID == "" {
		acct.ID = s.nextIDLocked()
	}
	acct.CreatedAt = time.Now().UTC()

	s.accounts[acct.ID] = cloneAccount(acct)
	s.accountsByUser[acct.UserID] = acct.ID
	s.usersByAddress[acct.Address] = acct.UserID
	return cloneAccount(acct), nil
}

func (s *Store) GetCustodialAccount(_ context.Context, id string) (custody.CustodialAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[id]
	if !ok {
		return custody.CustodialAccount{}, fmt.Errorf("custodial account %s: %w", id, storage.ErrNotFound)
	}
	return cloneAccount(acct), nil
}

func (s *Store) GetCustodialAccountByUser(_ context.Context, userID string) (custody.CustodialAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.accountsByUser[userID]
	if !ok {
		return custody.CustodialAccount{}, fmt.Errorf("custodial account for user %s: %w", userID, storage.ErrNotFound)
	}
	return cloneAccount(s.accounts[id]), nil
}

func (s *Store) CreateDepositRecord(_ context.Context, rec custody.DepositRecord) (custody.DepositRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.deposits[rec.Key]; exists {
		return custody.DepositRecord{}, fmt.Errorf("deposit %s: %w", rec.Key, storage.ErrExists)
	}

	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	if rec.Status == "" {
		rec.Status = custody.StatusPending
	}
	s.deposits[rec.Key] = rec
	return rec, nil
}

func (s *Store) GetDepositRecord(_ context.Context, key string) (custody.DepositRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.deposits[key]
	if !ok {
		return custody.DepositRecord{}, fmt.Errorf("deposit %s: %w", key, storage.ErrNotFound)
	}
	return rec, nil
}

func (s *Store) UpdateDepositRecord(_ context.Context, key string, status custody.DepositStatus, txHash, reason string) (custody.DepositRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.deposits[key]
	if !ok {
		return custody.DepositRecord{}, fmt.Errorf("deposit %s: %w", key, storage.ErrNotFound)
	}
	if !custody.Forward(rec.Status, status) {
		return custody.DepositRecord{}, fmt.Errorf("deposit %s: transition %s -> %s not allowed", key, rec.Status, status)
	}

	rec.Status = status
	if txHash != "" {
		rec.ChainTxHash = txHash
	}
	if reason != "" {
		rec.Reason = reason
	}
	rec.UpdatedAt = time.Now().UTC()
	s.deposits[key] = rec
	return rec, nil
}

func (s *Store) ListUnsettledDeposits(_ context.Context) ([]custody.DepositRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []custody.DepositRecord
	for _, rec := range s.deposits {
		switch rec.Status {
		case custody.StatusSweepConfirmed, custody.StatusSweepFailed:
			continue
		}
		result = append(result, rec)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *Store) SweepStatus(_ context.Context, key string) (custody.SweepStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.sweeps[key]
	if !ok {
		return custody.SweepStatus{}, fmt.Errorf("sweep %s: %w", key, storage.ErrNotFound)
	}
	return st, nil
}

func (s *Store) SetSweepStatus(_ context.Context, status custody.SweepStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	status.UpdatedAt = time.Now().UTC()
	s.sweeps[status.Key] = status

	// Mirror the latest sweep onto the owning custodial account for audit.
	if rec, ok := s.deposits[status.Key]; ok {
		if acct, ok := s.accounts[rec.AccountID]; ok {
			st := status
			acct.LastSweep = &st
			s.accounts[rec.AccountID] = acct
		}
	}
	return nil
}

// CursorStore implementation --------------------------------------------------

func (s *Store) Cursor(_ context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor, nil
}

func (s *Store) SetCursor(_ context.Context, seqno uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if seqno < s.cursor {
		return fmt.Errorf("cursor cannot move backwards (%d -> %d)", s.cursor, seqno)
	}
	s.cursor = seqno
	return nil
}

func cloneAccount(acct custody.CustodialAccount) custody.CustodialAccount {
	out := acct
	out.PublicKey = append([]byte(nil), acct.PublicKey...)
	out.SecretKey = append([]byte(nil), acct.SecretKey...)
	if acct.LastSweep != nil {
		st := *acct.LastSweep
		out.LastSweep = &st
	}
	return out
}

// Package postgres implements the storage interfaces backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/method-app/custody/internal/app/domain/custody"
	"github.com/method-app/custody/internal/app/storage"
)

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ storage.UserStore = (*Store)(nil)
var _ storage.CustodyStore = (*Store)(nil)
var _ storage.CursorStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// --- UserStore --------------------------------------------------------------

func (s *Store) GetUserIDByDepositAddress(ctx context.Context, address string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM custodial_accounts WHERE address = $1
	`, address).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("address %s: %w", address, storage.ErrNotFound)
	}
	if err != nil {
		return "", err
	}
	return userID, nil
}

// AtomicCreditIfNotProcessed performs the processed-check and balance
// increment inside a single transaction. The history insert carries a unique
// constraint on the idempotency key, so a duplicate invocation conflicts
// there and leaves the balance untouched.
func (s *Store) AtomicCreditIfNotProcessed(ctx context.Context, userID, key string, amount int64, creditType string) (int64, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO credit_history (id, user_id, idempotency_key, credit_type, amount, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, uuid.NewString(), userID, key, creditType, amount, time.Now().UTC())
	if err != nil {
		return 0, false, err
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return 0, false, err
	}

	var balance int64
	if inserted == 0 {
		if err := tx.QueryRowContext(ctx, `
			SELECT ticket_balance FROM users WHERE id = $1
		`, userID).Scan(&balance); err != nil {
			return 0, false, err
		}
		if err := tx.Commit(); err != nil {
			return 0, false, err
		}
		return balance, true, nil
	}

	if err := tx.QueryRowContext(ctx, `
		UPDATE users SET ticket_balance = ticket_balance + $2, updated_at = $3
		WHERE id = $1
		RETURNING ticket_balance
	`, userID, amount, time.Now().UTC()).Scan(&balance); err != nil {
		return 0, false, err
	}

	if err := tx.Commit(); err != nil {
		return 0, false, err
	}
	return balance, false, nil
}

func (s *Store) TicketBalance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, `
		SELECT ticket_balance FROM users WHERE id = $1
	`, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("user %s: %w", userID, storage.ErrNotFound)
	}
	if err != nil {
		return 0, err
	}
	return balance, nil
}

func (s *Store) ListCreditHistory(ctx context.Context, userID string) ([]custody.CreditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, idempotency_key, credit_type, amount, created_at
		FROM credit_history
		WHERE user_id = $1
		ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []custody.CreditEntry
	for rows.Next() {
		var e custody.CreditEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Key, &e.Type, &e.Amount, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- CustodyStore -----------------------------------------------------------

func (s *Store) CreateCustodialAccount(ctx context.Context, acct custody.CustodialAccount) (custody.CustodialAccount, error) {
	if acct.ID == "" {
		acct.ID = uuid.NewString()
	}
	acct.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO custodial_accounts (id, user_id, address, public_key, secret_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, acct.ID, acct.UserID, acct.Address, acct.PublicKey, acct.SecretKey, acct.CreatedAt)
	if isUniqueViolation(err) {
		return custody.CustodialAccount{}, fmt.Errorf("custodial account for user %s: %w", acct.UserID, storage.ErrExists)
	}
	if err != nil {
		return custody.CustodialAccount{}, err
	}
	return acct, nil
}

func (s *Store) GetCustodialAccount(ctx context.Context, id string) (custody.CustodialAccount, error) {
	return s.scanAccount(s.db.QueryRowContext(ctx, `
		SELECT id, user_id, address, public_key, secret_key, created_at
		FROM custodial_accounts
		WHERE id = $1
	`, id), id)
}

func (s *Store) GetCustodialAccountByUser(ctx context.Context, userID string) (custody.CustodialAccount, error) {
	return s.scanAccount(s.db.QueryRowContext(ctx, `
		SELECT id, user_id, address, public_key, secret_key, created_at
		FROM custodial_accounts
		WHERE user_id = $1
	`, userID), userID)
}

func (s *Store) scanAccount(row *sql.Row, ref string) (custody.CustodialAccount, error) {
	var acct custody.CustodialAccount
	err := row.Scan(&acct.ID, &acct.UserID, &acct.Address, &acct.PublicKey, &acct.SecretKey, &acct.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return custody.CustodialAccount{}, fmt.Errorf("custodial account %s: %w", ref, storage.ErrNotFound)
	}
	if err != nil {
		return custody.CustodialAccount{}, err
	}
	return acct, nil
}

func (s *Store) CreateDepositRecord(ctx context.Context, rec custody.DepositRecord) (custody.DepositRecord, error) {
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	if rec.Status == "" {
		rec.Status = custody.StatusPending
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO deposit_records (idempotency_key, user_id, account_id, amount_requested, status, chain_tx_hash, reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, rec.Key, rec.UserID, rec.AccountID, rec.AmountRequested, rec.Status, rec.ChainTxHash, rec.Reason, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return custody.DepositRecord{}, err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return custody.DepositRecord{}, fmt.Errorf("deposit %s: %w", rec.Key, storage.ErrExists)
	}
	return rec, nil
}

func (s *Store) GetDepositRecord(ctx context.Context, key string) (custody.DepositRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT idempotency_key, user_id, account_id, amount_requested, status, chain_tx_hash, reason, created_at, updated_at
		FROM deposit_records
		WHERE idempotency_key = $1
	`, key)

	var rec custody.DepositRecord
	err := row.Scan(&rec.Key, &rec.UserID, &rec.AccountID, &rec.AmountRequested, &rec.Status, &rec.ChainTxHash, &rec.Reason, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return custody.DepositRecord{}, fmt.Errorf("deposit %s: %w", key, storage.ErrNotFound)
	}
	if err != nil {
		return custody.DepositRecord{}, err
	}
	return rec, nil
}

func (s *Store) UpdateDepositRecord(ctx context.Context, key string, status custody.DepositStatus, txHash, reason string) (custody.DepositRecord, error) {
	existing, err := s.GetDepositRecord(ctx, key)
	if err != nil {
		return custody.DepositRecord{}, err
	}
	if !custody.Forward(existing.Status, status) {
		return custody.DepositRecord{}, fmt.Errorf("deposit %s: transition %s -> %s not allowed", key, existing.Status, status)
	}

	if txHash == "" {
		txHash = existing.ChainTxHash
	}
	if reason == "" {
		reason = existing.Reason
	}
	updatedAt := time.Now().UTC()

	// The status guard is repeated in SQL so concurrent writers cannot move
	// a record backwards between the read and the write.
	res, err := s.db.ExecContext(ctx, `
		UPDATE deposit_records
		SET status = $2, chain_tx_hash = $3, reason = $4, updated_at = $5
		WHERE idempotency_key = $1 AND status = $6
	`, key, status, txHash, reason, updatedAt, existing.Status)
	if err != nil {
		return custody.DepositRecord{}, err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return s.GetDepositRecord(ctx, key)
	}

	existing.Status = status
	existing.ChainTxHash = txHash
	existing.Reason = reason
	existing.UpdatedAt = updatedAt
	return existing, nil
}

func (s *Store) ListUnsettledDeposits(ctx context.Context) ([]custody.DepositRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT idempotency_key, user_id, account_id, amount_requested, status, chain_tx_hash, reason, created_at, updated_at
		FROM deposit_records
		WHERE status NOT IN ($1, $2)
		ORDER BY created_at
	`, custody.StatusSweepConfirmed, custody.StatusSweepFailed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []custody.DepositRecord
	for rows.Next() {
		var rec custody.DepositRecord
		if err := rows.Scan(&rec.Key, &rec.UserID, &rec.AccountID, &rec.AmountRequested, &rec.Status, &rec.ChainTxHash, &rec.Reason, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *Store) SweepStatus(ctx context.Context, key string) (custody.SweepStatus, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT idempotency_key, state, amount, tx_hash, reason, updated_at
		FROM sweep_status
		WHERE idempotency_key = $1
	`, key)

	var st custody.SweepStatus
	err := row.Scan(&st.Key, &st.State, &st.Amount, &st.TxHash, &st.Reason, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return custody.SweepStatus{}, fmt.Errorf("sweep %s: %w", key, storage.ErrNotFound)
	}
	if err != nil {
		return custody.SweepStatus{}, err
	}
	return st, nil
}

func (s *Store) SetSweepStatus(ctx context.Context, status custody.SweepStatus) error {
	status.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sweep_status (idempotency_key, state, amount, tx_hash, reason, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET state = EXCLUDED.state, amount = EXCLUDED.amount, tx_hash = EXCLUDED.tx_hash,
		    reason = EXCLUDED.reason, updated_at = EXCLUDED.updated_at
	`, status.Key, status.State, status.Amount, status.TxHash, status.Reason, status.UpdatedAt)
	return err
}

// --- CursorStore ------------------------------------------------------------

func (s *Store) Cursor(ctx context.Context) (uint64, error) {
	var seqno int64
	err := s.db.QueryRowContext(ctx, `
		SELECT seqno FROM chain_cursor WHERE id = 1
	`).Scan(&seqno)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return uint64(seqno), nil
}

func (s *Store) SetCursor(ctx context.Context, seqno uint64) error {
	// GREATEST keeps the cursor monotonic even if two scanners race.
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chain_cursor (id, seqno, updated_at)
		VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE
		SET seqno = GREATEST(chain_cursor.seqno, EXCLUDED.seqno), updated_at = EXCLUDED.updated_at
	`, int64(seqno), time.Now().UTC())
	return err
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

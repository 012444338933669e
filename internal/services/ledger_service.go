package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/openlot/backend/internal/marketerrors"
	"github.com/openlot/backend/internal/models"
)

// LedgerService owns the wallet_transactions log and the wallet_accounts
// projection. Every balance change is exactly one ledger entry plus one
// balance update, committed together. Wallet rows are serialized with
// SELECT ... FOR UPDATE plus an optimistic version check on the update.
type LedgerService struct {
	db *sql.DB
}

func NewLedgerService(db *sql.DB) *LedgerService {
	return &LedgerService{db: db}
}

// lockTimeout bounds how long an engine transaction waits on a row lock
// before surfacing ErrBusy to the caller.
const lockTimeout = "3s"

// BeginEngineTx starts a transaction with a bounded lock wait so that
// contended bids and settlements time out instead of queueing forever.
func (s *LedgerService) BeginEngineTx(ctx context.Context) (*sql.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to begin transaction: %w", err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%s'", lockTimeout)); err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("ledger: failed to set lock timeout: %w", err)
	}
	return tx, nil
}

// MapLockErr converts driver-level lock-wait failures into ErrBusy.
func MapLockErr(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "55P03" { // lock_not_available
		return marketerrors.ErrBusy
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return marketerrors.ErrBusy
	}
	return err
}

// LockWallet loads a wallet row under FOR UPDATE within tx.
func (s *LedgerService) LockWallet(tx *sql.Tx, userID int) (*models.WalletAccount, error) {
	var w models.WalletAccount
	err := tx.QueryRow(`
		SELECT user_id, available_balance, escrowed_balance, version, updated_at
		FROM wallet_accounts
		WHERE user_id = $1
		FOR UPDATE`, userID).
		Scan(&w.UserID, &w.AvailableBalance, &w.EscrowedBalance, &w.Version, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, marketerrors.ErrWalletNotFound
	}
	if err != nil {
		return nil, MapLockErr(err)
	}
	return &w, nil
}

// LockWallets locks several wallet rows in ascending user-id order so that
// concurrent operations touching the same pair cannot deadlock. Callers
// must already hold any auction lock they need (auction before wallet).
func (s *LedgerService) LockWallets(tx *sql.Tx, userIDs ...int) (map[int]*models.WalletAccount, error) {
	ids := append([]int(nil), userIDs...)
	sort.Ints(ids)
	wallets := make(map[int]*models.WalletAccount, len(ids))
	for _, id := range ids {
		if _, ok := wallets[id]; ok {
			continue
		}
		w, err := s.LockWallet(tx, id)
		if err != nil {
			return nil, err
		}
		wallets[id] = w
	}
	return wallets, nil
}

// ApplyTx appends one completed ledger entry and moves the locked wallet's
// balances by the entry's type-specific delta. The wallet struct is mutated
// in place so follow-up entries in the same transaction see the new state.
// Returns the external-facing transaction id.
func (s *LedgerService) ApplyTx(tx *sql.Tx, w *models.WalletAccount, txType string, amount int64, referenceID string) (string, error) {
	if amount <= 0 {
		return "", fmt.Errorf("ledger: non-positive amount %d for %s entry", amount, txType)
	}
	dAvail, dEscrow, ok := models.DeltaForType(txType, amount)
	if !ok {
		return "", fmt.Errorf("ledger: unknown transaction type %q", txType)
	}

	newAvail := w.AvailableBalance + dAvail
	newEscrow := w.EscrowedBalance + dEscrow
	if newAvail < 0 {
		return "", marketerrors.ErrInsufficientFunds
	}
	if newEscrow < 0 {
		return "", fmt.Errorf("ledger: %s entry of %d would overdraw escrow (held %d) for user %d",
			txType, amount, w.EscrowedBalance, w.UserID)
	}

	transactionID := uuid.NewString()
	if err := s.insertEntry(tx, transactionID, w.UserID, txType, amount, models.TxStatusCompleted, referenceID); err != nil {
		return "", err
	}
	if err := s.updateWalletBalance(tx, w.UserID, newAvail, newEscrow, w.Version); err != nil {
		return "", err
	}

	w.AvailableBalance = newAvail
	w.EscrowedBalance = newEscrow
	w.Version++
	return transactionID, nil
}

// Credit applies a standalone credit in its own transaction.
func (s *LedgerService) Credit(ctx context.Context, userID int, amount int64, txType, referenceID string) (string, error) {
	return s.apply(ctx, userID, amount, txType, referenceID)
}

// Debit applies a standalone debit in its own transaction. Returns
// ErrInsufficientFunds without side effects when the balance cannot cover it.
func (s *LedgerService) Debit(ctx context.Context, userID int, amount int64, txType, referenceID string) (string, error) {
	return s.apply(ctx, userID, amount, txType, referenceID)
}

func (s *LedgerService) apply(ctx context.Context, userID int, amount int64, txType, referenceID string) (string, error) {
	tx, err := s.BeginEngineTx(ctx)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	w, err := s.LockWallet(tx, userID)
	if err != nil {
		return "", err
	}

	transactionID, err := s.ApplyTx(tx, w, txType, amount, referenceID)
	if err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("ledger: failed to commit %s for user %d: %w", txType, userID, err)
	}
	return transactionID, nil
}

// RecordPendingTx appends a pending entry with no balance movement. Used for
// gateway deposits awaiting confirmation.
func (s *LedgerService) RecordPendingTx(tx *sql.Tx, userID int, amount int64, txType, referenceID string) (string, error) {
	if amount <= 0 {
		return "", fmt.Errorf("ledger: non-positive amount %d for pending %s entry", amount, txType)
	}
	transactionID := uuid.NewString()
	if err := s.insertEntry(tx, transactionID, userID, txType, amount, models.TxStatusPending, referenceID); err != nil {
		return "", err
	}
	return transactionID, nil
}

// PromotePendingTx completes a pending entry and applies its balance delta
// to the locked wallet. The entry row is locked so two confirmations of the
// same deposit cannot both apply it.
func (s *LedgerService) PromotePendingTx(tx *sql.Tx, w *models.WalletAccount, transactionID string) (*models.WalletTransaction, error) {
	entry, err := s.lockEntryTx(tx, transactionID)
	if err != nil {
		return nil, err
	}
	if entry.Status != models.TxStatusPending {
		return nil, fmt.Errorf("ledger: transaction %s is %s, not pending", transactionID, entry.Status)
	}
	if entry.UserID != w.UserID {
		return nil, fmt.Errorf("ledger: transaction %s belongs to user %d, not %d", transactionID, entry.UserID, w.UserID)
	}

	dAvail, dEscrow, ok := models.DeltaForType(entry.Type, entry.Amount)
	if !ok {
		return nil, fmt.Errorf("ledger: unknown transaction type %q", entry.Type)
	}
	newAvail := w.AvailableBalance + dAvail
	newEscrow := w.EscrowedBalance + dEscrow
	if newAvail < 0 || newEscrow < 0 {
		return nil, marketerrors.ErrInsufficientFunds
	}

	if _, err := tx.Exec(`UPDATE wallet_transactions SET status = $1 WHERE transaction_id = $2`,
		models.TxStatusCompleted, transactionID); err != nil {
		return nil, fmt.Errorf("ledger: failed to complete transaction %s: %w", transactionID, err)
	}
	if err := s.updateWalletBalance(tx, w.UserID, newAvail, newEscrow, w.Version); err != nil {
		return nil, err
	}

	w.AvailableBalance = newAvail
	w.EscrowedBalance = newEscrow
	w.Version++
	entry.Status = models.TxStatusCompleted
	return entry, nil
}

// RejectPendingTx marks a pending entry rejected. No balance ever moved for
// it, so there is nothing to compensate.
func (s *LedgerService) RejectPendingTx(tx *sql.Tx, transactionID string) (*models.WalletTransaction, error) {
	entry, err := s.lockEntryTx(tx, transactionID)
	if err != nil {
		return nil, err
	}
	if entry.Status != models.TxStatusPending {
		return nil, fmt.Errorf("ledger: transaction %s is %s, not pending", transactionID, entry.Status)
	}
	if _, err := tx.Exec(`UPDATE wallet_transactions SET status = $1 WHERE transaction_id = $2`,
		models.TxStatusRejected, transactionID); err != nil {
		return nil, fmt.Errorf("ledger: failed to reject transaction %s: %w", transactionID, err)
	}
	entry.Status = models.TxStatusRejected
	return entry, nil
}

func (s *LedgerService) lockEntryTx(tx *sql.Tx, transactionID string) (*models.WalletTransaction, error) {
	var e models.WalletTransaction
	err := tx.QueryRow(`
		SELECT id, transaction_id, user_id, type, amount, status, reference_id, created_at
		FROM wallet_transactions
		WHERE transaction_id = $1
		FOR UPDATE`, transactionID).
		Scan(&e.ID, &e.TransactionID, &e.UserID, &e.Type, &e.Amount, &e.Status, &e.ReferenceID, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, marketerrors.ErrTransactionNotFound
	}
	if err != nil {
		return nil, MapLockErr(err)
	}
	return &e, nil
}

// GetTransaction loads one entry by its external id.
func (s *LedgerService) GetTransaction(ctx context.Context, transactionID string) (*models.WalletTransaction, error) {
	var e models.WalletTransaction
	err := s.db.QueryRowContext(ctx, `
		SELECT id, transaction_id, user_id, type, amount, status, reference_id, created_at
		FROM wallet_transactions
		WHERE transaction_id = $1`, transactionID).
		Scan(&e.ID, &e.TransactionID, &e.UserID, &e.Type, &e.Amount, &e.Status, &e.ReferenceID, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, marketerrors.ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to load transaction %s: %w", transactionID, err)
	}
	return &e, nil
}

// ListTransactions returns a user's ledger history, newest first.
func (s *LedgerService) ListTransactions(ctx context.Context, userID, limit int) ([]models.WalletTransaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, transaction_id, user_id, type, amount, status, reference_id, created_at
		FROM wallet_transactions
		WHERE user_id = $1
		ORDER BY id DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to list transactions for user %d: %w", userID, err)
	}
	defer rows.Close()

	var entries []models.WalletTransaction
	for rows.Next() {
		var e models.WalletTransaction
		if err := rows.Scan(&e.ID, &e.TransactionID, &e.UserID, &e.Type, &e.Amount, &e.Status, &e.ReferenceID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("ledger: failed to scan transaction: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetBalance returns the cached wallet projection.
func (s *LedgerService) GetBalance(ctx context.Context, userID int) (*models.WalletAccount, error) {
	var w models.WalletAccount
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, available_balance, escrowed_balance, version, updated_at
		FROM wallet_accounts
		WHERE user_id = $1`, userID).
		Scan(&w.UserID, &w.AvailableBalance, &w.EscrowedBalance, &w.Version, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, marketerrors.ErrWalletNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to load wallet for user %d: %w", userID, err)
	}
	return &w, nil
}

// ReplayBalance reconstructs a user's balances from the completed ledger
// entries. The ledger is the source of truth; the wallet row is a cache,
// and the two must always agree.
func (s *LedgerService) ReplayBalance(ctx context.Context, userID int) (available int64, escrowed int64, err error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT type, amount
		FROM wallet_transactions
		WHERE user_id = $1 AND status = $2
		ORDER BY id`, userID, models.TxStatusCompleted)
	if err != nil {
		return 0, 0, fmt.Errorf("ledger: failed to replay entries for user %d: %w", userID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var txType string
		var amount int64
		if err := rows.Scan(&txType, &amount); err != nil {
			return 0, 0, fmt.Errorf("ledger: failed to scan replay row: %w", err)
		}
		dAvail, dEscrow, ok := models.DeltaForType(txType, amount)
		if !ok {
			return 0, 0, fmt.Errorf("ledger: unknown transaction type %q in replay for user %d", txType, userID)
		}
		available += dAvail
		escrowed += dEscrow
	}
	if err := rows.Err(); err != nil {
		return 0, 0, fmt.Errorf("ledger: replay iteration failed for user %d: %w", userID, err)
	}
	return available, escrowed, nil
}

func (s *LedgerService) insertEntry(tx *sql.Tx, transactionID string, userID int, txType string, amount int64, status, referenceID string) error {
	_, err := tx.Exec(`
		INSERT INTO wallet_transactions (transaction_id, user_id, type, amount, status, reference_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		transactionID, userID, txType, amount, status, referenceID, time.Now())
	if err != nil {
		return fmt.Errorf("ledger: failed to insert %s entry for user %d: %w", txType, userID, err)
	}
	return nil
}

func (s *LedgerService) updateWalletBalance(tx *sql.Tx, userID int, newAvailable, newEscrowed int64, version int) error {
	result, err := tx.Exec(`
		UPDATE wallet_accounts
		SET available_balance = $1, escrowed_balance = $2, version = version + 1, updated_at = $3
		WHERE user_id = $4 AND version = $5`,
		newAvailable, newEscrowed, time.Now(), userID, version)
	if err != nil {
		return fmt.Errorf("ledger: failed to update wallet for user %d: %w", userID, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("ledger: optimistic lock failed for user %d", userID)
	}
	return nil
}

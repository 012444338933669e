package services

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/openlot/backend/internal/marketerrors"
	"github.com/openlot/backend/internal/models"
	"github.com/stretchr/testify/assert"
)

func expectEngineBegin(mock sqlmock.Sqlmock) {
	mock.ExpectBegin()
	mock.ExpectExec("SET LOCAL lock_timeout").
		WillReturnResult(sqlmock.NewResult(0, 0))
}

func expectWalletLock(mock sqlmock.Sqlmock, userID int, available, escrowed int64, version int) {
	mock.ExpectQuery("SELECT user_id, available_balance, escrowed_balance, version, updated_at").
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "available_balance", "escrowed_balance", "version", "updated_at"}).
			AddRow(userID, available, escrowed, version, time.Now()))
}

func TestLedgerService_Debit(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	assert.NoError(t, err)
	defer db.Close()

	service := NewLedgerService(db)

	t.Run("successful debit", func(t *testing.T) {
		userID := 7
		amount := int64(1000)

		expectEngineBegin(mock)
		expectWalletLock(mock, userID, 5000, 0, 1)

		mock.ExpectExec("INSERT INTO wallet_transactions").
			WithArgs(sqlmock.AnyArg(), userID, models.TxTypeWithdrawal, amount, models.TxStatusCompleted, "withdrawal", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec("UPDATE wallet_accounts").
			WithArgs(int64(4000), int64(0), sqlmock.AnyArg(), userID, 1).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectCommit()

		transactionID, err := service.Debit(context.Background(), userID, amount, models.TxTypeWithdrawal, "withdrawal")
		assert.NoError(t, err)
		assert.NotEmpty(t, transactionID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insufficient funds", func(t *testing.T) {
		userID := 7
		amount := int64(6000) // More than available balance

		expectEngineBegin(mock)
		expectWalletLock(mock, userID, 5000, 0, 1)
		mock.ExpectRollback()

		_, err := service.Debit(context.Background(), userID, amount, models.TxTypeWithdrawal, "withdrawal")
		assert.ErrorIs(t, err, marketerrors.ErrInsufficientFunds)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("wallet not found", func(t *testing.T) {
		expectEngineBegin(mock)
		mock.ExpectQuery("SELECT user_id, available_balance, escrowed_balance, version, updated_at").
			WithArgs(99).
			WillReturnRows(sqlmock.NewRows([]string{"user_id", "available_balance", "escrowed_balance", "version", "updated_at"}))
		mock.ExpectRollback()

		_, err := service.Debit(context.Background(), 99, 100, models.TxTypeWithdrawal, "withdrawal")
		assert.ErrorIs(t, err, marketerrors.ErrWalletNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLedgerService_Credit(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	assert.NoError(t, err)
	defer db.Close()

	service := NewLedgerService(db)

	t.Run("successful credit", func(t *testing.T) {
		userID := 3
		amount := int64(2500)

		expectEngineBegin(mock)
		expectWalletLock(mock, userID, 1000, 0, 4)

		mock.ExpectExec("INSERT INTO wallet_transactions").
			WithArgs(sqlmock.AnyArg(), userID, models.TxTypeDeposit, amount, models.TxStatusCompleted, "gw-123", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec("UPDATE wallet_accounts").
			WithArgs(int64(3500), int64(0), sqlmock.AnyArg(), userID, 4).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectCommit()

		transactionID, err := service.Credit(context.Background(), userID, amount, models.TxTypeDeposit, "gw-123")
		assert.NoError(t, err)
		assert.NotEmpty(t, transactionID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("non-positive amount rejected", func(t *testing.T) {
		expectEngineBegin(mock)
		expectWalletLock(mock, 3, 1000, 0, 4)
		mock.ExpectRollback()

		_, err := service.Credit(context.Background(), 3, 0, models.TxTypeDeposit, "gw-124")
		assert.Error(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLedgerService_ApplyTx_EscrowEntries(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	assert.NoError(t, err)
	defer db.Close()

	service := NewLedgerService(db)

	t.Run("bid_escrow moves available into escrow", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := db.Begin()

		w := &models.WalletAccount{UserID: 5, AvailableBalance: 10000, EscrowedBalance: 0, Version: 2}

		// Balance is checked before any row is written.
		_, err := service.ApplyTx(tx, w, models.TxTypeBidEscrow, 10500, "auction:1")
		assert.ErrorIs(t, err, marketerrors.ErrInsufficientFunds)

		w.AvailableBalance = 20000
		mock.ExpectExec("INSERT INTO wallet_transactions").
			WithArgs(sqlmock.AnyArg(), 5, models.TxTypeBidEscrow, int64(10500), models.TxStatusCompleted, "auction:1", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE wallet_accounts").
			WithArgs(int64(9500), int64(10500), sqlmock.AnyArg(), 5, 2).
			WillReturnResult(sqlmock.NewResult(1, 1))

		_, err = service.ApplyTx(tx, w, models.TxTypeBidEscrow, 10500, "auction:1")
		assert.NoError(t, err)
		assert.Equal(t, int64(9500), w.AvailableBalance)
		assert.Equal(t, int64(10500), w.EscrowedBalance)
		assert.Equal(t, 3, w.Version)
	})

	t.Run("win_debit only reduces escrow", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := db.Begin()

		w := &models.WalletAccount{UserID: 5, AvailableBalance: 9500, EscrowedBalance: 10500, Version: 3}

		mock.ExpectExec("INSERT INTO wallet_transactions").
			WithArgs(sqlmock.AnyArg(), 5, models.TxTypeWinDebit, int64(10500), models.TxStatusCompleted, "auction:1", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE wallet_accounts").
			WithArgs(int64(9500), int64(0), sqlmock.AnyArg(), 5, 3).
			WillReturnResult(sqlmock.NewResult(1, 1))

		_, err := service.ApplyTx(tx, w, models.TxTypeWinDebit, 10500, "auction:1")
		assert.NoError(t, err)
		assert.Equal(t, int64(9500), w.AvailableBalance)
		assert.Equal(t, int64(0), w.EscrowedBalance)
	})

	t.Run("optimistic lock failure", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := db.Begin()

		w := &models.WalletAccount{UserID: 5, AvailableBalance: 1000, EscrowedBalance: 0, Version: 1}

		mock.ExpectExec("INSERT INTO wallet_transactions").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE wallet_accounts").
			WillReturnResult(sqlmock.NewResult(1, 0)) // No rows affected

		_, err := service.ApplyTx(tx, w, models.TxTypeDeposit, 100, "gw-1")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "optimistic lock failed")
	})
}

func TestLedgerService_ReplayBalance(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	assert.NoError(t, err)
	defer db.Close()

	service := NewLedgerService(db)

	t.Run("replay reconstructs balances from completed entries", func(t *testing.T) {
		// deposit 10000, escrow 10500 would overdraw; sequence mirrors a
		// bidder who deposits, bids, is outbid, bids again and wins.
		rows := sqlmock.NewRows([]string{"type", "amount"}).
			AddRow(models.TxTypeDeposit, 20000).
			AddRow(models.TxTypeBidEscrow, 10500).
			AddRow(models.TxTypeBidRelease, 10500).
			AddRow(models.TxTypeBidEscrow, 11000).
			AddRow(models.TxTypeWinDebit, 11000)

		mock.ExpectQuery("SELECT type, amount").
			WithArgs(5, models.TxStatusCompleted).
			WillReturnRows(rows)

		available, escrowed, err := service.ReplayBalance(context.Background(), 5)
		assert.NoError(t, err)
		assert.Equal(t, int64(9000), available)
		assert.Equal(t, int64(0), escrowed)
	})

	t.Run("unknown type fails replay", func(t *testing.T) {
		rows := sqlmock.NewRows([]string{"type", "amount"}).
			AddRow("mystery", 100)

		mock.ExpectQuery("SELECT type, amount").
			WithArgs(6, models.TxStatusCompleted).
			WillReturnRows(rows)

		_, _, err := service.ReplayBalance(context.Background(), 6)
		assert.Error(t, err)
	})
}

func TestLedgerService_PromotePendingTx(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	assert.NoError(t, err)
	defer db.Close()

	service := NewLedgerService(db)

	t.Run("pending deposit credited on promotion", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := db.Begin()

		w := &models.WalletAccount{UserID: 9, AvailableBalance: 0, EscrowedBalance: 0, Version: 1}

		mock.ExpectQuery("SELECT id, transaction_id, user_id, type, amount, status, reference_id, created_at").
			WithArgs("txn-1").
			WillReturnRows(sqlmock.NewRows([]string{"id", "transaction_id", "user_id", "type", "amount", "status", "reference_id", "created_at"}).
				AddRow(1, "txn-1", 9, models.TxTypeDeposit, 5000, models.TxStatusPending, "gw-55", time.Now()))

		mock.ExpectExec("UPDATE wallet_transactions SET status").
			WithArgs(models.TxStatusCompleted, "txn-1").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE wallet_accounts").
			WithArgs(int64(5000), int64(0), sqlmock.AnyArg(), 9, 1).
			WillReturnResult(sqlmock.NewResult(1, 1))

		entry, err := service.PromotePendingTx(tx, w, "txn-1")
		assert.NoError(t, err)
		assert.Equal(t, models.TxStatusCompleted, entry.Status)
		assert.Equal(t, int64(5000), w.AvailableBalance)
	})

	t.Run("already completed entry is not promoted twice", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := db.Begin()

		w := &models.WalletAccount{UserID: 9, AvailableBalance: 5000, Version: 2}

		mock.ExpectQuery("SELECT id, transaction_id, user_id, type, amount, status, reference_id, created_at").
			WithArgs("txn-1").
			WillReturnRows(sqlmock.NewRows([]string{"id", "transaction_id", "user_id", "type", "amount", "status", "reference_id", "created_at"}).
				AddRow(1, "txn-1", 9, models.TxTypeDeposit, 5000, models.TxStatusCompleted, "gw-55", time.Now()))

		_, err := service.PromotePendingTx(tx, w, "txn-1")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "not pending")
	})
}

package services

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/openlot/backend/internal/marketerrors"
	"github.com/openlot/backend/internal/models"
	"github.com/stretchr/testify/assert"
)

func TestEscrowService_PlaceTx(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	assert.NoError(t, err)
	defer db.Close()

	service := NewEscrowService(NewLedgerService(db))

	t.Run("hold debits available and records escrow row", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := db.Begin()

		w := &models.WalletAccount{UserID: 4, AvailableBalance: 50000, EscrowedBalance: 0, Version: 1}

		mock.ExpectExec("INSERT INTO wallet_transactions").
			WithArgs(sqlmock.AnyArg(), 4, models.TxTypeBidEscrow, int64(12000), models.TxStatusCompleted, "auction:10", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE wallet_accounts").
			WithArgs(int64(38000), int64(12000), sqlmock.AnyArg(), 4, 1).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectQuery("INSERT INTO escrows").
			WithArgs(10, 4, 77, int64(12000), models.EscrowStatusHeld, sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(301))

		e, err := service.PlaceTx(tx, w, 10, 77, 12000)
		assert.NoError(t, err)
		assert.Equal(t, 301, e.ID)
		assert.Equal(t, models.EscrowStatusHeld, e.Status)
		assert.Equal(t, int64(38000), w.AvailableBalance)
		assert.Equal(t, int64(12000), w.EscrowedBalance)
	})

	t.Run("insufficient funds leaves no rows behind", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := db.Begin()

		w := &models.WalletAccount{UserID: 4, AvailableBalance: 5000, EscrowedBalance: 0, Version: 2}

		_, err := service.PlaceTx(tx, w, 10, 78, 12000)
		assert.ErrorIs(t, err, marketerrors.ErrInsufficientFunds)
		assert.Equal(t, int64(5000), w.AvailableBalance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestEscrowService_IncreaseTx(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	assert.NoError(t, err)
	defer db.Close()

	service := NewEscrowService(NewLedgerService(db))

	t.Run("only the delta is debited", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := db.Begin()

		w := &models.WalletAccount{UserID: 4, AvailableBalance: 38000, EscrowedBalance: 12000, Version: 2}
		hold := &models.Escrow{ID: 301, AuctionID: 10, BidderID: 4, BidID: 77, Amount: 12000, Status: models.EscrowStatusHeld}

		mock.ExpectExec("INSERT INTO wallet_transactions").
			WithArgs(sqlmock.AnyArg(), 4, models.TxTypeBidEscrow, int64(3000), models.TxStatusCompleted, "auction:10", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE wallet_accounts").
			WithArgs(int64(35000), int64(15000), sqlmock.AnyArg(), 4, 2).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE escrows").
			WithArgs(int64(15000), 79, sqlmock.AnyArg(), 301, models.EscrowStatusHeld).
			WillReturnResult(sqlmock.NewResult(1, 1))

		err := service.IncreaseTx(tx, w, hold, 79, 15000)
		assert.NoError(t, err)
		assert.Equal(t, int64(15000), hold.Amount)
		assert.Equal(t, 79, hold.BidID)
	})

	t.Run("raise below held amount rejected", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := db.Begin()

		w := &models.WalletAccount{UserID: 4, AvailableBalance: 35000, EscrowedBalance: 15000, Version: 3}
		hold := &models.Escrow{ID: 301, AuctionID: 10, Amount: 15000, Status: models.EscrowStatusHeld}

		err := service.IncreaseTx(tx, w, hold, 80, 15000)
		assert.Error(t, err)
	})
}

func TestEscrowService_ReleaseAndCapture(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	assert.NoError(t, err)
	defer db.Close()

	service := NewEscrowService(NewLedgerService(db))

	t.Run("release returns the full hold to available", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := db.Begin()

		w := &models.WalletAccount{UserID: 4, AvailableBalance: 35000, EscrowedBalance: 15000, Version: 3}
		hold := &models.Escrow{ID: 301, AuctionID: 10, BidderID: 4, Amount: 15000, Status: models.EscrowStatusHeld}

		mock.ExpectExec("INSERT INTO wallet_transactions").
			WithArgs(sqlmock.AnyArg(), 4, models.TxTypeBidRelease, int64(15000), models.TxStatusCompleted, "auction:10", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE wallet_accounts").
			WithArgs(int64(50000), int64(0), sqlmock.AnyArg(), 4, 3).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE escrows").
			WithArgs(models.EscrowStatusReleased, sqlmock.AnyArg(), 301, models.EscrowStatusHeld).
			WillReturnResult(sqlmock.NewResult(1, 1))

		transactionID, err := service.ReleaseTx(tx, w, hold)
		assert.NoError(t, err)
		assert.NotEmpty(t, transactionID)
		assert.Equal(t, models.EscrowStatusReleased, hold.Status)
		assert.Equal(t, int64(50000), w.AvailableBalance)
		assert.Equal(t, int64(0), w.EscrowedBalance)
	})

	t.Run("capture only reclassifies held funds", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := db.Begin()

		w := &models.WalletAccount{UserID: 6, AvailableBalance: 1000, EscrowedBalance: 15000, Version: 5}
		hold := &models.Escrow{ID: 302, AuctionID: 10, BidderID: 6, Amount: 15000, Status: models.EscrowStatusHeld}

		mock.ExpectExec("INSERT INTO wallet_transactions").
			WithArgs(sqlmock.AnyArg(), 6, models.TxTypeWinDebit, int64(15000), models.TxStatusCompleted, "auction:10", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE wallet_accounts").
			WithArgs(int64(1000), int64(0), sqlmock.AnyArg(), 6, 5).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE escrows").
			WithArgs(models.EscrowStatusCaptured, sqlmock.AnyArg(), 302, models.EscrowStatusHeld).
			WillReturnResult(sqlmock.NewResult(1, 1))

		transactionID, err := service.CaptureTx(tx, w, hold)
		assert.NoError(t, err)
		assert.NotEmpty(t, transactionID)
		assert.Equal(t, models.EscrowStatusCaptured, hold.Status)
		assert.Equal(t, int64(1000), w.AvailableBalance)
	})

	t.Run("release of an already closed hold fails", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := db.Begin()

		w := &models.WalletAccount{UserID: 4, AvailableBalance: 0, EscrowedBalance: 15000, Version: 4}
		hold := &models.Escrow{ID: 301, AuctionID: 10, BidderID: 4, Amount: 15000, Status: models.EscrowStatusHeld}

		mock.ExpectExec("INSERT INTO wallet_transactions").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE wallet_accounts").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE escrows").
			WillReturnResult(sqlmock.NewResult(1, 0)) // Status guard matched nothing

		_, err := service.ReleaseTx(tx, w, hold)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "no longer held")
	})
}

func TestEscrowService_FindHeldTx(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	assert.NoError(t, err)
	defer db.Close()

	service := NewEscrowService(NewLedgerService(db))

	t.Run("nil when bidder holds nothing", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := db.Begin()

		mock.ExpectQuery("SELECT id, auction_id, bidder_id, bid_id, amount, status, updated_at").
			WithArgs(10, 4, models.EscrowStatusHeld).
			WillReturnRows(sqlmock.NewRows([]string{"id", "auction_id", "bidder_id", "bid_id", "amount", "status", "updated_at"}))

		hold, err := service.FindHeldTx(tx, 10, 4)
		assert.NoError(t, err)
		assert.Nil(t, hold)
	})

	t.Run("existing hold returned", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := db.Begin()

		mock.ExpectQuery("SELECT id, auction_id, bidder_id, bid_id, amount, status, updated_at").
			WithArgs(10, 4, models.EscrowStatusHeld).
			WillReturnRows(sqlmock.NewRows([]string{"id", "auction_id", "bidder_id", "bid_id", "amount", "status", "updated_at"}).
				AddRow(301, 10, 4, 77, 12000, models.EscrowStatusHeld, time.Now()))

		hold, err := service.FindHeldTx(tx, 10, 4)
		assert.NoError(t, err)
		assert.NotNil(t, hold)
		assert.Equal(t, int64(12000), hold.Amount)
	})
}

package services

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/openlot/backend/internal/events"
	"github.com/openlot/backend/internal/marketerrors"
	"github.com/openlot/backend/internal/models"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func newSettlementService(db *sql.DB) *SettlementService {
	ledger := NewLedgerService(db)
	return NewSettlementService(db, ledger, NewEscrowService(ledger), NewAuctionService(db, ledger), events.NewPublisher(nil))
}

func TestComputeCommission(t *testing.T) {
	viper.Set("commission.percentage", 5.0)
	viper.Set("commission.fixed", 0)
	defer viper.Set("commission.percentage", 5.0)

	assert.Equal(t, int64(550), computeCommission(11000))
	assert.Equal(t, int64(0), computeCommission(0))

	viper.Set("commission.fixed", 100)
	assert.Equal(t, int64(650), computeCommission(11000))

	// Never exceeds the winning amount.
	viper.Set("commission.percentage", 200.0)
	assert.Equal(t, int64(11000), computeCommission(11000))

	viper.Set("commission.fixed", 0)
}

func TestSettlementService_Settle(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	assert.NoError(t, err)
	defer db.Close()

	service := newSettlementService(db)
	viper.Set("commission.percentage", 5.0)
	viper.Set("commission.fixed", 0)

	t.Run("winner captured, seller credited minus commission", func(t *testing.T) {
		a := ongoingAuction(10, 1, 11000, 500)
		winningBidID := 57
		a.CurrentBidID = &winningBidID

		expectEngineBegin(mock)
		expectAuctionLock(mock, a)

		mock.ExpectQuery("SELECT id, bid_id, auction_id, bidder_id, amount, status, created_at").
			WithArgs(57).
			WillReturnRows(sqlmock.NewRows([]string{"id", "bid_id", "auction_id", "bidder_id", "amount", "status", "created_at"}).
				AddRow(57, "b-57", 10, 3, 11000, models.BidStatusActive, time.Now()))

		mock.ExpectQuery("SELECT id, auction_id, bidder_id, bid_id, amount, status, updated_at").
			WithArgs(10, models.EscrowStatusHeld).
			WillReturnRows(sqlmock.NewRows([]string{"id", "auction_id", "bidder_id", "bid_id", "amount", "status", "updated_at"}).
				AddRow(402, 10, 3, 57, 11000, models.EscrowStatusHeld, time.Now()))

		// Seller then winner, ascending user-id order.
		expectWalletLock(mock, 1, 0, 0, 1)
		expectWalletLock(mock, 3, 5000, 11000, 5)

		// Winner hold captured as win_debit.
		mock.ExpectExec("INSERT INTO wallet_transactions").
			WithArgs(sqlmock.AnyArg(), 3, models.TxTypeWinDebit, int64(11000), models.TxStatusCompleted, "auction:10", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE wallet_accounts").
			WithArgs(int64(5000), int64(0), sqlmock.AnyArg(), 3, 5).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE escrows").
			WithArgs(models.EscrowStatusCaptured, sqlmock.AnyArg(), 402, models.EscrowStatusHeld).
			WillReturnResult(sqlmock.NewResult(1, 1))

		// Seller receives the full amount, then pays commission.
		mock.ExpectExec("INSERT INTO wallet_transactions").
			WithArgs(sqlmock.AnyArg(), 1, models.TxTypeWinCredit, int64(11000), models.TxStatusCompleted, "auction:10", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE wallet_accounts").
			WithArgs(int64(11000), int64(0), sqlmock.AnyArg(), 1, 1).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("INSERT INTO wallet_transactions").
			WithArgs(sqlmock.AnyArg(), 1, models.TxTypeCommission, int64(550), models.TxStatusCompleted, "auction:10", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE wallet_accounts").
			WithArgs(int64(10450), int64(0), sqlmock.AnyArg(), 1, 2).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec("UPDATE bids SET status").
			WithArgs(models.BidStatusWinning, 57).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec("UPDATE auctions").
			WithArgs(models.AuctionStatusEnded, 3, sqlmock.AnyArg(), 10).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		result, err := service.Settle(context.Background(), 10)
		assert.NoError(t, err)
		assert.False(t, result.AlreadySettled)
		assert.Equal(t, 3, *result.WinnerID)
		assert.Equal(t, int64(11000), result.WinningAmount)
		assert.Equal(t, int64(550), result.Commission)
		assert.Equal(t, int64(10450), result.SellerCredit)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("no bids ends the auction without money movement", func(t *testing.T) {
		a := ongoingAuction(10, 1, 5000, 500)

		expectEngineBegin(mock)
		expectAuctionLock(mock, a)

		mock.ExpectQuery("SELECT id, auction_id, bidder_id, bid_id, amount, status, updated_at").
			WithArgs(10, models.EscrowStatusHeld).
			WillReturnRows(sqlmock.NewRows([]string{"id", "auction_id", "bidder_id", "bid_id", "amount", "status", "updated_at"}))

		mock.ExpectExec("UPDATE auctions").
			WithArgs(models.AuctionStatusEnded, nil, sqlmock.AnyArg(), 10).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		result, err := service.Settle(context.Background(), 10)
		assert.NoError(t, err)
		assert.Nil(t, result.WinnerID)
		assert.Equal(t, int64(0), result.WinningAmount)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("second settlement returns the prior outcome", func(t *testing.T) {
		settledAt := time.Now().Add(-time.Hour)
		winnerID := 3

		expectEngineBegin(mock)
		mock.ExpectQuery("SELECT id, seller_id, title, description, start_price, current_price, min_increment,").
			WithArgs(10).
			WillReturnRows(auctionRows().AddRow(
				10, 1, "Vintage camera", "", 5000, 11000, 500,
				57, models.AuctionStatusEnded, time.Now().Add(-48*time.Hour), time.Now().Add(-2*time.Hour),
				winnerID, settledAt, time.Now(), time.Now()))

		mock.ExpectQuery("SELECT COALESCE").
			WithArgs(1, models.TxTypeCommission, "auction:10", models.TxStatusCompleted).
			WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(550))
		mock.ExpectRollback()

		result, err := service.Settle(context.Background(), 10)
		assert.NoError(t, err)
		assert.True(t, result.AlreadySettled)
		assert.Equal(t, 3, *result.WinnerID)
		assert.Equal(t, int64(11000), result.WinningAmount)
		assert.Equal(t, int64(550), result.Commission)
		assert.Equal(t, int64(10450), result.SellerCredit)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("pending auction cannot settle", func(t *testing.T) {
		a := ongoingAuction(10, 1, 5000, 500)
		a.Status = models.AuctionStatusPending

		expectEngineBegin(mock)
		expectAuctionLock(mock, a)
		mock.ExpectRollback()

		_, err := service.Settle(context.Background(), 10)
		assert.ErrorIs(t, err, marketerrors.ErrInvalidTransition)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("winner without a hold aborts settlement", func(t *testing.T) {
		a := ongoingAuction(10, 1, 11000, 500)
		winningBidID := 57
		a.CurrentBidID = &winningBidID

		expectEngineBegin(mock)
		expectAuctionLock(mock, a)

		mock.ExpectQuery("SELECT id, bid_id, auction_id, bidder_id, amount, status, created_at").
			WithArgs(57).
			WillReturnRows(sqlmock.NewRows([]string{"id", "bid_id", "auction_id", "bidder_id", "amount", "status", "created_at"}).
				AddRow(57, "b-57", 10, 3, 11000, models.BidStatusActive, time.Now()))
		mock.ExpectQuery("SELECT id, auction_id, bidder_id, bid_id, amount, status, updated_at").
			WithArgs(10, models.EscrowStatusHeld).
			WillReturnRows(sqlmock.NewRows([]string{"id", "auction_id", "bidder_id", "bid_id", "amount", "status", "updated_at"}))
		expectWalletLock(mock, 1, 0, 0, 1)
		expectWalletLock(mock, 3, 5000, 11000, 5)
		mock.ExpectRollback()

		_, err := service.Settle(context.Background(), 10)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "holds no escrow")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

package services

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/openlot/backend/internal/models"
	"github.com/stretchr/testify/assert"
)

func TestSweeper_Sweep(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	assert.NoError(t, err)
	defer db.Close()

	sweeper := NewSweeper(db, newSettlementService(db))

	t.Run("opens due auctions and settles ended ones", func(t *testing.T) {
		mock.ExpectExec("UPDATE auctions SET status").
			WithArgs(models.AuctionStatusOngoing, models.AuctionStatusApproved).
			WillReturnResult(sqlmock.NewResult(0, 2))

		mock.ExpectQuery("SELECT id FROM auctions").
			WithArgs(models.AuctionStatusOngoing).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(10))

		// Auction 10 ended with no bids: the settlement pass ends it.
		a := ongoingAuction(10, 1, 5000, 500)
		a.EndTime = time.Now().Add(-time.Minute)

		expectEngineBegin(mock)
		expectAuctionLock(mock, a)
		mock.ExpectQuery("SELECT id, auction_id, bidder_id, bid_id, amount, status, updated_at").
			WithArgs(10, models.EscrowStatusHeld).
			WillReturnRows(sqlmock.NewRows([]string{"id", "auction_id", "bidder_id", "bid_id", "amount", "status", "updated_at"}))
		mock.ExpectExec("UPDATE auctions").
			WithArgs(models.AuctionStatusEnded, nil, sqlmock.AnyArg(), 10).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		sweeper.Sweep(context.Background())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("nothing due is a no-op", func(t *testing.T) {
		mock.ExpectExec("UPDATE auctions SET status").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT id FROM auctions").
			WithArgs(models.AuctionStatusOngoing).
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		sweeper.Sweep(context.Background())
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

package services

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/openlot/backend/internal/events"
	"github.com/openlot/backend/internal/marketerrors"
	"github.com/openlot/backend/internal/models"
	"github.com/spf13/viper"
)

// SettlementService finalizes closed auctions exactly once. Settlement is
// idempotent by auction id: the settled_at marker is written in the same
// transaction as the money movement, so a second call finds it and returns
// the prior outcome without touching the ledger.
type SettlementService struct {
	db        *sql.DB
	ledger    *LedgerService
	escrow    *EscrowService
	auctions  *AuctionService
	publisher *events.Publisher
}

// SettlementResult reports the outcome of settling one auction.
type SettlementResult struct {
	AuctionID      int        `json:"auction_id"`
	WinnerID       *int       `json:"winner_id,omitempty"`
	WinningAmount  int64      `json:"winning_amount"`
	Commission     int64      `json:"commission"`
	SellerCredit   int64      `json:"seller_credit"`
	SettledAt      time.Time  `json:"settled_at"`
	AlreadySettled bool       `json:"already_settled"`
}

func NewSettlementService(db *sql.DB, ledger *LedgerService, escrow *EscrowService, auctions *AuctionService, publisher *events.Publisher) *SettlementService {
	viper.SetDefault("commission.percentage", 5.0)
	viper.SetDefault("commission.fixed", 0)
	return &SettlementService{
		db:        db,
		ledger:    ledger,
		escrow:    escrow,
		auctions:  auctions,
		publisher: publisher,
	}
}

// computeCommission applies the configured percentage plus fixed fee,
// capped at the winning amount so the seller credit can never go negative.
func computeCommission(amount int64) int64 {
	pct := viper.GetFloat64("commission.percentage")
	fixed := viper.GetInt64("commission.fixed")
	commission := int64(float64(amount)*pct/100.0) + fixed
	if commission < 0 {
		commission = 0
	}
	if commission > amount {
		commission = amount
	}
	return commission
}

// Settle drives winner capture, seller credit, commission and loser escrow
// release as one atomic unit, then marks the auction ended. Safe to invoke
// redundantly from concurrent sweep workers.
func (s *SettlementService) Settle(ctx context.Context, auctionID int) (*SettlementResult, error) {
	tx, err := s.ledger.BeginEngineTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	a, err := s.auctions.LockAuctionTx(tx, auctionID)
	if err != nil {
		return nil, err
	}

	if a.SettledAt != nil {
		result, err := s.priorResult(ctx, a)
		if err != nil {
			return nil, err
		}
		return result, nil
	}

	if !canTransition(a.Status, models.AuctionStatusEnded) {
		return nil, fmt.Errorf("settle: %w - cannot settle auction %d in %s", marketerrors.ErrInvalidTransition, auctionID, a.Status)
	}

	now := time.Now()
	result := &SettlementResult{AuctionID: auctionID, SettledAt: now}

	var winnerBid *models.Bid
	if a.CurrentBidID != nil {
		var b models.Bid
		err := tx.QueryRow(`
			SELECT id, bid_id, auction_id, bidder_id, amount, status, created_at
			FROM bids WHERE id = $1`, *a.CurrentBidID).
			Scan(&b.ID, &b.BidID, &b.AuctionID, &b.BidderID, &b.Amount, &b.Status, &b.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("settle: failed to load winning bid for auction %d: %w", auctionID, err)
		}
		winnerBid = &b
	}

	// Build the full wallet lock set up front: seller, winner and any
	// bidder still holding escrow (there should be none besides the
	// winner, but settlement sweeps strays defensively).
	holds, err := s.escrow.ListHeldTx(tx, auctionID)
	if err != nil {
		return nil, err
	}

	if winnerBid != nil {
		lockIDs := []int{a.SellerID, winnerBid.BidderID}
		for _, h := range holds {
			lockIDs = append(lockIDs, h.BidderID)
		}
		wallets, err := s.ledger.LockWallets(tx, lockIDs...)
		if err != nil {
			return nil, err
		}

		amount := winnerBid.Amount
		commission := computeCommission(amount)
		sellerCredit := amount - commission
		// The two seller-side entries must reassemble the winning amount
		// exactly; a mismatch is a bug, not a retryable condition.
		if commission < 0 || sellerCredit < 0 || sellerCredit+commission != amount {
			log.Printf("[SETTLE] FATAL: auction %d credit %d + commission %d != winning amount %d",
				auctionID, sellerCredit, commission, amount)
			return nil, marketerrors.ErrSettlementMismatch
		}

		// Capture the winner's hold as a win_debit: the funds already left
		// their available balance, this finalizes the hold.
		var winnerHold *models.Escrow
		for i := range holds {
			if holds[i].BidderID == winnerBid.BidderID {
				winnerHold = &holds[i]
				break
			}
		}
		if winnerHold == nil {
			return nil, fmt.Errorf("settle: auction %d winner %d holds no escrow", auctionID, winnerBid.BidderID)
		}
		if _, err := s.escrow.CaptureTx(tx, wallets[winnerBid.BidderID], winnerHold); err != nil {
			return nil, err
		}

		if _, err := s.ledger.ApplyTx(tx, wallets[a.SellerID], models.TxTypeWinCredit, amount, auctionRef(auctionID)); err != nil {
			return nil, err
		}
		if commission > 0 {
			if _, err := s.ledger.ApplyTx(tx, wallets[a.SellerID], models.TxTypeCommission, commission, auctionRef(auctionID)); err != nil {
				return nil, err
			}
		}

		// Free every other outstanding hold and refund its bid.
		for i := range holds {
			h := &holds[i]
			if h.BidderID == winnerBid.BidderID || h.Status != models.EscrowStatusHeld {
				continue
			}
			if _, err := s.escrow.ReleaseTx(tx, wallets[h.BidderID], h); err != nil {
				return nil, err
			}
			if _, err := tx.Exec(`UPDATE bids SET status = $1 WHERE id = $2`,
				models.BidStatusRefunded, h.BidID); err != nil {
				return nil, fmt.Errorf("settle: failed to mark bid %d refunded: %w", h.BidID, err)
			}
		}

		if _, err := tx.Exec(`UPDATE bids SET status = $1 WHERE id = $2`,
			models.BidStatusWinning, winnerBid.ID); err != nil {
			return nil, fmt.Errorf("settle: failed to mark winning bid %d: %w", winnerBid.ID, err)
		}

		winnerID := winnerBid.BidderID
		result.WinnerID = &winnerID
		result.WinningAmount = amount
		result.Commission = commission
		result.SellerCredit = sellerCredit
	}

	var winnerCol any
	if result.WinnerID != nil {
		winnerCol = *result.WinnerID
	}
	_, err = tx.Exec(`
		UPDATE auctions
		SET status = $1, winner_id = $2, settled_at = $3, updated_at = $3
		WHERE id = $4`,
		models.AuctionStatusEnded, winnerCol, now, auctionID)
	if err != nil {
		return nil, fmt.Errorf("settle: failed to mark auction %d ended: %w", auctionID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("settle: failed to commit settlement for auction %d: %w", auctionID, err)
	}

	if result.WinnerID != nil {
		log.Printf("[SETTLE] Auction %d settled: winner %d at %d, seller credit %d, commission %d",
			auctionID, *result.WinnerID, result.WinningAmount, result.SellerCredit, result.Commission)
	} else {
		log.Printf("[SETTLE] Auction %d ended with no bids", auctionID)
	}

	go s.publisher.Publish(context.Background(), events.TypeAuctionEnded, events.AuctionEnded{
		AuctionID: auctionID,
		WinnerID:  result.WinnerID,
	})

	return result, nil
}

// ForceSettle closes and settles an auction on admin request.
func (s *SettlementService) ForceSettle(ctx context.Context, auctionID, actorID int) (*SettlementResult, error) {
	log.Printf("[SETTLE] Force settlement of auction %d requested by admin %d", auctionID, actorID)
	return s.Settle(ctx, auctionID)
}

// priorResult rebuilds the settlement outcome of an already-settled auction
// from its row and the commission entry in the ledger.
func (s *SettlementService) priorResult(ctx context.Context, a *models.Auction) (*SettlementResult, error) {
	result := &SettlementResult{
		AuctionID:      a.ID,
		WinnerID:       a.WinnerID,
		SettledAt:      *a.SettledAt,
		AlreadySettled: true,
	}
	if a.WinnerID == nil {
		return result, nil
	}

	result.WinningAmount = a.CurrentPrice
	var commission int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM wallet_transactions
		WHERE user_id = $1 AND type = $2 AND reference_id = $3 AND status = $4`,
		a.SellerID, models.TxTypeCommission, auctionRef(a.ID), models.TxStatusCompleted).
		Scan(&commission)
	if err != nil {
		return nil, fmt.Errorf("settle: failed to load prior commission for auction %d: %w", a.ID, err)
	}
	result.Commission = commission
	result.SellerCredit = result.WinningAmount - commission
	return result, nil
}

package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/openlot/backend/internal/events"
	"github.com/openlot/backend/internal/marketerrors"
	"github.com/openlot/backend/internal/models"
)

// BidService commits bids against auctions. A bid is accepted inside one
// database transaction holding the auction row lock, so bids on the same
// auction are totally ordered and no two can commit against the same stale
// current price. Lock order is always auction first, then wallets in
// ascending user-id order.
type BidService struct {
	db        *sql.DB
	ledger    *LedgerService
	escrow    *EscrowService
	auctions  *AuctionService
	publisher *events.Publisher
	validator *ValidationHelper
}

// PlaceBidRequest is the bid submission payload.
// @Description Bid submission request
type PlaceBidRequest struct {
	Amount int64 `json:"amount" validate:"required,gt=0"` // in cents
}

// BidResult reports an accepted bid.
type BidResult struct {
	Bid             models.Bid `json:"bid"`
	NewCurrentPrice int64      `json:"new_current_price"`
}

func NewBidService(db *sql.DB, ledger *LedgerService, escrow *EscrowService, auctions *AuctionService, publisher *events.Publisher) *BidService {
	return &BidService{
		db:        db,
		ledger:    ledger,
		escrow:    escrow,
		auctions:  auctions,
		publisher: publisher,
		validator: NewValidationHelper(),
	}
}

// minAcceptableBid is the lowest amount the auction will take. With a zero
// increment a bid must still strictly exceed the current price, so equal
// bids can never tie.
func minAcceptableBid(a *models.Auction) int64 {
	if a.MinIncrement == 0 {
		return a.CurrentPrice + 1
	}
	return a.CurrentPrice + a.MinIncrement
}

// PlaceBid validates and commits a bid. On any failure the transaction is
// rolled back whole: no bid row, no escrow movement, no price change.
func (s *BidService) PlaceBid(ctx context.Context, auctionID, bidderID int, amount int64) (*BidResult, error) {
	tx, err := s.ledger.BeginEngineTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	a, err := s.auctions.LockAuctionTx(tx, auctionID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if err := s.auctions.ApplyTimeTransitionTx(tx, a, now); err != nil {
		return nil, err
	}
	if !a.Biddable(now) {
		return nil, fmt.Errorf("bid: %w - auction %d is %s", marketerrors.ErrAuctionNotBiddable, auctionID, a.Status)
	}
	if amount < minAcceptableBid(a) {
		return nil, fmt.Errorf("bid: %w - minimum acceptable bid is %d", marketerrors.ErrBidTooLow, minAcceptableBid(a))
	}
	if bidderID == a.SellerID {
		return nil, fmt.Errorf("bid: %w", marketerrors.ErrSelfBidNotAllowed)
	}

	// Identify the bidder being outbid before locking any wallets so all
	// wallet locks are taken in one sorted pass.
	var prevBid *models.Bid
	if a.CurrentBidID != nil {
		prevBid, err = s.getBidTx(tx, *a.CurrentBidID)
		if err != nil {
			return nil, err
		}
	}

	lockIDs := []int{bidderID}
	if prevBid != nil && prevBid.BidderID != bidderID {
		lockIDs = append(lockIDs, prevBid.BidderID)
	}
	wallets, err := s.ledger.LockWallets(tx, lockIDs...)
	if err != nil {
		return nil, err
	}

	bid := models.Bid{
		BidID:     uuid.NewString(),
		AuctionID: auctionID,
		BidderID:  bidderID,
		Amount:    amount,
		Status:    models.BidStatusActive,
	}
	err = tx.QueryRow(`
		INSERT INTO bids (bid_id, auction_id, bidder_id, amount, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`,
		bid.BidID, bid.AuctionID, bid.BidderID, bid.Amount, bid.Status, now).
		Scan(&bid.ID, &bid.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("bid: failed to record bid on auction %d: %w", auctionID, err)
	}

	// Place or raise the bidder's escrow. Insufficient funds rolls the
	// whole submission back, bid row included.
	held, err := s.escrow.FindHeldTx(tx, auctionID, bidderID)
	if err != nil {
		return nil, err
	}
	if held != nil {
		if err := s.escrow.IncreaseTx(tx, wallets[bidderID], held, bid.ID, amount); err != nil {
			return nil, err
		}
	} else {
		if _, err := s.escrow.PlaceTx(tx, wallets[bidderID], auctionID, bid.ID, amount); err != nil {
			return nil, err
		}
	}

	// Retire the previous highest bid and free its escrow when it belongs
	// to another bidder. A raised own bid keeps its (now larger) hold.
	outbidBidderID := 0
	if prevBid != nil {
		if err := s.markBidTx(tx, prevBid.ID, models.BidStatusOutbid); err != nil {
			return nil, err
		}
		if prevBid.BidderID != bidderID {
			prevHold, err := s.escrow.FindHeldTx(tx, auctionID, prevBid.BidderID)
			if err != nil {
				return nil, err
			}
			if prevHold != nil {
				if _, err := s.escrow.ReleaseTx(tx, wallets[prevBid.BidderID], prevHold); err != nil {
					return nil, err
				}
			}
			outbidBidderID = prevBid.BidderID
		}
	}

	_, err = tx.Exec(`
		UPDATE auctions
		SET current_price = $1, current_bid_id = $2, updated_at = $3
		WHERE id = $4`,
		amount, bid.ID, now, auctionID)
	if err != nil {
		return nil, fmt.Errorf("bid: failed to update current price for auction %d: %w", auctionID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("bid: failed to commit bid on auction %d: %w", auctionID, err)
	}

	log.Printf("[BID] Auction %d: bid %d by user %d accepted at %d", auctionID, bid.ID, bidderID, amount)
	if outbidBidderID != 0 {
		go s.publisher.Publish(context.Background(), events.TypeBidOutbid, events.BidOutbid{
			BidderID:  outbidBidderID,
			AuctionID: auctionID,
		})
	}

	return &BidResult{Bid: bid, NewCurrentPrice: amount}, nil
}

// ListBids returns the bid history for an auction, newest first.
func (s *BidService) ListBids(ctx context.Context, auctionID int) ([]models.Bid, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, bid_id, auction_id, bidder_id, amount, status, created_at
		FROM bids
		WHERE auction_id = $1
		ORDER BY id DESC`, auctionID)
	if err != nil {
		return nil, fmt.Errorf("bid: failed to list bids for auction %d: %w", auctionID, err)
	}
	defer rows.Close()

	var bids []models.Bid
	for rows.Next() {
		var b models.Bid
		if err := rows.Scan(&b.ID, &b.BidID, &b.AuctionID, &b.BidderID, &b.Amount, &b.Status, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("bid: failed to scan bid: %w", err)
		}
		bids = append(bids, b)
	}
	return bids, rows.Err()
}

func (s *BidService) getBidTx(tx *sql.Tx, bidID int) (*models.Bid, error) {
	var b models.Bid
	err := tx.QueryRow(`
		SELECT id, bid_id, auction_id, bidder_id, amount, status, created_at
		FROM bids WHERE id = $1`, bidID).
		Scan(&b.ID, &b.BidID, &b.AuctionID, &b.BidderID, &b.Amount, &b.Status, &b.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("bid: failed to load bid %d: %w", bidID, err)
	}
	return &b, nil
}

func (s *BidService) markBidTx(tx *sql.Tx, bidID int, status string) error {
	_, err := tx.Exec(`UPDATE bids SET status = $1 WHERE id = $2`, status, bidID)
	if err != nil {
		return fmt.Errorf("bid: failed to mark bid %d as %s: %w", bidID, status, err)
	}
	return nil
}

// PlaceBidHandler handles bid submission
// @Summary Place a bid on an auction
// @Description Validate and commit a bid; funds are escrowed atomically with the bid
// @Tags bids
// @Accept json
// @Produce json
// @Param auctionId path int true "Auction ID"
// @Param request body PlaceBidRequest true "Bid data"
// @Success 201 {object} BidResult
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /auctions/{auctionId}/bids [post]
func (s *BidService) PlaceBidHandler(w http.ResponseWriter, r *http.Request) {
	bidderID, ok := actorID(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	auctionID, err := strconv.Atoi(chi.URLParam(r, "auctionId"))
	if err != nil {
		SendErrorResponse(w, "Invalid auction id", http.StatusBadRequest, nil)
		return
	}

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req PlaceBidRequest
	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	result, err := s.PlaceBid(r.Context(), auctionID, bidderID, req.Amount)
	if err != nil {
		s.sendBidError(w, auctionID, bidderID, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(result)
}

func (s *BidService) sendBidError(w http.ResponseWriter, auctionID, bidderID int, err error) {
	switch {
	case errors.Is(err, marketerrors.ErrAuctionNotFound):
		SendErrorResponse(w, "Auction not found", http.StatusNotFound, nil)
	case errors.Is(err, marketerrors.ErrBidTooLow),
		errors.Is(err, marketerrors.ErrSelfBidNotAllowed):
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
	case errors.Is(err, marketerrors.ErrAuctionNotBiddable),
		errors.Is(err, marketerrors.ErrInsufficientFunds):
		SendErrorResponse(w, err.Error(), http.StatusConflict, nil)
	case errors.Is(err, marketerrors.ErrBusy):
		SendErrorResponse(w, "Auction is busy, retry shortly", http.StatusServiceUnavailable, nil)
	default:
		log.Printf("[BID] Bid by user %d on auction %d failed: %v", bidderID, auctionID, err)
		SendErrorResponse(w, "Failed to place bid", http.StatusInternalServerError, nil)
	}
}

// ListBidsHandler returns bid history
// @Summary List bids for an auction
// @Tags bids
// @Produce json
// @Param auctionId path int true "Auction ID"
// @Success 200 {array} models.Bid
// @Router /auctions/{auctionId}/bids [get]
func (s *BidService) ListBidsHandler(w http.ResponseWriter, r *http.Request) {
	auctionID, err := strconv.Atoi(chi.URLParam(r, "auctionId"))
	if err != nil {
		SendErrorResponse(w, "Invalid auction id", http.StatusBadRequest, nil)
		return
	}

	bids, err := s.ListBids(r.Context(), auctionID)
	if err != nil {
		log.Printf("[BID] List failed for auction %d: %v", auctionID, err)
		SendErrorResponse(w, "Failed to list bids", http.StatusInternalServerError, nil)
		return
	}
	if bids == nil {
		bids = []models.Bid{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(bids)
}

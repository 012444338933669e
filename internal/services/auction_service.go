package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/openlot/backend/internal/marketerrors"
	"github.com/openlot/backend/internal/models"
)

// AuctionService owns the listing lifecycle. Status moves through
// pending -> approved -> ongoing -> ended, with rejected/cancelled/paused
// side branches; rejected, cancelled and ended are terminal. Time-driven
// transitions are applied lazily on reads and bids, and by the sweeper.
type AuctionService struct {
	db        *sql.DB
	ledger    *LedgerService
	validator *ValidationHelper
}

// CreateAuctionRequest is the seller-facing listing payload.
// @Description Auction creation request
type CreateAuctionRequest struct {
	Title        string    `json:"title" validate:"required,min=3,max=255"`
	Description  string    `json:"description" validate:"max=4000"`
	StartPrice   int64     `json:"startPrice" validate:"required,gt=0"` // in cents
	MinIncrement int64     `json:"minIncrement" validate:"gte=0"`
	StartTime    time.Time `json:"startTime" validate:"required"`
	EndTime      time.Time `json:"endTime" validate:"required"`
}

func NewAuctionService(db *sql.DB, ledger *LedgerService) *AuctionService {
	return &AuctionService{
		db:        db,
		ledger:    ledger,
		validator: NewValidationHelper(),
	}
}

// canTransition encodes the legal status moves. Automatic time transitions
// use the same table as admin ones.
func canTransition(from, to string) bool {
	switch from {
	case models.AuctionStatusPending:
		return to == models.AuctionStatusApproved ||
			to == models.AuctionStatusRejected ||
			to == models.AuctionStatusCancelled
	case models.AuctionStatusApproved:
		return to == models.AuctionStatusOngoing ||
			to == models.AuctionStatusPaused ||
			to == models.AuctionStatusEnded ||
			to == models.AuctionStatusCancelled
	case models.AuctionStatusOngoing:
		return to == models.AuctionStatusPaused ||
			to == models.AuctionStatusEnded
	case models.AuctionStatusPaused:
		return to == models.AuctionStatusApproved ||
			to == models.AuctionStatusOngoing ||
			to == models.AuctionStatusEnded
	}
	// rejected, ended, cancelled are terminal
	return false
}

const auctionColumns = `id, seller_id, title, description, start_price, current_price, min_increment,
		current_bid_id, status, start_time, end_time, winner_id, settled_at, created_at, updated_at`

func scanAuction(row interface{ Scan(...any) error }) (*models.Auction, error) {
	var a models.Auction
	err := row.Scan(&a.ID, &a.SellerID, &a.Title, &a.Description, &a.StartPrice, &a.CurrentPrice,
		&a.MinIncrement, &a.CurrentBidID, &a.Status, &a.StartTime, &a.EndTime, &a.WinnerID,
		&a.SettledAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// LockAuctionTx loads an auction under FOR UPDATE. Engine operations lock
// the auction row before any wallet row.
func (s *AuctionService) LockAuctionTx(tx *sql.Tx, auctionID int) (*models.Auction, error) {
	a, err := scanAuction(tx.QueryRow(`
		SELECT `+auctionColumns+`
		FROM auctions
		WHERE id = $1
		FOR UPDATE`, auctionID))
	if err == sql.ErrNoRows {
		return nil, marketerrors.ErrAuctionNotFound
	}
	if err != nil {
		return nil, MapLockErr(err)
	}
	return a, nil
}

// ApplyTimeTransitionTx opens an approved auction whose start time has
// passed. Idempotent; redundant evaluation from concurrent sweeps is safe
// because the caller holds the row lock.
func (s *AuctionService) ApplyTimeTransitionTx(tx *sql.Tx, a *models.Auction, now time.Time) error {
	if a.Status == models.AuctionStatusApproved && !now.Before(a.StartTime) {
		if err := s.updateStatusTx(tx, a, models.AuctionStatusOngoing); err != nil {
			return err
		}
	}
	return nil
}

func (s *AuctionService) updateStatusTx(tx *sql.Tx, a *models.Auction, status string) error {
	_, err := tx.Exec(`
		UPDATE auctions SET status = $1, updated_at = $2 WHERE id = $3`,
		status, time.Now(), a.ID)
	if err != nil {
		return fmt.Errorf("auction: failed to move auction %d to %s: %w", a.ID, status, err)
	}
	a.Status = status
	return nil
}

// Create inserts a pending listing for the seller.
func (s *AuctionService) Create(ctx context.Context, sellerID int, req CreateAuctionRequest) (*models.Auction, error) {
	if !req.EndTime.After(req.StartTime) {
		return nil, fmt.Errorf("auction: end time must be after start time")
	}

	a := models.Auction{
		SellerID:     sellerID,
		Title:        req.Title,
		Description:  req.Description,
		StartPrice:   req.StartPrice,
		CurrentPrice: req.StartPrice,
		MinIncrement: req.MinIncrement,
		Status:       models.AuctionStatusPending,
		StartTime:    req.StartTime,
		EndTime:      req.EndTime,
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO auctions (seller_id, title, description, start_price, current_price, min_increment,
			status, start_time, end_time, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		RETURNING id, created_at, updated_at`,
		a.SellerID, a.Title, a.Description, a.StartPrice, a.CurrentPrice, a.MinIncrement,
		a.Status, a.StartTime, a.EndTime).
		Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("auction: failed to create listing for seller %d: %w", sellerID, err)
	}
	return &a, nil
}

// Get loads one auction, applying the lazy approved->ongoing transition so
// readers never see an approved auction whose start time has passed.
func (s *AuctionService) Get(ctx context.Context, auctionID int) (*models.Auction, error) {
	_, err := s.db.ExecContext(ctx, `
		UPDATE auctions SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3 AND start_time <= NOW()`,
		models.AuctionStatusOngoing, auctionID, models.AuctionStatusApproved)
	if err != nil {
		return nil, fmt.Errorf("auction: failed to apply time transition for auction %d: %w", auctionID, err)
	}

	a, err := scanAuction(s.db.QueryRowContext(ctx, `
		SELECT `+auctionColumns+` FROM auctions WHERE id = $1`, auctionID))
	if err == sql.ErrNoRows {
		return nil, marketerrors.ErrAuctionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("auction: failed to load auction %d: %w", auctionID, err)
	}
	return a, nil
}

// List returns auctions, optionally filtered by status.
func (s *AuctionService) List(ctx context.Context, status string) ([]models.Auction, error) {
	query := `SELECT ` + auctionColumns + ` FROM auctions`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += ` ORDER BY end_time ASC LIMIT 100`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("auction: failed to list auctions: %w", err)
	}
	defer rows.Close()

	var auctions []models.Auction
	for rows.Next() {
		a, err := scanAuction(rows)
		if err != nil {
			return nil, fmt.Errorf("auction: failed to scan auction: %w", err)
		}
		auctions = append(auctions, *a)
	}
	return auctions, rows.Err()
}

// AdminTransition moves an auction to targetStatus on behalf of an admin
// actor. Transitions into ended must go through the settlement service
// instead, so money movement and the status change commit together.
func (s *AuctionService) AdminTransition(ctx context.Context, auctionID int, targetStatus string, actorID int) (*models.Auction, error) {
	if targetStatus == models.AuctionStatusEnded {
		return nil, fmt.Errorf("auction: %w", marketerrors.ErrSettlementRequired)
	}

	tx, err := s.ledger.BeginEngineTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	a, err := s.LockAuctionTx(tx, auctionID)
	if err != nil {
		return nil, err
	}
	if err := s.ApplyTimeTransitionTx(tx, a, time.Now()); err != nil {
		return nil, err
	}

	if !canTransition(a.Status, targetStatus) {
		return nil, fmt.Errorf("auction: %w - %s to %s", marketerrors.ErrInvalidTransition, a.Status, targetStatus)
	}

	// Resuming a paused auction lands on approved or ongoing depending on
	// whether the start time has passed.
	if a.Status == models.AuctionStatusPaused &&
		(targetStatus == models.AuctionStatusApproved || targetStatus == models.AuctionStatusOngoing) {
		targetStatus = models.AuctionStatusApproved
		if !time.Now().Before(a.StartTime) {
			targetStatus = models.AuctionStatusOngoing
		}
	}

	if err := s.updateStatusTx(tx, a, targetStatus); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("auction: failed to commit transition for auction %d: %w", auctionID, err)
	}

	log.Printf("[AUCTION] Auction %d moved to %s by admin %d", auctionID, targetStatus, actorID)
	return a, nil
}

// CreateAuction handles listing creation
// @Summary Create a new auction listing
// @Description Create a listing in pending status awaiting admin approval
// @Tags auctions
// @Accept json
// @Produce json
// @Param request body CreateAuctionRequest true "Listing data"
// @Success 201 {object} models.Auction
// @Failure 400 {object} ErrorResponse
// @Router /auctions [post]
func (s *AuctionService) CreateAuction(w http.ResponseWriter, r *http.Request) {
	sellerID, ok := actorID(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req CreateAuctionRequest
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

	a, err := s.Create(r.Context(), sellerID, req)
	if err != nil {
		log.Printf("[AUCTION] Create failed for seller %d: %v", sellerID, err)
		SendErrorResponse(w, "Failed to create auction", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[AUCTION] Listing %d created by seller %d", a.ID, sellerID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(a)
}

// GetAuction returns one auction
// @Summary Get auction details
// @Tags auctions
// @Produce json
// @Param auctionId path int true "Auction ID"
// @Success 200 {object} models.Auction
// @Failure 404 {object} ErrorResponse
// @Router /auctions/{auctionId} [get]
func (s *AuctionService) GetAuction(w http.ResponseWriter, r *http.Request) {
	auctionID, err := strconv.Atoi(chi.URLParam(r, "auctionId"))
	if err != nil {
		SendErrorResponse(w, "Invalid auction id", http.StatusBadRequest, nil)
		return
	}

	a, err := s.Get(r.Context(), auctionID)
	if err == marketerrors.ErrAuctionNotFound {
		SendErrorResponse(w, "Auction not found", http.StatusNotFound, nil)
		return
	}
	if err != nil {
		log.Printf("[AUCTION] Get failed for auction %d: %v", auctionID, err)
		SendErrorResponse(w, "Failed to load auction", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(a)
}

// ListAuctions returns auctions filtered by status
// @Summary List auctions
// @Tags auctions
// @Produce json
// @Param status query string false "Status filter"
// @Success 200 {array} models.Auction
// @Router /auctions [get]
func (s *AuctionService) ListAuctions(w http.ResponseWriter, r *http.Request) {
	auctions, err := s.List(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		log.Printf("[AUCTION] List failed: %v", err)
		SendErrorResponse(w, "Failed to list auctions", http.StatusInternalServerError, nil)
		return
	}
	if auctions == nil {
		auctions = []models.Auction{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(auctions)
}

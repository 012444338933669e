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

	"github.com/google/uuid"
	"github.com/openlot/backend/internal/events"
	"github.com/openlot/backend/internal/marketerrors"
	"github.com/openlot/backend/internal/models"
)

// WalletService is the HTTP surface over the ledger: balance and history
// reads, gateway deposit intake, and withdrawal requests. Deposits follow
// the two-step flow: recorded pending when the gateway reports funds, then
// promoted to completed by an admin or gateway webhook confirmation.
type WalletService struct {
	db        *sql.DB
	ledger    *LedgerService
	publisher *events.Publisher
	validator *ValidationHelper
}

// DepositRequest is the gateway-confirmed deposit payload.
// @Description External deposit notification
type DepositRequest struct {
	Amount           int64  `json:"amount" validate:"required,gt=0"` // in cents
	GatewayReference string `json:"gatewayReference" validate:"required,max=128"`
}

// WithdrawalRequest is the user withdrawal payload.
// @Description Withdrawal request
type WithdrawalRequest struct {
	Amount int64 `json:"amount" validate:"required,gt=0"` // in cents
}

func NewWalletService(db *sql.DB, ledger *LedgerService, publisher *events.Publisher) *WalletService {
	return &WalletService{
		db:        db,
		ledger:    ledger,
		publisher: publisher,
		validator: NewValidationHelper(),
	}
}

// RecordExternalDeposit appends a pending deposit once the payment gateway
// confirms funds received. Idempotent on the gateway reference: replays of
// the same notification return the original entry.
func (s *WalletService) RecordExternalDeposit(ctx context.Context, userID int, amount int64, gatewayReference string) (string, error) {
	tx, err := s.ledger.BeginEngineTx(ctx)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	// Serialize on (user, reference) for the rest of the transaction so two
	// concurrent replays of the same gateway notification cannot both pass
	// the dedup check and record the deposit twice.
	if _, err := tx.Exec(`SELECT pg_advisory_xact_lock(hashtext($1))`,
		fmt.Sprintf("deposit:%d:%s", userID, gatewayReference)); err != nil {
		return "", fmt.Errorf("wallet: failed to lock deposit reference %s: %w", gatewayReference, err)
	}

	var existingID string
	err = tx.QueryRow(`
		SELECT transaction_id FROM wallet_transactions
		WHERE user_id = $1 AND type = $2 AND reference_id = $3`,
		userID, models.TxTypeDeposit, gatewayReference).Scan(&existingID)
	if err == nil {
		log.Printf("[WALLET] Duplicate deposit notification %s for user %d", gatewayReference, userID)
		return existingID, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("wallet: failed to check deposit reference %s: %w", gatewayReference, err)
	}

	transactionID, err := s.ledger.RecordPendingTx(tx, userID, amount, models.TxTypeDeposit, gatewayReference)
	if err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("wallet: failed to commit deposit for user %d: %w", userID, err)
	}

	log.Printf("[WALLET] Deposit %s of %d recorded pending for user %d", transactionID, amount, userID)
	return transactionID, nil
}

// RequestWithdrawal debits the amount immediately as a completed entry so
// the funds cannot be double-spent while the payout awaits admin approval.
// Rejection later refunds it with a compensating entry. The reference id
// identifies the payout request, like auction refs on escrow entries.
func (s *WalletService) RequestWithdrawal(ctx context.Context, userID int, amount int64) (string, error) {
	payoutRef := fmt.Sprintf("payout:%s", uuid.NewString())
	return s.ledger.Debit(ctx, userID, amount, models.TxTypeWithdrawal, payoutRef)
}

// ConfirmTransaction promotes a pending deposit to completed, crediting the
// balance in the same atomic unit.
func (s *WalletService) ConfirmTransaction(ctx context.Context, transactionID string, actorID int) (*models.WalletTransaction, error) {
	tx, err := s.ledger.BeginEngineTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	entry, err := s.ledger.lockEntryTx(tx, transactionID)
	if err != nil {
		return nil, err
	}
	w, err := s.ledger.LockWallet(tx, entry.UserID)
	if err != nil {
		return nil, err
	}
	entry, err = s.ledger.PromotePendingTx(tx, w, transactionID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("wallet: failed to commit confirmation of %s: %w", transactionID, err)
	}

	log.Printf("[WALLET] Transaction %s confirmed by admin %d", transactionID, actorID)
	return entry, nil
}

// RejectTransaction rejects a pending deposit, or refunds an already-debited
// withdrawal with a compensating refund entry. Emits TransactionRejected.
func (s *WalletService) RejectTransaction(ctx context.Context, transactionID string, reason string, actorID int) (*models.WalletTransaction, error) {
	tx, err := s.ledger.BeginEngineTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	entry, err := s.ledger.lockEntryTx(tx, transactionID)
	if err != nil {
		return nil, err
	}

	refundRef := fmt.Sprintf("txn:%s", transactionID)
	switch {
	case entry.Status == models.TxStatusPending:
		entry, err = s.ledger.RejectPendingTx(tx, transactionID)
		if err != nil {
			return nil, err
		}
	case entry.Status == models.TxStatusCompleted && entry.Type == models.TxTypeWithdrawal:
		// Completed entries are never mutated; the rejection is a new
		// refund entry superseding the withdrawal. Guard against a double
		// refund of the same withdrawal.
		var existing int
		err = tx.QueryRow(`
			SELECT COUNT(*) FROM wallet_transactions
			WHERE user_id = $1 AND type = $2 AND reference_id = $3`,
			entry.UserID, models.TxTypeRefund, refundRef).Scan(&existing)
		if err != nil {
			return nil, fmt.Errorf("wallet: failed to check refund for %s: %w", transactionID, err)
		}
		if existing > 0 {
			return nil, fmt.Errorf("wallet: withdrawal %s was already refunded", transactionID)
		}

		w, err := s.ledger.LockWallet(tx, entry.UserID)
		if err != nil {
			return nil, err
		}
		if _, err := s.ledger.ApplyTx(tx, w, models.TxTypeRefund, entry.Amount, refundRef); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("wallet: transaction %s is %s and cannot be rejected", transactionID, entry.Status)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("wallet: failed to commit rejection of %s: %w", transactionID, err)
	}

	log.Printf("[WALLET] Transaction %s rejected by admin %d: %s", transactionID, actorID, reason)
	go s.publisher.Publish(context.Background(), events.TypeTransactionRejected, events.TransactionRejected{
		TransactionID: transactionID,
		Reason:        reason,
	})
	return entry, nil
}

// GetBalance returns the wallet balance
// @Summary Get wallet balance
// @Description Returns available and escrowed balances for the authenticated user
// @Tags wallet
// @Produce json
// @Success 200 {object} models.WalletAccount
// @Failure 404 {object} ErrorResponse
// @Router /wallet/balance [get]
func (s *WalletService) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := actorID(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	account, err := s.ledger.GetBalance(r.Context(), userID)
	if errors.Is(err, marketerrors.ErrWalletNotFound) {
		SendErrorResponse(w, "Wallet not found", http.StatusNotFound, nil)
		return
	}
	if err != nil {
		log.Printf("[WALLET] Balance lookup failed for user %d: %v", userID, err)
		SendErrorResponse(w, "Failed to load balance", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(account)
}

// ListTransactions returns the ledger history
// @Summary List wallet transactions
// @Tags wallet
// @Produce json
// @Success 200 {array} models.WalletTransaction
// @Router /wallet/transactions [get]
func (s *WalletService) ListTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := actorID(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	entries, err := s.ledger.ListTransactions(r.Context(), userID, 50)
	if err != nil {
		log.Printf("[WALLET] History lookup failed for user %d: %v", userID, err)
		SendErrorResponse(w, "Failed to load transactions", http.StatusInternalServerError, nil)
		return
	}
	if entries == nil {
		entries = []models.WalletTransaction{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}

// CreateDeposit records a gateway-confirmed deposit
// @Summary Record an external deposit
// @Description Records a pending deposit awaiting admin or webhook confirmation
// @Tags wallet
// @Accept json
// @Produce json
// @Param request body DepositRequest true "Deposit data"
// @Success 201 {object} map[string]string
// @Failure 400 {object} ErrorResponse
// @Router /wallet/deposits [post]
func (s *WalletService) CreateDeposit(w http.ResponseWriter, r *http.Request) {
	userID, ok := actorID(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req DepositRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	transactionID, err := s.RecordExternalDeposit(r.Context(), userID, req.Amount, req.GatewayReference)
	if err != nil {
		log.Printf("[WALLET] Deposit failed for user %d: %v", userID, err)
		SendErrorResponse(w, "Failed to record deposit", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{"transaction_id": transactionID, "status": models.TxStatusPending})
}

// CreateWithdrawal requests a withdrawal
// @Summary Request a withdrawal
// @Description Debits the amount immediately; payout is released after admin approval
// @Tags wallet
// @Accept json
// @Produce json
// @Param request body WithdrawalRequest true "Withdrawal data"
// @Success 201 {object} map[string]string
// @Failure 409 {object} ErrorResponse
// @Router /wallet/withdrawals [post]
func (s *WalletService) CreateWithdrawal(w http.ResponseWriter, r *http.Request) {
	userID, ok := actorID(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req WithdrawalRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	transactionID, err := s.RequestWithdrawal(r.Context(), userID, req.Amount)
	if errors.Is(err, marketerrors.ErrInsufficientFunds) {
		SendErrorResponse(w, "Insufficient available balance", http.StatusConflict, nil)
		return
	}
	if err != nil {
		log.Printf("[WALLET] Withdrawal failed for user %d: %v", userID, err)
		SendErrorResponse(w, "Failed to request withdrawal", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{"transaction_id": transactionID, "status": models.TxStatusCompleted})
}

func (s *WalletService) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}
	if err := s.validator.ValidateStruct(dst); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return false
	}
	return true
}

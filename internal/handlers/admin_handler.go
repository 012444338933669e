package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/openlot/backend/internal/marketerrors"
	"github.com/openlot/backend/internal/middleware"
	"github.com/openlot/backend/internal/models"
	"github.com/openlot/backend/internal/services"
)

// AdminHandler exposes moderation operations: auction status transitions,
// forced settlement, pending transaction confirmation and ledger replay
// reconciliation. All routes sit behind the RequireAdmin middleware.
type AdminHandler struct {
	auctions   *services.AuctionService
	settlement *services.SettlementService
	wallet     *services.WalletService
	ledger     *services.LedgerService
	validator  *services.ValidationHelper
}

func NewAdminHandler(auctions *services.AuctionService, settlement *services.SettlementService, wallet *services.WalletService, ledger *services.LedgerService) *AdminHandler {
	return &AdminHandler{
		auctions:   auctions,
		settlement: settlement,
		wallet:     wallet,
		ledger:     ledger,
		validator:  services.NewValidationHelper(),
	}
}

// TransitionAuction moves an auction to a new status
// @Summary Transition auction status
// @Description Admin moderation: approve, reject, pause, resume or cancel a listing. Force close goes through the settle endpoint.
// @Tags admin
// @Accept json
// @Produce json
// @Param auctionId path int true "Auction ID"
// @Param request body object{status=string} true "Target status"
// @Success 200 {object} models.Auction
// @Failure 400 {object} services.ErrorResponse
// @Failure 422 {object} services.ErrorResponse
// @Router /admin/auctions/{auctionId}/status [put]
func (h *AdminHandler) TransitionAuction(w http.ResponseWriter, r *http.Request) {
	adminID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	auctionID, err := strconv.Atoi(chi.URLParam(r, "auctionId"))
	if err != nil {
		services.SendErrorResponse(w, "Invalid auction id", http.StatusBadRequest, nil)
		return
	}

	var req struct {
		Status string `json:"status" validate:"required,oneof=approved rejected paused ongoing cancelled"`
	}
	if !h.decodeBody(w, r, &req) {
		return
	}

	a, err := h.auctions.AdminTransition(r.Context(), auctionID, req.Status, adminID)
	if err != nil {
		h.sendAdminError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(a)
}

// SettleAuction force-closes and settles an auction
// @Summary Force settle an auction
// @Description Ends the auction now and settles winner, seller and losers atomically. Idempotent.
// @Tags admin
// @Produce json
// @Param auctionId path int true "Auction ID"
// @Success 200 {object} services.SettlementResult
// @Failure 422 {object} services.ErrorResponse
// @Router /admin/auctions/{auctionId}/settle [post]
func (h *AdminHandler) SettleAuction(w http.ResponseWriter, r *http.Request) {
	adminID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	auctionID, err := strconv.Atoi(chi.URLParam(r, "auctionId"))
	if err != nil {
		services.SendErrorResponse(w, "Invalid auction id", http.StatusBadRequest, nil)
		return
	}

	result, err := h.settlement.ForceSettle(r.Context(), auctionID, adminID)
	if err != nil {
		h.sendAdminError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// ReviewTransaction confirms or rejects a pending wallet transaction
// @Summary Review a wallet transaction
// @Description Approve a pending deposit (crediting the balance) or reject a deposit/withdrawal
// @Tags admin
// @Accept json
// @Produce json
// @Param txId path string true "Transaction ID"
// @Param request body object{action=string,reason=string} true "approve or reject"
// @Success 200 {object} models.WalletTransaction
// @Failure 404 {object} services.ErrorResponse
// @Router /admin/transactions/{txId} [put]
func (h *AdminHandler) ReviewTransaction(w http.ResponseWriter, r *http.Request) {
	adminID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	transactionID := chi.URLParam(r, "txId")

	var req struct {
		Action string `json:"action" validate:"required,oneof=approve reject"`
		Reason string `json:"reason" validate:"max=500"`
	}
	if !h.decodeBody(w, r, &req) {
		return
	}

	var entry *models.WalletTransaction
	var err error
	if req.Action == "approve" {
		entry, err = h.wallet.ConfirmTransaction(r.Context(), transactionID, adminID)
	} else {
		entry, err = h.wallet.RejectTransaction(r.Context(), transactionID, req.Reason, adminID)
	}
	if err != nil {
		h.sendAdminError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entry)
}

// ReplayWallet reconciles a wallet against its ledger
// @Summary Replay a user's ledger
// @Description Rebuilds balances from completed ledger entries and compares them to the cached wallet row
// @Tags admin
// @Produce json
// @Param userId path int true "User ID"
// @Success 200 {object} map[string]any
// @Router /admin/wallets/{userId}/replay [get]
func (h *AdminHandler) ReplayWallet(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.Atoi(chi.URLParam(r, "userId"))
	if err != nil {
		services.SendErrorResponse(w, "Invalid user id", http.StatusBadRequest, nil)
		return
	}

	account, err := h.ledger.GetBalance(r.Context(), userID)
	if err != nil {
		h.sendAdminError(w, err)
		return
	}
	available, escrowed, err := h.ledger.ReplayBalance(r.Context(), userID)
	if err != nil {
		h.sendAdminError(w, err)
		return
	}

	consistent := available == account.AvailableBalance && escrowed == account.EscrowedBalance
	if !consistent {
		log.Printf("[ADMIN] Ledger mismatch for user %d: cached (%d, %d) vs replayed (%d, %d)",
			userID, account.AvailableBalance, account.EscrowedBalance, available, escrowed)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"cached":             account,
		"replayed_available": available,
		"replayed_escrowed":  escrowed,
		"consistent":         consistent,
	})
}

func (h *AdminHandler) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}
	if err := h.validator.ValidateStruct(dst); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return false
	}
	return true
}

func (h *AdminHandler) sendAdminError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, marketerrors.ErrAuctionNotFound),
		errors.Is(err, marketerrors.ErrWalletNotFound),
		errors.Is(err, marketerrors.ErrTransactionNotFound):
		services.SendErrorResponse(w, err.Error(), http.StatusNotFound, nil)
	case errors.Is(err, marketerrors.ErrSettlementRequired):
		services.SendErrorResponse(w, "Closing an auction moves funds, use the settle endpoint", http.StatusUnprocessableEntity, nil)
	case errors.Is(err, marketerrors.ErrInvalidTransition):
		services.SendErrorResponse(w, err.Error(), http.StatusUnprocessableEntity, nil)
	case errors.Is(err, marketerrors.ErrBusy):
		services.SendErrorResponse(w, "Resource busy, retry shortly", http.StatusServiceUnavailable, nil)
	case errors.Is(err, marketerrors.ErrSettlementMismatch):
		services.SendErrorResponse(w, "Settlement aborted, auction left for inspection", http.StatusInternalServerError, nil)
	default:
		log.Printf("[ADMIN] Operation failed: %v", err)
		services.SendErrorResponse(w, "Operation failed", http.StatusInternalServerError, nil)
	}
}

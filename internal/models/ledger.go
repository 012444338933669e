package models

import (
	"time"
)

// Wallet transaction types.
const (
	TxTypeDeposit    = "deposit"
	TxTypeWithdrawal = "withdrawal"
	TxTypeBidEscrow  = "bid_escrow"
	TxTypeBidRelease = "bid_release"
	TxTypeWinDebit   = "win_debit"
	TxTypeWinCredit  = "win_credit"
	TxTypeCommission = "commission"
	TxTypeRefund     = "refund"
)

// Wallet transaction statuses. A completed row is never mutated; it can
// only be superseded by a later reversed/refund entry.
const (
	TxStatusPending   = "pending"
	TxStatusCompleted = "completed"
	TxStatusFailed    = "failed"
	TxStatusReversed  = "reversed"
	TxStatusRejected  = "rejected"
)

// Escrow statuses.
const (
	EscrowStatusHeld     = "held"
	EscrowStatusReleased = "released"
	EscrowStatusCaptured = "captured"
)

// WalletTransaction is one append-only ledger entry. Amount is a positive
// magnitude in cents; the type determines how it applies to the available
// and escrowed balances (see DeltaForType).
type WalletTransaction struct {
	ID            int       `json:"id" db:"id"`
	TransactionID string    `json:"transaction_id" db:"transaction_id"` // external-facing uuid
	UserID        int       `json:"user_id" db:"user_id"`
	Type          string    `json:"type" db:"type"`
	Amount        int64     `json:"amount" db:"amount"` // in cents
	Status        string    `json:"status" db:"status"`
	ReferenceID   string    `json:"reference_id" db:"reference_id"` // auction/bid/gateway reference
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// WalletAccount is the cached projection of a user's ledger. The version
// column backs optimistic locking on balance updates.
type WalletAccount struct {
	UserID           int       `json:"user_id" db:"user_id"`
	AvailableBalance int64     `json:"available_balance" db:"available_balance"`
	EscrowedBalance  int64     `json:"escrowed_balance" db:"escrowed_balance"`
	Version          int       `json:"version" db:"version"`
	UpdatedAt        time.Time `json:"updated_at" db:"updated_at"`
}

// Escrow is a hold on a bidder's funds against one auction. At most one
// held row exists per (auction, bidder) pair.
type Escrow struct {
	ID        int       `json:"id" db:"id"`
	AuctionID int       `json:"auction_id" db:"auction_id"`
	BidderID  int       `json:"bidder_id" db:"bidder_id"`
	BidID     int       `json:"bid_id" db:"bid_id"`
	Amount    int64     `json:"amount" db:"amount"`
	Status    string    `json:"status" db:"status"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// DeltaForType returns the (available, escrowed) balance deltas a completed
// entry of the given type and amount applies. Replaying every completed
// entry through this table reconstructs the wallet account exactly.
func DeltaForType(txType string, amount int64) (available int64, escrowed int64, ok bool) {
	switch txType {
	case TxTypeDeposit, TxTypeWinCredit, TxTypeRefund:
		return amount, 0, true
	case TxTypeWithdrawal, TxTypeCommission:
		return -amount, 0, true
	case TxTypeBidEscrow:
		return -amount, amount, true
	case TxTypeBidRelease:
		return amount, -amount, true
	case TxTypeWinDebit:
		return 0, -amount, true
	}
	return 0, 0, false
}

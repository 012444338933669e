package models

import (
	"time"
)

// Auction statuses. Transitions are governed by the auction service; the
// status column never moves backwards (ended and rejected are terminal).
const (
	AuctionStatusPending   = "pending"
	AuctionStatusApproved  = "approved"
	AuctionStatusRejected  = "rejected"
	AuctionStatusPaused    = "paused"
	AuctionStatusOngoing   = "ongoing"
	AuctionStatusEnded     = "ended"
	AuctionStatusCancelled = "cancelled"
)

// Bid statuses. A bid is immutable after insert except for its status,
// which is derived by the engine, never set by the bidder.
const (
	BidStatusActive   = "active"
	BidStatusOutbid   = "outbid"
	BidStatusWinning  = "winning"
	BidStatusRefunded = "refunded"
)

// Auction represents a listing. current_price and current_bid_id are
// denormalized and updated transactionally by the bid service, so the
// highest bid never has to be recomputed from the bids table.
type Auction struct {
	ID           int        `json:"id" db:"id"`
	SellerID     int        `json:"seller_id" db:"seller_id"`
	Title        string     `json:"title" db:"title"`
	Description  string     `json:"description" db:"description"`
	StartPrice   int64      `json:"start_price" db:"start_price"` // in cents
	CurrentPrice int64      `json:"current_price" db:"current_price"`
	MinIncrement int64      `json:"min_increment" db:"min_increment"`
	CurrentBidID *int       `json:"current_bid_id,omitempty" db:"current_bid_id"`
	Status       string     `json:"status" db:"status"`
	StartTime    time.Time  `json:"start_time" db:"start_time"`
	EndTime      time.Time  `json:"end_time" db:"end_time"`
	WinnerID     *int       `json:"winner_id,omitempty" db:"winner_id"`
	SettledAt    *time.Time `json:"settled_at,omitempty" db:"settled_at"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
}

// Biddable reports whether the auction accepts bids at the given instant.
// The status check assumes lazy time transitions have already been applied.
func (a *Auction) Biddable(now time.Time) bool {
	if a.Status != AuctionStatusOngoing {
		return false
	}
	return !now.Before(a.StartTime) && now.Before(a.EndTime)
}

// Bid represents a single offer on an auction.
type Bid struct {
	ID        int       `json:"id" db:"id"`
	BidID     string    `json:"bid_id" db:"bid_id"` // external-facing uuid
	AuctionID int       `json:"auction_id" db:"auction_id"`
	BidderID  int       `json:"bidder_id" db:"bidder_id"`
	Amount    int64     `json:"amount" db:"amount"`
	Status    string    `json:"status" db:"status"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

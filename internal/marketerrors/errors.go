package marketerrors

import "errors"

// Lookup errors
var (
	ErrAuctionNotFound     = errors.New("auction not found")
	ErrWalletNotFound      = errors.New("wallet not found")
	ErrTransactionNotFound = errors.New("transaction not found")
)

// User input errors: rejected synchronously, never retried.
var (
	ErrBidTooLow          = errors.New("bid amount too low")
	ErrSelfBidNotAllowed  = errors.New("seller cannot bid on own auction")
	ErrAuctionNotBiddable = errors.New("auction is not open for bidding")
	ErrInvalidTransition  = errors.New("invalid auction status transition")

	// Closing an auction is legal but moves money, so it must go through
	// settlement rather than a bare status transition.
	ErrSettlementRequired = errors.New("auction close must go through settlement")
)

// Resource errors: no partial mutation occurs.
var (
	ErrInsufficientFunds = errors.New("insufficient available balance")
)

// Contention errors: safe to retry with backoff, nothing was committed.
var (
	ErrBusy = errors.New("resource busy, retry later")
)

// Invariant violations: fatal, rolled back, left for admin inspection.
var (
	ErrSettlementMismatch = errors.New("settlement credit/commission mismatch")
)

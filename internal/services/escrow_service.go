package services

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/openlot/backend/internal/models"
)

// EscrowService holds and releases bidder funds against auctions. All
// methods run inside the caller's transaction and expect the bidder's
// wallet row to already be locked; escrow movement is just typed ledger
// entries plus one escrows row, so the hold and the bid commit together.
type EscrowService struct {
	ledger *LedgerService
}

func NewEscrowService(ledger *LedgerService) *EscrowService {
	return &EscrowService{ledger: ledger}
}

func auctionRef(auctionID int) string {
	return fmt.Sprintf("auction:%d", auctionID)
}

// FindHeldTx returns the single held escrow for (auction, bidder), or nil
// when the bidder holds nothing on that auction.
func (s *EscrowService) FindHeldTx(tx *sql.Tx, auctionID, bidderID int) (*models.Escrow, error) {
	var e models.Escrow
	err := tx.QueryRow(`
		SELECT id, auction_id, bidder_id, bid_id, amount, status, updated_at
		FROM escrows
		WHERE auction_id = $1 AND bidder_id = $2 AND status = $3`,
		auctionID, bidderID, models.EscrowStatusHeld).
		Scan(&e.ID, &e.AuctionID, &e.BidderID, &e.BidID, &e.Amount, &e.Status, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("escrow: failed to find hold for auction %d bidder %d: %w", auctionID, bidderID, err)
	}
	return &e, nil
}

// ListHeldTx returns every outstanding hold on an auction.
func (s *EscrowService) ListHeldTx(tx *sql.Tx, auctionID int) ([]models.Escrow, error) {
	rows, err := tx.Query(`
		SELECT id, auction_id, bidder_id, bid_id, amount, status, updated_at
		FROM escrows
		WHERE auction_id = $1 AND status = $2
		ORDER BY id`, auctionID, models.EscrowStatusHeld)
	if err != nil {
		return nil, fmt.Errorf("escrow: failed to list holds for auction %d: %w", auctionID, err)
	}
	defer rows.Close()

	var escrows []models.Escrow
	for rows.Next() {
		var e models.Escrow
		if err := rows.Scan(&e.ID, &e.AuctionID, &e.BidderID, &e.BidID, &e.Amount, &e.Status, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("escrow: failed to scan hold: %w", err)
		}
		escrows = append(escrows, e)
	}
	return escrows, rows.Err()
}

// PlaceTx debits the full amount from the bidder's available balance as a
// bid_escrow entry and records the hold. Returns ErrInsufficientFunds with
// no side effects when the balance cannot cover it.
func (s *EscrowService) PlaceTx(tx *sql.Tx, w *models.WalletAccount, auctionID, bidID int, amount int64) (*models.Escrow, error) {
	if _, err := s.ledger.ApplyTx(tx, w, models.TxTypeBidEscrow, amount, auctionRef(auctionID)); err != nil {
		return nil, err
	}

	e := models.Escrow{
		AuctionID: auctionID,
		BidderID:  w.UserID,
		BidID:     bidID,
		Amount:    amount,
		Status:    models.EscrowStatusHeld,
	}
	err := tx.QueryRow(`
		INSERT INTO escrows (auction_id, bidder_id, bid_id, amount, status, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		e.AuctionID, e.BidderID, e.BidID, e.Amount, e.Status, time.Now()).Scan(&e.ID)
	if err != nil {
		return nil, fmt.Errorf("escrow: failed to record hold for auction %d bidder %d: %w", auctionID, w.UserID, err)
	}
	return &e, nil
}

// IncreaseTx raises an existing hold to newAmount by debiting only the
// delta. Never release-then-reacquire: the old hold must stay in force for
// the whole operation so the bidder cannot spend the freed funds in between.
func (s *EscrowService) IncreaseTx(tx *sql.Tx, w *models.WalletAccount, e *models.Escrow, bidID int, newAmount int64) error {
	delta := newAmount - e.Amount
	if delta <= 0 {
		return fmt.Errorf("escrow: new amount %d does not exceed held %d", newAmount, e.Amount)
	}
	if _, err := s.ledger.ApplyTx(tx, w, models.TxTypeBidEscrow, delta, auctionRef(e.AuctionID)); err != nil {
		return err
	}

	result, err := tx.Exec(`
		UPDATE escrows
		SET amount = $1, bid_id = $2, updated_at = $3
		WHERE id = $4 AND status = $5`,
		newAmount, bidID, time.Now(), e.ID, models.EscrowStatusHeld)
	if err != nil {
		return fmt.Errorf("escrow: failed to raise hold %d: %w", e.ID, err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("escrow: hold %d is no longer held", e.ID)
	}
	e.Amount = newAmount
	e.BidID = bidID
	return nil
}

// ReleaseTx returns the full held amount to the bidder's available balance
// as a bid_release entry and retires the hold.
func (s *EscrowService) ReleaseTx(tx *sql.Tx, w *models.WalletAccount, e *models.Escrow) (string, error) {
	transactionID, err := s.ledger.ApplyTx(tx, w, models.TxTypeBidRelease, e.Amount, auctionRef(e.AuctionID))
	if err != nil {
		return "", err
	}
	if err := s.closeHold(tx, e, models.EscrowStatusReleased); err != nil {
		return "", err
	}
	return transactionID, nil
}

// CaptureTx finalizes the hold as a win_debit. The funds were already out
// of the available balance, so this only reclassifies them.
func (s *EscrowService) CaptureTx(tx *sql.Tx, w *models.WalletAccount, e *models.Escrow) (string, error) {
	transactionID, err := s.ledger.ApplyTx(tx, w, models.TxTypeWinDebit, e.Amount, auctionRef(e.AuctionID))
	if err != nil {
		return "", err
	}
	if err := s.closeHold(tx, e, models.EscrowStatusCaptured); err != nil {
		return "", err
	}
	return transactionID, nil
}

func (s *EscrowService) closeHold(tx *sql.Tx, e *models.Escrow, status string) error {
	result, err := tx.Exec(`
		UPDATE escrows
		SET status = $1, updated_at = $2
		WHERE id = $3 AND status = $4`,
		status, time.Now(), e.ID, models.EscrowStatusHeld)
	if err != nil {
		return fmt.Errorf("escrow: failed to close hold %d as %s: %w", e.ID, status, err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("escrow: hold %d is no longer held", e.ID)
	}
	e.Status = status
	return nil
}

package services

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"time"

	"github.com/openlot/backend/internal/marketerrors"
	"github.com/openlot/backend/internal/models"
	"github.com/spf13/viper"
)

// Sweeper drives time-based auction transitions: opening approved listings
// whose start time has passed and settling ongoing ones past their end
// time. Every action it takes is idempotent, so multiple sweepers (or a
// sweeper racing a lazy transition) are harmless.
type Sweeper struct {
	db         *sql.DB
	settlement *SettlementService
	interval   time.Duration
}

func NewSweeper(db *sql.DB, settlement *SettlementService) *Sweeper {
	viper.SetDefault("sweep.interval", 15*time.Second)
	return &Sweeper{
		db:         db,
		settlement: settlement,
		interval:   viper.GetDuration("sweep.interval"),
	}
}

// Run blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	log.Printf("[SWEEP] Sweeper started, interval %s", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[SWEEP] Sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one pass. Exposed for tests and for an eager pass on boot.
func (s *Sweeper) Sweep(ctx context.Context) {
	if err := s.openDueAuctions(ctx); err != nil {
		log.Printf("[SWEEP] Failed to open due auctions: %v", err)
	}
	s.settleDueAuctions(ctx)
}

func (s *Sweeper) openDueAuctions(ctx context.Context) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE auctions SET status = $1, updated_at = NOW()
		WHERE status = $2 AND start_time <= NOW()`,
		models.AuctionStatusOngoing, models.AuctionStatusApproved)
	if err != nil {
		return err
	}
	if n, err := result.RowsAffected(); err == nil && n > 0 {
		log.Printf("[SWEEP] Opened %d auctions", n)
	}
	return nil
}

func (s *Sweeper) settleDueAuctions(ctx context.Context) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM auctions
		WHERE status = $1 AND end_time <= NOW() AND settled_at IS NULL
		ORDER BY end_time
		LIMIT 50`, models.AuctionStatusOngoing)
	if err != nil {
		log.Printf("[SWEEP] Failed to find due auctions: %v", err)
		return
	}

	var due []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			log.Printf("[SWEEP] Failed to scan due auction: %v", err)
			return
		}
		due = append(due, id)
	}
	rows.Close()

	for _, auctionID := range due {
		settleCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		_, err := s.settlement.Settle(settleCtx, auctionID)
		cancel()
		if err != nil {
			// A concurrent worker holding the auction lock settles it; we
			// just pick it up again next pass if anything is left.
			if errors.Is(err, marketerrors.ErrBusy) {
				continue
			}
			log.Printf("[SWEEP] Settlement of auction %d failed: %v", auctionID, err)
		}
	}
}

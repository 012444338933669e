package events

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
)

// Channel carries every engine event as a JSON envelope. The notification
// collaborator subscribes here; delivery is fire-and-forget.
const Channel = "market:events"

const (
	TypeBidOutbid           = "bid_outbid"
	TypeAuctionEnded        = "auction_ended"
	TypeTransactionRejected = "transaction_rejected"
)

type Envelope struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

type BidOutbid struct {
	BidderID  int `json:"bidder_id"`
	AuctionID int `json:"auction_id"`
}

type AuctionEnded struct {
	AuctionID int  `json:"auction_id"`
	WinnerID  *int `json:"winner_id,omitempty"`
}

type TransactionRejected struct {
	TransactionID string `json:"transaction_id"`
	Reason        string `json:"reason"`
}

// Publisher emits engine events over redis pub/sub. A nil redis client
// disables publishing so the engine keeps working without redis.
type Publisher struct {
	redis *redis.Client
}

func NewPublisher(redisClient *redis.Client) *Publisher {
	return &Publisher{redis: redisClient}
}

func (p *Publisher) Publish(ctx context.Context, eventType string, payload any) {
	if p.redis == nil {
		return
	}

	body, err := json.Marshal(Envelope{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	})
	if err != nil {
		log.Printf("[EVENTS] Failed to marshal %s event: %v", eventType, err)
		return
	}

	if err := p.redis.Publish(ctx, Channel, string(body)).Err(); err != nil {
		log.Printf("[EVENTS] Failed to publish %s event: %v", eventType, err)
	}
}

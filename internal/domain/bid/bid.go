package bid

import (
	"time"

	"github.com/google/uuid"

	"github.com/openbid/auction-backend/internal/domain/values"
)

// Bid is a single place-bid attempt. Successful bids form an append-only,
// strictly increasing sequence per auction; failed attempts are kept for
// audit and never alter auction state. Bids are immutable once written.
type Bid struct {
	ID               uuid.UUID    `json:"id"`
	AuctionID        uuid.UUID    `json:"auction_id"`
	BidderUserID     uuid.UUID    `json:"bidder_user_id"`
	Amount           values.Money `json:"amount"`
	PlacedAt         time.Time    `json:"placed_at"`
	WasSuccessful    bool         `json:"was_successful"`
	ProcessingTimeMs int64        `json:"processing_time_ms"`
}

// New creates a successful bid record.
func New(auctionID, bidderID uuid.UUID, amount values.Money, placedAt time.Time) *Bid {
	return &Bid{
		ID:            uuid.New(),
		AuctionID:     auctionID,
		BidderUserID:  bidderID,
		Amount:        amount,
		PlacedAt:      placedAt,
		WasSuccessful: true,
	}
}

// NewFailed creates an audit record for a rejected or errored attempt.
func NewFailed(auctionID, bidderID uuid.UUID, amount values.Money, placedAt time.Time) *Bid {
	b := New(auctionID, bidderID, amount, placedAt)
	b.WasSuccessful = false
	return b
}

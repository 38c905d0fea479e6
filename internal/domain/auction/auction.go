package auction

import (
	"time"

	"github.com/google/uuid"

	"github.com/openbid/auction-backend/internal/domain/values"
)

// Status is the lifecycle state of an auction.
type Status int

const (
	StatusActive Status = iota
	StatusEnded
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusEnded:
		return "ended"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ParseStatus converts a stored status string back to Status.
func ParseStatus(s string) Status {
	switch s {
	case "active":
		return StatusActive
	case "ended":
		return StatusEnded
	case "cancelled":
		return StatusCancelled
	default:
		return StatusCancelled
	}
}

// Auction is a time-bounded item offered for bidding. Mutated only by the
// bid pipeline (price) and the expiry reaper (status, winner).
type Auction struct {
	ID                uuid.UUID    `json:"id"`
	Title             string       `json:"title"`
	Description       string       `json:"description"`
	StartingPrice     values.Money `json:"starting_price"`
	CurrentHighestBid values.Money `json:"current_highest_bid"`
	MinimumIncrement  values.Money `json:"minimum_increment"`
	StartTime         time.Time    `json:"start_time"`
	EndTime           time.Time    `json:"end_time"`
	Status            Status       `json:"status"`
	CreatorUserID     uuid.UUID    `json:"creator_user_id"`
	WinnerUserID      *uuid.UUID   `json:"winner_user_id,omitempty"`
	BidCount          int          `json:"bid_count"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// New creates an auction opening at start and closing at end.
func New(creator uuid.UUID, title, description string, startingPrice, minIncrement values.Money, start, end time.Time) *Auction {
	now := time.Now().UTC()
	return &Auction{
		ID:                uuid.New(),
		Title:             title,
		Description:       description,
		StartingPrice:     startingPrice,
		CurrentHighestBid: startingPrice,
		MinimumIncrement:  minIncrement,
		StartTime:         start,
		EndTime:           end,
		Status:            StatusActive,
		CreatorUserID:     creator,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// IsOpen reports whether the auction accepts bids at the given instant.
func (a *Auction) IsOpen(now time.Time) bool {
	return a.Status == StatusActive && !now.Before(a.StartTime) && now.Before(a.EndTime)
}

// HasEnded reports whether the auction is past close or already terminal.
func (a *Auction) HasEnded(now time.Time) bool {
	return a.Status != StatusActive || !now.Before(a.EndTime)
}

// RequiredBid is the minimum amount the next successful bid must carry.
func (a *Auction) RequiredBid() values.Money {
	return a.CurrentHighestBid.Add(a.MinimumIncrement)
}

package bidding

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/openbid/auction-backend/internal/domain/auction"
	"github.com/openbid/auction-backend/internal/domain/bid"
	"github.com/openbid/auction-backend/internal/domain/values"
	"github.com/openbid/auction-backend/internal/infrastructure/database"
)

// AuctionStore is the slice of the store adapter the bidding core consumes.
type AuctionStore interface {
	FindAuctionByID(ctx context.Context, id uuid.UUID) (*auction.Auction, error)
	CommitBid(ctx context.Context, expectedCurrent values.Money, b *bid.Bid) error
	InsertFailedBid(ctx context.Context, b *bid.Bid) error
	EndExpiredAuctions(ctx context.Context, now time.Time) ([]uuid.UUID, error)
	PickWinners(ctx context.Context, auctionIDs []uuid.UUID) ([]database.EndedAuction, error)
	FindHighestBidder(ctx context.Context, auctionID uuid.UUID) (*database.HighestBidder, error)
	CleanupExpiredRevocations(ctx context.Context, now time.Time) (int64, error)
}

// Locker provides per-auction mutual exclusion. With must release on every
// exit path and must not invoke fn when acquisition fails.
type Locker interface {
	With(ctx context.Context, auctionID uuid.UUID, ttl time.Duration, fn func(ctx context.Context) error) error
}

// BidCache holds advisory copies of hot auction state in the coordinator.
type BidCache interface {
	SetCurrentBid(ctx context.Context, auctionID uuid.UUID, amount values.Money, bidderID uuid.UUID) error
	Invalidate(ctx context.Context, auctionID uuid.UUID) error
}

// BidUpdate is the fan-out payload for an accepted bid.
type BidUpdate struct {
	AuctionID      uuid.UUID
	Amount         values.Money
	BidderUserID   uuid.UUID
	BidderUsername string
	PlacedAt       time.Time
	TotalBids      int
}

// AuctionEnded is the fan-out payload for a closed auction.
type AuctionEnded struct {
	AuctionID      uuid.UUID
	WinnerUserID   *uuid.UUID
	WinnerUsername string
	FinalAmount    values.Money
	EndedAt        time.Time
}

// Broadcaster delivers events to every local subscriber of an auction.
// Delivery is best-effort and must never block the pipeline.
type Broadcaster interface {
	BroadcastBidUpdate(update BidUpdate)
	BroadcastAuctionEnded(ended AuctionEnded)
}

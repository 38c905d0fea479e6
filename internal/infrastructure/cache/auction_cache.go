package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/openbid/auction-backend/internal/domain/values"
)

// Coordinator key layout. The names are part of the external interface and
// must not drift.
const (
	currentBidPrefix    = "auction:current-bid:"
	highestBidderPrefix = "auction:highest-bidder:"
	revokedPrefix       = "revoked:"
)

// ErrCacheMiss is returned when a cache key is absent. Callers treat the
// cache as advisory and fall through to the store.
var ErrCacheMiss = errors.New("cache miss")

// AuctionCache keeps advisory copies of hot auction state in the
// coordinator. The store remains the source of truth; readers must treat
// these entries as hints.
type AuctionCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewAuctionCache creates the cache with the given entry TTL (60 s per the
// external interface).
func NewAuctionCache(client *redis.Client, ttl time.Duration, logger *zap.Logger) *AuctionCache {
	return &AuctionCache{client: client, ttl: ttl, logger: logger}
}

// SetCurrentBid refreshes both the current-bid and highest-bidder entries
// after a committed bid. Failures are logged by the caller and never fail
// the bid.
func (c *AuctionCache) SetCurrentBid(ctx context.Context, auctionID uuid.UUID, amount values.Money, bidderID uuid.UUID) error {
	pipe := c.client.Pipeline()
	pipe.Set(ctx, currentBidPrefix+auctionID.String(), amount.String(), c.ttl)
	pipe.Set(ctx, highestBidderPrefix+auctionID.String(), bidderID.String(), c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache refresh failed: %w", err)
	}
	return nil
}

// GetCurrentBid reads the cached current bid, if present.
func (c *AuctionCache) GetCurrentBid(ctx context.Context, auctionID uuid.UUID) (values.Money, error) {
	raw, err := c.client.Get(ctx, currentBidPrefix+auctionID.String()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return values.Money{}, ErrCacheMiss
		}
		return values.Money{}, fmt.Errorf("cache read failed: %w", err)
	}
	return values.NewMoneyFromString(raw)
}

// GetHighestBidder reads the cached highest bidder id, if present.
func (c *AuctionCache) GetHighestBidder(ctx context.Context, auctionID uuid.UUID) (uuid.UUID, error) {
	raw, err := c.client.Get(ctx, highestBidderPrefix+auctionID.String()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return uuid.Nil, ErrCacheMiss
		}
		return uuid.Nil, fmt.Errorf("cache read failed: %w", err)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("corrupt highest-bidder entry: %w", err)
	}
	return id, nil
}

// Invalidate drops both entries for an auction, used when it ends.
func (c *AuctionCache) Invalidate(ctx context.Context, auctionID uuid.UUID) error {
	return c.client.Del(ctx,
		currentBidPrefix+auctionID.String(),
		highestBidderPrefix+auctionID.String(),
	).Err()
}

// RevocationCache fronts the revoked-credential set in the coordinator.
type RevocationCache struct {
	client *redis.Client
	logger *zap.Logger
}

func NewRevocationCache(client *redis.Client, logger *zap.Logger) *RevocationCache {
	return &RevocationCache{client: client, logger: logger}
}

// MarkRevoked caches a revoked credential for the remainder of its
// lifetime, capped at 24 h.
func (c *RevocationCache) MarkRevoked(ctx context.Context, credential string, remaining time.Duration) error {
	if remaining <= 0 {
		return nil
	}
	if remaining > 24*time.Hour {
		remaining = 24 * time.Hour
	}
	if err := c.client.Set(ctx, revokedPrefix+credential, "1", remaining).Err(); err != nil {
		return fmt.Errorf("revocation cache write failed: %w", err)
	}
	return nil
}

// IsRevoked checks the cache; a miss means "unknown", the caller falls
// back to the store.
func (c *RevocationCache) IsRevoked(ctx context.Context, credential string) (bool, error) {
	err := c.client.Get(ctx, revokedPrefix+credential).Err()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, ErrCacheMiss
		}
		return false, fmt.Errorf("revocation cache read failed: %w", err)
	}
	return true, nil
}

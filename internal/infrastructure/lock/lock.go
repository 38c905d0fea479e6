package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const lockPrefix = "lock:bid:"

// releaseScript deletes the lock key only when the stored token matches,
// so an expired holder can never release a successor's lock. The
// check-and-delete must be atomic on the coordinator.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`)

// Common lock errors. ErrNotAcquired means another holder owns the lock;
// ErrCoordinator means the coordinator itself could not be reached, which
// callers treat as a retryable outage rather than contention.
var (
	ErrNotAcquired = errors.New("lock not acquired")
	ErrCoordinator = errors.New("lock coordinator unavailable")
)

// Service provides per-auction mutual exclusion across replicas using the
// coordinator's SET NX PX primitive. Acquisition failures are not retried
// here; the caller surfaces them so the client may retry.
type Service struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewService creates the lock service with the default TTL applied by With.
func NewService(client *redis.Client, ttl time.Duration, logger *zap.Logger) *Service {
	return &Service{client: client, ttl: ttl, logger: logger}
}

// Acquire atomically sets lock:bid:{auctionId} to a fresh random token
// with the given TTL, only if absent. ok is false when another holder owns
// the lock.
func (s *Service) Acquire(ctx context.Context, auctionID uuid.UUID, ttl time.Duration) (bool, string, error) {
	token := uuid.NewString()
	ok, err := s.client.SetNX(ctx, lockPrefix+auctionID.String(), token, ttl).Result()
	if err != nil {
		return false, "", fmt.Errorf("lock acquire failed: %w", errors.Join(ErrCoordinator, err))
	}
	return ok, token, nil
}

// Release deletes the lock only when token matches the stored value.
// Non-matching deletes are no-ops, which is what makes TTL expiry safe.
func (s *Service) Release(ctx context.Context, auctionID uuid.UUID, token string) error {
	if err := releaseScript.Run(ctx, s.client, []string{lockPrefix + auctionID.String()}, token).Err(); err != nil {
		return fmt.Errorf("lock release failed: %w", err)
	}
	return nil
}

// With runs fn while holding the auction's lock, releasing it on every
// exit path including panics. When acquisition fails, fn is not invoked
// and ErrNotAcquired is returned.
func (s *Service) With(ctx context.Context, auctionID uuid.UUID, ttl time.Duration, fn func(ctx context.Context) error) error {
	if ttl <= 0 {
		ttl = s.ttl
	}

	ok, token, err := s.Acquire(ctx, auctionID, ttl)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotAcquired
	}

	defer func() {
		// Release with a fresh deadline: the caller's context may already
		// be done, but the token-matched delete still has to run.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := s.Release(releaseCtx, auctionID, token); err != nil {
			s.logger.Warn("lock release failed, TTL will reclaim it",
				zap.String("auction_id", auctionID.String()),
				zap.Error(err))
		}
	}()

	return fn(ctx)
}

package bidding

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/openbid/auction-backend/internal/domain/bid"
	domainerrors "github.com/openbid/auction-backend/internal/domain/errors"
	"github.com/openbid/auction-backend/internal/domain/values"
	"github.com/openbid/auction-backend/internal/infrastructure/database"
	"github.com/openbid/auction-backend/internal/infrastructure/lock"
)

var (
	bidsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "auction",
		Subsystem: "bidding",
		Name:      "bids_accepted_total",
		Help:      "Total number of accepted bids",
	})

	bidsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "auction",
		Subsystem: "bidding",
		Name:      "bids_rejected_total",
		Help:      "Total number of rejected bids by error code",
	}, []string{"code"})

	bidLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "auction",
		Subsystem: "bidding",
		Name:      "place_bid_duration_seconds",
		Help:      "End-to-end place-bid latency",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})
)

// PlaceBidRequest is the gateway's input to the pipeline.
type PlaceBidRequest struct {
	AuctionID      uuid.UUID
	BidderUserID   uuid.UUID
	BidderUsername string
	Amount         values.Money
}

// BidResult is returned for an accepted bid.
type BidResult struct {
	BidID          uuid.UUID
	AmountAccepted values.Money
	AcceptedAt     time.Time
}

// Config carries the pipeline's tunables.
type Config struct {
	LockTTL     time.Duration
	CallTimeout time.Duration
}

// Service is the bid pipeline: validate, lock, commit, cache, broadcast.
type Service struct {
	store       AuctionStore
	locker      Locker
	cache       BidCache
	broadcaster Broadcaster
	logger      *zap.Logger
	lockTTL     time.Duration
	callTimeout time.Duration
	now         func() time.Time
}

// NewService wires the pipeline. All collaborators are capabilities.
func NewService(store AuctionStore, locker Locker, cache BidCache, broadcaster Broadcaster, cfg Config, logger *zap.Logger) *Service {
	lockTTL := cfg.LockTTL
	if lockTTL <= 0 {
		lockTTL = 5 * time.Second
	}
	callTimeout := cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = 2 * time.Second
	}
	return &Service{
		store:       store,
		locker:      locker,
		cache:       cache,
		broadcaster: broadcaster,
		logger:      logger,
		lockTTL:     lockTTL,
		callTimeout: callTimeout,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// PlaceBid runs the ordered steps of the pipeline. Errors are returned as
// *errors.AppError values; nothing escapes as a panic, and the per-auction
// lock is released on every path.
func (s *Service) PlaceBid(ctx context.Context, req PlaceBidRequest) (*BidResult, error) {
	started := s.now()
	defer func() {
		bidLatency.Observe(time.Since(started).Seconds())
	}()

	// Shape guard runs before any I/O.
	if !req.Amount.IsPositive() {
		return nil, s.reject(domainerrors.NewInvalidAmount("bid amount must be positive"))
	}

	var result *BidResult

	err := s.locker.With(ctx, req.AuctionID, s.lockTTL, func(ctx context.Context) error {
		readCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
		defer cancel()

		a, err := s.store.FindAuctionByID(readCtx, req.AuctionID)
		if err != nil {
			if errors.Is(err, database.ErrNotFound) {
				return domainerrors.NewAuctionNotFound()
			}
			return domainerrors.NewStoreUnavailable(err)
		}

		now := s.now()
		if a.HasEnded(now) {
			return domainerrors.NewAuctionEnded()
		}
		if now.Before(a.StartTime) {
			return domainerrors.NewAuctionNotStarted()
		}
		if a.CreatorUserID == req.BidderUserID {
			return domainerrors.NewOwnAuction()
		}

		required := a.RequiredBid()
		if req.Amount.LessThan(required) {
			return domainerrors.NewBidTooLow(required)
		}

		b := bid.New(req.AuctionID, req.BidderUserID, req.Amount, now)
		b.ProcessingTimeMs = time.Since(started).Milliseconds()

		commitCtx, cancelCommit := context.WithTimeout(ctx, s.callTimeout)
		defer cancelCommit()

		if err := s.store.CommitBid(commitCtx, a.CurrentHighestBid, b); err != nil {
			if errors.Is(err, database.ErrConflict) {
				// Belt-and-braces CAS fired: the row moved under us, most
				// likely because the lock TTL expired mid-transaction.
				return domainerrors.NewConflict()
			}
			return domainerrors.NewInternalError(err)
		}

		// Cache refresh is advisory; a failure is logged and the bid stands.
		cacheCtx, cancelCache := context.WithTimeout(ctx, s.callTimeout)
		defer cancelCache()
		if err := s.cache.SetCurrentBid(cacheCtx, req.AuctionID, req.Amount, req.BidderUserID); err != nil {
			s.logger.Warn("bid cache refresh failed",
				zap.String("auction_id", req.AuctionID.String()),
				zap.Error(err))
		}

		result = &BidResult{
			BidID:          b.ID,
			AmountAccepted: b.Amount,
			AcceptedAt:     b.PlacedAt,
		}
		// Fan-out happens while the auction lock is still held: the
		// broadcaster only enqueues, and keeping the enqueue inside the
		// critical section means subscribers see commits in store order.
		s.broadcaster.BroadcastBidUpdate(BidUpdate{
			AuctionID:      req.AuctionID,
			Amount:         b.Amount,
			BidderUserID:   req.BidderUserID,
			BidderUsername: req.BidderUsername,
			PlacedAt:       b.PlacedAt,
			TotalBids:      a.BidCount + 1,
		})
		return nil
	})

	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			return nil, s.reject(domainerrors.NewLockUnavailable())
		}
		if errors.Is(err, lock.ErrCoordinator) {
			return nil, s.reject(domainerrors.NewCoordinatorUnavailable(err))
		}
		appErr := domainerrors.AsAppError(err)
		if appErr.Code == domainerrors.CodeInternalError {
			s.recordFailedBid(req, started)
		}
		return nil, s.reject(appErr)
	}

	bidsAccepted.Inc()
	s.logger.Info("bid accepted",
		zap.String("auction_id", req.AuctionID.String()),
		zap.String("bidder_id", req.BidderUserID.String()),
		zap.String("amount", result.AmountAccepted.String()),
		zap.Int64("processing_ms", time.Since(started).Milliseconds()))

	return result, nil
}

func (s *Service) reject(appErr *domainerrors.AppError) *domainerrors.AppError {
	bidsRejected.WithLabelValues(appErr.Code).Inc()
	return appErr
}

// recordFailedBid writes a best-effort audit row outside the lock.
func (s *Service) recordFailedBid(req PlaceBidRequest, started time.Time) {
	b := bid.NewFailed(req.AuctionID, req.BidderUserID, req.Amount, s.now())
	b.ProcessingTimeMs = time.Since(started).Milliseconds()

	ctx, cancel := context.WithTimeout(context.Background(), s.callTimeout)
	defer cancel()
	if err := s.store.InsertFailedBid(ctx, b); err != nil {
		s.logger.Warn("failed-bid audit insert failed",
			zap.String("auction_id", req.AuctionID.String()),
			zap.Error(err))
	}
}

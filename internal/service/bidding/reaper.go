package bidding

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	auctionsEnded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "auction",
		Subsystem: "reaper",
		Name:      "auctions_ended_total",
		Help:      "Total number of auctions transitioned to ended",
	})

	reaperSweeps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "auction",
		Subsystem: "reaper",
		Name:      "sweeps_total",
		Help:      "Total reaper sweeps by outcome",
	}, []string{"outcome"})
)

// Reaper is the clock-driven task that ends expired auctions and selects
// winners. One instance per replica; its mutations guard on status so
// concurrent replicas stay idempotent. Failures are retried on the next
// tick.
type Reaper struct {
	store       AuctionStore
	cache       BidCache
	broadcaster Broadcaster
	logger      *zap.Logger
	tick        time.Duration
	callTimeout time.Duration
	now         func() time.Time

	// unresolved holds auctions already flipped to ended whose winner
	// selection has not succeeded yet. The status flip commits first, so a
	// failed pick must not orphan them: they stay here and every sweep
	// retries them until the store answers. Touched only from the sweep
	// goroutine.
	unresolved map[uuid.UUID]struct{}
}

// NewReaper builds the reaper with the configured tick cadence.
func NewReaper(store AuctionStore, cache BidCache, broadcaster Broadcaster, tick, callTimeout time.Duration, logger *zap.Logger) *Reaper {
	if tick <= 0 {
		tick = 5 * time.Second
	}
	if callTimeout <= 0 {
		callTimeout = 2 * time.Second
	}
	return &Reaper{
		store:       store,
		cache:       cache,
		broadcaster: broadcaster,
		logger:      logger,
		tick:        tick,
		callTimeout: callTimeout,
		now:         func() time.Time { return time.Now().UTC() },
		unresolved:  make(map[uuid.UUID]struct{}),
	}
}

// Run blocks until ctx is done, sweeping on each tick. Revocation cleanup
// rides the same cadence at a slower multiple.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()

	cleanupEvery := 60
	sinceCleanup := 0

	r.logger.Info("expiry reaper started", zap.Duration("tick", r.tick))

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("expiry reaper stopped")
			return
		case <-ticker.C:
			r.Sweep(ctx)

			sinceCleanup++
			if sinceCleanup >= cleanupEvery {
				sinceCleanup = 0
				r.cleanupRevocations(ctx)
			}
		}
	}
}

// Sweep performs one pass: flip expired auctions, pick winners, notify
// subscribers. Safe to call concurrently with other replicas.
func (r *Reaper) Sweep(ctx context.Context) {
	now := r.now()

	endCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()

	endedIDs, err := r.store.EndExpiredAuctions(endCtx, now)
	if err != nil {
		reaperSweeps.WithLabelValues("error").Inc()
		r.logger.Error("failed to end expired auctions", zap.Error(err))
		return
	}
	for _, id := range endedIDs {
		r.unresolved[id] = struct{}{}
	}
	if len(r.unresolved) == 0 {
		reaperSweeps.WithLabelValues("idle").Inc()
		return
	}

	pending := make([]uuid.UUID, 0, len(r.unresolved))
	for id := range r.unresolved {
		pending = append(pending, id)
	}

	winnerCtx, cancelWinners := context.WithTimeout(ctx, r.callTimeout*time.Duration(len(pending)))
	defer cancelWinners()

	ended, err := r.store.PickWinners(winnerCtx, pending)
	if err != nil {
		reaperSweeps.WithLabelValues("error").Inc()
		r.logger.Error("winner selection failed, retrying next sweep",
			zap.Int("pending", len(pending)),
			zap.Error(err))
		return
	}
	// One successful pick settles the whole batch; anything the store did
	// not return no longer exists as an ended auction.
	clear(r.unresolved)

	for _, e := range ended {
		if err := r.cache.Invalidate(ctx, e.AuctionID); err != nil {
			r.logger.Warn("cache invalidation failed",
				zap.String("auction_id", e.AuctionID.String()),
				zap.Error(err))
		}

		r.broadcaster.BroadcastAuctionEnded(AuctionEnded{
			AuctionID:      e.AuctionID,
			WinnerUserID:   e.WinnerUserID,
			WinnerUsername: e.WinnerUsername,
			FinalAmount:    e.FinalAmount,
			EndedAt:        e.EndedAt,
		})

		auctionsEnded.Inc()
		winner := "none"
		if e.WinnerUserID != nil {
			winner = e.WinnerUserID.String()
		}
		r.logger.Info("auction ended",
			zap.String("auction_id", e.AuctionID.String()),
			zap.String("winner", winner),
			zap.String("final_amount", e.FinalAmount.String()))
	}

	reaperSweeps.WithLabelValues("ended").Inc()
}

func (r *Reaper) cleanupRevocations(ctx context.Context) {
	cleanupCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()

	removed, err := r.store.CleanupExpiredRevocations(cleanupCtx, r.now())
	if err != nil {
		r.logger.Warn("revocation cleanup failed", zap.Error(err))
		return
	}
	if removed > 0 {
		r.logger.Debug("expired revocations removed", zap.Int64("count", removed))
	}
}

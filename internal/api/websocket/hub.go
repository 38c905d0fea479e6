package websocket

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/openbid/auction-backend/internal/domain/auction"
	domainerrors "github.com/openbid/auction-backend/internal/domain/errors"
	"github.com/openbid/auction-backend/internal/domain/values"
	"github.com/openbid/auction-backend/internal/infrastructure/cache"
	"github.com/openbid/auction-backend/internal/infrastructure/database"
	"github.com/openbid/auction-backend/internal/service/bidding"
)

var (
	roomCount = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "auction",
		Subsystem: "rooms",
		Name:      "active_total",
		Help:      "Number of auction rooms with at least one subscriber",
	})

	roomMembers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "auction",
		Subsystem: "rooms",
		Name:      "members_total",
		Help:      "Total room memberships across all auctions",
	})

	broadcastsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "auction",
		Subsystem: "rooms",
		Name:      "broadcasts_total",
		Help:      "Messages fanned out to room members by event type",
	}, []string{"event"})
)

// AuctionReader is the slice of the store adapter the room registry needs
// to assemble join snapshots.
type AuctionReader interface {
	FindAuctionByID(ctx context.Context, id uuid.UUID) (*auction.Auction, error)
	FindHighestBidder(ctx context.Context, auctionID uuid.UUID) (*database.HighestBidder, error)
}

// BidCacheReader reads the advisory current-bid entry from the coordinator.
type BidCacheReader interface {
	GetCurrentBid(ctx context.Context, auctionID uuid.UUID) (values.Money, error)
}

// Hub is the replica-local room registry: auctionId to subscriber set.
// Membership mutations take the registry guard; broadcasts iterate a
// snapshot so a slow socket never blocks the pipeline or other members.
// Hub implements bidding.Broadcaster.
type Hub struct {
	mu    sync.RWMutex
	rooms map[uuid.UUID]map[*Client]struct{}

	store       AuctionReader
	cache       BidCacheReader
	logger      *zap.Logger
	callTimeout time.Duration
}

// NewHub creates an empty room registry.
func NewHub(store AuctionReader, auctionCache BidCacheReader, callTimeout time.Duration, logger *zap.Logger) *Hub {
	if callTimeout <= 0 {
		callTimeout = 2 * time.Second
	}
	return &Hub{
		rooms:       make(map[uuid.UUID]map[*Client]struct{}),
		store:       store,
		cache:       auctionCache,
		logger:      logger,
		callTimeout: callTimeout,
	}
}

// Join subscribes c to the auction's room. The snapshot reply goes out
// before the membership takes effect, so the client sees the snapshot
// first and live updates after.
func (h *Hub) Join(ctx context.Context, c *Client, auctionID uuid.UUID) error {
	snapshot, err := h.snapshot(ctx, auctionID)
	if err != nil {
		return err
	}

	joined, err := encodeEvent(EventJoinedAuctionRoom, JoinedAuctionRoomPayload{AuctionItemID: auctionID.String()})
	if err != nil {
		return err
	}
	stateSync, err := encodeEvent(EventAuctionStateSync, snapshot)
	if err != nil {
		return err
	}
	c.trySend(joined)
	c.trySend(stateSync)

	h.mu.Lock()
	room, ok := h.rooms[auctionID]
	if !ok {
		room = make(map[*Client]struct{})
		h.rooms[auctionID] = room
		roomCount.Inc()
	}
	if _, member := room[c]; !member {
		room[c] = struct{}{}
		roomMembers.Inc()
	}
	h.mu.Unlock()

	h.logger.Debug("room joined",
		zap.String("auction_id", auctionID.String()),
		zap.String("connection_id", c.ID.String()))
	return nil
}

// Leave removes c from the room; the last member leaving drops the room.
func (h *Hub) Leave(c *Client, auctionID uuid.UUID) {
	h.mu.Lock()
	if room, ok := h.rooms[auctionID]; ok {
		if _, member := room[c]; member {
			delete(room, c)
			roomMembers.Dec()
		}
		if len(room) == 0 {
			delete(h.rooms, auctionID)
			roomCount.Dec()
		}
	}
	h.mu.Unlock()

	if left, err := encodeEvent(EventLeftAuctionRoom, LeftAuctionRoomPayload{AuctionItemID: auctionID.String()}); err == nil {
		c.trySend(left)
	}
}

// OnDisconnect removes c from every room it belonged to.
func (h *Hub) OnDisconnect(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for auctionID, room := range h.rooms {
		if _, member := room[c]; member {
			delete(room, c)
			roomMembers.Dec()
		}
		if len(room) == 0 {
			delete(h.rooms, auctionID)
			roomCount.Dec()
		}
	}
}

// BroadcastBidUpdate fans an accepted bid out to the auction's room.
func (h *Hub) BroadcastBidUpdate(update bidding.BidUpdate) {
	data, err := encodeEvent(EventBidUpdateBroadcast, BidUpdateBroadcastPayload{
		AuctionItemID:          update.AuctionID.String(),
		NewHighestBidInDollars: update.Amount,
		HighestBidderUserID:    update.BidderUserID.String(),
		HighestBidderUsername:  update.BidderUsername,
		BidPlacedAtTimestamp:   update.PlacedAt.UnixMilli(),
		TotalNumberOfBids:      update.TotalBids,
	})
	if err != nil {
		h.logger.Error("bid update encode failed", zap.Error(err))
		return
	}
	h.broadcast(update.AuctionID, EventBidUpdateBroadcast, data)
}

// BroadcastAuctionEnded notifies the room that its auction closed.
func (h *Hub) BroadcastAuctionEnded(ended bidding.AuctionEnded) {
	payload := AuctionEndedNotificationPayload{
		AuctionItemID:           ended.AuctionID.String(),
		FinalBidAmountInDollars: ended.FinalAmount,
		AuctionEndedAtTimestamp: ended.EndedAt.UnixMilli(),
	}
	if ended.WinnerUserID != nil {
		winnerID := ended.WinnerUserID.String()
		payload.WinnerUserID = &winnerID
		payload.WinnerUsername = &ended.WinnerUsername
	}
	data, err := encodeEvent(EventAuctionEndedNotification, payload)
	if err != nil {
		h.logger.Error("auction ended encode failed", zap.Error(err))
		return
	}
	h.broadcast(ended.AuctionID, EventAuctionEndedNotification, data)
}

// broadcast delivers data to every current member of the room. Delivery
// is fire-and-forget into each member's outbound queue.
func (h *Hub) broadcast(auctionID uuid.UUID, event string, data []byte) {
	h.mu.RLock()
	members := make([]*Client, 0, len(h.rooms[auctionID]))
	for c := range h.rooms[auctionID] {
		members = append(members, c)
	}
	h.mu.RUnlock()

	for _, c := range members {
		c.trySend(data)
	}
	broadcastsSent.WithLabelValues(event).Add(float64(len(members)))
}

// snapshot assembles the join-time state: the coordinator cache is
// consulted first for the current bid, the store fills in the rest and is
// authoritative on a miss.
func (h *Hub) snapshot(ctx context.Context, auctionID uuid.UUID) (*AuctionStateSyncPayload, error) {
	ctx, cancel := context.WithTimeout(ctx, h.callTimeout)
	defer cancel()

	a, err := h.store.FindAuctionByID(ctx, auctionID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, domainerrors.NewAuctionNotFound()
		}
		return nil, domainerrors.NewStoreUnavailable(err)
	}

	current := a.CurrentHighestBid
	if cached, err := h.cache.GetCurrentBid(ctx, auctionID); err == nil {
		current = cached
	} else if !errors.Is(err, cache.ErrCacheMiss) {
		h.logger.Warn("snapshot cache read failed, using store value",
			zap.String("auction_id", auctionID.String()),
			zap.Error(err))
	}

	payload := &AuctionStateSyncPayload{
		AuctionItemID:              auctionID.String(),
		CurrentHighestBidInDollars: current,
		AuctionEndTimeTimestamp:    a.EndTime.UnixMilli(),
		AuctionStatus:              a.Status.String(),
		TotalNumberOfBids:          a.BidCount,
	}

	if a.BidCount > 0 {
		bidder, err := h.store.FindHighestBidder(ctx, auctionID)
		switch {
		case err == nil:
			payload.HighestBidderUsername = &bidder.Username
		case errors.Is(err, database.ErrNotFound):
		default:
			return nil, domainerrors.NewStoreUnavailable(err)
		}
	}
	return payload, nil
}

// MemberCount reports the current size of a room.
func (h *Hub) MemberCount(auctionID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[auctionID])
}

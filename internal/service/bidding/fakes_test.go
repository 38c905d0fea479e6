package bidding

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/openbid/auction-backend/internal/domain/auction"
	"github.com/openbid/auction-backend/internal/domain/bid"
	"github.com/openbid/auction-backend/internal/domain/values"
	"github.com/openbid/auction-backend/internal/infrastructure/cache"
	"github.com/openbid/auction-backend/internal/infrastructure/database"
	"github.com/openbid/auction-backend/internal/infrastructure/lock"
)

// memStore is an in-memory AuctionStore that mirrors the relational
// store's transactional semantics closely enough for pipeline tests: the
// conditional price bump compares against the stored row under a mutex.
type memStore struct {
	mu        sync.Mutex
	auctions  map[uuid.UUID]*auction.Auction
	bids      []*bid.Bid
	usernames map[uuid.UUID]string
}

func newMemStore() *memStore {
	return &memStore{
		auctions:  make(map[uuid.UUID]*auction.Auction),
		usernames: make(map[uuid.UUID]string),
	}
}

func (m *memStore) putAuction(a *auction.Auction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *a
	m.auctions[a.ID] = &clone
}

func (m *memStore) auctionSnapshot(id uuid.UUID) auction.Auction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.auctions[id]
}

func (m *memStore) successfulBids(auctionID uuid.UUID) []*bid.Bid {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*bid.Bid
	for _, b := range m.bids {
		if b.AuctionID == auctionID && b.WasSuccessful {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlacedAt.Before(out[j].PlacedAt) })
	return out
}

func (m *memStore) FindAuctionByID(_ context.Context, id uuid.UUID) (*auction.Auction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.auctions[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	clone := *a
	return &clone, nil
}

func (m *memStore) CommitBid(_ context.Context, expectedCurrent values.Money, b *bid.Bid) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.auctions[b.AuctionID]
	if !ok || a.Status != auction.StatusActive || !a.CurrentHighestBid.Equal(expectedCurrent) {
		return database.ErrConflict
	}
	a.CurrentHighestBid = b.Amount
	a.BidCount++
	a.UpdatedAt = b.PlacedAt
	clone := *b
	m.bids = append(m.bids, &clone)
	return nil
}

func (m *memStore) InsertFailedBid(_ context.Context, b *bid.Bid) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *b
	m.bids = append(m.bids, &clone)
	return nil
}

func (m *memStore) EndExpiredAuctions(_ context.Context, now time.Time) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ended []uuid.UUID
	for id, a := range m.auctions {
		if a.Status == auction.StatusActive && !a.EndTime.After(now) {
			a.Status = auction.StatusEnded
			ended = append(ended, id)
		}
	}
	return ended, nil
}

func (m *memStore) PickWinners(_ context.Context, auctionIDs []uuid.UUID) ([]database.EndedAuction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	results := make([]database.EndedAuction, 0, len(auctionIDs))
	for _, id := range auctionIDs {
		a, ok := m.auctions[id]
		if !ok || a.Status != auction.StatusEnded {
			continue
		}
		result := database.EndedAuction{
			AuctionID:   id,
			FinalAmount: a.CurrentHighestBid,
			EndedAt:     a.EndTime,
		}
		if a.WinnerUserID == nil {
			if best := m.bestBidLocked(id); best != nil {
				winner := best.BidderUserID
				a.WinnerUserID = &winner
			}
		}
		if a.WinnerUserID != nil {
			result.WinnerUserID = a.WinnerUserID
			result.WinnerUsername = m.usernames[*a.WinnerUserID]
		}
		results = append(results, result)
	}
	return results, nil
}

// bestBidLocked applies the winner ordering: highest amount, earliest
// placedAt, lexicographically smallest bid id.
func (m *memStore) bestBidLocked(auctionID uuid.UUID) *bid.Bid {
	var best *bid.Bid
	for _, b := range m.bids {
		if b.AuctionID != auctionID || !b.WasSuccessful {
			continue
		}
		if best == nil {
			best = b
			continue
		}
		switch best.Amount.Cmp(b.Amount) {
		case -1:
			best = b
		case 0:
			if b.PlacedAt.Before(best.PlacedAt) ||
				(b.PlacedAt.Equal(best.PlacedAt) && strings.Compare(b.ID.String(), best.ID.String()) < 0) {
				best = b
			}
		}
	}
	return best
}

func (m *memStore) FindHighestBidder(_ context.Context, auctionID uuid.UUID) (*database.HighestBidder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	best := m.bestBidLocked(auctionID)
	if best == nil {
		return nil, database.ErrNotFound
	}
	return &database.HighestBidder{
		UserID:   best.BidderUserID,
		Username: m.usernames[best.BidderUserID],
		Amount:   best.Amount,
	}, nil
}

func (m *memStore) CleanupExpiredRevocations(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}

// recordingBroadcaster captures fan-out events.
type recordingBroadcaster struct {
	mu      sync.Mutex
	updates []BidUpdate
	ended   []AuctionEnded
}

func (r *recordingBroadcaster) BroadcastBidUpdate(update BidUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, update)
}

func (r *recordingBroadcaster) BroadcastAuctionEnded(ended AuctionEnded) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended = append(r.ended, ended)
}

func (r *recordingBroadcaster) bidUpdates() []BidUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]BidUpdate(nil), r.updates...)
}

func (r *recordingBroadcaster) endedEvents() []AuctionEnded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]AuctionEnded(nil), r.ended...)
}

// testPipeline wires a Service over the in-memory store with a real lock
// service and auction cache backed by miniredis.
type testPipeline struct {
	svc         *Service
	store       *memStore
	broadcaster *recordingBroadcaster
	cache       *cache.AuctionCache
	redis       *miniredis.Miniredis
}

func newTestPipeline(t *testing.T) *testPipeline {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := zaptest.NewLogger(t)
	store := newMemStore()
	broadcaster := &recordingBroadcaster{}
	auctionCache := cache.NewAuctionCache(client, 60*time.Second, logger)
	locker := lock.NewService(client, 5*time.Second, logger)

	svc := NewService(store, locker, auctionCache, broadcaster, Config{
		LockTTL:     5 * time.Second,
		CallTimeout: 2 * time.Second,
	}, logger)

	return &testPipeline{
		svc:         svc,
		store:       store,
		broadcaster: broadcaster,
		cache:       auctionCache,
		redis:       mr,
	}
}

// openAuction seeds an active auction running from an hour ago to an hour
// from now.
func (tp *testPipeline) openAuction(t *testing.T, startingPrice, increment string) *auction.Auction {
	t.Helper()
	now := time.Now().UTC()
	a := auction.New(uuid.New(), "test item", "",
		values.MustMoney(startingPrice), values.MustMoney(increment),
		now.Add(-time.Hour), now.Add(time.Hour))
	tp.store.putAuction(a)
	return a
}

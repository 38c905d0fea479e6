package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/openbid/auction-backend/internal/domain/auction"
	"github.com/openbid/auction-backend/internal/domain/values"
	"github.com/openbid/auction-backend/internal/infrastructure/auth"
	"github.com/openbid/auction-backend/internal/infrastructure/cache"
	"github.com/openbid/auction-backend/internal/infrastructure/database"
	"github.com/openbid/auction-backend/internal/service/bidding"
)

type fakeAuctionReader struct {
	mu       sync.Mutex
	auctions map[uuid.UUID]*auction.Auction
	bidders  map[uuid.UUID]*database.HighestBidder
}

func newFakeAuctionReader() *fakeAuctionReader {
	return &fakeAuctionReader{
		auctions: make(map[uuid.UUID]*auction.Auction),
		bidders:  make(map[uuid.UUID]*database.HighestBidder),
	}
}

func (f *fakeAuctionReader) FindAuctionByID(_ context.Context, id uuid.UUID) (*auction.Auction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.auctions[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	clone := *a
	return &clone, nil
}

func (f *fakeAuctionReader) FindHighestBidder(_ context.Context, id uuid.UUID) (*database.HighestBidder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bidders[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	clone := *b
	return &clone, nil
}

type fakeBidCache struct {
	mu      sync.Mutex
	entries map[uuid.UUID]values.Money
}

func newFakeBidCache() *fakeBidCache {
	return &fakeBidCache{entries: make(map[uuid.UUID]values.Money)}
}

func (f *fakeBidCache) GetCurrentBid(_ context.Context, id uuid.UUID) (values.Money, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.entries[id]
	if !ok {
		return values.Money{}, cache.ErrCacheMiss
	}
	return m, nil
}

func (f *fakeBidCache) put(id uuid.UUID, m values.Money) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[id] = m
}

type fakeBidder struct {
	mu    sync.Mutex
	place func(req bidding.PlaceBidRequest) (*bidding.BidResult, error)
	seen  []bidding.PlaceBidRequest
}

func (f *fakeBidder) PlaceBid(_ context.Context, req bidding.PlaceBidRequest) (*bidding.BidResult, error) {
	f.mu.Lock()
	f.seen = append(f.seen, req)
	place := f.place
	f.mu.Unlock()
	if place == nil {
		return &bidding.BidResult{
			BidID:          uuid.New(),
			AmountAccepted: req.Amount,
			AcceptedAt:     time.Now().UTC(),
		}, nil
	}
	return place(req)
}

func (f *fakeBidder) requests() []bidding.PlaceBidRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bidding.PlaceBidRequest(nil), f.seen...)
}

type fakeVerifier struct {
	identities map[string]auth.Identity
	failures   map[string]error
}

func (f *fakeVerifier) Verify(_ context.Context, credential string) (*auth.Identity, error) {
	if err, ok := f.failures[credential]; ok {
		return nil, err
	}
	if id, ok := f.identities[credential]; ok {
		clone := id
		return &clone, nil
	}
	return nil, auth.ErrMalformed
}

type gatewayHarness struct {
	server   *httptest.Server
	hub      *Hub
	store    *fakeAuctionReader
	cache    *fakeBidCache
	bidder   *fakeBidder
	verifier *fakeVerifier
}

func newGatewayHarness(t *testing.T) *gatewayHarness {
	t.Helper()

	logger := zaptest.NewLogger(t)
	store := newFakeAuctionReader()
	bidCache := newFakeBidCache()
	bidder := &fakeBidder{}
	verifier := &fakeVerifier{
		identities: make(map[string]auth.Identity),
		failures:   make(map[string]error),
	}

	hub := NewHub(store, bidCache, 2*time.Second, logger)
	handler := NewHandler(hub, bidder, verifier, "*", logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", handler.ServeWS)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return &gatewayHarness{
		server:   server,
		hub:      hub,
		store:    store,
		cache:    bidCache,
		bidder:   bidder,
		verifier: verifier,
	}
}

// user registers an identity and returns its credential.
func (g *gatewayHarness) user(username string) (string, auth.Identity) {
	credential := "cred-" + username
	identity := auth.Identity{UserID: uuid.New(), Username: username, Email: username + "@example.com"}
	g.verifier.identities[credential] = identity
	return credential, identity
}

// dial opens an authenticated connection.
func (g *gatewayHarness) dial(t *testing.T, credential string) *websocket.Conn {
	t.Helper()
	url := strings.Replace(g.server.URL, "http", "ws", 1) + "/ws?token=" + credential
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// activeAuction seeds an auction open for bidding.
func (g *gatewayHarness) activeAuction(startingPrice, increment string) *auction.Auction {
	now := time.Now().UTC()
	a := auction.New(uuid.New(), "lot", "",
		values.MustMoney(startingPrice), values.MustMoney(increment),
		now.Add(-time.Hour), now.Add(time.Hour))
	g.store.mu.Lock()
	g.store.auctions[a.ID] = a
	g.store.mu.Unlock()
	return a
}

func sendEvent(t *testing.T, conn *websocket.Conn, eventType string, payload interface{}) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	data, err := json.Marshal(Envelope{Type: eventType, Payload: raw})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

// readEvent blocks for the next envelope with a short deadline.
func readEvent(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func decodePayload(t *testing.T, env Envelope, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(env.Payload, out))
}

// joinRoom performs the join handshake and consumes both replies.
func joinRoom(t *testing.T, conn *websocket.Conn, auctionID uuid.UUID) AuctionStateSyncPayload {
	t.Helper()
	sendEvent(t, conn, EventJoinAuctionRoom, JoinAuctionRoomPayload{AuctionItemID: auctionID.String()})

	joined := readEvent(t, conn)
	require.Equal(t, EventJoinedAuctionRoom, joined.Type)

	sync := readEvent(t, conn)
	require.Equal(t, EventAuctionStateSync, sync.Type)
	var snapshot AuctionStateSyncPayload
	decodePayload(t, sync, &snapshot)
	return snapshot
}

// waitForMembers polls until the room reaches the wanted size.
func (g *gatewayHarness) waitForMembers(t *testing.T, auctionID uuid.UUID, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if g.hub.MemberCount(auctionID) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("room %s never reached %d members", auctionID, want)
}

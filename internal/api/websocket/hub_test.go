package websocket

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openbid/auction-backend/internal/domain/errors"
	"github.com/openbid/auction-backend/internal/domain/values"
	"github.com/openbid/auction-backend/internal/infrastructure/database"
	"github.com/openbid/auction-backend/internal/service/bidding"
)

func TestJoinDeliversSnapshot(t *testing.T) {
	g := newGatewayHarness(t)
	a := g.activeAuction("100.00", "10.00")

	cred, _ := g.user("alice")
	conn := g.dial(t, cred)

	snapshot := joinRoom(t, conn, a.ID)
	assert.Equal(t, a.ID.String(), snapshot.AuctionItemID)
	assert.Equal(t, "100.00", snapshot.CurrentHighestBidInDollars.String())
	assert.Nil(t, snapshot.HighestBidderUsername)
	assert.Equal(t, a.EndTime.UnixMilli(), snapshot.AuctionEndTimeTimestamp)
	assert.Equal(t, "active", snapshot.AuctionStatus)
	assert.Equal(t, 0, snapshot.TotalNumberOfBids)

	g.waitForMembers(t, a.ID, 1)
}

func TestJoinSnapshotPrefersCache(t *testing.T) {
	g := newGatewayHarness(t)
	a := g.activeAuction("100.00", "10.00")

	// The row lags behind; the coordinator holds the fresher value.
	g.cache.put(a.ID, values.MustMoney("140.00"))
	g.store.mu.Lock()
	g.store.auctions[a.ID].BidCount = 4
	g.store.mu.Unlock()
	g.store.bidders[a.ID] = &database.HighestBidder{
		UserID:   uuid.New(),
		Username: "dora",
		Amount:   values.MustMoney("140.00"),
	}

	cred, _ := g.user("alice")
	conn := g.dial(t, cred)

	snapshot := joinRoom(t, conn, a.ID)
	assert.Equal(t, "140.00", snapshot.CurrentHighestBidInDollars.String())
	require.NotNil(t, snapshot.HighestBidderUsername)
	assert.Equal(t, "dora", *snapshot.HighestBidderUsername)
	assert.Equal(t, 4, snapshot.TotalNumberOfBids)
}

func TestJoinUnknownAuction(t *testing.T) {
	g := newGatewayHarness(t)
	cred, _ := g.user("alice")
	conn := g.dial(t, cred)

	sendEvent(t, conn, EventJoinAuctionRoom, JoinAuctionRoomPayload{AuctionItemID: uuid.New().String()})

	env := readEvent(t, conn)
	require.Equal(t, EventBidPlacedError, env.Type)
	var payload BidPlacedErrorPayload
	decodePayload(t, env, &payload)
	assert.Equal(t, errors.CodeAuctionNotFound, payload.ErrorCode)
}

func TestBroadcastReachesAllMembers(t *testing.T) {
	g := newGatewayHarness(t)
	a := g.activeAuction("100.00", "10.00")

	credA, _ := g.user("alice")
	credB, idB := g.user("bob")
	connA := g.dial(t, credA)
	connB := g.dial(t, credB)
	joinRoom(t, connA, a.ID)
	joinRoom(t, connB, a.ID)
	g.waitForMembers(t, a.ID, 2)

	placedAt := time.Now().UTC()
	g.hub.BroadcastBidUpdate(bidding.BidUpdate{
		AuctionID:      a.ID,
		Amount:         values.MustMoney("110.00"),
		BidderUserID:   idB.UserID,
		BidderUsername: "bob",
		PlacedAt:       placedAt,
		TotalBids:      1,
	})

	for _, conn := range []*websocket.Conn{connA, connB} {
		env := readEvent(t, conn)
		require.Equal(t, EventBidUpdateBroadcast, env.Type)
		var payload BidUpdateBroadcastPayload
		decodePayload(t, env, &payload)
		assert.Equal(t, a.ID.String(), payload.AuctionItemID)
		assert.Equal(t, "110.00", payload.NewHighestBidInDollars.String())
		assert.Equal(t, idB.UserID.String(), payload.HighestBidderUserID)
		assert.Equal(t, "bob", payload.HighestBidderUsername)
		assert.Equal(t, placedAt.UnixMilli(), payload.BidPlacedAtTimestamp)
		assert.Equal(t, 1, payload.TotalNumberOfBids)
	}
}

func TestLeaveStopsBroadcasts(t *testing.T) {
	g := newGatewayHarness(t)
	a := g.activeAuction("100.00", "10.00")

	cred, _ := g.user("alice")
	conn := g.dial(t, cred)
	joinRoom(t, conn, a.ID)
	g.waitForMembers(t, a.ID, 1)

	sendEvent(t, conn, EventLeaveAuctionRoom, LeaveAuctionRoomPayload{AuctionItemID: a.ID.String()})
	env := readEvent(t, conn)
	require.Equal(t, EventLeftAuctionRoom, env.Type)
	g.waitForMembers(t, a.ID, 0)

	g.hub.BroadcastBidUpdate(bidding.BidUpdate{
		AuctionID: a.ID,
		Amount:    values.MustMoney("110.00"),
	})

	// Nothing further arrives.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestDisconnectCleansMembership(t *testing.T) {
	g := newGatewayHarness(t)
	a := g.activeAuction("100.00", "10.00")
	b := g.activeAuction("200.00", "20.00")

	cred, _ := g.user("alice")
	conn := g.dial(t, cred)
	joinRoom(t, conn, a.ID)
	joinRoom(t, conn, b.ID)
	g.waitForMembers(t, a.ID, 1)
	g.waitForMembers(t, b.ID, 1)

	conn.Close()

	g.waitForMembers(t, a.ID, 0)
	g.waitForMembers(t, b.ID, 0)
}

func TestAuctionEndedBroadcast(t *testing.T) {
	g := newGatewayHarness(t)
	a := g.activeAuction("100.00", "10.00")

	cred, _ := g.user("alice")
	conn := g.dial(t, cred)
	joinRoom(t, conn, a.ID)
	g.waitForMembers(t, a.ID, 1)

	winnerID := uuid.New()
	endedAt := time.Now().UTC()
	g.hub.BroadcastAuctionEnded(bidding.AuctionEnded{
		AuctionID:      a.ID,
		WinnerUserID:   &winnerID,
		WinnerUsername: "bob",
		FinalAmount:    values.MustMoney("130.00"),
		EndedAt:        endedAt,
	})

	env := readEvent(t, conn)
	require.Equal(t, EventAuctionEndedNotification, env.Type)
	var payload AuctionEndedNotificationPayload
	decodePayload(t, env, &payload)
	assert.Equal(t, a.ID.String(), payload.AuctionItemID)
	require.NotNil(t, payload.WinnerUserID)
	assert.Equal(t, winnerID.String(), *payload.WinnerUserID)
	require.NotNil(t, payload.WinnerUsername)
	assert.Equal(t, "bob", *payload.WinnerUsername)
	assert.Equal(t, "130.00", payload.FinalBidAmountInDollars.String())
	assert.Equal(t, endedAt.UnixMilli(), payload.AuctionEndedAtTimestamp)
}

func TestAuctionEndedNoWinnerHasNullFields(t *testing.T) {
	g := newGatewayHarness(t)
	a := g.activeAuction("100.00", "10.00")

	cred, _ := g.user("alice")
	conn := g.dial(t, cred)
	joinRoom(t, conn, a.ID)
	g.waitForMembers(t, a.ID, 1)

	g.hub.BroadcastAuctionEnded(bidding.AuctionEnded{
		AuctionID:   a.ID,
		FinalAmount: values.MustMoney("100.00"),
		EndedAt:     time.Now().UTC(),
	})

	env := readEvent(t, conn)
	require.Equal(t, EventAuctionEndedNotification, env.Type)
	var payload AuctionEndedNotificationPayload
	decodePayload(t, env, &payload)
	assert.Nil(t, payload.WinnerUserID)
	assert.Nil(t, payload.WinnerUsername)
}

package websocket

import (
	"encoding/json"
	"fmt"

	"github.com/openbid/auction-backend/internal/domain/values"
)

// Inbound event names. These four are the only message types a READY
// connection accepts; anything else is ignored.
const (
	EventTimeSyncRequest  = "TIME_SYNC_REQUEST"
	EventJoinAuctionRoom  = "JOIN_AUCTION_ROOM"
	EventLeaveAuctionRoom = "LEAVE_AUCTION_ROOM"
	EventPlaceBid         = "PLACE_BID"
)

// Outbound event names.
const (
	EventTimeSyncResponse         = "TIME_SYNC_RESPONSE"
	EventJoinedAuctionRoom        = "JOINED_AUCTION_ROOM"
	EventLeftAuctionRoom          = "LEFT_AUCTION_ROOM"
	EventAuctionStateSync         = "AUCTION_STATE_SYNC"
	EventBidUpdateBroadcast       = "BID_UPDATE_BROADCAST"
	EventBidPlacedSuccess         = "BID_PLACED_SUCCESS"
	EventBidPlacedError           = "BID_PLACED_ERROR"
	EventAuctionEndedNotification = "AUCTION_ENDED_NOTIFICATION"
)

// Envelope frames every message in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// All timestamps on the wire are milliseconds since the Unix epoch.
// Monetary values travel as JSON numbers and are re-parsed through the
// decimal type server-side.

type TimeSyncRequestPayload struct {
	ClientTimestampT0InMs int64 `json:"clientTimestampT0InMs"`
}

type TimeSyncResponsePayload struct {
	ClientTimestampT0InMs int64 `json:"clientTimestampT0InMs"`
	ServerTimestampT1InMs int64 `json:"serverTimestampT1InMs"`
	ServerTimestampT2InMs int64 `json:"serverTimestampT2InMs"`
}

type JoinAuctionRoomPayload struct {
	AuctionItemID string `json:"auctionItemId"`
}

type LeaveAuctionRoomPayload struct {
	AuctionItemID string `json:"auctionItemId"`
}

type PlaceBidPayload struct {
	AuctionItemID      string  `json:"auctionItemId"`
	BidAmountInDollars float64 `json:"bidAmountInDollars"`
}

type JoinedAuctionRoomPayload struct {
	AuctionItemID string `json:"auctionItemId"`
}

type LeftAuctionRoomPayload struct {
	AuctionItemID string `json:"auctionItemId"`
}

// AuctionStateSyncPayload is the full snapshot delivered on room join.
type AuctionStateSyncPayload struct {
	AuctionItemID              string       `json:"auctionItemId"`
	CurrentHighestBidInDollars values.Money `json:"currentHighestBidInDollars"`
	HighestBidderUsername      *string      `json:"highestBidderUsername"`
	AuctionEndTimeTimestamp    int64        `json:"auctionEndTimeTimestamp"`
	AuctionStatus              string       `json:"auctionStatus"`
	TotalNumberOfBids          int          `json:"totalNumberOfBids"`
}

type BidUpdateBroadcastPayload struct {
	AuctionItemID          string       `json:"auctionItemId"`
	NewHighestBidInDollars values.Money `json:"newHighestBidInDollars"`
	HighestBidderUserID    string       `json:"highestBidderUserId"`
	HighestBidderUsername  string       `json:"highestBidderUsername"`
	BidPlacedAtTimestamp   int64        `json:"bidPlacedAtTimestamp"`
	TotalNumberOfBids      int          `json:"totalNumberOfBids"`
}

type BidPlacedSuccessPayload struct {
	AuctionItemID        string       `json:"auctionItemId"`
	BidAmountInDollars   values.Money `json:"bidAmountInDollars"`
	BidID                string       `json:"bidId"`
	BidPlacedAtTimestamp int64        `json:"bidPlacedAtTimestamp"`
}

type BidPlacedErrorPayload struct {
	AuctionItemID string `json:"auctionItemId"`
	ErrorCode     string `json:"errorCode"`
	ErrorMessage  string `json:"errorMessage"`
}

type AuctionEndedNotificationPayload struct {
	AuctionItemID           string       `json:"auctionItemId"`
	WinnerUserID            *string      `json:"winnerUserId"`
	WinnerUsername          *string      `json:"winnerUsername"`
	FinalBidAmountInDollars values.Money `json:"finalBidAmountInDollars"`
	AuctionEndedAtTimestamp int64        `json:"auctionEndedAtTimestamp"`
}

// encodeEvent frames an outbound payload into an envelope and marshals it.
func encodeEvent(eventType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	data, err := json.Marshal(Envelope{Type: eventType, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", eventType, err)
	}
	return data, nil
}

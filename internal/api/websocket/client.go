package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	domainerrors "github.com/openbid/auction-backend/internal/domain/errors"
	"github.com/openbid/auction-backend/internal/domain/values"
	"github.com/openbid/auction-backend/internal/infrastructure/auth"
	"github.com/openbid/auction-backend/internal/service/bidding"
)

// Connection lifecycle states. Authentication happens in the handler
// before a Client exists, so a live client is either ready or closed.
const (
	stateReady int32 = iota
	stateClosed
)

const (
	// outboundQueueCap bounds the per-connection send queue; exceeding it
	// closes the connection with reason SlowConsumer.
	outboundQueueCap = 64

	// closeReasonSlowConsumer is the close reason for a backed-up subscriber.
	closeReasonSlowConsumer = "SlowConsumer"

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 4096
)

// BidPlacer is the bid pipeline as seen from the gateway.
type BidPlacer interface {
	PlaceBid(ctx context.Context, req bidding.PlaceBidRequest) (*bidding.BidResult, error)
}

// Client owns one authenticated socket. Inbound messages are dispatched
// from ReadPump; everything outbound funnels through the send queue into
// WritePump, the connection's single writer.
type Client struct {
	ID       uuid.UUID
	identity auth.Identity

	conn    *websocket.Conn
	hub     *Hub
	bidder  BidPlacer
	limiter *rate.Limiter
	logger  *zap.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	state     atomic.Int32

	now func() time.Time
}

// NewClient wraps an upgraded connection for the given identity.
func NewClient(conn *websocket.Conn, hub *Hub, bidder BidPlacer, identity auth.Identity, limiter *rate.Limiter, logger *zap.Logger) *Client {
	c := &Client{
		ID:       uuid.New(),
		identity: identity,
		conn:     conn,
		hub:      hub,
		bidder:   bidder,
		limiter:  limiter,
		logger:   logger,
		send:     make(chan []byte, outboundQueueCap),
		done:     make(chan struct{}),
		now:      func() time.Time { return time.Now().UTC() },
	}
	c.state.Store(stateReady)
	return c
}

// trySend enqueues data without blocking. A full queue means the consumer
// cannot keep up with the fan-out; the connection is dropped rather than
// letting it stall the broadcaster.
func (c *Client) trySend(data []byte) {
	select {
	case <-c.done:
	case c.send <- data:
	default:
		c.logger.Warn("outbound queue full, dropping slow consumer",
			zap.String("connection_id", c.ID.String()),
			zap.String("user_id", c.identity.UserID.String()))
		c.closeWithReason(websocket.ClosePolicyViolation, closeReasonSlowConsumer)
	}
}

// closeWithReason sends a close frame and tears the connection down once.
// WriteControl is safe alongside the write pump.
func (c *Client) closeWithReason(code int, reason string) {
	c.closeOnce.Do(func() {
		c.state.Store(stateClosed)
		close(c.done)
		deadline := time.Now().Add(time.Second)
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		_ = c.conn.Close()
	})
}

// ReadPump reads inbound frames and dispatches them until the connection
// drops. Runs as its own goroutine per connection.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.OnDisconnect(c)
		c.closeWithReason(websocket.CloseNormalClosure, "")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("socket read error",
					zap.String("connection_id", c.ID.String()),
					zap.Error(err))
			}
			return
		}
		c.dispatch(ctx, message)
	}
}

// dispatch routes one inbound envelope. Unknown types are ignored.
func (c *Client) dispatch(ctx context.Context, message []byte) {
	if c.state.Load() != stateReady {
		return
	}

	var env Envelope
	if err := json.Unmarshal(message, &env); err != nil {
		c.logger.Debug("unparseable inbound frame dropped",
			zap.String("connection_id", c.ID.String()),
			zap.Error(err))
		return
	}

	switch env.Type {
	case EventTimeSyncRequest:
		c.handleTimeSync(env.Payload)
	case EventJoinAuctionRoom:
		c.handleJoin(ctx, env.Payload)
	case EventLeaveAuctionRoom:
		c.handleLeave(env.Payload)
	case EventPlaceBid:
		c.handlePlaceBid(ctx, env.Payload)
	default:
		c.logger.Debug("unknown event type ignored",
			zap.String("connection_id", c.ID.String()),
			zap.String("type", env.Type))
	}
}

func (c *Client) handleJoin(ctx context.Context, raw json.RawMessage) {
	var payload JoinAuctionRoomPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return
	}
	auctionID, err := uuid.Parse(payload.AuctionItemID)
	if err != nil {
		c.sendError(payload.AuctionItemID, domainerrors.NewAuctionNotFound())
		return
	}
	if err := c.hub.Join(ctx, c, auctionID); err != nil {
		c.sendError(payload.AuctionItemID, domainerrors.AsAppError(err))
	}
}

func (c *Client) handleLeave(raw json.RawMessage) {
	var payload LeaveAuctionRoomPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return
	}
	auctionID, err := uuid.Parse(payload.AuctionItemID)
	if err != nil {
		return
	}
	c.hub.Leave(c, auctionID)
}

func (c *Client) handlePlaceBid(ctx context.Context, raw json.RawMessage) {
	var payload PlaceBidPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return
	}

	if !c.limiter.Allow() {
		c.sendError(payload.AuctionItemID, domainerrors.NewRateLimited())
		return
	}

	auctionID, err := uuid.Parse(payload.AuctionItemID)
	if err != nil {
		c.sendError(payload.AuctionItemID, domainerrors.NewAuctionNotFound())
		return
	}

	amount, err := values.NewMoneyFromFloat(payload.BidAmountInDollars)
	if err != nil {
		c.sendError(payload.AuctionItemID, domainerrors.NewInvalidAmount(err.Error()))
		return
	}

	result, err := c.bidder.PlaceBid(ctx, bidding.PlaceBidRequest{
		AuctionID:      auctionID,
		BidderUserID:   c.identity.UserID,
		BidderUsername: c.identity.Username,
		Amount:         amount,
	})
	if err != nil {
		// Only the fixed error-code vocabulary crosses the wire; internal
		// detail stays in the server log.
		c.sendError(payload.AuctionItemID, domainerrors.AsAppError(err))
		return
	}

	success, encErr := encodeEvent(EventBidPlacedSuccess, BidPlacedSuccessPayload{
		AuctionItemID:        payload.AuctionItemID,
		BidAmountInDollars:   result.AmountAccepted,
		BidID:                result.BidID.String(),
		BidPlacedAtTimestamp: result.AcceptedAt.UnixMilli(),
	})
	if encErr != nil {
		c.logger.Error("success reply encode failed", zap.Error(encErr))
		return
	}
	c.trySend(success)
}

func (c *Client) sendError(auctionItemID string, appErr *domainerrors.AppError) {
	msg := appErr.Message
	if !appErr.ClientAttributable() && !appErr.Retryable {
		msg = "internal error"
	}
	data, err := encodeEvent(EventBidPlacedError, BidPlacedErrorPayload{
		AuctionItemID: auctionItemID,
		ErrorCode:     appErr.Code,
		ErrorMessage:  msg,
	})
	if err != nil {
		c.logger.Error("error reply encode failed", zap.Error(err))
		return
	}
	c.trySend(data)
}

// WritePump is the single writer for the socket: it drains the send queue
// and keeps the connection alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeWithReason(websocket.CloseNormalClosure, "")
	}()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

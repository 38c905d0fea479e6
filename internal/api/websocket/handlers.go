package websocket

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/openbid/auction-backend/internal/infrastructure/auth"
)

var (
	activeConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "auction",
		Subsystem: "gateway",
		Name:      "connections_active",
		Help:      "Currently open authenticated connections",
	})

	connectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "auction",
		Subsystem: "gateway",
		Name:      "connections_total",
		Help:      "Connection attempts by outcome",
	}, []string{"outcome"})
)

// Per-user bid rate: token bucket refilled at 5/s with a burst of 10.
const (
	bidRatePerSecond = 5
	bidRateBurst     = 10
)

const authTimeout = 2 * time.Second

// CredentialVerifier validates a bearer credential and yields the caller's
// identity. Revocation checks happen behind this interface.
type CredentialVerifier interface {
	Verify(ctx context.Context, credential string) (*auth.Identity, error)
}

// Handler upgrades HTTP requests to authenticated auction connections.
type Handler struct {
	hub      *Hub
	bidder   BidPlacer
	verifier CredentialVerifier
	upgrader websocket.Upgrader
	logger   *zap.Logger

	// Bid limiters are keyed by user, not connection: a user on several
	// sockets draws from one bucket.
	limiterMu sync.Mutex
	limiters  map[uuid.UUID]*rate.Limiter
}

// NewHandler builds the gateway entry point. allowedOrigin is matched
// exactly against the browser Origin header; "*" disables the check and
// requests without an Origin header (non-browser clients) always pass.
func NewHandler(hub *Hub, bidder BidPlacer, verifier CredentialVerifier, allowedOrigin string, logger *zap.Logger) *Handler {
	return &Handler{
		hub:      hub,
		bidder:   bidder,
		verifier: verifier,
		logger:   logger,
		limiters: make(map[uuid.UUID]*rate.Limiter),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || allowedOrigin == "*" || origin == allowedOrigin
			},
		},
	}
}

// ServeWS handles the /ws endpoint: upgrade, authenticate, start pumps.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		connectionsTotal.WithLabelValues("upgrade_failed").Inc()
		h.logger.Warn("upgrade failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err))
		return
	}

	identity, reason := h.authenticate(r)
	if identity == nil {
		connectionsTotal.WithLabelValues("auth_failed").Inc()
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), deadline)
		_ = conn.Close()
		return
	}

	client := NewClient(conn, h.hub, h.bidder, *identity, h.limiterFor(identity.UserID), h.logger)

	connectionsTotal.WithLabelValues("accepted").Inc()
	activeConnections.Inc()

	// The request context dies when this handler returns; the pumps outlive
	// it, so keep the values but drop the cancellation.
	pumpCtx := context.WithoutCancel(r.Context())

	go client.WritePump()
	go func() {
		client.ReadPump(pumpCtx)
		activeConnections.Dec()
	}()

	h.logger.Info("connection established",
		zap.String("connection_id", client.ID.String()),
		zap.String("user_id", identity.UserID.String()),
		zap.String("username", identity.Username),
		zap.String("remote_addr", r.RemoteAddr))
}

// limiterFor returns the user's shared bid limiter, creating it on first
// use.
func (h *Handler) limiterFor(userID uuid.UUID) *rate.Limiter {
	h.limiterMu.Lock()
	defer h.limiterMu.Unlock()
	limiter, ok := h.limiters[userID]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(bidRatePerSecond), bidRateBurst)
		h.limiters[userID] = limiter
	}
	return limiter
}

// authenticate resolves the credential from the connection's auth
// envelope: the Authorization header for native clients, the token query
// parameter for browsers. Returns a nil identity and a close reason on
// failure.
func (h *Handler) authenticate(r *http.Request) (*auth.Identity, string) {
	credential := bearerToken(r)
	if credential == "" {
		return nil, "Unauthorized"
	}

	ctx, cancel := context.WithTimeout(r.Context(), authTimeout)
	defer cancel()

	identity, err := h.verifier.Verify(ctx, credential)
	if err != nil {
		h.logger.Info("credential rejected",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err))
		switch {
		case errors.Is(err, auth.ErrExpired):
			return nil, "Expired"
		case errors.Is(err, auth.ErrRevoked):
			return nil, "Revoked"
		default:
			return nil, "Unauthorized"
		}
	}
	return identity, ""
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	if header := r.Header.Get("Authorization"); len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return r.URL.Query().Get("token")
}

package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openbid/auction-backend/internal/infrastructure/cache"
)

// Credential verification errors surfaced to the socket gateway as close
// reason codes.
var (
	ErrMalformed = errors.New("credential malformed")
	ErrBadAlg    = errors.New("credential signature algorithm mismatch")
	ErrExpired   = errors.New("credential expired")
	ErrRevoked   = errors.New("credential revoked")
)

// Claims is the payload carried in a bearer credential.
type Claims struct {
	jwt.RegisteredClaims
	UserID    uuid.UUID `json:"userId"`
	UserEmail string    `json:"userEmail"`
	Username  string    `json:"username"`
}

// Identity is the verified identity attached to a READY connection.
type Identity struct {
	UserID   uuid.UUID
	Username string
	Email    string
}

// RevocationStore is the durable side of the revocation set; the cache
// fronts it.
type RevocationStore interface {
	InsertRevokedCredential(ctx context.Context, credential string, expiresAt time.Time) error
	LookupRevokedCredential(ctx context.Context, credential string) (bool, error)
}

// Service mints and verifies bearer credentials. Tokens are signed with an
// HMAC over header+payload using a server secret of at least 32 bytes; any
// other signing method is rejected outright.
type Service struct {
	secret     []byte
	lifetime   time.Duration
	revocation *cache.RevocationCache
	store      RevocationStore
	logger     *zap.Logger
}

// NewService creates the credential service.
func NewService(secret []byte, lifetime time.Duration, revocation *cache.RevocationCache, store RevocationStore, logger *zap.Logger) (*Service, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("credential secret must be at least 32 bytes, got %d", len(secret))
	}
	return &Service{
		secret:     secret,
		lifetime:   lifetime,
		revocation: revocation,
		store:      store,
		logger:     logger,
	}, nil
}

// Mint issues a new credential for the user.
func (s *Service) Mint(userID uuid.UUID, username, email string) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.lifetime)),
		},
		UserID:    userID,
		UserEmail: email,
		Username:  username,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign credential: %w", err)
	}
	return signed, nil
}

// Verify validates the signature, expiry, and revocation state of a
// credential and yields the bearer's identity.
func (s *Service) Verify(ctx context.Context, credential string) (*Identity, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(credential, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrBadAlg
		}
		return s.secret, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrBadAlg):
			return nil, ErrBadAlg
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrExpired
		default:
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}
	if !token.Valid || claims.UserID == uuid.Nil {
		return nil, ErrMalformed
	}

	revoked, err := s.isRevoked(ctx, credential, claims)
	if err != nil {
		return nil, err
	}
	if revoked {
		return nil, ErrRevoked
	}

	return &Identity{
		UserID:   claims.UserID,
		Username: claims.Username,
		Email:    claims.UserEmail,
	}, nil
}

// Revoke marks the credential invalid in the store and the cache, for the
// remainder of its own lifetime.
func (s *Service) Revoke(ctx context.Context, credential string) error {
	claims := &Claims{}
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	if _, _, err := parser.ParseUnverified(credential, claims); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	expiresAt := time.Now().UTC().Add(s.lifetime)
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}

	if err := s.store.InsertRevokedCredential(ctx, credential, expiresAt); err != nil {
		return err
	}
	if err := s.revocation.MarkRevoked(ctx, credential, time.Until(expiresAt)); err != nil {
		s.logger.Warn("revocation cache write failed", zap.Error(err))
	}
	return nil
}

// isRevoked consults the coordinator cache first, then falls back to the
// store; a store hit refreshes the cache.
func (s *Service) isRevoked(ctx context.Context, credential string, claims *Claims) (bool, error) {
	revoked, err := s.revocation.IsRevoked(ctx, credential)
	if err == nil {
		return revoked, nil
	}
	if !errors.Is(err, cache.ErrCacheMiss) {
		s.logger.Warn("revocation cache read failed, using store", zap.Error(err))
	}

	revoked, err = s.store.LookupRevokedCredential(ctx, credential)
	if err != nil {
		return false, fmt.Errorf("revocation lookup failed: %w", err)
	}
	if revoked && claims.ExpiresAt != nil {
		if cacheErr := s.revocation.MarkRevoked(ctx, credential, time.Until(claims.ExpiresAt.Time)); cacheErr != nil {
			s.logger.Warn("revocation cache refresh failed", zap.Error(cacheErr))
		}
	}
	return revoked, nil
}

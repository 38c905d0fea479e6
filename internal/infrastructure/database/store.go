package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/openbid/auction-backend/internal/domain/auction"
	"github.com/openbid/auction-backend/internal/domain/bid"
	"github.com/openbid/auction-backend/internal/domain/user"
	"github.com/openbid/auction-backend/internal/domain/values"
)

// Store is the thin boundary over the relational store. It exposes exactly
// the operations the bidding core needs; every mutation is transactional.
type Store struct {
	db     *ConnectionPool
	logger *zap.Logger
}

// EndedAuction describes an auction the reaper just closed, with its
// winner resolved (nil when no successful bid exists).
type EndedAuction struct {
	AuctionID      uuid.UUID
	WinnerUserID   *uuid.UUID
	WinnerUsername string
	FinalAmount    values.Money
	EndedAt        time.Time
}

// HighestBidder is the current leader of an auction.
type HighestBidder struct {
	UserID   uuid.UUID
	Username string
	Amount   values.Money
}

// NewStore creates the store adapter on top of a shared connection pool.
func NewStore(db *ConnectionPool, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

const auctionColumns = `
	id, title, description, starting_price, current_highest_bid,
	minimum_increment, start_time, end_time, status, creator_user_id,
	winner_user_id, bid_count, created_at, updated_at`

func scanAuction(row pgx.Row) (*auction.Auction, error) {
	var a auction.Auction
	var status string
	err := row.Scan(
		&a.ID, &a.Title, &a.Description, &a.StartingPrice, &a.CurrentHighestBid,
		&a.MinimumIncrement, &a.StartTime, &a.EndTime, &status, &a.CreatorUserID,
		&a.WinnerUserID, &a.BidCount, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Status = auction.ParseStatus(status)
	return &a, nil
}

// FindAuctionByID reads an auction row. Readers do not take the lock.
func (s *Store) FindAuctionByID(ctx context.Context, id uuid.UUID) (*auction.Auction, error) {
	row := s.db.Pool().QueryRow(ctx, `SELECT`+auctionColumns+` FROM auctions WHERE id = $1`, id)
	a, err := scanAuction(row)
	if err != nil {
		if IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find auction: %w", err)
	}
	return a, nil
}

// FindUserByID reads a user row.
func (s *Store) FindUserByID(ctx context.Context, id uuid.UUID) (*user.User, error) {
	var u user.User
	err := s.db.Pool().QueryRow(ctx, `
		SELECT id, username, display_name, email, active, created_at
		FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Username, &u.DisplayName, &u.Email, &u.Active, &u.CreatedAt)
	if err != nil {
		if IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	return &u, nil
}

// CreateAuction inserts a new auction row.
func (s *Store) CreateAuction(ctx context.Context, a *auction.Auction) error {
	return s.db.Transaction(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO auctions (
				id, title, description, starting_price, current_highest_bid,
				minimum_increment, start_time, end_time, status, creator_user_id,
				bid_count, created_at, updated_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
			a.ID, a.Title, a.Description, a.StartingPrice, a.CurrentHighestBid,
			a.MinimumIncrement, a.StartTime, a.EndTime, a.Status.String(),
			a.CreatorUserID, a.BidCount, a.CreatedAt, a.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to create auction: %w", err)
		}
		return nil
	})
}

// CreateUser inserts a new user row. Usernames are unique lowercase.
func (s *Store) CreateUser(ctx context.Context, u *user.User) error {
	return s.db.Transaction(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO users (id, username, display_name, email, active, created_at)
			VALUES ($1,$2,$3,$4,$5,$6)`,
			u.ID, user.NormalizeUsername(u.Username), u.DisplayName, u.Email, u.Active, u.CreatedAt,
		)
		if err != nil {
			if IsDuplicateKey(err) {
				return ErrDuplicateKey
			}
			return fmt.Errorf("failed to create user: %w", err)
		}
		return nil
	})
}

// CommitBid atomically bumps the auction price and appends the bid row.
// The price bump is conditional on the value read before the lock section:
// the coordinator lock is the primary guard, this CAS defends against
// split-brain and expired locks. Returns ErrConflict when the row moved.
func (s *Store) CommitBid(ctx context.Context, expectedCurrent values.Money, b *bid.Bid) error {
	return s.db.Transaction(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE auctions
			SET current_highest_bid = $3, bid_count = bid_count + 1, updated_at = $4
			WHERE id = $1 AND current_highest_bid = $2 AND status = 'active'`,
			b.AuctionID, expectedCurrent, b.Amount, b.PlacedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to bump auction price: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrConflict
		}

		if err := insertBid(ctx, tx, b); err != nil {
			return err
		}
		return nil
	})
}

// InsertFailedBid records a failed attempt for audit. Best effort; runs
// outside any lock and never alters auction state.
func (s *Store) InsertFailedBid(ctx context.Context, b *bid.Bid) error {
	return s.db.Transaction(ctx, func(tx pgx.Tx) error {
		return insertBid(ctx, tx, b)
	})
}

func insertBid(ctx context.Context, tx pgx.Tx, b *bid.Bid) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO bids (id, auction_id, bidder_user_id, amount, placed_at, was_successful, processing_time_ms)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		b.ID, b.AuctionID, b.BidderUserID, b.Amount, b.PlacedAt, b.WasSuccessful, b.ProcessingTimeMs,
	)
	if err != nil {
		return fmt.Errorf("failed to insert bid: %w", err)
	}
	return nil
}

// EndExpiredAuctions flips every active auction past its end time to ended
// and returns the affected ids. The status guard in the WHERE clause makes
// this the unique serialization point across replicas.
func (s *Store) EndExpiredAuctions(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	var ended []uuid.UUID
	err := s.db.Transaction(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			UPDATE auctions SET status = 'ended', updated_at = $1
			WHERE status = 'active' AND end_time <= $1
			RETURNING id`, now)
		if err != nil {
			return fmt.Errorf("failed to end expired auctions: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var id uuid.UUID
			if err := rows.Scan(&id); err != nil {
				return fmt.Errorf("failed to scan ended auction id: %w", err)
			}
			ended = append(ended, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return ended, nil
}

// PickWinners resolves and persists the winner for each newly ended
// auction. The winner is the bidder of the highest successful bid; ties
// break on earliest placed_at, then lexicographically smallest bid id.
// Auctions without successful bids keep a null winner.
func (s *Store) PickWinners(ctx context.Context, auctionIDs []uuid.UUID) ([]EndedAuction, error) {
	results := make([]EndedAuction, 0, len(auctionIDs))

	for _, id := range auctionIDs {
		var result EndedAuction
		err := s.db.Transaction(ctx, func(tx pgx.Tx) error {
			var endTime time.Time
			var finalAmount values.Money
			var existing *uuid.UUID
			err := tx.QueryRow(ctx, `
				SELECT end_time, current_highest_bid, winner_user_id
				FROM auctions WHERE id = $1 AND status = 'ended'`, id).
				Scan(&endTime, &finalAmount, &existing)
			if err != nil {
				if IsNotFound(err) {
					return ErrNotFound
				}
				return fmt.Errorf("failed to read ended auction: %w", err)
			}

			result = EndedAuction{AuctionID: id, FinalAmount: finalAmount, EndedAt: endTime}

			if existing != nil {
				// A previous sweep already resolved this auction.
				result.WinnerUserID = existing
				return tx.QueryRow(ctx, `SELECT username FROM users WHERE id = $1`, *existing).
					Scan(&result.WinnerUsername)
			}

			var winnerID uuid.UUID
			var winnerName string
			err = tx.QueryRow(ctx, `
				SELECT b.bidder_user_id, u.username
				FROM bids b
				JOIN users u ON u.id = b.bidder_user_id
				WHERE b.auction_id = $1 AND b.was_successful
				ORDER BY b.amount DESC, b.placed_at ASC, b.id::text ASC
				LIMIT 1`, id).Scan(&winnerID, &winnerName)
			if err != nil {
				if IsNotFound(err) {
					return nil // no successful bids, winner stays null
				}
				return fmt.Errorf("failed to select winner: %w", err)
			}

			if _, err := tx.Exec(ctx, `
				UPDATE auctions SET winner_user_id = $2, updated_at = $3
				WHERE id = $1 AND winner_user_id IS NULL`, id, winnerID, time.Now().UTC()); err != nil {
				return fmt.Errorf("failed to persist winner: %w", err)
			}

			result.WinnerUserID = &winnerID
			result.WinnerUsername = winnerName
			return nil
		})
		if err != nil {
			s.logger.Error("winner selection failed",
				zap.String("auction_id", id.String()), zap.Error(err))
			continue
		}
		results = append(results, result)
	}

	return results, nil
}

// FindHighestBidder returns the current leader of an auction, or
// ErrNotFound when no successful bid exists yet.
func (s *Store) FindHighestBidder(ctx context.Context, auctionID uuid.UUID) (*HighestBidder, error) {
	var hb HighestBidder
	err := s.db.Pool().QueryRow(ctx, `
		SELECT b.bidder_user_id, u.username, b.amount
		FROM bids b
		JOIN users u ON u.id = b.bidder_user_id
		WHERE b.auction_id = $1 AND b.was_successful
		ORDER BY b.amount DESC, b.placed_at ASC, b.id::text ASC
		LIMIT 1`, auctionID).Scan(&hb.UserID, &hb.Username, &hb.Amount)
	if err != nil {
		if IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find highest bidder: %w", err)
	}
	return &hb, nil
}

// InsertRevokedCredential marks a bearer credential invalid until its own
// expiry passes.
func (s *Store) InsertRevokedCredential(ctx context.Context, credential string, expiresAt time.Time) error {
	return s.db.Transaction(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO revoked_credentials (credential, revoked_at, expires_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (credential) DO NOTHING`,
			credential, time.Now().UTC(), expiresAt)
		if err != nil {
			return fmt.Errorf("failed to insert revoked credential: %w", err)
		}
		return nil
	})
}

// LookupRevokedCredential reports whether the credential is in the
// revocation set and still within its expiry.
func (s *Store) LookupRevokedCredential(ctx context.Context, credential string) (bool, error) {
	var found bool
	err := s.db.Pool().QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM revoked_credentials
			WHERE credential = $1 AND expires_at > NOW()
		)`, credential).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("failed to lookup revoked credential: %w", err)
	}
	return found, nil
}

// CleanupExpiredRevocations drops revocation rows whose credential has
// expired on its own. Returns the number of rows removed.
func (s *Store) CleanupExpiredRevocations(ctx context.Context, now time.Time) (int64, error) {
	var removed int64
	err := s.db.Transaction(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM revoked_credentials WHERE expires_at <= $1`, now)
		if err != nil {
			return fmt.Errorf("failed to cleanup revocations: %w", err)
		}
		removed = tag.RowsAffected()
		return nil
	})
	return removed, err
}

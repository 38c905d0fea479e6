package database

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Common store errors.
var (
	ErrNotFound     = errors.New("entity not found")
	ErrConflict     = errors.New("conditional update affected no rows")
	ErrDuplicateKey = errors.New("duplicate key violation")
)

// IsNotFound reports whether err indicates a missing row.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, pgx.ErrNoRows)
}

// IsDuplicateKey reports a unique constraint violation.
func IsDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return errors.Is(err, ErrDuplicateKey)
}

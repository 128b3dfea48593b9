package store

import (
	"context"
	"errors"
	"net"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound indicates the tenant/path has no live document.
	ErrNotFound = errors.New("document not found")

	// ErrConflict indicates a concurrent reconciliation committed a newer
	// hash first; the caller's write was based on stale state.
	ErrConflict = errors.New("conflicting concurrent write")

	// ErrUnavailable indicates a transport-level storage failure. Retryable.
	ErrUnavailable = errors.New("vector store unavailable")
)

// uniqueViolation is the PostgreSQL error code for duplicate keys.
const uniqueViolation = "23505"

// classify maps driver errors onto the package sentinels so callers can
// match with errors.Is without importing pgx.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == uniqueViolation {
			return errors.Join(ErrConflict, err)
		}
		// Class 08 covers connection exceptions, class 57 operator
		// intervention (shutdown, crash recovery).
		if len(pgErr.Code) >= 2 && (pgErr.Code[:2] == "08" || pgErr.Code[:2] == "57") {
			return errors.Join(ErrUnavailable, err)
		}
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) || pgconn.SafeToRetry(err) ||
		errors.Is(err, context.DeadlineExceeded) {
		return errors.Join(ErrUnavailable, err)
	}
	return err
}

package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/cdandre2010/ohlcvault/internal/domain"
)

const uniqueViolation = "23505"

// classify attaches a domain sentinel to pgx errors so callers can branch on
// the kind. Connection-class failures become ErrTransient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return errors.Join(err, domain.ErrNotFound)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case pgconn.Timeout(err), pgconn.SafeToRetry(err):
		return errors.Join(err, domain.ErrTransient)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == uniqueViolation:
			return errors.Join(err, domain.ErrConflict)
		// class 08: connection exception; 57P01..03: admin shutdown, crash, cannot connect
		case len(pgErr.Code) == 5 && (pgErr.Code[:2] == "08" || pgErr.Code[:3] == "57P"):
			return errors.Join(err, domain.ErrTransient)
		}
		return err
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return errors.Join(err, domain.ErrTransient)
	}
	return err
}

// wrap prefixes op and classifies err.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("postgres: %s: %w", op, classify(err))
}

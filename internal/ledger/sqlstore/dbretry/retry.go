// Package dbretry retries ledger queries that failed for transient reasons.
package dbretry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/driver/pgdriver"
)

var (
	maxElapsedTime  = 20 * time.Second
	initialInterval = 250 * time.Millisecond
	maxInterval     = 4 * time.Second
	maxRetries      = uint64(5)
)

// transientPGCodes lists the PostgreSQL SQLSTATE codes worth retrying.
var transientPGCodes = map[string]struct{}{
	"08000": {}, // connection_exception
	"08001": {}, // sqlclient_unable_to_establish_sqlconnection
	"08003": {}, // connection_does_not_exist
	"08004": {}, // sqlserver_rejected_establishment_of_sqlconnection
	"08006": {}, // connection_failure
	"40001": {}, // serialization_failure
	"40P01": {}, // deadlock_detected
	"53300": {}, // too_many_connections
	"57P01": {}, // admin_shutdown
	"57P03": {}, // cannot_connect_now
	"55P03": {}, // lock_not_available
}

// transientMessages are substrings of driver errors that indicate a retryable condition.
var transientMessages = []string{
	"connection reset by peer",
	"broken pipe",
	"connection refused",
	"i/o timeout",
	"database is locked", // SQLITE_BUSY
	"database table is locked",
}

// IsRetryableError checks if the given error is worth another attempt.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var pgErr pgdriver.Error
	if errors.As(err, &pgErr) {
		_, ok := transientPGCodes[pgErr.Field('C')]
		return ok
	}

	msg := err.Error()
	for _, s := range transientMessages {
		if strings.Contains(msg, s) {
			return true
		}
	}

	return false
}

// IsUniqueViolation reports whether the error is a duplicate-key collision.
func IsUniqueViolation(err error) bool {
	var pgErr pgdriver.Error
	if errors.As(err, &pgErr) {
		return pgErr.Field('C') == "23505"
	}

	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Operation runs a query returning a value, retrying transient failures.
func Operation[T any](ctx context.Context, operation func(context.Context) (T, error)) (T, error) {
	var result T

	err := NoResult(ctx, func(ctx context.Context) error {
		var err error
		result, err = operation(ctx)

		return err
	})

	return result, err
}

// NoResult runs a query, retrying transient failures.
func NoResult(ctx context.Context, operation func(context.Context) error) error {
	var lastErr error

	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithMaxElapsedTime(maxElapsedTime),
		backoff.WithInitialInterval(initialInterval),
		backoff.WithMaxInterval(maxInterval),
	), maxRetries)

	err := backoff.Retry(func() error {
		err := operation(ctx)
		if err == nil {
			return nil
		}

		if !IsRetryableError(err) {
			return backoff.Permanent(err)
		}

		lastErr = err

		return err
	}, backoff.WithContext(b, ctx))
	if err == nil {
		return nil
	}

	if lastErr != nil && !errors.Is(err, lastErr) {
		return fmt.Errorf("query failed after retries: %w", lastErr)
	}

	return err
}

// Transaction runs fn inside a transaction, retrying the whole transaction on transient failures.
func Transaction(ctx context.Context, db bun.IDB, fn func(context.Context, bun.Tx) error) error {
	return NoResult(ctx, func(ctx context.Context) error {
		return db.RunInTx(ctx, nil, fn)
	})
}

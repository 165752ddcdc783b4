package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Postgres error codes WithRetry treats as transient.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
)

func isRetriable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable:
		return true
	}
	return false
}

// WithRetry runs fn, retrying up to maxRetries times while it fails with a
// transient lock or serialization error. The wait before retry n is
// baseDelay<<n plus up to baseDelay of jitter. Any other error, and ctx
// cancellation, ends the loop.
func WithRetry(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func() error) error {
	err := fn()
	for attempt := 0; attempt < maxRetries && isRetriable(err); attempt++ {
		wait := baseDelay << attempt
		if baseDelay > 0 {
			wait += time.Duration(rand.Int64N(int64(baseDelay))) //nolint:gosec // jitter only
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		err = fn()
	}
	return err
}

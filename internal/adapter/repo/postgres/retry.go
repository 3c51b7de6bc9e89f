package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/fairyhunter13/agentboard/internal/domain"
)

const (
	retryMaxAttempts     = 5
	retryInitialInterval = 10 * time.Millisecond
	retryMaxInterval     = 160 * time.Millisecond
)

// transient reports whether err is worth retrying: serialization or
// deadlock failures, or a dropped connection.
func transient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 40001 serialization_failure, 40P01 deadlock_detected
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return pgconn.SafeToRetry(err)
}

// withRetry runs op with capped exponential backoff on transient failures.
// Domain sentinels pass through untouched; anything else surfaces as
// ErrUnavailable so the engine error type never leaks upward.
func withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryInitialInterval
	bo.MaxInterval = retryMaxInterval
	bo.RandomizationFactor = 0

	err := backoff.Retry(func() error {
		err := fn(ctx)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, domain.ErrNotFound),
			errors.Is(err, domain.ErrConflict),
			errors.Is(err, domain.ErrInvalidArgument):
			return backoff.Permanent(err)
		case transient(err):
			return err
		default:
			return backoff.Permanent(fmt.Errorf("%w: %v", domain.ErrUnavailable, err))
		}
	}, backoff.WithContext(backoff.WithMaxRetries(bo, retryMaxAttempts), ctx))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrConflict) ||
			errors.Is(err, domain.ErrInvalidArgument) || errors.Is(err, domain.ErrUnavailable) {
			return fmt.Errorf("op=%s: %w", op, err)
		}
		return fmt.Errorf("op=%s: %w: %v", op, domain.ErrUnavailable, err)
	}
	return nil
}

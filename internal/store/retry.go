package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/nidhogg/recall/internal/apperr"
)

const maxRetries = 4

// retry runs op with bounded exponential backoff. Integrity violations,
// missing rows and caller cancellation are returned immediately.
func retry(ctx context.Context, op func(context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 5 * time.Second

	return backoff.Retry(func() error {
		return classify(op(ctx))
	}, backoff.WithContext(backoff.WithMaxRetries(b, maxRetries), ctx))
}

// classify marks errors that must not be retried as permanent.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, apperr.ErrNotFound) || errors.Is(err, apperr.ErrIntegrity) {
		return backoff.Permanent(err)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return backoff.Permanent(fmt.Errorf("%w: %v", apperr.ErrNotFound, err))
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "23"):
			return backoff.Permanent(fmt.Errorf("%w: %s", apperr.ErrIntegrity, pgErr.Message))
		case strings.HasPrefix(pgErr.Code, "22"), strings.HasPrefix(pgErr.Code, "42"):
			return backoff.Permanent(err)
		}
		return err
	}

	// modernc.org/sqlite reports constraint failures only through the message.
	if msg := err.Error(); strings.Contains(msg, "constraint failed") {
		return backoff.Permanent(fmt.Errorf("%w: %s", apperr.ErrIntegrity, msg))
	}
	return err
}

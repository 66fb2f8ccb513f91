package database

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/attendwise/syncengine/pkg/retry"
)

// writePolicy bounds retries for storage writes. The same backoff utility
// drives the provider client; only the classification differs.
var writePolicy = retry.Policy{
	MaxAttempts: 3,
	BaseDelay:   200 * time.Millisecond,
	MaxDelay:    2 * time.Second,
}

// WithRetry runs a storage write, retrying failures that look transient
// (connection loss, resource pressure, serialization rollback). Integrity
// and syntax errors surface immediately.
func WithRetry(ctx context.Context, fn func() error) error {
	return writePolicy.Do(ctx, classify, fn)
}

func classify(err error) (retry.Decision, time.Duration) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return retry.Stop, 0
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 08 connection, 40 transaction rollback, 53 resources, 57 operator
		// intervention: worth another attempt. Everything else is deterministic.
		for _, class := range []string{"08", "40", "53", "57"} {
			if strings.HasPrefix(pgErr.Code, class) {
				return retry.Backoff, 0
			}
		}
		return retry.Stop, 0
	}
	return retry.Backoff, 0
}

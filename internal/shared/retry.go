package shared

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// BusyRetryAttempts bounds how often a write is retried on SQLITE_BUSY.
const BusyRetryAttempts = 3

// RetryOnBusy runs op, retrying with exponential backoff while it fails with
// a SQLite busy/locked error. Any other error is returned immediately.
func RetryOnBusy(ctx context.Context, name string, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 400 * time.Millisecond

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := op()
		if err == nil {
			return struct{}{}, nil
		}
		if IsSQLiteBusyError(err) {
			slog.Debug("Database busy, retrying", "op", name, "attempt", attempt)
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(BusyRetryAttempts))
	return err
}

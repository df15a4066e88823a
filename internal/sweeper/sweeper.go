// Package sweeper removes long-expired session rows in the background.
//
// Reads already ignore expired sessions, so the sweep only reclaims space.
// Answer log rows are never touched.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/brainbolt/internal/clock"
)

// Repository is the durable store subset the sweeper needs.
type Repository interface {
	DeleteExpiredSessions(ctx context.Context, cutoff time.Time) (int64, error)
}

// CleanupCallback is called after a sweep deleted at least one session.
type CleanupCallback func(deleted int64)

// Start runs a background goroutine that, every interval, deletes sessions
// that expired more than retention ago. It stops when ctx is canceled.
func Start(ctx context.Context, repo Repository, clk clock.Clock, interval, retention time.Duration, onCleanup CleanupCallback) {
	if clk == nil {
		clk = clock.System{}
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Session sweeper started", "interval", interval, "retention", retention)

		for {
			select {
			case <-ticker.C:
				Sweep(ctx, repo, clk, retention, onCleanup)
			case <-ctx.Done():
				slog.Info("Session sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// Sweep performs one cleanup pass and returns the number of rows deleted.
func Sweep(ctx context.Context, repo Repository, clk clock.Clock, retention time.Duration, onCleanup CleanupCallback) int64 {
	cutoff := clk.Now().Add(-retention)
	deleted, err := repo.DeleteExpiredSessions(ctx, cutoff)
	if err != nil {
		if ctx.Err() != nil {
			slog.Debug("Session sweep canceled", "error", err)
			return 0
		}
		slog.Error("Session sweeper failed to delete expired sessions", "error", err)
		return 0
	}
	if deleted == 0 {
		return 0
	}

	slog.Info("Session sweeper removed expired sessions", "count", deleted, "cutoff", cutoff)
	if onCleanup != nil {
		onCleanup(deleted)
	}
	return deleted
}

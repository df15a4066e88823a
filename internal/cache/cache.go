// Package cache provides the fast, non-authoritative key/value and ranked-set
// cache that sits in front of the durable store.
package cache

import (
	"context"
	"strings"
	"time"
)

// Member is one entry of a ranked set.
type Member struct {
	ID    string
	Score float64
}

// Cache is a fast expiring store. Every method may fail; callers must treat
// failures as a cache miss or a dropped write, never as a durable error.
type Cache interface {
	// Get returns the value for key and whether it was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value under key. A non-positive ttl stores without expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key.
	Delete(ctx context.Context, key string) error

	// Expire resets the ttl of an existing value without touching its
	// contents. A missing key is not an error.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// ZAdd inserts or updates members of the ranked set at key.
	ZAdd(ctx context.Context, key string, members ...Member) error

	// ZRevRange returns up to limit members ordered by descending score.
	ZRevRange(ctx context.Context, key string, limit int) ([]Member, error)

	// ZScore returns a member's score and whether it is present.
	ZScore(ctx context.Context, key, member string) (float64, bool, error)

	// ZCard returns the number of members in the ranked set at key.
	ZCard(ctx context.Context, key string) (int64, error)

	// Ping verifies connectivity.
	Ping(ctx context.Context) error

	// Close releases resources.
	Close() error
}

// DefaultPrefix namespaces every key this service writes.
const DefaultPrefix = "bb"

// SessionKey returns the key holding a serialized session state.
func SessionKey(prefix, userID, sessionID string) string {
	return join(prefix, "state", userID, sessionID)
}

// LeaderboardKey returns the ranked-set key for a leaderboard metric.
func LeaderboardKey(prefix, metric string) string {
	return join(prefix, "lb", metric)
}

// LeaderboardDepthKey returns the key recording how many entries were warmed.
func LeaderboardDepthKey(prefix, metric string) string {
	return join(prefix, "lb", metric, "depth")
}

func join(prefix string, parts ...string) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return prefix + ":" + strings.Join(parts, ":")
}

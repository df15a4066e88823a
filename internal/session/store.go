// Package session implements the cache-aside session state store.
//
// The durable repository is the source of truth. The cache holds a JSON copy
// of each live session with a TTL matching its remaining lifetime; any cache
// failure degrades to a durable read or a dropped cache write.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/brainbolt/internal/cache"
	"github.com/ashureev/brainbolt/internal/clock"
	"github.com/ashureev/brainbolt/internal/domain"
	"github.com/google/uuid"
)

// Repository is the durable subset the session store needs.
type Repository interface {
	GetSession(ctx context.Context, userID, sessionID string) (*domain.SessionState, error)
	UpsertSession(ctx context.Context, state *domain.SessionState, lastSeen time.Time) error
	TouchSession(ctx context.Context, userID, sessionID string, expiresAt, lastSeen time.Time) error
}

// Options configures a Store.
type Options struct {
	TTL               time.Duration
	DefaultDifficulty int
	KeyPrefix         string
}

// Store loads and persists session state.
type Store struct {
	repo              Repository
	cache             cache.Cache
	clock             clock.Clock
	ttl               time.Duration
	defaultDifficulty int
	prefix            string
}

// NewStore creates a session store.
func NewStore(repo Repository, c cache.Cache, clk clock.Clock, opts Options) *Store {
	if clk == nil {
		clk = clock.System{}
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = cache.DefaultPrefix
	}
	return &Store{
		repo:              repo,
		cache:             c,
		clock:             clk,
		ttl:               opts.TTL,
		defaultDifficulty: opts.DefaultDifficulty,
		prefix:            opts.KeyPrefix,
	}
}

// TTL returns the configured session lifetime.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// Load returns the live session for (userID, sessionID), or nil if it does
// not exist or has expired. Expired rows are left in place.
func (s *Store) Load(ctx context.Context, userID, sessionID string) (*domain.SessionState, error) {
	now := s.clock.Now()
	key := cache.SessionKey(s.prefix, userID, sessionID)

	if st := s.readCache(ctx, key, now); st != nil {
		return st, nil
	}

	return s.loadDurable(ctx, userID, sessionID, now)
}

// Reload drops the cached copy and reads the session from the repository,
// for callers that found the cached state inconsistent with the answer log.
func (s *Store) Reload(ctx context.Context, userID, sessionID string) (*domain.SessionState, error) {
	if err := s.Invalidate(ctx, userID, sessionID); err != nil {
		slog.Warn("Session cache invalidation failed",
			"user_id", userID, "session_id", sessionID, "error", err)
	}
	return s.loadDurable(ctx, userID, sessionID, s.clock.Now())
}

func (s *Store) loadDurable(ctx context.Context, userID, sessionID string, now time.Time) (*domain.SessionState, error) {
	st, err := s.repo.GetSession(ctx, userID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if st == nil || st.Expired(now) {
		return nil, nil
	}

	s.writeCache(ctx, st, now)
	return st, nil
}

func (s *Store) readCache(ctx context.Context, key string, now time.Time) *domain.SessionState {
	raw, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		slog.Warn("Session cache read failed", "key", key, "error", err)
		return nil
	}
	if !ok {
		return nil
	}

	var st domain.SessionState
	if err := json.Unmarshal(raw, &st); err != nil {
		slog.Warn("Discarding undecodable cached session", "key", key, "error", err)
		return nil
	}
	if st.Expired(now) {
		return nil
	}
	return &st
}

// Stamp sets the session's expiry to now plus the TTL and returns now.
func (s *Store) Stamp(st *domain.SessionState) time.Time {
	now := s.clock.Now()
	st.ExpiresAt = now.Add(s.ttl)
	return now
}

// Persist stamps a new expiry, writes the session durably, then refreshes
// the cache. Cache failures are logged and do not fail the call.
func (s *Store) Persist(ctx context.Context, st *domain.SessionState) error {
	now := s.Stamp(st)
	if err := s.repo.UpsertSession(ctx, st, now); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	s.writeCache(ctx, st, now)
	return nil
}

// Touch extends a session's lifetime. Only expiries change: st may be a
// snapshot older than the cached entry, so it is never written back. The
// cached payload keeps its old expiresAt, and once that passes the next Load
// reads the extended row from the repository.
func (s *Store) Touch(ctx context.Context, st *domain.SessionState) error {
	now := s.Stamp(st)
	if err := s.repo.TouchSession(ctx, st.UserID, st.SessionID, st.ExpiresAt, now); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	key := cache.SessionKey(s.prefix, st.UserID, st.SessionID)
	if err := s.cache.Expire(ctx, key, s.ttl); err != nil {
		slog.Warn("Session cache expiry update failed",
			"user_id", st.UserID, "session_id", st.SessionID, "error", err)
	}
	return nil
}

// CreateFresh starts a new session for userID and persists it.
func (s *Store) CreateFresh(ctx context.Context, userID string) (*domain.SessionState, error) {
	st := &domain.SessionState{
		UserID:            userID,
		SessionID:         uuid.NewString(),
		CurrentDifficulty: s.defaultDifficulty,
	}
	if err := s.Persist(ctx, st); err != nil {
		return nil, err
	}
	slog.Info("Session created", "user_id", userID, "session_id", st.SessionID)
	return st, nil
}

// Refresh writes st to the cache only. It is used after the state was
// committed durably by someone else and returns the cache error so the
// caller can decide whether to retry.
func (s *Store) Refresh(ctx context.Context, st *domain.SessionState) error {
	now := s.clock.Now()
	ttl := st.ExpiresAt.Sub(now)
	if ttl <= 0 {
		return s.Invalidate(ctx, st.UserID, st.SessionID)
	}
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := s.cache.Set(ctx, cache.SessionKey(s.prefix, st.UserID, st.SessionID), payload, ttl); err != nil {
		return fmt.Errorf("cache session: %w", err)
	}
	return nil
}

// Invalidate drops the cached copy of a session.
func (s *Store) Invalidate(ctx context.Context, userID, sessionID string) error {
	if err := s.cache.Delete(ctx, cache.SessionKey(s.prefix, userID, sessionID)); err != nil {
		return fmt.Errorf("invalidate session cache: %w", err)
	}
	return nil
}

func (s *Store) writeCache(ctx context.Context, st *domain.SessionState, now time.Time) {
	if !st.ExpiresAt.After(now) {
		return
	}
	if err := s.Refresh(ctx, st); err != nil {
		slog.Warn("Session cache write failed",
			"user_id", st.UserID, "session_id", st.SessionID, "error", err)
	}
}

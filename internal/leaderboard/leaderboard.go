// Package leaderboard serves ranked score and streak boards from a ranked
// cache backed by the durable aggregate tables.
package leaderboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/ashureev/brainbolt/internal/cache"
	"github.com/ashureev/brainbolt/internal/domain"
	"golang.org/x/sync/singleflight"
)

// Source reads the durable leaderboard aggregates.
type Source interface {
	TopLeaderboard(ctx context.Context, metric domain.Metric, limit int) ([]domain.LeaderboardEntry, error)
}

// Service reads and mirrors leaderboards.
type Service struct {
	src    Source
	cache  cache.Cache
	prefix string
	group  singleflight.Group

	// boards serializes warms and mirrors per metric.
	boardsMu sync.Mutex
	boards   map[domain.Metric]*sync.RWMutex

	mu     sync.Mutex
	subs   map[int]chan struct{}
	nextID int
}

// New creates a leaderboard service.
func New(src Source, c cache.Cache, prefix string) *Service {
	if prefix == "" {
		prefix = cache.DefaultPrefix
	}
	return &Service{
		src:    src,
		cache:  c,
		prefix: prefix,
		boards: make(map[domain.Metric]*sync.RWMutex),
		subs:   make(map[int]chan struct{}),
	}
}

// Top returns up to limit entries for metric, highest first.
//
// The ranked cache is used only once it has been warmed to at least limit
// entries; otherwise the durable table is queried and the cache is rebuilt
// from exactly those rows.
func (s *Service) Top(ctx context.Context, metric domain.Metric, limit int) ([]domain.LeaderboardEntry, error) {
	if limit <= 0 {
		return []domain.LeaderboardEntry{}, nil
	}
	if entries, ok := s.fromCache(ctx, metric, limit); ok {
		return entries, nil
	}

	v, err, _ := s.group.Do(string(metric)+":"+strconv.Itoa(limit), func() (any, error) {
		return s.warm(ctx, metric, limit)
	})
	if err != nil {
		return nil, err
	}
	return v.([]domain.LeaderboardEntry), nil
}

func (s *Service) board(metric domain.Metric) *sync.RWMutex {
	s.boardsMu.Lock()
	defer s.boardsMu.Unlock()
	l, ok := s.boards[metric]
	if !ok {
		l = &sync.RWMutex{}
		s.boards[metric] = l
	}
	return l
}

func (s *Service) fromCache(ctx context.Context, metric domain.Metric, limit int) ([]domain.LeaderboardEntry, bool) {
	l := s.board(metric)
	l.RLock()
	defer l.RUnlock()

	key := cache.LeaderboardKey(s.prefix, string(metric))

	raw, ok, err := s.cache.Get(ctx, cache.LeaderboardDepthKey(s.prefix, string(metric)))
	if err != nil {
		slog.Warn("Leaderboard cache read failed", "metric", metric, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	depth, err := strconv.Atoi(string(raw))
	if err != nil || depth < limit {
		return nil, false
	}

	members, err := s.cache.ZRevRange(ctx, key, limit)
	if err != nil {
		slog.Warn("Leaderboard cache read failed", "metric", metric, "error", err)
		return nil, false
	}
	if len(members) == 0 {
		return nil, false
	}

	entries := make([]domain.LeaderboardEntry, len(members))
	for i, m := range members {
		entries[i] = domain.LeaderboardEntry{Rank: i + 1, UserID: m.ID, Value: int(m.Score)}
	}
	return entries, true
}

// warm rebuilds the ranked set from exactly limit durable rows. The depth
// marker is dropped first so no reader trusts a set that is mid-rebuild.
func (s *Service) warm(ctx context.Context, metric domain.Metric, limit int) ([]domain.LeaderboardEntry, error) {
	l := s.board(metric)
	l.Lock()
	defer l.Unlock()

	depthKey := cache.LeaderboardDepthKey(s.prefix, string(metric))
	if err := s.cache.Delete(ctx, depthKey); err != nil {
		slog.Warn("Leaderboard depth marker reset failed", "metric", metric, "error", err)
	}

	entries, err := s.src.TopLeaderboard(ctx, metric, limit)
	if err != nil {
		return nil, fmt.Errorf("query leaderboard: %w", err)
	}
	if entries == nil {
		entries = []domain.LeaderboardEntry{}
	}
	if len(entries) == 0 {
		return entries, nil
	}

	key := cache.LeaderboardKey(s.prefix, string(metric))
	members := make([]cache.Member, len(entries))
	for i, e := range entries {
		members[i] = cache.Member{ID: e.UserID, Score: float64(e.Value)}
	}

	if err := s.cache.Delete(ctx, key); err != nil {
		slog.Warn("Leaderboard cache warm failed", "metric", metric, "error", err)
		return entries, nil
	}
	if err := s.cache.ZAdd(ctx, key, members...); err != nil {
		slog.Warn("Leaderboard cache warm failed", "metric", metric, "error", err)
		return entries, nil
	}
	depth := []byte(strconv.Itoa(limit))
	if err := s.cache.Set(ctx, depthKey, depth, 0); err != nil {
		slog.Warn("Leaderboard depth marker write failed", "metric", metric, "error", err)
	}
	slog.Debug("Leaderboard cache warmed", "metric", metric, "entries", len(entries))
	return entries, nil
}

// Mirror copies a user's committed aggregates into the ranked cache and
// notifies subscribers. Boards that have not been warmed yet are left cold
// so a later read rebuilds them from the durable table. A value below the
// cached one may let an unwarmed user into the top rows, so that board is
// dropped instead.
func (s *Service) Mirror(ctx context.Context, userID string, totalScore, highestStreak int) error {
	var errs []error
	for metric, value := range map[domain.Metric]int{
		domain.MetricScore:  totalScore,
		domain.MetricStreak: highestStreak,
	} {
		if err := s.mirrorOne(ctx, metric, userID, value); err != nil {
			errs = append(errs, err)
		}
	}
	s.notify()
	return errors.Join(errs...)
}

func (s *Service) mirrorOne(ctx context.Context, metric domain.Metric, userID string, value int) error {
	l := s.board(metric)
	l.Lock()
	defer l.Unlock()

	key := cache.LeaderboardKey(s.prefix, string(metric))
	n, err := s.cache.ZCard(ctx, key)
	if err != nil {
		return fmt.Errorf("mirror %s: %w", metric, err)
	}
	if n == 0 {
		return nil
	}

	cached, ok, err := s.cache.ZScore(ctx, key, userID)
	if err != nil {
		return fmt.Errorf("mirror %s: %w", metric, err)
	}
	if ok && float64(value) < cached {
		return s.dropBoard(ctx, metric)
	}
	if err := s.cache.ZAdd(ctx, key, cache.Member{ID: userID, Score: float64(value)}); err != nil {
		return fmt.Errorf("mirror %s: %w", metric, err)
	}
	return nil
}

// dropBoard makes the next read of metric rebuild from the durable table.
// Caller holds the board lock.
func (s *Service) dropBoard(ctx context.Context, metric domain.Metric) error {
	if err := s.cache.Delete(ctx, cache.LeaderboardDepthKey(s.prefix, string(metric))); err != nil {
		return fmt.Errorf("drop %s board: %w", metric, err)
	}
	if err := s.cache.Delete(ctx, cache.LeaderboardKey(s.prefix, string(metric))); err != nil {
		return fmt.Errorf("drop %s board: %w", metric, err)
	}
	slog.Debug("Leaderboard cache dropped after a decrease", "metric", metric)
	return nil
}

// Subscribe registers for change notifications. Each notification is a
// coalesced signal that some board changed; the returned func unsubscribes.
func (s *Service) Subscribe() (<-chan struct{}, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	ch := make(chan struct{}, 1)
	s.subs[id] = ch

	return ch, func() { s.unsubscribe(id) }
}

func (s *Service) unsubscribe(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.subs[id]; ok {
		delete(s.subs, id)
		close(ch)
	}
}

// SubscriberCount returns the number of active subscribers.
func (s *Service) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *Service) notify() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

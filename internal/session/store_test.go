package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/brainbolt/internal/cache"
	"github.com/ashureev/brainbolt/internal/clock"
	"github.com/ashureev/brainbolt/internal/domain"
)

type fakeRepo struct {
	mu       sync.Mutex
	sessions map[string]*domain.SessionState
	gets     int
	err      error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{sessions: make(map[string]*domain.SessionState)}
}

func (f *fakeRepo) GetSession(_ context.Context, userID, sessionID string) (*domain.SessionState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.err != nil {
		return nil, f.err
	}
	st := f.sessions[userID+"/"+sessionID]
	if st == nil {
		return nil, nil
	}
	return st.Clone(), nil
}

func (f *fakeRepo) UpsertSession(_ context.Context, st *domain.SessionState, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sessions[st.UserID+"/"+st.SessionID] = st.Clone()
	return nil
}

func (f *fakeRepo) TouchSession(_ context.Context, userID, sessionID string, expiresAt, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st := f.sessions[userID+"/"+sessionID]; st != nil {
		st.ExpiresAt = expiresAt
	}
	return nil
}

func (f *fakeRepo) getCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets
}

// brokenCache fails every call, like an unreachable Redis.
type brokenCache struct{}

var errCacheDown = errors.New("cache down")

func (brokenCache) Get(context.Context, string) ([]byte, bool, error) { return nil, false, errCacheDown }
func (brokenCache) Set(context.Context, string, []byte, time.Duration) error {
	return errCacheDown
}
func (brokenCache) Delete(context.Context, string) error                { return errCacheDown }
func (brokenCache) ZAdd(context.Context, string, ...cache.Member) error { return errCacheDown }
func (brokenCache) ZRevRange(context.Context, string, int) ([]cache.Member, error) {
	return nil, errCacheDown
}
func (brokenCache) Expire(context.Context, string, time.Duration) error { return errCacheDown }
func (brokenCache) ZScore(context.Context, string, string) (float64, bool, error) {
	return 0, false, errCacheDown
}
func (brokenCache) ZCard(context.Context, string) (int64, error) { return 0, errCacheDown }
func (brokenCache) Ping(context.Context) error                   { return errCacheDown }
func (brokenCache) Close() error                                 { return nil }

const ttl = 30 * time.Minute

func newTestStore(repo Repository, c cache.Cache, clk clock.Clock) *Store {
	return NewStore(repo, c, clk, Options{TTL: ttl, DefaultDifficulty: 3})
}

func TestCreateFresh(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	repo := newFakeRepo()
	s := newTestStore(repo, cache.NewMemory(clk), clk)

	st, err := s.CreateFresh(context.Background(), "u1")
	if err != nil {
		t.Fatalf("CreateFresh: %v", err)
	}
	if st.SessionID == "" || st.CurrentDifficulty != 3 || st.CurrentScore != 0 || st.HasActiveQuestion() {
		t.Fatalf("unexpected fresh session: %+v", st)
	}
	if !st.ExpiresAt.Equal(clk.Now().Add(ttl)) {
		t.Fatalf("expected expiry now+ttl, got %v", st.ExpiresAt)
	}
	if stored, _ := repo.GetSession(context.Background(), "u1", st.SessionID); stored == nil {
		t.Fatal("fresh session was not persisted")
	}

	other, err := s.CreateFresh(context.Background(), "u1")
	if err != nil {
		t.Fatalf("CreateFresh #2: %v", err)
	}
	if other.SessionID == st.SessionID {
		t.Fatal("expected distinct session ids")
	}
}

func TestLoad_CacheHitSkipsRepository(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	repo := newFakeRepo()
	s := newTestStore(repo, cache.NewMemory(clk), clk)
	ctx := context.Background()

	st, _ := s.CreateFresh(ctx, "u1")
	before := repo.getCount()

	got, err := s.Load(ctx, "u1", st.SessionID)
	if err != nil || got == nil {
		t.Fatalf("Load = %v, %v", got, err)
	}
	if repo.getCount() != before {
		t.Fatal("expected cache hit to skip the repository")
	}
}

func TestLoad_MissWarmsCacheWithRemainingTTL(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	repo := newFakeRepo()
	mem := cache.NewMemory(clk)
	s := newTestStore(repo, mem, clk)
	ctx := context.Background()

	repo.sessions["u1/s1"] = &domain.SessionState{
		UserID: "u1", SessionID: "s1", CurrentDifficulty: 5,
		ExpiresAt: clk.Now().Add(10 * time.Minute),
	}

	got, err := s.Load(ctx, "u1", "s1")
	if err != nil || got == nil || got.CurrentDifficulty != 5 {
		t.Fatalf("Load = %+v, %v", got, err)
	}
	if _, ok, _ := mem.Get(ctx, cache.SessionKey(cache.DefaultPrefix, "u1", "s1")); !ok {
		t.Fatal("expected cache to be warmed")
	}

	clk.Advance(11 * time.Minute)
	if _, ok, _ := mem.Get(ctx, cache.SessionKey(cache.DefaultPrefix, "u1", "s1")); ok {
		t.Fatal("expected warmed entry to expire with the session, not a full TTL later")
	}
}

func TestLoad_ExpiredIsAbsentButNotDeleted(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	repo := newFakeRepo()
	s := newTestStore(repo, cache.NewMemory(clk), clk)
	ctx := context.Background()

	st, _ := s.CreateFresh(ctx, "u1")
	clk.Advance(ttl)

	got, err := s.Load(ctx, "u1", st.SessionID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != nil {
		t.Fatalf("expected expired session to be absent, got %+v", got)
	}
	if stored, _ := repo.GetSession(ctx, "u1", st.SessionID); stored == nil {
		t.Fatal("expected lazy expiry to leave the durable row")
	}
}

func TestLoad_StaleCachedExpiryFallsThrough(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	repo := newFakeRepo()
	mem := cache.NewMemory(clk)
	s := newTestStore(repo, mem, clk)
	ctx := context.Background()

	// Cached copy claims an expiry in the past but carries no cache TTL.
	stale := &domain.SessionState{UserID: "u1", SessionID: "s1", ExpiresAt: clk.Now().Add(-time.Second)}
	payload := []byte(`{"userId":"u1","sessionId":"s1","currentDifficulty":2,"expiresAt":"` +
		stale.ExpiresAt.Format(time.RFC3339Nano) + `"}`)
	if err := mem.Set(ctx, cache.SessionKey(cache.DefaultPrefix, "u1", "s1"), payload, 0); err != nil {
		t.Fatalf("seed cache: %v", err)
	}
	repo.sessions["u1/s1"] = &domain.SessionState{
		UserID: "u1", SessionID: "s1", CurrentDifficulty: 7, ExpiresAt: clk.Now().Add(time.Minute),
	}

	got, err := s.Load(ctx, "u1", "s1")
	if err != nil || got == nil || got.CurrentDifficulty != 7 {
		t.Fatalf("expected durable copy, got %+v, %v", got, err)
	}
}

func TestCacheFailuresDegradeToRepository(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	repo := newFakeRepo()
	s := newTestStore(repo, brokenCache{}, clk)
	ctx := context.Background()

	st, err := s.CreateFresh(ctx, "u1")
	if err != nil {
		t.Fatalf("CreateFresh with broken cache: %v", err)
	}
	st.CurrentScore = 10
	if err := s.Persist(ctx, st); err != nil {
		t.Fatalf("Persist with broken cache: %v", err)
	}

	got, err := s.Load(ctx, "u1", st.SessionID)
	if err != nil || got == nil || got.CurrentScore != 10 {
		t.Fatalf("Load = %+v, %v", got, err)
	}
	if err := s.Refresh(ctx, st); err == nil {
		t.Fatal("expected Refresh to report the cache failure")
	}
}

func TestPersistPropagatesRepositoryErrors(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	repo := newFakeRepo()
	mem := cache.NewMemory(clk)
	s := newTestStore(repo, mem, clk)
	repo.err = errors.New("disk full")

	st := &domain.SessionState{UserID: "u1", SessionID: "s1", CurrentDifficulty: 3}
	if err := s.Persist(context.Background(), st); err == nil {
		t.Fatal("expected repository error")
	}
	if _, ok, _ := mem.Get(context.Background(), cache.SessionKey(cache.DefaultPrefix, "u1", "s1")); ok {
		t.Fatal("cache must not be written when the durable write fails")
	}
}

func TestTouchExtendsExpiry(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	repo := newFakeRepo()
	s := newTestStore(repo, cache.NewMemory(clk), clk)
	ctx := context.Background()

	st, _ := s.CreateFresh(ctx, "u1")
	clk.Advance(20 * time.Minute)
	if err := s.Touch(ctx, st); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	clk.Advance(20 * time.Minute)

	got, err := s.Load(ctx, "u1", st.SessionID)
	if err != nil || got == nil {
		t.Fatalf("expected touched session to be live, got %v, %v", got, err)
	}
}

func TestTouchKeepsNewerCachedState(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	repo := newFakeRepo()
	s := newTestStore(repo, cache.NewMemory(clk), clk)
	ctx := context.Background()

	stale, _ := s.CreateFresh(ctx, "u1")
	stale.Issue("q1", clk.Now())
	if err := s.Persist(ctx, stale); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	snapshot := stale.Clone()

	// Another request scores q1 and refreshes the cache.
	scored := stale.Clone()
	scored.ClearActiveQuestion()
	scored.CurrentScore = 30
	if err := repo.UpsertSession(ctx, scored, clk.Now()); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}
	if err := s.Refresh(ctx, scored); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	if err := s.Touch(ctx, snapshot); err != nil {
		t.Fatalf("Touch: %v", err)
	}

	got, err := s.Load(ctx, "u1", stale.SessionID)
	if err != nil || got == nil {
		t.Fatalf("Load = %v, %v", got, err)
	}
	if got.HasActiveQuestion() || got.CurrentScore != 30 {
		t.Fatalf("Touch wrote a stale snapshot back: %+v", got)
	}
}

func TestReloadBypassesStaleCache(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	repo := newFakeRepo()
	s := newTestStore(repo, cache.NewMemory(clk), clk)
	ctx := context.Background()

	st, _ := s.CreateFresh(ctx, "u1")
	cached := st.Clone()
	cached.Issue("q1", clk.Now())
	if err := s.Refresh(ctx, cached); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	got, err := s.Reload(ctx, "u1", st.SessionID)
	if err != nil || got == nil {
		t.Fatalf("Reload = %v, %v", got, err)
	}
	if got.HasActiveQuestion() {
		t.Fatalf("Reload returned the cached copy: %+v", got)
	}

	again, _ := s.Load(ctx, "u1", st.SessionID)
	if again == nil || again.HasActiveQuestion() {
		t.Fatalf("expected cache rewarmed from the repository, got %+v", again)
	}
}

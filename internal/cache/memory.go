package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/brainbolt/internal/clock"
)

type memoryValue struct {
	data      []byte
	expiresAt time.Time
}

type rankedEntry struct {
	score float64
	seq   uint64
}

// Memory is an in-process Cache used when no Redis is configured.
// Ties in ranked sets resolve by first insertion.
type Memory struct {
	mu     sync.RWMutex
	clock  clock.Clock
	values map[string]memoryValue
	sets   map[string]map[string]rankedEntry
	seq    uint64
}

// NewMemory creates an empty in-process cache.
func NewMemory(c clock.Clock) *Memory {
	if c == nil {
		c = clock.System{}
	}
	return &Memory{
		clock:  c,
		values: make(map[string]memoryValue),
		sets:   make(map[string]map[string]rankedEntry),
	}
}

// Get implements Cache.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	v, ok := m.values[key]
	m.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if !v.expiresAt.IsZero() && !v.expiresAt.After(m.clock.Now()) {
		m.mu.Lock()
		if cur, still := m.values[key]; still && cur.expiresAt.Equal(v.expiresAt) {
			delete(m.values, key)
		}
		m.mu.Unlock()
		return nil, false, nil
	}
	out := make([]byte, len(v.data))
	copy(out, v.data)
	return out, true, nil
}

// Set implements Cache.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	data := make([]byte, len(value))
	copy(data, value)

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = m.clock.Now().Add(ttl)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = memoryValue{data: data, expiresAt: expiresAt}
	return nil
}

// Delete implements Cache.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	delete(m.sets, key)
	return nil
}

// Expire implements Cache. A non-positive ttl deletes the value.
func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok {
		return nil
	}
	if ttl <= 0 || (!v.expiresAt.IsZero() && !v.expiresAt.After(now)) {
		delete(m.values, key)
		return nil
	}
	v.expiresAt = now.Add(ttl)
	m.values[key] = v
	return nil
}

// ZAdd implements Cache.
func (m *Memory) ZAdd(_ context.Context, key string, members ...Member) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.sets[key]
	if !ok {
		set = make(map[string]rankedEntry)
		m.sets[key] = set
	}
	for _, mem := range members {
		if cur, exists := set[mem.ID]; exists {
			cur.score = mem.Score
			set[mem.ID] = cur
			continue
		}
		m.seq++
		set[mem.ID] = rankedEntry{score: mem.Score, seq: m.seq}
	}
	return nil
}

// ZRevRange implements Cache.
func (m *Memory) ZRevRange(_ context.Context, key string, limit int) ([]Member, error) {
	if limit <= 0 {
		return nil, nil
	}

	m.mu.RLock()
	set := m.sets[key]
	type row struct {
		id string
		rankedEntry
	}
	rows := make([]row, 0, len(set))
	for id, e := range set {
		rows = append(rows, row{id: id, rankedEntry: e})
	}
	m.mu.RUnlock()

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].score != rows[j].score {
			return rows[i].score > rows[j].score
		}
		return rows[i].seq < rows[j].seq
	})

	if limit < len(rows) {
		rows = rows[:limit]
	}
	out := make([]Member, len(rows))
	for i, r := range rows {
		out[i] = Member{ID: r.id, Score: r.score}
	}
	return out, nil
}

// ZScore implements Cache.
func (m *Memory) ZScore(_ context.Context, key, member string) (float64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sets[key][member]
	return e.score, ok, nil
}

// ZCard implements Cache.
func (m *Memory) ZCard(_ context.Context, key string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.sets[key])), nil
}

// Ping implements Cache.
func (m *Memory) Ping(context.Context) error { return nil }

// Close implements Cache.
func (m *Memory) Close() error { return nil }

var _ Cache = (*Memory)(nil)

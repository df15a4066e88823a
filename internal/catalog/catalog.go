// Package catalog selects questions from the read-only question catalog.
package catalog

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/ashureev/brainbolt/internal/adaptive"
	"github.com/ashureev/brainbolt/internal/apperr"
	"github.com/ashureev/brainbolt/internal/domain"
)

// RecentWindow is how many recently answered questions are excluded from a pick.
const RecentWindow = 20

// Source is the durable catalog access the repository needs.
type Source interface {
	FindQuestionByID(ctx context.Context, id string) (*domain.Question, error)
	FindQuestionsByDifficultyExcluding(ctx context.Context, difficulty int, excluded []string) ([]domain.Question, error)
	FindQuestionsByDifficulty(ctx context.Context, difficulty int) ([]domain.Question, error)
	RecentAnsweredQuestionIDs(ctx context.Context, userID, sessionID string, limit int) ([]string, error)
}

// Repository picks questions with recency exclusion and difficulty fallback.
type Repository struct {
	src Source

	mu  sync.Mutex
	rng *rand.Rand
}

// New creates a repository seeded from the wall clock.
func New(src Source) *Repository {
	return NewWithRand(src, rand.New(rand.NewSource(time.Now().UnixNano())))
}

// NewWithRand creates a repository with an explicit random source.
func NewWithRand(src Source, rng *rand.Rand) *Repository {
	return &Repository{src: src, rng: rng}
}

// GetByID returns the question or nil if it does not exist.
func (r *Repository) GetByID(ctx context.Context, id string) (*domain.Question, error) {
	q, err := r.src.FindQuestionByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get question: %w", err)
	}
	return q, nil
}

// Pick returns a random question at exactly difficulty that was not among
// the session's recent answers, or nil if there is none.
func (r *Repository) Pick(ctx context.Context, userID, sessionID string, difficulty int) (*domain.Question, error) {
	recent, err := r.src.RecentAnsweredQuestionIDs(ctx, userID, sessionID, RecentWindow)
	if err != nil {
		return nil, fmt.Errorf("load recent answers: %w", err)
	}
	return r.pickExcluding(ctx, difficulty, recent)
}

// PickWithFallback tries the requested difficulty first, then searches
// outward within bounds. If every candidate is exhausted it ignores the
// recency exclusion at the requested difficulty. The returned question's
// difficulty may differ from the requested one.
func (r *Repository) PickWithFallback(ctx context.Context, userID, sessionID string, difficulty int, b adaptive.Bounds) (*domain.Question, error) {
	recent, err := r.src.RecentAnsweredQuestionIDs(ctx, userID, sessionID, RecentWindow)
	if err != nil {
		return nil, fmt.Errorf("load recent answers: %w", err)
	}

	difficulty = b.Clamp(difficulty)
	for _, d := range CandidateDifficulties(difficulty, b) {
		q, err := r.pickExcluding(ctx, d, recent)
		if err != nil {
			return nil, err
		}
		if q != nil {
			return q, nil
		}
	}

	all, err := r.src.FindQuestionsByDifficulty(ctx, difficulty)
	if err != nil {
		return nil, fmt.Errorf("find questions: %w", err)
	}
	if len(all) == 0 {
		return nil, apperr.ErrNoQuestionsAvailable
	}
	return r.choose(all), nil
}

func (r *Repository) pickExcluding(ctx context.Context, difficulty int, excluded []string) (*domain.Question, error) {
	qs, err := r.src.FindQuestionsByDifficultyExcluding(ctx, difficulty, excluded)
	if err != nil {
		return nil, fmt.Errorf("find questions: %w", err)
	}
	if len(qs) == 0 {
		return nil, nil
	}
	return r.choose(qs), nil
}

func (r *Repository) choose(qs []domain.Question) *domain.Question {
	r.mu.Lock()
	i := r.rng.Intn(len(qs))
	r.mu.Unlock()
	q := qs[i]
	return &q
}

// CandidateDifficulties lists the difficulties to try in order: requested,
// then requested-1, requested+1, requested-2, requested+2 and so on, keeping
// only values within b. A requested value outside b is clamped first.
func CandidateDifficulties(requested int, b adaptive.Bounds) []int {
	requested = b.Clamp(requested)
	out := []int{requested}
	for offset := 1; ; offset++ {
		down, up := requested-offset, requested+offset
		if !b.Contains(down) && !b.Contains(up) {
			return out
		}
		if b.Contains(down) {
			out = append(out, down)
		}
		if b.Contains(up) {
			out = append(out, up)
		}
	}
}

// Package store provides the durable source of truth for sessions, answers,
// the question catalog and leaderboard aggregates.
package store

import (
	"context"
	"time"

	"github.com/ashureev/brainbolt/internal/domain"
)

// AnswerCommit is everything written atomically when an answer is scored.
type AnswerCommit struct {
	Record   domain.AnswerRecord
	State    *domain.SessionState
	LastSeen time.Time
}

// CommitResult reports the leaderboard aggregates after a commit.
type CommitResult struct {
	// TotalScore is the user's score aggregate (last write wins).
	TotalScore int
	// HighestStreak is the user's streak aggregate (max wins).
	HighestStreak int
}

// Repository defines the durable persistence operations of the quiz engine.
type Repository interface {
	// EnsureUser creates the user row if it does not exist.
	EnsureUser(ctx context.Context, userID string) error

	// GetSession returns the stored session regardless of expiry, or nil if absent.
	GetSession(ctx context.Context, userID, sessionID string) (*domain.SessionState, error)

	// UpsertSession writes every mutable field of state.
	UpsertSession(ctx context.Context, state *domain.SessionState, lastSeen time.Time) error

	// TouchSession extends a session's expiry without changing its state.
	TouchSession(ctx context.Context, userID, sessionID string, expiresAt, lastSeen time.Time) error

	// DeleteExpiredSessions removes sessions whose expiry is before cutoff.
	DeleteExpiredSessions(ctx context.Context, cutoff time.Time) (int64, error)

	// FindQuestionByID returns a question or nil if absent.
	FindQuestionByID(ctx context.Context, id string) (*domain.Question, error)

	// FindQuestionsByDifficultyExcluding returns questions at difficulty whose ids are not excluded.
	FindQuestionsByDifficultyExcluding(ctx context.Context, difficulty int, excluded []string) ([]domain.Question, error)

	// FindQuestionsByDifficulty returns every question at difficulty.
	FindQuestionsByDifficulty(ctx context.Context, difficulty int) ([]domain.Question, error)

	// RecentAnsweredQuestionIDs returns the most recently answered question ids of a session, newest first.
	RecentAnsweredQuestionIDs(ctx context.Context, userID, sessionID string, limit int) ([]string, error)

	// GetAnswer returns the recorded answer for (user, session, question), or nil.
	GetAnswer(ctx context.Context, userID, sessionID, questionID string) (*domain.AnswerRecord, error)

	// CommitAnswer inserts the answer record, upserts the session and both
	// leaderboard aggregates in one transaction. It returns
	// apperr.ErrDuplicateAnswer if the answer was already recorded.
	CommitAnswer(ctx context.Context, c AnswerCommit) (CommitResult, error)

	// TopLeaderboard returns the top entries for metric, highest first.
	TopLeaderboard(ctx context.Context, metric domain.Metric, limit int) ([]domain.LeaderboardEntry, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}

// Package quiz orchestrates question issuance and answer submission.
//
// A session is either idle (no active question) or has exactly one issued
// question. GetNextQuestion moves idle sessions to issued and is a repeat
// read otherwise. SubmitAnswer scores the issued question exactly once: the
// answer log's uniqueness key is the only guard, so concurrent duplicates
// race to the commit and the loser replays the winner's record.
package quiz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/brainbolt/internal/adaptive"
	"github.com/ashureev/brainbolt/internal/answerhash"
	"github.com/ashureev/brainbolt/internal/apperr"
	"github.com/ashureev/brainbolt/internal/catalog"
	"github.com/ashureev/brainbolt/internal/clock"
	"github.com/ashureev/brainbolt/internal/domain"
	"github.com/ashureev/brainbolt/internal/leaderboard"
	"github.com/ashureev/brainbolt/internal/scoring"
	"github.com/ashureev/brainbolt/internal/session"
	"github.com/ashureev/brainbolt/internal/store"
	"github.com/cenkalti/backoff/v5"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/ashureev/brainbolt/internal/quiz"

// RefreshAttempts bounds the post-commit cache refresh.
const RefreshAttempts = 3

// Repository is the durable store subset the orchestrator writes through.
type Repository interface {
	EnsureUser(ctx context.Context, userID string) error
	GetSession(ctx context.Context, userID, sessionID string) (*domain.SessionState, error)
	GetAnswer(ctx context.Context, userID, sessionID, questionID string) (*domain.AnswerRecord, error)
	CommitAnswer(ctx context.Context, c store.AnswerCommit) (store.CommitResult, error)
}

// Options configures a Service.
type Options struct {
	Bounds                  adaptive.Bounds
	LeaderboardDefaultLimit int
	LeaderboardMaxLimit     int
	Clock                   clock.Clock
}

// NextQuestion is the response of GetNextQuestion.
type NextQuestion struct {
	QuestionID    string   `json:"questionId"`
	Difficulty    int      `json:"difficulty"`
	Prompt        string   `json:"prompt"`
	Choices       []string `json:"choices"`
	SessionID     string   `json:"sessionId"`
	CurrentScore  int      `json:"currentScore"`
	CurrentStreak int      `json:"currentStreak"`
}

// SubmitInput is the request of SubmitAnswer.
type SubmitInput struct {
	UserID     string
	SessionID  string
	QuestionID string
	Answer     string
}

// AnswerResult is the response of SubmitAnswer.
type AnswerResult struct {
	Correct       bool `json:"correct"`
	NewDifficulty int  `json:"newDifficulty"`
	NewStreak     int  `json:"newStreak"`
	ScoreDelta    int  `json:"scoreDelta"`
	TotalScore    int  `json:"totalScore"`
}

// Service implements the quiz state machine.
type Service struct {
	repo        Repository
	sessions    *session.Store
	catalog     *catalog.Repository
	leaderboard *leaderboard.Service
	bounds      adaptive.Bounds
	defLimit    int
	maxLimit    int
	clock       clock.Clock
	tracer      trace.Tracer
}

// NewService creates the orchestrator.
func NewService(repo Repository, sessions *session.Store, cat *catalog.Repository, lb *leaderboard.Service, opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.LeaderboardDefaultLimit <= 0 {
		opts.LeaderboardDefaultLimit = 20
	}
	if opts.LeaderboardMaxLimit < opts.LeaderboardDefaultLimit {
		opts.LeaderboardMaxLimit = opts.LeaderboardDefaultLimit
	}
	return &Service{
		repo:        repo,
		sessions:    sessions,
		catalog:     cat,
		leaderboard: lb,
		bounds:      opts.Bounds,
		defLimit:    opts.LeaderboardDefaultLimit,
		maxLimit:    opts.LeaderboardMaxLimit,
		clock:       opts.Clock,
		tracer:      otel.Tracer(tracerName),
	}
}

// GetNextQuestion returns the session's active question, issuing one if the
// session has none. An empty, unknown or expired sessionID starts a new session.
func (s *Service) GetNextQuestion(ctx context.Context, userID, sessionID string) (_ *NextQuestion, err error) {
	ctx, span := s.tracer.Start(ctx, "quiz.GetNextQuestion",
		trace.WithAttributes(attribute.String("user.id", userID)))
	defer func() { endSpan(span, err) }()

	if userID == "" {
		return nil, apperr.New(apperr.KindValidation, "userId is required")
	}
	if err := s.repo.EnsureUser(ctx, userID); err != nil {
		return nil, fmt.Errorf("ensure user: %w", err)
	}

	var st *domain.SessionState
	if sessionID != "" {
		st, err = s.sessions.Load(ctx, userID, sessionID)
		if err != nil {
			return nil, err
		}
	}
	if st != nil && st.HasActiveQuestion() {
		st, err = s.verifyActive(ctx, st)
		if err != nil {
			return nil, err
		}
	}
	if st == nil {
		st, err = s.sessions.CreateFresh(ctx, userID)
		if err != nil {
			return nil, err
		}
	}
	span.SetAttributes(attribute.String("session.id", st.SessionID))

	if st.HasActiveQuestion() {
		q, err := s.catalog.GetByID(ctx, *st.CurrentQuestionID)
		if err != nil {
			return nil, err
		}
		if q != nil {
			if err := s.sessions.Touch(ctx, st); err != nil {
				return nil, err
			}
			return nextQuestion(q, st), nil
		}
		slog.Warn("Active question missing from catalog, reissuing",
			"user_id", userID, "session_id", st.SessionID, "question_id", *st.CurrentQuestionID)
		st.ClearActiveQuestion()
	}

	q, err := s.catalog.PickWithFallback(ctx, userID, st.SessionID, st.CurrentDifficulty, s.bounds)
	if err != nil {
		return nil, err
	}

	// The tracked difficulty follows whatever was actually served, including
	// a neighbouring difficulty chosen by the fallback search.
	st.CurrentDifficulty = q.Difficulty
	st.Issue(q.ID, s.clock.Now())
	if err := s.sessions.Persist(ctx, st); err != nil {
		return nil, err
	}

	slog.Debug("Question issued", "user_id", userID, "session_id", st.SessionID,
		"question_id", q.ID, "difficulty", q.Difficulty)
	return nextQuestion(q, st), nil
}

// verifyActive re-reads the session from the repository when its active
// question is already in the answer log. A cached copy can predate the commit
// that scored it; the durable row only keeps such a question active when an
// exhausted catalog reissued it.
func (s *Service) verifyActive(ctx context.Context, st *domain.SessionState) (*domain.SessionState, error) {
	rec, err := s.repo.GetAnswer(ctx, st.UserID, st.SessionID, *st.CurrentQuestionID)
	if err != nil {
		return nil, fmt.Errorf("look up answer: %w", err)
	}
	if rec == nil {
		return st, nil
	}
	slog.Debug("Cached session holds an answered question, reloading",
		"user_id", st.UserID, "session_id", st.SessionID, "question_id", rec.QuestionID)
	return s.sessions.Reload(ctx, st.UserID, st.SessionID)
}

func nextQuestion(q *domain.Question, st *domain.SessionState) *NextQuestion {
	choices := q.Choices
	if choices == nil {
		choices = []string{}
	}
	return &NextQuestion{
		QuestionID:    q.ID,
		Difficulty:    q.Difficulty,
		Prompt:        q.Prompt,
		Choices:       choices,
		SessionID:     st.SessionID,
		CurrentScore:  st.CurrentScore,
		CurrentStreak: st.CurrentStreak,
	}
}

// SubmitAnswer scores the session's active question. Resubmitting an
// already scored question returns the recorded result without side effects.
func (s *Service) SubmitAnswer(ctx context.Context, in SubmitInput) (_ *AnswerResult, err error) {
	ctx, span := s.tracer.Start(ctx, "quiz.SubmitAnswer", trace.WithAttributes(
		attribute.String("user.id", in.UserID),
		attribute.String("session.id", in.SessionID),
		attribute.String("question.id", in.QuestionID),
	))
	defer func() { endSpan(span, err) }()

	if in.UserID == "" || in.SessionID == "" || in.QuestionID == "" {
		return nil, apperr.New(apperr.KindValidation, "userId, sessionId and questionId are required")
	}

	prior, err := s.repo.GetAnswer(ctx, in.UserID, in.SessionID, in.QuestionID)
	if err != nil {
		return nil, fmt.Errorf("look up answer: %w", err)
	}
	if prior != nil {
		span.SetAttributes(attribute.Bool("quiz.replay", true))
		s.releaseReissued(ctx, in)
		return resultFromRecord(prior), nil
	}

	st, err := s.sessions.Load(ctx, in.UserID, in.SessionID)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, apperr.ErrSessionExpired
	}
	if !st.IsActiveQuestion(in.QuestionID) {
		// A concurrent duplicate may have committed since the first lookup.
		rec, lerr := s.repo.GetAnswer(ctx, in.UserID, in.SessionID, in.QuestionID)
		if lerr != nil {
			return nil, fmt.Errorf("look up answer: %w", lerr)
		}
		if rec != nil {
			return resultFromRecord(rec), nil
		}
		// The cached copy may be stale; the durable row decides.
		st, err = s.sessions.Reload(ctx, in.UserID, in.SessionID)
		if err != nil {
			return nil, err
		}
		if st == nil {
			return nil, apperr.ErrSessionExpired
		}
		if !st.IsActiveQuestion(in.QuestionID) {
			return nil, apperr.ErrQuestionMismatch
		}
	}

	q, err := s.catalog.GetByID(ctx, in.QuestionID)
	if err != nil {
		return nil, err
	}
	if q == nil {
		st.ClearActiveQuestion()
		if perr := s.sessions.Persist(ctx, st); perr != nil {
			slog.Error("Failed to clear dangling question",
				"user_id", in.UserID, "session_id", in.SessionID, "error", perr)
		}
		return nil, apperr.ErrQuestionNotFound
	}

	correct := answerhash.Matches(in.Answer, q.CorrectAnswerHash)
	next, delta := s.apply(st, q, correct)
	now := s.sessions.Stamp(next)

	rec := domain.AnswerRecord{
		ID:               ulid.Make().String(),
		UserID:           in.UserID,
		SessionID:        in.SessionID,
		QuestionID:       in.QuestionID,
		Correct:          correct,
		ServedDifficulty: q.Difficulty,
		NewDifficulty:    next.CurrentDifficulty,
		ScoreDelta:       delta,
		StreakAfter:      next.CurrentStreak,
		TotalScoreAfter:  next.CurrentScore,
		AnsweredAt:       now,
	}

	committed, err := s.repo.CommitAnswer(ctx, store.AnswerCommit{Record: rec, State: next, LastSeen: now})
	if errors.Is(err, apperr.ErrDuplicateAnswer) {
		return s.replayAfterConflict(ctx, in)
	}
	if err != nil {
		return nil, fmt.Errorf("commit answer: %w", err)
	}

	s.refreshCaches(ctx, next, committed)

	slog.Info("Answer scored", "user_id", in.UserID, "session_id", in.SessionID,
		"question_id", in.QuestionID, "correct", correct, "score_delta", delta,
		"new_difficulty", next.CurrentDifficulty)
	return resultFromRecord(&rec), nil
}

// releaseReissued clears an active question that was already scored in this
// session. That only happens when an exhausted catalog reissues an answered
// question; without it the session could never move past that question.
// The durable row is read instead of the cache: it was written in the same
// transaction as the answer record, so it cannot predate the commit. When the
// row no longer has the question active, the cached copy is dropped in case
// it is the one still holding it.
func (s *Service) releaseReissued(ctx context.Context, in SubmitInput) {
	st, err := s.repo.GetSession(ctx, in.UserID, in.SessionID)
	if err != nil {
		slog.Warn("Failed to read session for replay",
			"user_id", in.UserID, "session_id", in.SessionID, "error", err)
		return
	}
	if st == nil || st.Expired(s.clock.Now()) || !st.IsActiveQuestion(in.QuestionID) {
		if ierr := s.sessions.Invalidate(ctx, in.UserID, in.SessionID); ierr != nil {
			slog.Warn("Failed to invalidate cached session",
				"user_id", in.UserID, "session_id", in.SessionID, "error", ierr)
		}
		return
	}
	st.ClearActiveQuestion()
	if err := s.sessions.Persist(ctx, st); err != nil {
		slog.Warn("Failed to release reissued question",
			"user_id", in.UserID, "session_id", in.SessionID, "error", err)
	}
}

// apply computes the post-answer state from an untouched snapshot of st.
func (s *Service) apply(st *domain.SessionState, q *domain.Question, correct bool) (*domain.SessionState, int) {
	prev := adaptive.Signals{
		Difficulty:     st.CurrentDifficulty,
		Streak:         st.CurrentStreak,
		WrongStreak:    st.WrongStreak,
		EMAPerformance: st.EMAPerformance,
		Cooldown:       st.Cooldown,
	}
	sig := adaptive.Step(prev, correct, s.bounds)

	next := st.Clone()
	next.CurrentDifficulty = sig.Difficulty
	next.CurrentStreak = sig.Streak
	next.WrongStreak = sig.WrongStreak
	next.EMAPerformance = sig.EMAPerformance
	next.Cooldown = sig.Cooldown
	next.HighestStreak = max(st.HighestStreak, sig.Streak)
	next.TotalAnswered = st.TotalAnswered + 1
	if correct {
		next.TotalCorrect = st.TotalCorrect + 1
	}

	delta := scoring.Delta(scoring.Input{
		Correct:            correct,
		Difficulty:         q.Difficulty,
		StreakAfter:        next.CurrentStreak,
		TotalAnsweredAfter: next.TotalAnswered,
		TotalCorrectAfter:  next.TotalCorrect,
	})
	next.CurrentScore = st.CurrentScore + delta
	next.ClearActiveQuestion()
	return next, delta
}

func (s *Service) replayAfterConflict(ctx context.Context, in SubmitInput) (*AnswerResult, error) {
	rec, err := s.repo.GetAnswer(ctx, in.UserID, in.SessionID, in.QuestionID)
	if err != nil {
		return nil, fmt.Errorf("reload answer after conflict: %w", err)
	}
	if rec == nil {
		return nil, fmt.Errorf("answer for question %s vanished after conflict", in.QuestionID)
	}
	slog.Info("Concurrent duplicate answer resolved", "user_id", in.UserID,
		"session_id", in.SessionID, "question_id", in.QuestionID)
	return resultFromRecord(rec), nil
}

// refreshCaches updates the session and leaderboard caches after a durable
// commit. Failures are retried a bounded number of times and then dropped.
func (s *Service) refreshCaches(ctx context.Context, st *domain.SessionState, committed store.CommitResult) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond

	refresh := func(name string, op func() error) bool {
		_, err := backoff.Retry(ctx, func() (struct{}, error) {
			return struct{}{}, op()
		}, backoff.WithBackOff(b), backoff.WithMaxTries(RefreshAttempts))
		b.Reset()
		if err != nil {
			slog.Warn("Cache refresh dropped", "cache", name,
				"user_id", st.UserID, "session_id", st.SessionID, "error", err)
			return false
		}
		return true
	}

	if !refresh("session", func() error { return s.sessions.Refresh(ctx, st) }) {
		// The cached copy still holds the scored question; drop it so reads
		// fall through to the committed row.
		if err := s.sessions.Invalidate(ctx, st.UserID, st.SessionID); err != nil {
			slog.Warn("Failed to invalidate cached session",
				"user_id", st.UserID, "session_id", st.SessionID, "error", err)
		}
	}
	refresh("leaderboard", func() error {
		return s.leaderboard.Mirror(ctx, st.UserID, committed.TotalScore, committed.HighestStreak)
	})
}

func resultFromRecord(rec *domain.AnswerRecord) *AnswerResult {
	return &AnswerResult{
		Correct:       rec.Correct,
		NewDifficulty: rec.NewDifficulty,
		NewStreak:     rec.StreakAfter,
		ScoreDelta:    rec.ScoreDelta,
		TotalScore:    rec.TotalScoreAfter,
	}
}

// TopScores returns the score leaderboard.
func (s *Service) TopScores(ctx context.Context, limit int) ([]domain.LeaderboardEntry, error) {
	return s.top(ctx, domain.MetricScore, limit)
}

// TopStreaks returns the streak leaderboard.
func (s *Service) TopStreaks(ctx context.Context, limit int) ([]domain.LeaderboardEntry, error) {
	return s.top(ctx, domain.MetricStreak, limit)
}

// Top returns the leaderboard for metric.
func (s *Service) Top(ctx context.Context, metric domain.Metric, limit int) ([]domain.LeaderboardEntry, error) {
	return s.top(ctx, metric, limit)
}

func (s *Service) top(ctx context.Context, metric domain.Metric, limit int) (_ []domain.LeaderboardEntry, err error) {
	ctx, span := s.tracer.Start(ctx, "quiz.Top", trace.WithAttributes(attribute.String("leaderboard.metric", string(metric))))
	defer func() { endSpan(span, err) }()
	return s.leaderboard.Top(ctx, metric, s.ClampLimit(limit))
}

// ClampLimit maps a requested leaderboard size onto [1, max]; non-positive
// values select the default.
func (s *Service) ClampLimit(limit int) int {
	if limit <= 0 {
		return s.defLimit
	}
	return min(limit, s.maxLimit)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(apperr.KindOf(err)))
	}
	span.End()
}

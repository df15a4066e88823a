package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ashureev/brainbolt/internal/apperr"
	"github.com/ashureev/brainbolt/internal/domain"
	"github.com/ashureev/brainbolt/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL for concurrent readers; immediate transactions so the answer commit
	// takes the write lock up front instead of failing on lock upgrade.
	dsn := filepath.Clean(dbPath) +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS questions (
		id TEXT PRIMARY KEY,
		difficulty INTEGER NOT NULL,
		prompt TEXT NOT NULL,
		choices_json TEXT NOT NULL,
		correct_answer_hash TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_questions_difficulty ON questions(difficulty);

	CREATE TABLE IF NOT EXISTS user_state (
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		current_difficulty INTEGER NOT NULL,
		current_score INTEGER NOT NULL DEFAULT 0,
		current_streak INTEGER NOT NULL DEFAULT 0,
		highest_streak INTEGER NOT NULL DEFAULT 0,
		total_answered INTEGER NOT NULL DEFAULT 0,
		total_correct INTEGER NOT NULL DEFAULT 0,
		wrong_streak INTEGER NOT NULL DEFAULT 0,
		ema_performance REAL NOT NULL DEFAULT 0,
		cooldown INTEGER NOT NULL DEFAULT 0,
		current_question_id TEXT,
		question_issued_at INTEGER,
		last_seen_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, session_id)
	);
	CREATE INDEX IF NOT EXISTS idx_user_state_expires ON user_state(expires_at);

	CREATE TABLE IF NOT EXISTS answer_log (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		question_id TEXT NOT NULL,
		correct INTEGER NOT NULL,
		served_difficulty INTEGER NOT NULL,
		new_difficulty INTEGER NOT NULL,
		score_delta INTEGER NOT NULL,
		streak_after INTEGER NOT NULL,
		total_score_after INTEGER NOT NULL,
		answered_at INTEGER NOT NULL,
		UNIQUE (user_id, session_id, question_id)
	);
	CREATE INDEX IF NOT EXISTS idx_answer_log_session ON answer_log(user_id, session_id, id);

	CREATE TABLE IF NOT EXISTS leaderboard_score (
		user_id TEXT PRIMARY KEY,
		total_score INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_leaderboard_score_value ON leaderboard_score(total_score DESC);

	CREATE TABLE IF NOT EXISTS leaderboard_streak (
		user_id TEXT PRIMARY KEY,
		highest_streak INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_leaderboard_streak_value ON leaderboard_streak(highest_streak DESC);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// EnsureUser creates the user row if it does not exist.
func (s *SQLiteStore) EnsureUser(ctx context.Context, userID string) error {
	return shared.RetryOnBusy(ctx, "ensure_user", func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO users (user_id, created_at) VALUES (?, ?) ON CONFLICT(user_id) DO NOTHING`,
			userID, time.Now().UnixMilli())
		if err != nil {
			return fmt.Errorf("ensure user: %w", err)
		}
		return nil
	})
}

const sessionColumns = `
	user_id, session_id, current_difficulty, current_score, current_streak,
	highest_streak, total_answered, total_correct, wrong_streak, ema_performance,
	cooldown, current_question_id, question_issued_at, expires_at`

// GetSession returns the stored session regardless of expiry, or nil if absent.
func (s *SQLiteStore) GetSession(ctx context.Context, userID, sessionID string) (*domain.SessionState, error) {
	query := `SELECT ` + sessionColumns + ` FROM user_state WHERE user_id = ? AND session_id = ?`

	var st domain.SessionState
	var questionID sql.NullString
	var issuedAt sql.NullInt64
	var expiresAt int64

	err := s.db.QueryRowContext(ctx, query, userID, sessionID).Scan(
		&st.UserID, &st.SessionID, &st.CurrentDifficulty, &st.CurrentScore, &st.CurrentStreak,
		&st.HighestStreak, &st.TotalAnswered, &st.TotalCorrect, &st.WrongStreak, &st.EMAPerformance,
		&st.Cooldown, &questionID, &issuedAt, &expiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	if questionID.Valid {
		id := questionID.String
		st.CurrentQuestionID = &id
	}
	if issuedAt.Valid {
		ts := time.UnixMilli(issuedAt.Int64).UTC()
		st.QuestionIssuedAt = &ts
	}
	st.ExpiresAt = time.UnixMilli(expiresAt).UTC()

	return &st, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertSession(ctx context.Context, db execer, st *domain.SessionState, lastSeen time.Time) error {
	query := `
	INSERT INTO user_state (
		user_id, session_id, current_difficulty, current_score, current_streak,
		highest_streak, total_answered, total_correct, wrong_streak, ema_performance,
		cooldown, current_question_id, question_issued_at, last_seen_at, expires_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id, session_id) DO UPDATE SET
		current_difficulty = excluded.current_difficulty,
		current_score = excluded.current_score,
		current_streak = excluded.current_streak,
		highest_streak = excluded.highest_streak,
		total_answered = excluded.total_answered,
		total_correct = excluded.total_correct,
		wrong_streak = excluded.wrong_streak,
		ema_performance = excluded.ema_performance,
		cooldown = excluded.cooldown,
		current_question_id = excluded.current_question_id,
		question_issued_at = excluded.question_issued_at,
		last_seen_at = excluded.last_seen_at,
		expires_at = excluded.expires_at`

	var questionID any
	if st.CurrentQuestionID != nil {
		questionID = *st.CurrentQuestionID
	}
	var issuedAt any
	if st.QuestionIssuedAt != nil {
		issuedAt = st.QuestionIssuedAt.UnixMilli()
	}

	_, err := db.ExecContext(ctx, query,
		st.UserID, st.SessionID, st.CurrentDifficulty, st.CurrentScore, st.CurrentStreak,
		st.HighestStreak, st.TotalAnswered, st.TotalCorrect, st.WrongStreak, st.EMAPerformance,
		st.Cooldown, questionID, issuedAt, lastSeen.UnixMilli(), st.ExpiresAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// UpsertSession writes every mutable field of state.
func (s *SQLiteStore) UpsertSession(ctx context.Context, st *domain.SessionState, lastSeen time.Time) error {
	return shared.RetryOnBusy(ctx, "upsert_session", func() error {
		return upsertSession(ctx, s.db, st, lastSeen)
	})
}

// TouchSession extends a session's expiry without changing its state.
func (s *SQLiteStore) TouchSession(ctx context.Context, userID, sessionID string, expiresAt, lastSeen time.Time) error {
	return shared.RetryOnBusy(ctx, "touch_session", func() error {
		result, err := s.db.ExecContext(ctx,
			`UPDATE user_state SET expires_at = ?, last_seen_at = ? WHERE user_id = ? AND session_id = ?`,
			expiresAt.UnixMilli(), lastSeen.UnixMilli(), userID, sessionID)
		if err != nil {
			return fmt.Errorf("touch session: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			slog.Warn("TouchSession affected 0 rows", "user_id", userID, "session_id", sessionID)
		}
		return nil
	})
}

// DeleteExpiredSessions removes sessions whose expiry is before cutoff.
func (s *SQLiteStore) DeleteExpiredSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := shared.RetryOnBusy(ctx, "delete_expired_sessions", func() error {
		result, err := s.db.ExecContext(ctx, `DELETE FROM user_state WHERE expires_at < ?`, cutoff.UnixMilli())
		if err != nil {
			return fmt.Errorf("delete expired sessions: %w", err)
		}
		deleted, err = result.RowsAffected()
		return err
	})
	return deleted, err
}

func scanQuestion(scan func(dest ...any) error) (domain.Question, error) {
	var q domain.Question
	var choicesJSON string
	if err := scan(&q.ID, &q.Difficulty, &q.Prompt, &choicesJSON, &q.CorrectAnswerHash); err != nil {
		return q, err
	}
	if err := json.Unmarshal([]byte(choicesJSON), &q.Choices); err != nil {
		return q, fmt.Errorf("decode choices for question %s: %w", q.ID, err)
	}
	return q, nil
}

// FindQuestionByID returns a question or nil if absent.
func (s *SQLiteStore) FindQuestionByID(ctx context.Context, id string) (*domain.Question, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, difficulty, prompt, choices_json, correct_answer_hash FROM questions WHERE id = ?`, id)
	q, err := scanQuestion(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan question row: %w", err)
	}
	return &q, nil
}

// FindQuestionsByDifficultyExcluding returns questions at difficulty whose ids are not excluded.
func (s *SQLiteStore) FindQuestionsByDifficultyExcluding(ctx context.Context, difficulty int, excluded []string) ([]domain.Question, error) {
	query := `SELECT id, difficulty, prompt, choices_json, correct_answer_hash FROM questions WHERE difficulty = ?`
	args := []any{difficulty}
	if len(excluded) > 0 {
		query += ` AND id NOT IN (?` + strings.Repeat(", ?", len(excluded)-1) + `)`
		for _, id := range excluded {
			args = append(args, id)
		}
	}
	query += ` ORDER BY id`
	return s.queryQuestions(ctx, query, args...)
}

// FindQuestionsByDifficulty returns every question at difficulty.
func (s *SQLiteStore) FindQuestionsByDifficulty(ctx context.Context, difficulty int) ([]domain.Question, error) {
	return s.FindQuestionsByDifficultyExcluding(ctx, difficulty, nil)
}

func (s *SQLiteStore) queryQuestions(ctx context.Context, query string, args ...any) ([]domain.Question, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query questions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close question rows", "error", closeErr)
		}
	}()

	var out []domain.Question
	for rows.Next() {
		q, err := scanQuestion(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan question row: %w", err)
		}
		out = append(out, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate questions: %w", err)
	}
	return out, nil
}

// AddQuestions loads catalog entries. The engine never calls it; it exists
// for catalog tooling and tests.
func (s *SQLiteStore) AddQuestions(ctx context.Context, questions ...domain.Question) error {
	for _, q := range questions {
		choices, err := json.Marshal(q.Choices)
		if err != nil {
			return fmt.Errorf("encode choices: %w", err)
		}
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO questions (id, difficulty, prompt, choices_json, correct_answer_hash)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				difficulty = excluded.difficulty,
				prompt = excluded.prompt,
				choices_json = excluded.choices_json,
				correct_answer_hash = excluded.correct_answer_hash`,
			q.ID, q.Difficulty, q.Prompt, string(choices), q.CorrectAnswerHash)
		if err != nil {
			return fmt.Errorf("insert question %s: %w", q.ID, err)
		}
	}
	return nil
}

// DeleteQuestion removes a catalog entry. Used by tooling and tests.
func (s *SQLiteStore) DeleteQuestion(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM questions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete question: %w", err)
	}
	return nil
}

// RecentAnsweredQuestionIDs returns the most recently answered question ids of a session, newest first.
func (s *SQLiteStore) RecentAnsweredQuestionIDs(ctx context.Context, userID, sessionID string, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT question_id FROM answer_log
		WHERE user_id = ? AND session_id = ?
		ORDER BY id DESC
		LIMIT ?`, userID, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent answers: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close recent answer rows", "error", closeErr)
		}
	}()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan recent answer: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recent answers: %w", err)
	}
	return ids, nil
}

// GetAnswer returns the recorded answer for (user, session, question), or nil.
func (s *SQLiteStore) GetAnswer(ctx context.Context, userID, sessionID, questionID string) (*domain.AnswerRecord, error) {
	query := `
		SELECT id, user_id, session_id, question_id, correct, served_difficulty,
		       new_difficulty, score_delta, streak_after, total_score_after, answered_at
		FROM answer_log WHERE user_id = ? AND session_id = ? AND question_id = ?`

	var rec domain.AnswerRecord
	var answeredAt int64
	err := s.db.QueryRowContext(ctx, query, userID, sessionID, questionID).Scan(
		&rec.ID, &rec.UserID, &rec.SessionID, &rec.QuestionID, &rec.Correct, &rec.ServedDifficulty,
		&rec.NewDifficulty, &rec.ScoreDelta, &rec.StreakAfter, &rec.TotalScoreAfter, &answeredAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan answer row: %w", err)
	}
	rec.AnsweredAt = time.UnixMilli(answeredAt).UTC()
	return &rec, nil
}

// CommitAnswer inserts the answer record, upserts the session and both
// leaderboard aggregates in one transaction.
func (s *SQLiteStore) CommitAnswer(ctx context.Context, c AnswerCommit) (CommitResult, error) {
	var result CommitResult
	err := shared.RetryOnBusy(ctx, "commit_answer", func() error {
		var err error
		result, err = s.commitAnswerOnce(ctx, c)
		return err
	})
	return result, err
}

func (s *SQLiteStore) commitAnswerOnce(ctx context.Context, c AnswerCommit) (CommitResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return CommitResult{}, fmt.Errorf("begin answer transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			slog.Warn("failed to roll back answer transaction", "error", rbErr)
		}
	}()

	rec := c.Record
	_, err = tx.ExecContext(ctx, `
		INSERT INTO answer_log (
			id, user_id, session_id, question_id, correct, served_difficulty,
			new_difficulty, score_delta, streak_after, total_score_after, answered_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.UserID, rec.SessionID, rec.QuestionID, rec.Correct, rec.ServedDifficulty,
		rec.NewDifficulty, rec.ScoreDelta, rec.StreakAfter, rec.TotalScoreAfter, rec.AnsweredAt.UnixMilli(),
	)
	if err != nil {
		if shared.IsUniqueViolation(err) {
			return CommitResult{}, apperr.ErrDuplicateAnswer
		}
		return CommitResult{}, fmt.Errorf("insert answer: %w", err)
	}

	if err := upsertSession(ctx, tx, c.State, c.LastSeen); err != nil {
		return CommitResult{}, err
	}

	now := c.LastSeen.UnixMilli()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO leaderboard_score (user_id, total_score, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			total_score = excluded.total_score,
			updated_at = excluded.updated_at`,
		rec.UserID, c.State.CurrentScore, now)
	if err != nil {
		return CommitResult{}, fmt.Errorf("upsert score leaderboard: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO leaderboard_streak (user_id, highest_streak, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			highest_streak = MAX(leaderboard_streak.highest_streak, excluded.highest_streak),
			updated_at = excluded.updated_at`,
		rec.UserID, c.State.HighestStreak, now)
	if err != nil {
		return CommitResult{}, fmt.Errorf("upsert streak leaderboard: %w", err)
	}

	result := CommitResult{TotalScore: c.State.CurrentScore}
	if err := tx.QueryRowContext(ctx,
		`SELECT highest_streak FROM leaderboard_streak WHERE user_id = ?`, rec.UserID,
	).Scan(&result.HighestStreak); err != nil {
		return CommitResult{}, fmt.Errorf("read streak leaderboard: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return CommitResult{}, fmt.Errorf("commit answer transaction: %w", err)
	}
	return result, nil
}

// TopLeaderboard returns the top entries for metric, highest first.
// Ties keep first-insertion order.
func (s *SQLiteStore) TopLeaderboard(ctx context.Context, metric domain.Metric, limit int) ([]domain.LeaderboardEntry, error) {
	var query string
	switch metric {
	case domain.MetricScore:
		query = `SELECT user_id, total_score FROM leaderboard_score ORDER BY total_score DESC, rowid ASC LIMIT ?`
	case domain.MetricStreak:
		query = `SELECT user_id, highest_streak FROM leaderboard_streak ORDER BY highest_streak DESC, rowid ASC LIMIT ?`
	default:
		return nil, fmt.Errorf("unknown leaderboard metric %q", metric)
	}

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query leaderboard: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close leaderboard rows", "error", closeErr)
		}
	}()

	var entries []domain.LeaderboardEntry
	for rows.Next() {
		var e domain.LeaderboardEntry
		if err := rows.Scan(&e.UserID, &e.Value); err != nil {
			return nil, fmt.Errorf("scan leaderboard row: %w", err)
		}
		e.Rank = len(entries) + 1
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate leaderboard: %w", err)
	}
	return entries, nil
}

var _ Repository = (*SQLiteStore)(nil)

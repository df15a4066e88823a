package domain

import "time"

// AnswerRecord is the append-only log entry for one answered question.
// Its existence proves scoring already happened for (user, session, question).
type AnswerRecord struct {
	ID               string
	UserID           string
	SessionID        string
	QuestionID       string
	Correct          bool
	ServedDifficulty int
	NewDifficulty    int
	ScoreDelta       int
	StreakAfter      int
	TotalScoreAfter  int
	AnsweredAt       time.Time
}

package domain

import (
	"time"
)

// SessionState is the adaptive state of one (user, session) pair.
type SessionState struct {
	UserID            string     `json:"userId"`
	SessionID         string     `json:"sessionId"`
	CurrentDifficulty int        `json:"currentDifficulty"`
	CurrentScore      int        `json:"currentScore"`
	CurrentStreak     int        `json:"currentStreak"`
	HighestStreak     int        `json:"highestStreak"`
	TotalAnswered     int        `json:"totalAnswered"`
	TotalCorrect      int        `json:"totalCorrect"`
	WrongStreak       int        `json:"wrongStreak"`
	EMAPerformance    float64    `json:"emaPerformance"`
	Cooldown          int        `json:"cooldown"`
	CurrentQuestionID *string    `json:"currentQuestionId"`
	QuestionIssuedAt  *time.Time `json:"questionIssuedAt"`
	ExpiresAt         time.Time  `json:"expiresAt"`
}

// HasActiveQuestion reports whether a question is issued and awaiting an answer.
func (s *SessionState) HasActiveQuestion() bool {
	return s.CurrentQuestionID != nil && *s.CurrentQuestionID != ""
}

// IsActiveQuestion reports whether questionID is the session's issued question.
func (s *SessionState) IsActiveQuestion(questionID string) bool {
	return s.HasActiveQuestion() && *s.CurrentQuestionID == questionID
}

// Expired reports whether the session's expiry is at or before now.
func (s *SessionState) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// Issue marks questionID as the active question.
func (s *SessionState) Issue(questionID string, at time.Time) {
	id := questionID
	ts := at
	s.CurrentQuestionID = &id
	s.QuestionIssuedAt = &ts
}

// ClearActiveQuestion returns the session to the no-active-question state.
func (s *SessionState) ClearActiveQuestion() {
	s.CurrentQuestionID = nil
	s.QuestionIssuedAt = nil
}

// Clone returns a deep copy.
func (s *SessionState) Clone() *SessionState {
	c := *s
	if s.CurrentQuestionID != nil {
		id := *s.CurrentQuestionID
		c.CurrentQuestionID = &id
	}
	if s.QuestionIssuedAt != nil {
		ts := *s.QuestionIssuedAt
		c.QuestionIssuedAt = &ts
	}
	return &c
}

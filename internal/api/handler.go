// Package api provides HTTP handlers for the quiz API.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/ashureev/brainbolt/internal/apperr"
	"github.com/ashureev/brainbolt/internal/domain"
	"github.com/ashureev/brainbolt/internal/identity"
	"github.com/ashureev/brainbolt/internal/quiz"
)

// QuizService is the engine surface the HTTP layer calls into.
type QuizService interface {
	GetNextQuestion(ctx context.Context, userID, sessionID string) (*quiz.NextQuestion, error)
	SubmitAnswer(ctx context.Context, in quiz.SubmitInput) (*quiz.AnswerResult, error)
	Top(ctx context.Context, metric domain.Metric, limit int) ([]domain.LeaderboardEntry, error)
}

// Pinger verifies connectivity to a dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// WriteError maps an engine error onto its HTTP status. Internal errors are
// logged with their cause and answered with a generic message.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		slog.Error("Request failed", "method", r.Method, "path", r.URL.Path,
			"ip", identity.IPFromRequest(r), "error", err)
	}
	JSON(w, status, map[string]string{
		"error": apperr.PublicMessage(err),
		"code":  string(apperr.KindOf(err)),
	})
}

// ValidationError writes a 400 with per-field details.
func ValidationError(w http.ResponseWriter, details identity.FieldErrors) {
	JSON(w, http.StatusBadRequest, map[string]interface{}{
		"error":   "invalid request",
		"details": details,
	})
}

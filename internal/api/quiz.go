package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/ashureev/brainbolt/internal/identity"
	"github.com/ashureev/brainbolt/internal/quiz"
	"github.com/go-chi/chi/v5"
)

const maxBodyBytes = 100 << 10

// QuizHandler serves question issuance and answer submission.
type QuizHandler struct {
	quiz QuizService
}

// NewQuizHandler creates a quiz handler.
func NewQuizHandler(svc QuizService) *QuizHandler {
	return &QuizHandler{quiz: svc}
}

// RegisterRoutes registers quiz routes.
func (h *QuizHandler) RegisterRoutes(r chi.Router) {
	r.Route("/v1/quiz", func(r chi.Router) {
		r.Get("/next", h.Next)
		r.Post("/answer", h.Answer)
	})
}

type nextRequest struct {
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
}

type answerRequest struct {
	UserID     string `json:"userId"`
	SessionID  string `json:"sessionId"`
	QuestionID string `json:"questionId"`
	Answer     string `json:"answer"`
}

// decodeOptionalBody decodes a JSON body into v if one was sent.
func decodeOptionalBody(r *http.Request, v interface{}) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// Next returns the session's active question, issuing one if needed.
// Ids are read from a JSON body when present, else from the query string.
func (h *QuizHandler) Next(w http.ResponseWriter, r *http.Request) {
	var body nextRequest
	if err := decodeOptionalBody(r, &body); err != nil {
		Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	q := r.URL.Query()
	if body.UserID == "" {
		body.UserID = q.Get("userId")
	}
	if body.SessionID == "" {
		body.SessionID = q.Get("sessionId")
	}

	errs := identity.FieldErrors{}
	userID := identity.RequireID(errs, "userId", body.UserID)
	sessionID := identity.OptionalID(errs, "sessionId", body.SessionID)
	if !errs.Empty() {
		ValidationError(w, errs)
		return
	}

	next, err := h.quiz.GetNextQuestion(r.Context(), userID, sessionID)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, next)
}

// Answer scores the session's active question.
func (h *QuizHandler) Answer(w http.ResponseWriter, r *http.Request) {
	var req answerRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	errs := identity.FieldErrors{}
	in := quiz.SubmitInput{
		UserID:     identity.RequireID(errs, "userId", req.UserID),
		SessionID:  identity.RequireID(errs, "sessionId", req.SessionID),
		QuestionID: identity.RequireID(errs, "questionId", req.QuestionID),
		Answer:     identity.RequireAnswer(errs, "answer", req.Answer),
	}
	if !errs.Empty() {
		ValidationError(w, errs)
		return
	}

	res, err := h.quiz.SubmitAnswer(r.Context(), in)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, res)
}

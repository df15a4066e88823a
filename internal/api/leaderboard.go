package api

import (
	"net/http"
	"strconv"

	"github.com/ashureev/brainbolt/internal/domain"
	"github.com/go-chi/chi/v5"
)

// LeaderboardHandler serves the ranked boards.
type LeaderboardHandler struct {
	quiz    QuizService
	streams *StreamHandler
}

// NewLeaderboardHandler creates a leaderboard handler. streams may be nil to
// disable the live stream endpoint.
func NewLeaderboardHandler(svc QuizService, streams *StreamHandler) *LeaderboardHandler {
	return &LeaderboardHandler{quiz: svc, streams: streams}
}

type leaderboardResponse struct {
	Items []domain.LeaderboardEntry `json:"items"`
}

// RegisterRoutes registers leaderboard routes.
func (h *LeaderboardHandler) RegisterRoutes(r chi.Router) {
	r.Route("/v1/leaderboard", func(r chi.Router) {
		r.Get("/score", h.board(domain.MetricScore))
		r.Get("/streak", h.board(domain.MetricStreak))
		if h.streams != nil {
			r.Get("/stream", h.streams.ServeHTTP)
		}
	})
}

func (h *LeaderboardHandler) board(metric domain.Metric) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, ok := parseLimit(w, r)
		if !ok {
			return
		}
		items, err := h.quiz.Top(r.Context(), metric, limit)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		JSON(w, http.StatusOK, leaderboardResponse{Items: items})
	}
}

// parseLimit reads the optional limit query parameter. Zero means the
// service default; the service also caps it.
func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		ValidationError(w, map[string][]string{"limit": {"must be a non-negative integer"}})
		return 0, false
	}
	return limit, true
}

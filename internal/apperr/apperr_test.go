package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestIsMatchesByKind(t *testing.T) {
	err := fmt.Errorf("submit: %w", Wrap(KindSessionExpired, "session gone", errors.New("row missing")))
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected wrapped error to match ErrSessionExpired")
	}
	if errors.Is(err, ErrQuestionMismatch) {
		t.Fatalf("did not expect match with ErrQuestionMismatch")
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{ErrSessionExpired, http.StatusGone},
		{ErrQuestionMismatch, http.StatusConflict},
		{ErrQuestionNotFound, http.StatusNotFound},
		{ErrNoQuestionsAvailable, http.StatusServiceUnavailable},
		{New(KindValidation, "bad"), http.StatusBadRequest},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := HTTPStatus(tt.err); got != tt.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestPublicMessageHidesInternals(t *testing.T) {
	if got := PublicMessage(errors.New("UNIQUE constraint failed: answer_log")); got != "internal server error" {
		t.Fatalf("expected generic message, got %q", got)
	}
	if got := PublicMessage(ErrSessionExpired); got != "session expired" {
		t.Fatalf("expected session expired, got %q", got)
	}
}

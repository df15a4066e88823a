// Package apperr provides the caller-visible error taxonomy of the quiz engine.
package apperr

import (
	"errors"
	"net/http"
)

// Kind is a machine-readable error kind.
type Kind string

const (
	KindInternal             Kind = "INTERNAL"
	KindValidation           Kind = "VALIDATION"
	KindNotFound             Kind = "NOT_FOUND"
	KindQuestionNotFound     Kind = "QUESTION_NOT_FOUND"
	KindConflict             Kind = "CONFLICT"
	KindQuestionMismatch     Kind = "QUESTION_MISMATCH"
	KindSessionExpired       Kind = "SESSION_EXPIRED"
	KindNoQuestionsAvailable Kind = "NO_QUESTIONS_AVAILABLE"
)

// Error is a domain error carrying a kind and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// New creates a domain error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates a domain error around a cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

var (
	// ErrSessionExpired means the session is absent or past its expiry.
	ErrSessionExpired = New(KindSessionExpired, "session expired")
	// ErrQuestionMismatch means the submitted question is not the session's active one.
	ErrQuestionMismatch = New(KindQuestionMismatch, "question is not the active question for this session")
	// ErrQuestionNotFound means the question record does not exist.
	ErrQuestionNotFound = New(KindQuestionNotFound, "question not found")
	// ErrNoQuestionsAvailable means the catalog has nothing to serve.
	ErrNoQuestionsAvailable = New(KindNoQuestionsAvailable, "no questions available")
	// ErrDuplicateAnswer signals a lost race on the answer log uniqueness key.
	// It is recovered inside the engine and never reaches callers.
	ErrDuplicateAnswer = New(KindConflict, "answer already recorded")
)

// KindOf returns the kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus maps an error to an HTTP status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound, KindQuestionNotFound:
		return http.StatusNotFound
	case KindConflict, KindQuestionMismatch:
		return http.StatusConflict
	case KindSessionExpired:
		return http.StatusGone
	case KindNoQuestionsAvailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the message safe to show to API clients.
// Internal errors never expose their cause.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindInternal {
		return e.Message
	}
	return "internal server error"
}

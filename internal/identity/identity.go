// Package identity validates caller-supplied user, session and question ids.
//
// Users are anonymous: the caller picks its own user id and the engine only
// checks that ids are well formed before they reach storage or cache keys.
package identity

import (
	"net"
	"net/http"
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxAnswerLength bounds the submitted answer text, in runes.
const MaxAnswerLength = 1000

// Colons are excluded because ids are embedded in colon-separated cache keys.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// FieldErrors collects validation messages per request field.
type FieldErrors map[string][]string

// Add records a message for field.
func (f FieldErrors) Add(field, message string) {
	f[field] = append(f[field], message)
}

// Empty reports whether no errors were recorded.
func (f FieldErrors) Empty() bool {
	return len(f) == 0
}

// IsValidID reports whether id is usable as a user, session or question id.
func IsValidID(id string) bool {
	return idPattern.MatchString(id)
}

// RequireID normalizes a required id and records an error if it is missing
// or malformed.
func RequireID(errs FieldErrors, field, value string) string {
	value = strings.TrimSpace(value)
	switch {
	case value == "":
		errs.Add(field, "is required")
	case !IsValidID(value):
		errs.Add(field, "must be 1-128 characters of letters, digits, '.', '_' or '-'")
	}
	return value
}

// OptionalID normalizes an optional id; empty is allowed.
func OptionalID(errs FieldErrors, field, value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	return RequireID(errs, field, value)
}

// RequireAnswer records an error if the answer is blank or too long.
func RequireAnswer(errs FieldErrors, field, value string) string {
	switch {
	case strings.TrimSpace(value) == "":
		errs.Add(field, "is required")
	case utf8.RuneCountInString(value) > MaxAnswerLength:
		errs.Add(field, "is too long")
	}
	return value
}

// IPFromRequest returns a normalized remote IP for request logging.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

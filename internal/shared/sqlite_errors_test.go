package shared

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsSQLiteBusyError(t *testing.T) {
	if IsSQLiteBusyError(nil) {
		t.Fatal("nil is not busy")
	}
	if !IsSQLiteBusyError(fmt.Errorf("commit: %w", errors.New("database is locked (5) (SQLITE_BUSY)"))) {
		t.Fatal("expected busy error to be detected from message")
	}
	if IsSQLiteBusyError(errors.New("no such table")) {
		t.Fatal("unexpected busy classification")
	}
}

func TestIsUniqueViolation(t *testing.T) {
	if IsUniqueViolation(nil) {
		t.Fatal("nil is not a violation")
	}
	err := fmt.Errorf("insert answer: %w", errors.New("constraint failed: UNIQUE constraint failed: answer_log.user_id (2067)"))
	if !IsUniqueViolation(err) {
		t.Fatal("expected unique violation from message")
	}
	if IsUniqueViolation(errors.New("NOT NULL constraint failed: answer_log.correct")) {
		t.Fatal("not null is not a unique violation")
	}
}

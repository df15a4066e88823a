// Package answerhash normalizes and hashes free-text answers.
// Plaintext answers are only ever compared through their hash.
package answerhash

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// Normalize trims surrounding whitespace and lowercases the answer.
func Normalize(answer string) string {
	return strings.ToLower(strings.TrimSpace(answer))
}

// Hash returns the hex SHA-256 digest of the normalized answer.
func Hash(answer string) string {
	sum := sha256.Sum256([]byte(Normalize(answer)))
	return hex.EncodeToString(sum[:])
}

// Matches reports whether answer hashes to storedHash.
func Matches(answer, storedHash string) bool {
	got := Hash(answer)
	want := strings.ToLower(strings.TrimSpace(storedHash))
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

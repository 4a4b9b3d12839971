// Package idgen generates identifiers for assessments and requests.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random RFC 4122 UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by a time-ordered UUIDv7 without
// dashes, so IDs sort by creation time within a prefix.
func WithPrefix(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return prefix + strings.ReplaceAll(id.String(), "-", "")
}

// Valid reports whether s is a UUID, optionally preceded by prefix.
func Valid(s, prefix string) bool {
	if !strings.HasPrefix(s, prefix) {
		return false
	}
	_, err := uuid.Parse(strings.TrimPrefix(s, prefix))
	return err == nil
}

// Package uuid provides time-ordered identifiers for database rows.
// UUID v7 sorts by creation time, which keeps "newest first" listings cheap.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// UUID is a version 7 identifier.
type UUID = uuid.UUID

// NewV7 returns a new UUID v7. It panics only if the system random source fails.
func NewV7() UUID {
	return uuid.Must(uuid.NewV7())
}

// New returns a new UUID v7 in canonical string form.
func New() string {
	return NewV7().String()
}

// Parse validates s and returns it in canonical lowercase form.
func Parse(s string) (string, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("uuid: parse %q: %w", s, err)
	}
	return u.String(), nil
}

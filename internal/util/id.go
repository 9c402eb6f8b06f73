package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a time-ordered identifier (UUIDv7: millisecond timestamp
// followed by random bits), optionally prefixed.
func NewID(prefix string) string {
	value, err := uuid.NewV7()
	if err != nil {
		value = uuid.New()
	}
	raw := strings.ReplaceAll(value.String(), "-", "")
	if prefix == "" {
		return raw
	}
	return prefix + "_" + raw
}

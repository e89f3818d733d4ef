package model

import (
	"strings"

	"github.com/google/uuid"
)

// NewUUID returns a random UUID v4 string, the identity key for every
// persisted entity.
func NewUUID() string {
	return uuid.New().String()
}

// ShortGitUID returns an 8-character lowercase hex tag used in generated
// branch names.
func ShortGitUID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}

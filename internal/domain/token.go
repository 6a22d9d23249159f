package domain

import (
	"strings"

	"github.com/google/uuid"
)

// TokenLength is the length of process and change tokens.
const TokenLength = 8

// NewToken returns a short opaque identifier. Uniqueness within a registry is
// the registry's job; callers retry on collision.
func NewToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:TokenLength]
}

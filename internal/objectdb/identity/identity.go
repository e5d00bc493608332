// Package identity generates opaque object identities.
//
// Connection identities are generated the same way client-created
// object identities typically are: a random v4 UUID, hashed down to a
// hex digest. The original implementation this server is modeled on
// referenced the digest function itself rather than calling it, which
// produced the Python bound-method's repr instead of a digest; this
// package fixes that by actually hashing the UUID string.
package identity

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/google/uuid"
)

// New allocates a fresh, globally unique opaque identity.
func New() string {
	return HashString(uuid.New().String())
}

// HashString returns the hex-encoded SHA-256 digest of s.
func HashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

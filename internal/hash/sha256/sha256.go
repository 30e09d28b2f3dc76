// Package sha256 provides the content fingerprint used to deduplicate notices.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Fingerprint returns the hex SHA-256 of trim(number) + "|" + trim(text).
// It is case-sensitive and the only uniqueness key for a notice.
func Fingerprint(number, text string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(number) + "|" + strings.TrimSpace(text)))
	return hex.EncodeToString(sum[:])
}

// Hasher hashes arbitrary payloads, e.g. archived source documents.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

package wxcrypt

import (
	"crypto/sha1"
	"encoding/hex"
	"sort"
	"strings"
)

// Sign computes the platform callback signature over the shared token,
// timestamp, nonce and base64 ciphertext: the four values are sorted
// lexicographically as strings, concatenated, and hashed with SHA-1.
// The result is lowercase hex.
func Sign(token, timestamp, nonce, ciphertext string) string {
	parts := []string{token, timestamp, nonce, ciphertext}
	sort.Strings(parts)
	sum := sha1.Sum([]byte(strings.Join(parts, "")))
	return hex.EncodeToString(sum[:])
}

// Verify reports whether provided matches the signature of the given tuple.
// The comparison is case-insensitive; an empty provided signature never
// verifies. A mismatch means the request is not genuine platform traffic,
// not that it is malformed.
func Verify(token, timestamp, nonce, ciphertext, provided string) bool {
	if provided == "" {
		return false
	}
	return strings.EqualFold(Sign(token, timestamp, nonce, ciphertext), provided)
}

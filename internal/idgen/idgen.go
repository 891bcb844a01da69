// Package idgen mints the short identifiers used for connection IDs and
// join-generated client IDs: a UUIDv4 with the dashes stripped, truncated
// to the configured length.
package idgen

import "github.com/google/uuid"

// New returns a fresh lowercase hex identifier of the given length. Length
// is clamped to the 32 hex characters a UUIDv4 yields without dashes.
func New(length int) string {
	raw := uuid.NewString()
	id := make([]byte, 0, len(raw))
	for _, r := range raw {
		if r != '-' {
			id = append(id, byte(r))
		}
	}
	if length <= 0 || length > len(id) {
		length = len(id)
	}
	return string(id[:length])
}

package engine

import (
	"github.com/google/uuid"
)

// AttemptIDGenerator generates purchase attempt correlation IDs.
// Tests use testutil.SequenceIDs for reproducible traces.
type AttemptIDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 attempt IDs.
//
// UUIDv7 embeds a timestamp in the most significant bits, so attempt IDs
// in logs sort by creation time.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new UUIDv7 and returns it as a hyphenated string.
//
// Panics if UUID generation fails (should never happen in practice).
func (g UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

package ids

import (
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// New returns a lexicographically sortable identifier suitable for storage keys.
func New() string {
	return ulid.Make().String()
}

// NewAt returns a sortable identifier whose time component is t.
func NewAt(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), ulid.DefaultEntropy()).String()
}

// Confirmation returns an opaque identifier handed back to voters.
// Unlike New it carries no timestamp, so it cannot be ordered against other ballots.
func Confirmation() string {
	return uuid.NewString()
}

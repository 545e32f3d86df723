package logstore

import (
	"context"
	"errors"

	"logview/internal/domain"
)

// ErrVersionConflict reports a definitive expected-version mismatch on a
// conditional append. Any other append error leaves the outcome unknown; the
// adaptor treats both as ambiguous and recovers via the write-toggle.
var ErrVersionConflict = errors.New("log append version conflict")

// LogStore is the append-only event stream contract, keyed by grain
// identity. Positions are 1-based with no gaps.
type LogStore[E any] interface {
	// LastVersion returns the head position of the grain's stream, 0 when
	// the stream is empty.
	LastVersion(ctx context.Context, grain domain.GrainRef) (int, error)

	// Read returns up to count entries starting at 1-based position from.
	Read(ctx context.Context, grain domain.GrainRef, from, count int) ([]E, error)

	// Append appends entries iff the current head equals expectedVersion and
	// returns the new head.
	Append(ctx context.Context, grain domain.GrainRef, entries []E, expectedVersion int) (int, error)
}

package snapshotstore

import (
	"context"
	"errors"

	"logview/internal/domain"
)

// ErrEtagMismatch reports that a conditional snapshot write lost a race with
// another writer.
var ErrEtagMismatch = errors.New("snapshot etag mismatch")

// Holder carries a snapshot record together with the opaque etag the store
// maintains for it.
type Holder[V any] struct {
	State domain.SnapshotRecord[V]
	Etag  string
}

// SnapshotStore is the key-addressed blob contract holding the materialised
// view plus metadata.
type SnapshotStore[V any] interface {
	// ReadState populates holder with the stored record and etag. A grain
	// with no stored snapshot yields a zero record and an empty etag, not an
	// error.
	ReadState(ctx context.Context, grain domain.GrainRef, holder *Holder[V]) error

	// WriteState persists holder.State conditionally under holder.Etag and
	// refreshes the etag on success.
	WriteState(ctx context.Context, grain domain.GrainRef, holder *Holder[V]) error
}

package memory

import (
	"context"
	"fmt"
	"sync"

	"logview/internal/codec"
	"logview/internal/domain"
	"logview/internal/snapshotstore"
)

type stored struct {
	data []byte
	etag string
}

// Store is an in-memory SnapshotStore with etag compare-and-swap. Records
// are kept serialized so no state is shared with callers.
type Store[V any] struct {
	mu    sync.Mutex
	codec codec.Serializer[domain.SnapshotRecord[V]]
	blobs map[string]stored
	seq   int
}

func NewStore[V any]() *Store[V] {
	return &Store[V]{
		codec: codec.JSON[domain.SnapshotRecord[V]]{},
		blobs: make(map[string]stored),
	}
}

func (s *Store[V]) ReadState(_ context.Context, grain domain.GrainRef, holder *snapshotstore.Holder[V]) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	blob, ok := s.blobs[grain.String()]
	if !ok {
		holder.State = domain.SnapshotRecord[V]{WriteBits: domain.WriteBits{}}
		holder.Etag = ""
		return nil
	}
	state, err := s.codec.Unmarshal(blob.data)
	if err != nil {
		return fmt.Errorf("decode snapshot for %s: %w", grain, err)
	}
	if state.WriteBits == nil {
		state.WriteBits = domain.WriteBits{}
	}
	holder.State = state
	holder.Etag = blob.etag
	return nil
}

func (s *Store[V]) WriteState(_ context.Context, grain domain.GrainRef, holder *snapshotstore.Holder[V]) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := grain.String()
	current := s.blobs[k]
	if current.etag != holder.Etag {
		return fmt.Errorf("%w: have %q want %q", snapshotstore.ErrEtagMismatch, holder.Etag, current.etag)
	}
	data, err := s.codec.Marshal(holder.State)
	if err != nil {
		return fmt.Errorf("encode snapshot for %s: %w", grain, err)
	}
	s.seq++
	next := stored{data: data, etag: fmt.Sprintf("%d", s.seq)}
	s.blobs[k] = next
	holder.Etag = next.etag
	return nil
}

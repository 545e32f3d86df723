package memory

import (
	"context"
	"errors"
	"testing"

	"logview/internal/domain"
	"logview/internal/snapshotstore"
)

type view struct {
	Total int `json:"total"`
}

func TestReadMissingYieldsZeroRecord(t *testing.T) {
	s := NewStore[view]()
	var h snapshotstore.Holder[view]
	if err := s.ReadState(context.Background(), domain.GrainRef{GrainType: "counter", GrainID: "c1"}, &h); err != nil {
		t.Fatal(err)
	}
	if h.Etag != "" || h.State.SnapshotVersion != 0 || h.State.WriteBits == nil {
		t.Fatalf("unexpected zero read: %+v", h)
	}
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewStore[view]()
	grain := domain.GrainRef{GrainType: "counter", GrainID: "c1"}

	h := snapshotstore.Holder[view]{State: domain.SnapshotRecord[view]{
		Snapshot:        view{Total: 7},
		SnapshotVersion: 3,
		WriteBits:       domain.WriteBits{"east": true},
	}}
	if err := s.WriteState(ctx, grain, &h); err != nil {
		t.Fatal(err)
	}
	if h.Etag == "" {
		t.Fatal("expected etag refresh on write")
	}

	var got snapshotstore.Holder[view]
	if err := s.ReadState(ctx, grain, &got); err != nil {
		t.Fatal(err)
	}
	if got.State.Snapshot.Total != 7 || got.State.SnapshotVersion != 3 || !got.State.WriteBits.Get("east") {
		t.Fatalf("round trip = %+v", got.State)
	}
	if got.Etag != h.Etag {
		t.Fatalf("etag = %q, want %q", got.Etag, h.Etag)
	}
}

func TestWriteRejectsStaleEtag(t *testing.T) {
	ctx := context.Background()
	s := NewStore[view]()
	grain := domain.GrainRef{GrainType: "counter", GrainID: "c1"}

	first := snapshotstore.Holder[view]{State: domain.SnapshotRecord[view]{SnapshotVersion: 1, WriteBits: domain.WriteBits{}}}
	if err := s.WriteState(ctx, grain, &first); err != nil {
		t.Fatal(err)
	}

	stale := snapshotstore.Holder[view]{State: domain.SnapshotRecord[view]{SnapshotVersion: 2, WriteBits: domain.WriteBits{}}}
	err := s.WriteState(ctx, grain, &stale)
	if !errors.Is(err, snapshotstore.ErrEtagMismatch) {
		t.Fatalf("expected etag mismatch, got %v", err)
	}

	first.State.SnapshotVersion = 2
	if err := s.WriteState(ctx, grain, &first); err != nil {
		t.Fatalf("write with fresh etag: %v", err)
	}
}

func TestStoredStateIsNotAliased(t *testing.T) {
	ctx := context.Background()
	s := NewStore[view]()
	grain := domain.GrainRef{GrainType: "counter", GrainID: "c1"}

	h := snapshotstore.Holder[view]{State: domain.SnapshotRecord[view]{Snapshot: view{Total: 1}, SnapshotVersion: 1, WriteBits: domain.WriteBits{}}}
	if err := s.WriteState(ctx, grain, &h); err != nil {
		t.Fatal(err)
	}
	h.State.Snapshot.Total = 99
	h.State.WriteBits.Flip("east")

	var got snapshotstore.Holder[view]
	if err := s.ReadState(ctx, grain, &got); err != nil {
		t.Fatal(err)
	}
	if got.State.Snapshot.Total != 1 || got.State.WriteBits.Get("east") {
		t.Fatalf("stored state was mutated through the caller's holder: %+v", got.State)
	}
}

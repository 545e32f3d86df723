package memory

import (
	"context"
	"errors"
	"testing"

	"logview/internal/domain"
	"logview/internal/logstore"
)

func TestAppendAdvancesHead(t *testing.T) {
	ctx := context.Background()
	l := NewLog[string]()
	grain := domain.GrainRef{GrainType: "counter", GrainID: "c1"}

	head, err := l.Append(ctx, grain, []string{"a", "b"}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if head != 2 {
		t.Fatalf("head = %d, want 2", head)
	}
	head, err = l.LastVersion(ctx, grain)
	if err != nil || head != 2 {
		t.Fatalf("last version = %d, %v", head, err)
	}
}

func TestAppendRejectsStaleVersion(t *testing.T) {
	ctx := context.Background()
	l := NewLog[string]()
	grain := domain.GrainRef{GrainType: "counter", GrainID: "c1"}

	if _, err := l.Append(ctx, grain, []string{"a"}, 0); err != nil {
		t.Fatal(err)
	}
	_, err := l.Append(ctx, grain, []string{"b"}, 0)
	if !errors.Is(err, logstore.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
}

func TestReadRangeClamping(t *testing.T) {
	ctx := context.Background()
	l := NewLog[string]()
	grain := domain.GrainRef{GrainType: "counter", GrainID: "c1"}
	if _, err := l.Append(ctx, grain, []string{"a", "b", "c"}, 0); err != nil {
		t.Fatal(err)
	}

	got, err := l.Read(ctx, grain, 2, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Fatalf("read = %v", got)
	}
	if _, err := l.Read(ctx, grain, 0, 1); err == nil {
		t.Fatal("expected error for position 0")
	}
	got, err = l.Read(ctx, grain, 4, 1)
	if err != nil || got != nil {
		t.Fatalf("read past head = %v, %v", got, err)
	}
}

func TestStreamsAreIsolatedByGrain(t *testing.T) {
	ctx := context.Background()
	l := NewLog[string]()
	a := domain.GrainRef{GrainType: "counter", GrainID: "a"}
	b := domain.GrainRef{GrainType: "counter", GrainID: "b"}

	if _, err := l.Append(ctx, a, []string{"x"}, 0); err != nil {
		t.Fatal(err)
	}
	head, err := l.LastVersion(ctx, b)
	if err != nil || head != 0 {
		t.Fatalf("expected empty stream for b, got %d, %v", head, err)
	}
}

package memory

import (
	"context"
	"fmt"
	"sync"

	"logview/internal/domain"
	"logview/internal/logstore"
)

// Log is an in-memory LogStore. It serves as the test double for the adaptor
// and as the backend for embedded single-process deployments.
type Log[E any] struct {
	mu      sync.Mutex
	streams map[string][]E
}

func NewLog[E any]() *Log[E] {
	return &Log[E]{streams: make(map[string][]E)}
}

func (l *Log[E]) LastVersion(_ context.Context, grain domain.GrainRef) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.streams[grain.String()]), nil
}

func (l *Log[E]) Read(_ context.Context, grain domain.GrainRef, from, count int) ([]E, error) {
	if from < 1 {
		return nil, fmt.Errorf("read from position %d: positions are 1-based", from)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	stream := l.streams[grain.String()]
	if from > len(stream) || count <= 0 {
		return nil, nil
	}
	end := from - 1 + count
	if end > len(stream) {
		end = len(stream)
	}
	return append([]E(nil), stream[from-1:end]...), nil
}

func (l *Log[E]) Append(_ context.Context, grain domain.GrainRef, entries []E, expectedVersion int) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := grain.String()
	if len(l.streams[k]) != expectedVersion {
		return 0, fmt.Errorf("%w: head=%d expected=%d", logstore.ErrVersionConflict, len(l.streams[k]), expectedVersion)
	}
	l.streams[k] = append(l.streams[k], entries...)
	return len(l.streams[k]), nil
}

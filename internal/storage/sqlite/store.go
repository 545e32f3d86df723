package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"logview/internal/codec"
	"logview/internal/domain"
	"logview/internal/logstore"
	"logview/internal/snapshotstore"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS entries (
	grain_id TEXT NOT NULL,
	position INTEGER NOT NULL,
	payload TEXT NOT NULL,
	appended_at_utc_ns INTEGER NOT NULL,
	PRIMARY KEY (grain_id, position)
);

CREATE TRIGGER IF NOT EXISTS trg_entries_no_update
BEFORE UPDATE ON entries
BEGIN
	SELECT RAISE(ABORT, 'entries are append-only: UPDATE forbidden');
END;

CREATE TRIGGER IF NOT EXISTS trg_entries_no_delete
BEFORE DELETE ON entries
BEGIN
	SELECT RAISE(ABORT, 'entries are append-only: DELETE forbidden');
END;

CREATE TABLE IF NOT EXISTS snapshots (
	grain_id TEXT PRIMARY KEY,
	snapshot TEXT NOT NULL,
	snapshot_version INTEGER NOT NULL,
	write_bits TEXT NOT NULL,
	etag_seq INTEGER NOT NULL,
	updated_at_utc_ns INTEGER NOT NULL
);
`

// Store owns one database file per grain type under a base directory, each
// holding the append-only log entries and the snapshot records of that
// type's grains.
type Store struct {
	baseDir string

	mu  sync.Mutex
	dbs map[string]*sql.DB
}

func NewStore(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir base dir: %w", err)
	}
	return &Store{baseDir: baseDir, dbs: make(map[string]*sql.DB)}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, db := range s.dbs {
		if err := db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.dbs = make(map[string]*sql.DB)
	return errors.Join(errs...)
}

func (s *Store) grainDB(grainType string) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if db, ok := s.dbs[grainType]; ok {
		return db, nil
	}
	path := filepath.Join(s.baseDir, fmt.Sprintf("grains-%s.db", sanitize(grainType)))
	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.dbs[grainType] = db
	return db, nil
}

func openSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return db, nil
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '_'
		}
	}, name)
}

// LogStore adapts the store to the log contract for one entry type.
type LogStore[E any] struct {
	store *Store
	codec codec.Serializer[E]
}

func NewLogStore[E any](store *Store, c codec.Serializer[E]) *LogStore[E] {
	if c == nil {
		c = codec.JSON[E]{}
	}
	return &LogStore[E]{store: store, codec: c}
}

func (l *LogStore[E]) LastVersion(ctx context.Context, grain domain.GrainRef) (int, error) {
	db, err := l.store.grainDB(grain.GrainType)
	if err != nil {
		return 0, err
	}
	var head int
	err = db.QueryRowContext(ctx, `SELECT COALESCE(MAX(position), 0) FROM entries WHERE grain_id=?`, grain.GrainID).Scan(&head)
	if err != nil {
		return 0, fmt.Errorf("read head for %s: %w", grain, err)
	}
	return head, nil
}

func (l *LogStore[E]) Read(ctx context.Context, grain domain.GrainRef, from, count int) ([]E, error) {
	if from < 1 {
		return nil, fmt.Errorf("read from position %d: positions are 1-based", from)
	}
	if count <= 0 {
		return nil, nil
	}
	db, err := l.store.grainDB(grain.GrainType)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
SELECT payload FROM entries
WHERE grain_id=? AND position >= ? AND position < ?
ORDER BY position ASC`, grain.GrainID, from, from+count)
	if err != nil {
		return nil, fmt.Errorf("read segment for %s: %w", grain, err)
	}
	defer rows.Close()

	var out []E
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		entry, err := l.codec.Unmarshal([]byte(payload))
		if err != nil {
			return nil, fmt.Errorf("decode entry for %s: %w", grain, err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (l *LogStore[E]) Append(ctx context.Context, grain domain.GrainRef, entries []E, expectedVersion int) (int, error) {
	db, err := l.store.grainDB(grain.GrainType)
	if err != nil {
		return 0, err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var head int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(position), 0) FROM entries WHERE grain_id=?`, grain.GrainID).Scan(&head); err != nil {
		return 0, fmt.Errorf("read head for %s: %w", grain, err)
	}
	if head != expectedVersion {
		return 0, fmt.Errorf("%w: head=%d expected=%d", logstore.ErrVersionConflict, head, expectedVersion)
	}

	now := time.Now().UTC().UnixNano()
	for i, e := range entries {
		payload, err := l.codec.Marshal(e)
		if err != nil {
			return 0, fmt.Errorf("encode entry for %s: %w", grain, err)
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO entries(grain_id, position, payload, appended_at_utc_ns) VALUES(?, ?, ?, ?)`,
			grain.GrainID, head+i+1, string(payload), now); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return head + len(entries), nil
}

// SnapshotStore adapts the store to the snapshot contract for one view type.
type SnapshotStore[V any] struct {
	store *Store
	codec codec.Serializer[V]
}

func NewSnapshotStore[V any](store *Store, c codec.Serializer[V]) *SnapshotStore[V] {
	if c == nil {
		c = codec.JSON[V]{}
	}
	return &SnapshotStore[V]{store: store, codec: c}
}

func (s *SnapshotStore[V]) ReadState(ctx context.Context, grain domain.GrainRef, holder *snapshotstore.Holder[V]) error {
	db, err := s.store.grainDB(grain.GrainType)
	if err != nil {
		return err
	}
	row := db.QueryRowContext(ctx, `
SELECT snapshot, snapshot_version, write_bits, etag_seq FROM snapshots WHERE grain_id=?`, grain.GrainID)

	var snapshot, bits string
	var version int
	var seq int64
	err = row.Scan(&snapshot, &version, &bits, &seq)
	if err == sql.ErrNoRows {
		var zero V
		holder.State = domain.SnapshotRecord[V]{Snapshot: zero, WriteBits: domain.WriteBits{}}
		holder.Etag = ""
		return nil
	}
	if err != nil {
		return fmt.Errorf("read snapshot for %s: %w", grain, err)
	}

	view, err := s.codec.Unmarshal([]byte(snapshot))
	if err != nil {
		return fmt.Errorf("decode snapshot for %s: %w", grain, err)
	}
	writeBits := domain.WriteBits{}
	if err := json.Unmarshal([]byte(bits), &writeBits); err != nil {
		return fmt.Errorf("decode write bits for %s: %w", grain, err)
	}
	holder.State = domain.SnapshotRecord[V]{Snapshot: view, SnapshotVersion: version, WriteBits: writeBits}
	holder.Etag = fmt.Sprintf("%d", seq)
	return nil
}

func (s *SnapshotStore[V]) WriteState(ctx context.Context, grain domain.GrainRef, holder *snapshotstore.Holder[V]) error {
	db, err := s.store.grainDB(grain.GrainType)
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var currentEtag string
	var seq int64
	err = tx.QueryRowContext(ctx, `SELECT etag_seq FROM snapshots WHERE grain_id=?`, grain.GrainID).Scan(&seq)
	switch {
	case err == sql.ErrNoRows:
		currentEtag, seq = "", 0
	case err != nil:
		return fmt.Errorf("read etag for %s: %w", grain, err)
	default:
		currentEtag = fmt.Sprintf("%d", seq)
	}
	if currentEtag != holder.Etag {
		return fmt.Errorf("%w: have %q want %q", snapshotstore.ErrEtagMismatch, holder.Etag, currentEtag)
	}

	snapshot, err := s.codec.Marshal(holder.State.Snapshot)
	if err != nil {
		return fmt.Errorf("encode snapshot for %s: %w", grain, err)
	}
	bits, err := json.Marshal(holder.State.WriteBits)
	if err != nil {
		return fmt.Errorf("encode write bits for %s: %w", grain, err)
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO snapshots(grain_id, snapshot, snapshot_version, write_bits, etag_seq, updated_at_utc_ns)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(grain_id) DO UPDATE SET
	snapshot=excluded.snapshot,
	snapshot_version=excluded.snapshot_version,
	write_bits=excluded.write_bits,
	etag_seq=excluded.etag_seq,
	updated_at_utc_ns=excluded.updated_at_utc_ns`,
		grain.GrainID, string(snapshot), holder.State.SnapshotVersion, string(bits), seq+1, time.Now().UTC().UnixNano()); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	holder.Etag = fmt.Sprintf("%d", seq+1)
	return nil
}

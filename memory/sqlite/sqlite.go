// Package sqlite provides a SQLite-backed core.SharedStore using the pure-Go
// modernc.org/sqlite driver. It persists versioned shared knowledge entries
// with the same optimistic-concurrency contract as the in-memory store:
// stale-version writes are rejected, never overwritten.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hupe1980/taskmesh/core"
)

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

// Store is a SQLite-backed shared knowledge store.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at path with WAL mode and runs the
// schema migration.
func New(path string) (*Store, error) {
	db, err := openDB("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("sqlite: pragma %q: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("sqlite: migration: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS shared_entries (
			entity       TEXT PRIMARY KEY,
			id           TEXT NOT NULL,
			kind         TEXT NOT NULL,
			payload      TEXT NOT NULL,
			worker_id    TEXT NOT NULL DEFAULT '',
			confidence   REAL NOT NULL DEFAULT 0,
			produced_at  TEXT NOT NULL DEFAULT '',
			version      INTEGER NOT NULL,
			updated_at   TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_shared_entries_updated
			ON shared_entries(updated_at DESC);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Get returns the current entry for an entity.
func (s *Store) Get(ctx context.Context, entity string) (core.MemoryEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT entity, id, kind, payload, worker_id, confidence, produced_at, version, updated_at
		FROM shared_entries WHERE entity = ?`, entity)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.MemoryEntry{}, fmt.Errorf("entity %q: %w", entity, core.ErrEntryNotFound)
	}
	if err != nil {
		return core.MemoryEntry{}, fmt.Errorf("sqlite: get %q: %w", entity, err)
	}
	return entry, nil
}

// Put writes entry if expectVersion matches the stored version (0 for a
// fresh entity) and returns the new version. The version check and write
// happen in one transaction so racing writers cannot interleave.
func (s *Store) Put(ctx context.Context, entry core.MemoryEntry, expectVersion uint64) (uint64, error) {
	if entry.Entity == "" {
		return 0, fmt.Errorf("sqlite: put: entry must name an entity")
	}
	if entry.ID == "" {
		entry.ID = core.NewID()
	}
	payload, err := json.Marshal(entry.Payload)
	if err != nil {
		return 0, fmt.Errorf("sqlite: encode payload: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var currentVersion uint64
	err = tx.QueryRowContext(ctx, `SELECT version FROM shared_entries WHERE entity = ?`, entry.Entity).Scan(&currentVersion)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		currentVersion = 0
	case err != nil:
		return 0, fmt.Errorf("sqlite: read version: %w", err)
	}
	if expectVersion != currentVersion {
		return 0, fmt.Errorf("entity %q at v%d, write expected v%d: %w", entry.Entity, currentVersion, expectVersion, core.ErrVersionConflict)
	}

	newVersion := currentVersion + 1
	now := time.Now().UTC().Format(time.RFC3339Nano)
	producedAt := ""
	if !entry.Provenance.Timestamp.IsZero() {
		producedAt = entry.Provenance.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO shared_entries (entity, id, kind, payload, worker_id, confidence, produced_at, version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity) DO UPDATE SET
			id = excluded.id,
			kind = excluded.kind,
			payload = excluded.payload,
			worker_id = excluded.worker_id,
			confidence = excluded.confidence,
			produced_at = excluded.produced_at,
			version = excluded.version,
			updated_at = excluded.updated_at`,
		entry.Entity, entry.ID, string(entry.Kind), string(payload),
		entry.Provenance.WorkerID, entry.Provenance.Confidence, producedAt,
		newVersion, now)
	if err != nil {
		return 0, fmt.Errorf("sqlite: write entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite: commit: %w", err)
	}
	return newVersion, nil
}

// Query returns entries whose entity or payload contains the query text,
// most recently updated first, up to limit.
func (s *Store) Query(ctx context.Context, text string, limit int) ([]core.MemoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity, id, kind, payload, worker_id, confidence, produced_at, version, updated_at
		FROM shared_entries
		WHERE entity LIKE '%' || ? || '%' OR payload LIKE '%' || ? || '%'
		ORDER BY updated_at DESC
		LIMIT ?`, text, text, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query: %w", err)
	}
	defer rows.Close()

	out := []core.MemoryEntry{}
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (core.MemoryEntry, error) {
	var (
		entry            core.MemoryEntry
		kind             string
		payload          string
		producedAt, upAt string
	)
	err := row.Scan(&entry.Entity, &entry.ID, &kind, &payload,
		&entry.Provenance.WorkerID, &entry.Provenance.Confidence, &producedAt,
		&entry.Version, &upAt)
	if err != nil {
		return core.MemoryEntry{}, err
	}
	entry.Scope = core.ScopeShared
	entry.Kind = core.MemoryKind(kind)
	if payload != "" {
		if err := json.Unmarshal([]byte(payload), &entry.Payload); err != nil {
			return core.MemoryEntry{}, fmt.Errorf("decode payload: %w", err)
		}
	}
	if producedAt != "" {
		entry.Provenance.Timestamp, _ = time.Parse(time.RFC3339Nano, producedAt)
	}
	if upAt != "" {
		entry.UpdatedAt, _ = time.Parse(time.RFC3339Nano, upAt)
	}
	return entry, nil
}

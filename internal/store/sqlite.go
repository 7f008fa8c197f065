// Package store persists autosave snapshots of the shared map in a
// SQLite database next to the map file.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"mapsyncd/internal/mapdoc"
)

// Schema for the snapshot store.
const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    created_ns  INTEGER NOT NULL,
    map_name    TEXT NOT NULL,
    reason      TEXT NOT NULL,
    size        INTEGER NOT NULL,
    data        BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_snapshots_created ON snapshots(created_ns);
`

// Snapshot describes one saved copy of the map. Data is only populated
// when the snapshot itself is loaded, not when listing.
type Snapshot struct {
	ID        int64
	CreatedNs int64
	MapName   string
	Reason    string
	Size      int64
}

// Store is the SQLite snapshot store.
type Store struct {
	db *sql.DB
}

// Open opens or creates the SQLite database at the given path and runs migrations.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// SaveSnapshot stores an encoded copy of the document and returns the
// snapshot ID.
func (s *Store) SaveSnapshot(doc *mapdoc.Document, mapName, reason string) (int64, error) {
	data, err := mapdoc.Write(doc)
	if err != nil {
		return 0, fmt.Errorf("encode snapshot: %w", err)
	}

	result, err := s.db.Exec(`
		INSERT INTO snapshots (created_ns, map_name, reason, size, data)
		VALUES (?, ?, ?, ?, ?)`,
		time.Now().UnixNano(), mapName, reason, len(data), data,
	)
	if err != nil {
		return 0, fmt.Errorf("insert snapshot: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get last insert id: %w", err)
	}

	return id, nil
}

// LatestSnapshot loads the most recent snapshot, or nil if the store is
// empty.
func (s *Store) LatestSnapshot() (*Snapshot, *mapdoc.Document, error) {
	var snap Snapshot
	var data []byte

	err := s.db.QueryRow(`
		SELECT id, created_ns, map_name, reason, size, data
		FROM snapshots ORDER BY created_ns DESC, id DESC LIMIT 1`,
	).Scan(&snap.ID, &snap.CreatedNs, &snap.MapName, &snap.Reason, &snap.Size, &data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("get latest snapshot: %w", err)
	}

	doc, err := mapdoc.Read(data)
	if err != nil {
		return nil, nil, fmt.Errorf("decode snapshot %d: %w", snap.ID, err)
	}

	return &snap, doc, nil
}

// LoadSnapshot loads a snapshot by ID, or nil if it does not exist.
func (s *Store) LoadSnapshot(id int64) (*Snapshot, *mapdoc.Document, error) {
	var snap Snapshot
	var data []byte

	err := s.db.QueryRow(`
		SELECT id, created_ns, map_name, reason, size, data
		FROM snapshots WHERE id = ?`, id,
	).Scan(&snap.ID, &snap.CreatedNs, &snap.MapName, &snap.Reason, &snap.Size, &data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("get snapshot: %w", err)
	}

	doc, err := mapdoc.Read(data)
	if err != nil {
		return nil, nil, fmt.Errorf("decode snapshot %d: %w", snap.ID, err)
	}

	return &snap, doc, nil
}

// ListSnapshots returns snapshot metadata, newest first.
func (s *Store) ListSnapshots(limit int) ([]Snapshot, error) {
	rows, err := s.db.Query(`
		SELECT id, created_ns, map_name, reason, size
		FROM snapshots ORDER BY created_ns DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []Snapshot
	for rows.Next() {
		var snap Snapshot
		if err := rows.Scan(&snap.ID, &snap.CreatedNs, &snap.MapName, &snap.Reason, &snap.Size); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snaps = append(snaps, snap)
	}

	return snaps, rows.Err()
}

// Prune deletes all but the newest keep snapshots and returns how many
// were removed.
func (s *Store) Prune(keep int) (int64, error) {
	result, err := s.db.Exec(`
		DELETE FROM snapshots WHERE id NOT IN (
			SELECT id FROM snapshots ORDER BY created_ns DESC, id DESC LIMIT ?
		)`, keep,
	)
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}

	return n, nil
}

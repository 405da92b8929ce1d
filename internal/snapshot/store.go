package snapshot

import (
	"bytes"
	"compress/gzip"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

// createdAtLayout is a fixed-width, nanosecond-precision UTC layout, so
// created_at strings compare and sort in time order.
const createdAtLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store handles snapshot persistence: a gzip-compressed JSON blob per
// row, opened against either the production mattn/go-sqlite3 driver or
// modernc.org/sqlite for tests.
type Store struct {
	db *sql.DB
}

// NewStore creates a snapshot store using the given database.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS snapshots (
			id TEXT PRIMARY KEY,
			created_at TEXT NOT NULL,
			trigger TEXT NOT NULL,
			tick INTEGER NOT NULL,
			state_gz BLOB NOT NULL,
			byte_size INTEGER NOT NULL,
			route_count INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_snapshots_created
			ON snapshots(created_at DESC);
	`)
	return err
}

// Create saves a new snapshot and returns it with ID populated.
func (s *Store) Create(trigger Trigger, tick int, state *State) (*Snapshot, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate id: %w", err)
	}

	stateJSON, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(stateJSON); err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("close gzip: %w", err)
	}

	compressed := buf.Bytes()
	now := time.Now().UTC()
	routeCount := len(state.Routes)

	snap := &Snapshot{
		ID:         id,
		CreatedAt:  now,
		Trigger:    trigger,
		Tick:       tick,
		State:      state,
		ByteSize:   int64(len(compressed)),
		RouteCount: routeCount,
	}

	_, err = s.db.Exec(`
		INSERT INTO snapshots (id, created_at, trigger, tick, state_gz, byte_size, route_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, id.String(), now.Format(createdAtLayout), trigger, tick, compressed, len(compressed), routeCount)
	if err != nil {
		return nil, fmt.Errorf("insert: %w", err)
	}

	return snap, nil
}

// Get retrieves a snapshot by ID, including full state.
func (s *Store) Get(id uuid.UUID) (*Snapshot, error) {
	row := s.db.QueryRow(`
		SELECT id, created_at, trigger, tick, state_gz, byte_size, route_count
		FROM snapshots WHERE id = ?
	`, id.String())

	return s.scanFull(row)
}

// List returns snapshots ordered by creation time (newest first).
// Does not include full state to keep the response small.
func (s *Store) List(limit int) ([]*Snapshot, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.Query(`
		SELECT id, created_at, trigger, tick, byte_size, route_count
		FROM snapshots
		ORDER BY created_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var snaps []*Snapshot
	for rows.Next() {
		snap, err := s.scanMeta(rows)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// Latest returns the most recent snapshot, or nil if none exist.
func (s *Store) Latest() (*Snapshot, error) {
	row := s.db.QueryRow(`
		SELECT id, created_at, trigger, tick, state_gz, byte_size, route_count
		FROM snapshots
		ORDER BY created_at DESC
		LIMIT 1
	`)

	snap, err := s.scanFull(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return snap, err
}

// Delete removes a snapshot by ID.
func (s *Store) Delete(id uuid.UUID) error {
	result, err := s.db.Exec(`DELETE FROM snapshots WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("snapshot not found: %s", id)
	}
	return nil
}

// Prune removes snapshots older than the given duration, keeping at
// least minKeep.
func (s *Store) Prune(olderThan time.Duration, minKeep int) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	var total int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM snapshots`).Scan(&total); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}

	if total <= minKeep {
		return 0, nil
	}

	result, err := s.db.Exec(`
		DELETE FROM snapshots
		WHERE id IN (
			SELECT id FROM snapshots
			WHERE created_at < ?
			ORDER BY created_at ASC
			LIMIT ?
		)
	`, cutoff.Format(createdAtLayout), total-minKeep)
	if err != nil {
		return 0, fmt.Errorf("delete: %w", err)
	}

	deleted, _ := result.RowsAffected()
	return int(deleted), nil
}

func (s *Store) scanFull(row *sql.Row) (*Snapshot, error) {
	var snap Snapshot
	var idStr, createdStr, triggerStr string
	var stateGz []byte

	err := row.Scan(&idStr, &createdStr, &triggerStr, &snap.Tick, &stateGz, &snap.ByteSize, &snap.RouteCount)
	if err != nil {
		return nil, err
	}

	snap.ID, _ = uuid.Parse(idStr)
	snap.CreatedAt, _ = time.Parse(time.RFC3339, createdStr)
	snap.Trigger = Trigger(triggerStr)

	gr, err := gzip.NewReader(bytes.NewReader(stateGz))
	if err != nil {
		return nil, fmt.Errorf("gzip reader: %w", err)
	}
	defer gr.Close()

	stateJSON, err := io.ReadAll(gr)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}

	if err := json.Unmarshal(stateJSON, &snap.State); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}

	return &snap, nil
}

func (s *Store) scanMeta(rows *sql.Rows) (*Snapshot, error) {
	var snap Snapshot
	var idStr, createdStr, triggerStr string

	err := rows.Scan(&idStr, &createdStr, &triggerStr, &snap.Tick, &snap.ByteSize, &snap.RouteCount)
	if err != nil {
		return nil, err
	}

	snap.ID, _ = uuid.Parse(idStr)
	snap.CreatedAt, _ = time.Parse(time.RFC3339, createdStr)
	snap.Trigger = Trigger(triggerStr)

	return &snap, nil
}

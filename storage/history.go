// Package storage persists the starting-pistol history across daemon
// restarts. It is a plain append-only list; no protocol content lives here.
package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS start_events (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    fired_at    INTEGER NOT NULL,
    recorded_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_start_events_fired_at ON start_events(fired_at);
`

// StartRecord is one persisted starting-pistol result.
type StartRecord struct {
	ID         int64     `json:"id"`
	FiredAt    time.Time `json:"firedAt"`
	RecordedAt time.Time `json:"recordedAt"`
}

// HistoryStore is the append-only store of start events.
type HistoryStore struct {
	db *sql.DB
}

// Open opens (or creates) the history database at path and ensures the
// schema exists.
func Open(path string) (*HistoryStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	// SQLite allows one writer; keep a single connection to avoid SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create history schema: %w", err)
	}
	return &HistoryStore{db: db}, nil
}

// Append records one start event, stamped with the current wall clock.
func (s *HistoryStore) Append(firedAt time.Time) (StartRecord, error) {
	recordedAt := time.Now().UTC()
	res, err := s.db.Exec(
		`INSERT INTO start_events (fired_at, recorded_at) VALUES (?, ?)`,
		firedAt.UTC().UnixNano(), recordedAt.UnixNano(),
	)
	if err != nil {
		return StartRecord{}, fmt.Errorf("append start event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return StartRecord{}, fmt.Errorf("append start event: %w", err)
	}
	return StartRecord{ID: id, FiredAt: firedAt.UTC(), RecordedAt: recordedAt}, nil
}

// List returns all recorded start events, newest first.
func (s *HistoryStore) List() ([]StartRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, fired_at, recorded_at FROM start_events ORDER BY fired_at DESC, id DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list start events: %w", err)
	}
	defer rows.Close()

	var records []StartRecord
	for rows.Next() {
		var r StartRecord
		var firedAt, recordedAt int64
		if err := rows.Scan(&r.ID, &firedAt, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan start event: %w", err)
		}
		r.FiredAt = time.Unix(0, firedAt).UTC()
		r.RecordedAt = time.Unix(0, recordedAt).UTC()
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list start events: %w", err)
	}
	return records, nil
}

// Clear removes all recorded start events.
func (s *HistoryStore) Clear() error {
	if _, err := s.db.Exec(`DELETE FROM start_events`); err != nil {
		return fmt.Errorf("clear start events: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *HistoryStore) Close() error {
	return s.db.Close()
}

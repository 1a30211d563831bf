// Package db stores the session ledger, and optionally every sample, in a
// SQLite database whose schema is managed by embedded migrations.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("not found")

type DB struct {
	*sql.DB
	path string
}

// OpenDB opens the database without touching its schema. Use it for
// migration commands.
func OpenDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer at a time; WAL lets the admin routes read concurrently.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return &DB{DB: db, path: path}, nil
}

// NewDB opens the database and applies every pending migration.
func NewDB(path string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := db.MigrateUp(MigrationsFS()); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string { return db.path }

// Session statuses.
const (
	StatusAcquiring = "acquiring"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Session is one recording in the ledger.
type Session struct {
	ID          string         `json:"id"`
	Participant int            `json:"participant"`
	Test        string         `json:"test"`
	StartedAt   time.Time      `json:"started_at"`
	EndedAt     *time.Time     `json:"ended_at,omitempty"`
	Status      string         `json:"status"`
	Error       string         `json:"error,omitempty"`
	Streams     []StreamRecord `json:"streams,omitempty"`
}

// StreamRecord is the outcome of one stream of a session.
type StreamRecord struct {
	Stream     string `json:"stream"`
	OutputPath string `json:"output_path,omitempty"`
	Frames     uint64 `json:"frames"`
	Resyncs    uint64 `json:"resyncs"`
	Persisted  uint64 `json:"persisted"`
	Dropped    uint64 `json:"dropped"`
	Error      string `json:"error,omitempty"`
}

// BeginSession records a session that started acquiring.
func (db *DB) BeginSession(id string, participant int, test string, started time.Time) error {
	_, err := db.Exec(
		`INSERT INTO sessions (session_id, participant, test, started_unix_nanos, status)
		 VALUES (?, ?, ?, ?, ?)`,
		id, participant, test, started.UnixNano(), StatusAcquiring,
	)
	if err != nil {
		return fmt.Errorf("begin session %s: %w", id, err)
	}
	return nil
}

// RecordEvent appends a timestamped change (participant, action label) to a
// session.
func (db *DB) RecordEvent(id, kind, value string, at time.Time) error {
	_, err := db.Exec(
		`INSERT INTO session_events (session_id, kind, value, event_unix_nanos) VALUES (?, ?, ?, ?)`,
		id, kind, value, at.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("record %s event: %w", kind, err)
	}
	return nil
}

// SetParticipant updates the participant of a session.
func (db *DB) SetParticipant(id string, participant int) error {
	res, err := db.Exec(`UPDATE sessions SET participant = ? WHERE session_id = ?`, participant, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// EndSession closes a session with the outcome of each stream. A non-nil
// sessionErr marks it failed.
func (db *DB) EndSession(id string, ended time.Time, streams []StreamRecord, sessionErr error) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	status, errText := StatusCompleted, ""
	if sessionErr != nil {
		status, errText = StatusFailed, sessionErr.Error()
	}
	res, err := tx.Exec(
		`UPDATE sessions SET ended_unix_nanos = ?, status = ?, error = NULLIF(?, '') WHERE session_id = ?`,
		ended.UnixNano(), status, errText, id,
	)
	if err != nil {
		return fmt.Errorf("end session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("end session %s: %w", id, ErrNotFound)
	}

	for _, s := range streams {
		if _, err := tx.Exec(
			`INSERT OR REPLACE INTO session_streams
			 (session_id, stream, output_path, frames, resyncs, persisted, dropped, error)
			 VALUES (?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''))`,
			id, s.Stream, s.OutputPath, int64(s.Frames), int64(s.Resyncs), int64(s.Persisted), int64(s.Dropped), s.Error,
		); err != nil {
			return fmt.Errorf("record stream %s: %w", s.Stream, err)
		}
	}
	return tx.Commit()
}

// GetSession loads a session and its stream records.
func (db *DB) GetSession(id string) (*Session, error) {
	row := db.QueryRow(
		`SELECT session_id, participant, test, started_unix_nanos, ended_unix_nanos, status, COALESCE(error, '')
		 FROM sessions WHERE session_id = ?`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	rows, err := db.Query(
		`SELECT stream, COALESCE(output_path, ''), frames, resyncs, persisted, dropped, COALESCE(error, '')
		 FROM session_streams WHERE session_id = ? ORDER BY stream`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var r StreamRecord
		if err := rows.Scan(&r.Stream, &r.OutputPath, &r.Frames, &r.Resyncs, &r.Persisted, &r.Dropped, &r.Error); err != nil {
			return nil, err
		}
		s.Streams = append(s.Streams, r)
	}
	return s, rows.Err()
}

// RecentSessions returns the latest sessions, newest first, without their
// stream records.
func (db *DB) RecentSessions(limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(
		`SELECT session_id, participant, test, started_unix_nanos, ended_unix_nanos, status, COALESCE(error, '')
		 FROM sessions ORDER BY started_unix_nanos DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*Session, error) {
	var (
		s       Session
		started int64
		ended   sql.NullInt64
	)
	if err := row.Scan(&s.ID, &s.Participant, &s.Test, &started, &ended, &s.Status, &s.Error); err != nil {
		return nil, err
	}
	s.StartedAt = time.Unix(0, started)
	if ended.Valid {
		t := time.Unix(0, ended.Int64)
		s.EndedAt = &t
	}
	return &s, nil
}

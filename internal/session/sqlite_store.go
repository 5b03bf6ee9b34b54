// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		startedAt REAL NOT NULL,
		updatedAt REAL NOT NULL,
		complete INTEGER NOT NULL DEFAULT 0,
		record TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS sessions_updated ON sessions(updatedAt);
`

// SQLiteStore keeps each session as a JSON record in a SQLite table.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the session database at path.
// ":memory:" gives a private in-memory database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection: an in-memory database exists per connection, and
	// writes are serialized anyway.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Load returns the session with the given id.
func (s *SQLiteStore) Load(ctx context.Context, id string) (*Session, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT record FROM sessions WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	return decodeOrDiscard("session "+id, []byte(data)), nil
}

// Latest returns the most recently updated session.
func (s *SQLiteStore) Latest(ctx context.Context) (*Session, error) {
	var id, data string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, record
		FROM sessions
		ORDER BY updatedAt DESC, startedAt DESC
		LIMIT 1
	`).Scan(&id, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest session: %w", err)
	}
	return decodeOrDiscard("session "+id, []byte(data)), nil
}

// Save inserts or replaces the session record.
func (s *SQLiteStore) Save(ctx context.Context, sess *Session) error {
	data, err := Encode(sess)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, startedAt, updatedAt, complete, record)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			updatedAt = excluded.updatedAt,
			complete = excluded.complete,
			record = excluded.record
	`, sess.ID, unixFromTime(sess.StartedAt), unixFromTime(sess.UpdatedAt), sess.Complete(), string(data))
	if err != nil {
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	return nil
}

// Delete removes the session and its images.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	sess, err := s.Load(ctx, id)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return releaseAll(sess)
}

// ReleaseImage removes an image file.
func (s *SQLiteStore) ReleaseImage(_ context.Context, ref string) error {
	return removeImage(ref)
}

func unixFromTime(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

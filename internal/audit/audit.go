// Package audit persists the relay's delivery-history log: one row per
// lifecycle event (received, saved, forwarded, errored, rejected) keyed by
// session id and filename, queryable by the control API's history endpoint.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/fenilsonani/remailer/internal/logging"
)

// Log persists delivery-history events to a SQLite database and implements
// logging.EventSink so it can sit alongside the metrics sink in a
// logging.MultiSink.
type Log struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path and
// ensures the delivery_history table exists.
func Open(path string) (*Log, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS delivery_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			time DATETIME NOT NULL,
			event TEXT NOT NULL,
			session_id TEXT,
			filename TEXT,
			queue TEXT,
			reason TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_history_time ON delivery_history(time);
		CREATE INDEX IF NOT EXISTS idx_history_filename ON delivery_history(filename);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: migrate: %w", err)
	}

	return &Log{db: db}, nil
}

// Close closes the underlying database handle.
func (l *Log) Close() error {
	return l.db.Close()
}

// Emit implements logging.EventSink, recording one history row per event.
func (l *Log) Emit(ev logging.Event) {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}

	reason := ""
	if ev.Err != nil {
		reason = ev.Err.Error()
	} else if r, ok := ev.Fields["reason"]; ok {
		if s, ok := r.(string); ok {
			reason = s
		} else if b, err := json.Marshal(r); err == nil {
			reason = string(b)
		}
	}

	_, _ = l.db.Exec(
		`INSERT INTO delivery_history (time, event, session_id, filename, queue, reason) VALUES (?, ?, ?, ?, ?, ?)`,
		at, string(ev.Kind), ev.SessionID, ev.Filename, ev.Queue, reason,
	)
}

// Entry is one row of delivery history.
type Entry struct {
	Time     time.Time
	Event    string
	Filename string
	Reason   string
}

// Recent returns the most recent limit history entries, newest first.
func (l *Log) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := l.db.QueryContext(ctx,
		`SELECT time, event, filename, reason FROM delivery_history ORDER BY time DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var filename, reason sql.NullString
		if err := rows.Scan(&e.Time, &e.Event, &filename, &reason); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		e.Filename = filename.String
		e.Reason = reason.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

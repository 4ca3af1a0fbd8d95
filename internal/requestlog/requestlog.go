// Package requestlog persists a rolling history of handled requests to
// SQLite, grounded on the teacher's store.RequestLog sink and its
// 30-day/6-hour purge cadence (server.go runLogPurge), generalized from
// Claude-relay fields to the gateway's protocol-agnostic request shape.
package requestlog

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// Entry is one logged request.
type Entry struct {
	RequestID string
	Method    string
	Path      string
	Status    int
	AccountID string
	DurationMS int64
	Timestamp time.Time
}

// Store is a SQLite-backed sink for Entry records.
type Store struct {
	db *sql.DB
}

// Open creates or attaches to the SQLite database at path and ensures the
// schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	const schema = `
CREATE TABLE IF NOT EXISTS request_log (
	request_id  TEXT PRIMARY KEY,
	method      TEXT NOT NULL,
	path        TEXT NOT NULL,
	status      INTEGER NOT NULL,
	account_id  TEXT,
	duration_ms INTEGER NOT NULL,
	ts          INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_request_log_ts ON request_log(ts);
`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Record inserts one entry. Failures are logged, not returned, so a
// request-log write never fails the HTTP response it describes.
func (s *Store) Record(ctx context.Context, e Entry) {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO request_log (request_id, method, path, status, account_id, duration_ms, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.RequestID, e.Method, e.Path, e.Status, e.AccountID, e.DurationMS, e.Timestamp.Unix(),
	)
	if err != nil {
		slog.Warn("requestlog: insert failed", "error", err)
	}
}

// Purge deletes entries older than retention. RunPurgeLoop calls this every
// interval until stop fires (teacher's 30-day retention / 6-hour cadence).
func (s *Store) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).Unix()
	res, err := s.db.ExecContext(ctx, `DELETE FROM request_log WHERE ts < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RunPurgeLoop purges on the given cadence until stop is closed.
func (s *Store) RunPurgeLoop(interval, retention time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if n, err := s.Purge(context.Background(), retention); err != nil {
				slog.Warn("requestlog: purge failed", "error", err)
			} else if n > 0 {
				slog.Debug("requestlog: purged old entries", "count", n)
			}
		}
	}
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

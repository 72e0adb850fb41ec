package streamstore

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"seechange-ingest/internal/domain"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS stream_records (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id     TEXT NOT NULL,
    stream_name TEXT NOT NULL,
    start_time  INTEGER NOT NULL,
    end_time    INTEGER NULL,
    UNIQUE (stream_name, start_time)
);
CREATE INDEX IF NOT EXISTS stream_records_open_idx ON stream_records (stream_name, end_time);
`

// SQLiteRecorder stores stream history in a local SQLite file. Times are
// stored as unix milliseconds.
type SQLiteRecorder struct {
	db *sql.DB
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

// OpenSQLite opens (or creates) the database at path.
func OpenSQLite(path string) (*SQLiteRecorder, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create stream_records: %w", err)
	}
	return &SQLiteRecorder{db: db}, nil
}

// Close closes the database handle.
func (s *SQLiteRecorder) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InsertStreamStart implements Recorder.
func (s *SQLiteRecorder) InsertStreamStart(ctx context.Context, rec domain.StreamRecord) error {
	if err := validate(rec); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stream_records (user_id, stream_name, start_time)
		 VALUES (?, ?, ?)
		 ON CONFLICT (stream_name, start_time) DO NOTHING`,
		rec.UserID, rec.StreamName, toMillis(rec.StartTime))
	if err != nil {
		return fmt.Errorf("insert stream start: %w", err)
	}
	return nil
}

// UpdateStreamEnd implements Recorder.
func (s *SQLiteRecorder) UpdateStreamEnd(ctx context.Context, streamName string, endTime time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE stream_records SET end_time = ? WHERE stream_name = ? AND end_time IS NULL`,
		toMillis(endTime), streamName)
	if err != nil {
		return fmt.Errorf("update stream end: %w", err)
	}
	return nil
}

// ListStreams implements Lister.
func (s *SQLiteRecorder) ListStreams(ctx context.Context, limit int) ([]domain.StreamRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, stream_name, start_time, end_time
		 FROM stream_records
		 ORDER BY start_time DESC, stream_name
		 LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list streams: %w", err)
	}
	defer rows.Close()

	var out []domain.StreamRecord
	for rows.Next() {
		var (
			rec   domain.StreamRecord
			start int64
			end   sql.NullInt64
		)
		if err := rows.Scan(&rec.UserID, &rec.StreamName, &start, &end); err != nil {
			return nil, fmt.Errorf("scan stream record: %w", err)
		}
		rec.StartTime = fromMillis(start)
		if end.Valid {
			t := fromMillis(end.Int64)
			rec.EndTime = &t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

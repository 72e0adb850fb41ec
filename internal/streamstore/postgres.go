package streamstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"seechange-ingest/internal/domain"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS stream_records (
    id          BIGSERIAL PRIMARY KEY,
    user_id     TEXT NOT NULL,
    stream_name TEXT NOT NULL,
    start_time  TIMESTAMPTZ NOT NULL,
    end_time    TIMESTAMPTZ NULL,
    UNIQUE (stream_name, start_time)
);
CREATE INDEX IF NOT EXISTS stream_records_open_idx
    ON stream_records (stream_name) WHERE end_time IS NULL;
`

// PostgresRecorder stores stream history in Postgres.
type PostgresRecorder struct {
	pool *pgxpool.Pool
}

// NewPostgresRecorder connects to dsn and ensures the schema exists.
func NewPostgresRecorder(ctx context.Context, dsn string) (*PostgresRecorder, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create stream_records: %w", err)
	}
	return &PostgresRecorder{pool: pool}, nil
}

// Close releases the pool.
func (p *PostgresRecorder) Close() error {
	if p == nil || p.pool == nil {
		return nil
	}
	p.pool.Close()
	return nil
}

// InsertStreamStart implements Recorder.
func (p *PostgresRecorder) InsertStreamStart(ctx context.Context, rec domain.StreamRecord) error {
	if err := validate(rec); err != nil {
		return err
	}
	_, err := p.pool.Exec(ctx, `
INSERT INTO stream_records (user_id, stream_name, start_time)
VALUES ($1, $2, $3)
ON CONFLICT (stream_name, start_time) DO NOTHING
`, rec.UserID, rec.StreamName, rec.StartTime.UTC())
	if err != nil {
		return fmt.Errorf("insert stream start: %w", err)
	}
	return nil
}

// UpdateStreamEnd implements Recorder.
func (p *PostgresRecorder) UpdateStreamEnd(ctx context.Context, streamName string, endTime time.Time) error {
	_, err := p.pool.Exec(ctx, `
UPDATE stream_records
SET end_time = $2
WHERE stream_name = $1 AND end_time IS NULL
`, streamName, endTime.UTC())
	if err != nil {
		return fmt.Errorf("update stream end: %w", err)
	}
	return nil
}

// ListStreams implements Lister.
func (p *PostgresRecorder) ListStreams(ctx context.Context, limit int) ([]domain.StreamRecord, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := p.pool.Query(ctx, `
SELECT user_id, stream_name, start_time, end_time
FROM stream_records
ORDER BY start_time DESC, stream_name
LIMIT $1
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list streams: %w", err)
	}
	defer rows.Close()

	var out []domain.StreamRecord
	for rows.Next() {
		var rec domain.StreamRecord
		if err := rows.Scan(&rec.UserID, &rec.StreamName, &rec.StartTime, &rec.EndTime); err != nil {
			return nil, fmt.Errorf("scan stream record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Package streamstore persists the start and end of every live stream.
package streamstore

import (
	"context"
	"errors"
	"time"

	"seechange-ingest/internal/domain"
)

// Recorder is the persistence collaborator for stream history. Both calls are
// idempotent upserts: repeating a start for the same stream and start time, or
// closing a stream that has no open record, changes nothing.
type Recorder interface {
	InsertStreamStart(ctx context.Context, rec domain.StreamRecord) error
	UpdateStreamEnd(ctx context.Context, streamName string, endTime time.Time) error
}

// Lister is implemented by recorders that can list history, newest first.
type Lister interface {
	ListStreams(ctx context.Context, limit int) ([]domain.StreamRecord, error)
}

var errInvalidRecord = errors.New("stream record requires a user and a stream name")

func validate(rec domain.StreamRecord) error {
	if rec.UserID == "" || rec.StreamName == "" || rec.StartTime.IsZero() {
		return errInvalidRecord
	}
	return nil
}

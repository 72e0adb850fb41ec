package streamstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"seechange-ingest/internal/domain"
)

// recordKey identifies one stream run. A user may go live many times under
// the same stream name, so the start time is part of the key.
type recordKey struct {
	stream string
	start  int64
}

// MemoryRecorder keeps stream history in memory. It is the default when no
// database is configured and backs the package tests.
type MemoryRecorder struct {
	mu      sync.RWMutex
	records map[recordKey]*domain.StreamRecord
	open    map[string]recordKey
}

// NewMemoryRecorder returns an empty recorder.
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{
		records: make(map[recordKey]*domain.StreamRecord),
		open:    make(map[string]recordKey),
	}
}

// InsertStreamStart implements Recorder.
func (m *MemoryRecorder) InsertStreamStart(ctx context.Context, rec domain.StreamRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validate(rec); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := recordKey{stream: rec.StreamName, start: rec.StartTime.UnixNano()}
	if _, exists := m.records[key]; exists {
		return nil
	}
	stored := domain.StreamRecord{
		UserID:     rec.UserID,
		StreamName: rec.StreamName,
		StartTime:  rec.StartTime.UTC(),
	}
	m.records[key] = &stored
	m.open[rec.StreamName] = key
	return nil
}

// UpdateStreamEnd implements Recorder.
func (m *MemoryRecorder) UpdateStreamEnd(ctx context.Context, streamName string, endTime time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key, ok := m.open[streamName]
	if !ok {
		return nil
	}
	end := endTime.UTC()
	m.records[key].EndTime = &end
	delete(m.open, streamName)
	return nil
}

// ListStreams implements Lister. limit <= 0 returns everything.
func (m *MemoryRecorder) ListStreams(ctx context.Context, limit int) ([]domain.StreamRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.StreamRecord, 0, len(m.records))
	for _, rec := range m.records {
		cp := *rec
		if rec.EndTime != nil {
			end := *rec.EndTime
			cp.EndTime = &end
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StreamName < out[j].StreamName
		}
		return out[i].StartTime.After(out[j].StartTime)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// OpenCount returns the number of streams with no end time.
func (m *MemoryRecorder) OpenCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.open)
}

package streamstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"seechange-ingest/internal/domain"
)

func recorders(t *testing.T) map[string]interface {
	Recorder
	Lister
} {
	t.Helper()
	sqlite, err := OpenSQLite(filepath.Join(t.TempDir(), "streams.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]interface {
		Recorder
		Lister
	}{
		"memory": NewMemoryRecorder(),
		"sqlite": sqlite,
	}
}

func TestRecorder_lifecycle(t *testing.T) {
	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(90 * time.Second)

	for name, rec := range recorders(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			r := domain.StreamRecord{UserID: "alice", StreamName: "user_alice", StartTime: start}

			if err := rec.InsertStreamStart(ctx, r); err != nil {
				t.Fatalf("InsertStreamStart: %v", err)
			}
			// Repeated start for the same run is ignored.
			if err := rec.InsertStreamStart(ctx, r); err != nil {
				t.Fatalf("duplicate InsertStreamStart: %v", err)
			}

			got, err := rec.ListStreams(ctx, 0)
			if err != nil {
				t.Fatalf("ListStreams: %v", err)
			}
			if len(got) != 1 || got[0].EndTime != nil {
				t.Fatalf("expected one open record, got %+v", got)
			}

			if err := rec.UpdateStreamEnd(ctx, "user_alice", end); err != nil {
				t.Fatalf("UpdateStreamEnd: %v", err)
			}
			// A second end finds no open record and changes nothing.
			if err := rec.UpdateStreamEnd(ctx, "user_alice", end.Add(time.Hour)); err != nil {
				t.Fatalf("second UpdateStreamEnd: %v", err)
			}

			got, _ = rec.ListStreams(ctx, 0)
			if len(got) != 1 || got[0].EndTime == nil || !got[0].EndTime.Equal(end) {
				t.Fatalf("expected closed record ending at %v, got %+v", end, got)
			}
			if got[0].UserID != "alice" || !got[0].StartTime.Equal(start) {
				t.Errorf("unexpected record %+v", got[0])
			}
		})
	}
}

func TestRecorder_multiple_runs_newest_first(t *testing.T) {
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	for name, rec := range recorders(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 0; i < 3; i++ {
				s := base.Add(time.Duration(i) * time.Hour)
				_ = rec.InsertStreamStart(ctx, domain.StreamRecord{UserID: "bob", StreamName: "user_bob", StartTime: s})
				_ = rec.UpdateStreamEnd(ctx, "user_bob", s.Add(time.Minute))
			}
			got, err := rec.ListStreams(ctx, 2)
			if err != nil {
				t.Fatalf("ListStreams: %v", err)
			}
			if len(got) != 2 {
				t.Fatalf("expected 2 records, got %d", len(got))
			}
			if !got[0].StartTime.Equal(base.Add(2 * time.Hour)) {
				t.Errorf("expected newest first, got %v", got[0].StartTime)
			}
			for _, r := range got {
				if r.EndTime == nil {
					t.Errorf("run starting %v left open", r.StartTime)
				}
			}
		})
	}
}

func TestRecorder_rejects_invalid(t *testing.T) {
	for name, rec := range recorders(t) {
		t.Run(name, func(t *testing.T) {
			err := rec.InsertStreamStart(context.Background(), domain.StreamRecord{StreamName: "user_x"})
			if !errors.Is(err, errInvalidRecord) {
				t.Errorf("expected errInvalidRecord, got %v", err)
			}
		})
	}
}

func TestOpenSQLite_requires_path(t *testing.T) {
	if _, err := OpenSQLite("  "); err == nil {
		t.Error("expected error for empty path")
	}
}

type failingRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (f *failingRecorder) InsertStreamStart(_ context.Context, rec domain.StreamRecord) error {
	f.mu.Lock()
	f.calls = append(f.calls, "start:"+rec.StreamName)
	f.mu.Unlock()
	return errors.New("connection refused")
}

func (f *failingRecorder) UpdateStreamEnd(_ context.Context, name string, _ time.Time) error {
	f.mu.Lock()
	f.calls = append(f.calls, "end:"+name)
	f.mu.Unlock()
	return nil
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestEmitter_writes_in_order(t *testing.T) {
	mem := NewMemoryRecorder()
	e := NewEmitter(mem, EmitterConfig{Logger: quiet()})
	start := time.Now().UTC()

	e.StreamStarted(domain.StreamRecord{UserID: "a", StreamName: "user_a", StartTime: start})
	e.StreamEnded("user_a", start.Add(time.Second))
	e.StreamStarted(domain.StreamRecord{UserID: "a", StreamName: "user_a", StartTime: start.Add(2 * time.Second)})

	if err := e.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	got, _ := mem.ListStreams(context.Background(), 0)
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
	if mem.OpenCount() != 1 {
		t.Errorf("expected the second run to stay open, open=%d", mem.OpenCount())
	}
}

func TestEmitter_reports_persistence_errors(t *testing.T) {
	rec := &failingRecorder{}
	var (
		mu   sync.Mutex
		errs []error
	)
	e := NewEmitter(rec, EmitterConfig{Logger: quiet(), OnError: func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}})

	e.StreamStarted(domain.StreamRecord{UserID: "a", StreamName: "user_a", StartTime: time.Now()})
	e.StreamEnded("user_a", time.Now())
	if err := e.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if len(rec.calls) != 2 || rec.calls[0] != "start:user_a" || rec.calls[1] != "end:user_a" {
		t.Errorf("events out of order: %v", rec.calls)
	}

	// Events after Close are reported, not written.
	e.StreamEnded("user_a", time.Now())
	if len(rec.calls) != 2 {
		t.Errorf("event written after close: %v", rec.calls)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(errs) != 2 || !errors.Is(errs[0], domain.ErrPersistence) || !errors.Is(errs[1], domain.ErrPersistence) {
		t.Fatalf("expected two persistence errors, got %v", errs)
	}
}

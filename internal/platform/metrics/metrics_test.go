package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"seechange-ingest/internal/domain"
)

func scrape(t *testing.T, m *Metrics, update func()) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler(update).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("scrape status %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

func TestMetrics_counters(t *testing.T) {
	m := New()
	m.FrameAccepted()
	m.FrameAccepted()
	m.FrameRejected(domain.CodeBufferFull)
	m.FrameRejected(domain.CodeSignatureInvalid)
	m.StreamStarted()
	m.StreamEnded()
	m.TranscoderFailed()
	m.PersistenceFailed(nil)

	out := scrape(t, m, func() {
		m.SetActiveStreams(3)
		m.SetActiveSessions(5)
	})

	for _, want := range []string{
		"seechange_frames_accepted_total 2",
		`seechange_frames_rejected_total{reason="buffer_full"} 1`,
		`seechange_frames_rejected_total{reason="signature_invalid"} 1`,
		"seechange_streams_started_total 1",
		"seechange_streams_ended_total 1",
		"seechange_transcoder_failures_total 1",
		"seechange_persistence_errors_total 1",
		"seechange_active_streams 3",
		"seechange_active_sessions 5",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("scrape missing %q", want)
		}
	}
}

func TestRequestMiddleware(t *testing.T) {
	m := New()
	h := RequestMiddleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ok", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/missing", nil))

	out := scrape(t, m, nil)
	if !strings.Contains(out, "seechange_requests_total 2") {
		t.Error("expected 2 requests")
	}
	if !strings.Contains(out, "seechange_errors_total 1") {
		t.Error("expected 1 error")
	}
}

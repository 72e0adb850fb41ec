// Package gateway exposes the ingest session API over websocket and the
// discovery endpoints over HTTP.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"seechange-ingest/internal/domain"
	"seechange-ingest/internal/registry"
	"seechange-ingest/internal/session"
	"seechange-ingest/internal/streamstore"
)

// Sessions is the session manager as seen by the transport.
type Sessions interface {
	Open(notifier session.Notifier) domain.SessionID
	Login(ctx context.Context, id domain.SessionID, username, password string) (string, domain.KeyMaterial, error)
	Authenticate(ctx context.Context, id domain.SessionID, token string) error
	StartStream(ctx context.Context, id domain.SessionID) (string, error)
	SubmitFrame(id domain.SessionID, frame domain.Frame) error
	SubmitBatch(id domain.SessionID, frames []domain.Frame) []error
	StopStream(id domain.SessionID) (string, error)
	Disconnect(id domain.SessionID)
}

// KeyLookup resolves a user's registered key material.
type KeyLookup interface {
	KeyMaterial(ctx context.Context, userID string) (domain.KeyMaterial, error)
}

// Config wires a Handler.
type Config struct {
	Sessions Sessions
	Registry *registry.Registry
	Keys     KeyLookup
	// History is optional; without it /streams/history is not served.
	History streamstore.Lister
	Logger  *slog.Logger
}

// Handler serves the websocket endpoint and the HTTP discovery endpoints.
type Handler struct {
	sessions Sessions
	registry *registry.Registry
	keys     KeyLookup
	history  streamstore.Lister
	log      *slog.Logger
	upgrader websocket.Upgrader
}

// NewHandler returns a Handler.
func NewHandler(cfg Config) *Handler {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		sessions: cfg.Sessions,
		registry: cfg.Registry,
		keys:     cfg.Keys,
		history:  cfg.History,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 << 10,
			WriteBufferSize: 16 << 10,
			// Producers and viewers are served from other origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Routes registers the gateway endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/ws", h.ServeWS)
	r.Get("/streams", h.ListStreams)
	if h.history != nil {
		r.Get("/streams/history", h.StreamHistory)
	}
	r.Get("/publicKey", h.PublicKey)
	r.Get("/healthz", h.Health)
}

// ListStreams handles GET /streams.
func (h *Handler) ListStreams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"streams": h.registry.Snapshot()})
}

// StreamHistory handles GET /streams/history?limit=N.
func (h *Handler) StreamHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	records, err := h.history.ListStreams(r.Context(), limit)
	if err != nil {
		h.log.Error("list stream history failed", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []domain.StreamRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"streams": records})
}

// PublicKey handles GET /publicKey?streamName=user_<id>. Viewers use the key
// to check signatures themselves.
func (h *Handler) PublicKey(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.URL.Query().Get("streamName"))
	userID, ok := strings.CutPrefix(name, domain.StreamName(""))
	if !ok || userID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "streamName must look like user_<id>"})
		return
	}

	keys, err := h.keys.KeyMaterial(r.Context(), userID)
	if err != nil {
		h.log.Error("key lookup failed", slog.String("stream", name), slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if !keys.HasPublicKey() {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": domain.ErrKeyNotFound.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"publicKey": keys.PublicKeyPEM})
}

// Health handles GET /healthz.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "liveStreams": h.registry.Len()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

package session

import (
	"context"
	"log/slog"

	"github.com/looplab/fsm"

	"seechange-ingest/internal/domain"
)

// Lifecycle events.
const (
	eventAuthenticate = "authenticate"
	eventStart        = "start_stream"
	eventStop         = "stop_stream"
	eventDisconnect   = "disconnect"
)

// newLifecycle builds the per-connection state machine:
//
//	unauthenticated -> authenticated -> streaming -> ended
//
// disconnect reaches ended from any live state.
func newLifecycle(logger *slog.Logger) *fsm.FSM {
	unauth := string(domain.StateUnauthenticated)
	authed := string(domain.StateAuthenticated)
	streaming := string(domain.StateStreaming)
	ended := string(domain.StateEnded)

	return fsm.NewFSM(
		unauth,
		fsm.Events{
			{Name: eventAuthenticate, Src: []string{unauth}, Dst: authed},
			{Name: eventStart, Src: []string{authed}, Dst: streaming},
			{Name: eventStop, Src: []string{streaming}, Dst: ended},
			{Name: eventDisconnect, Src: []string{unauth, authed, streaming}, Dst: ended},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				logger.Debug("session state changed",
					slog.String("event", e.Event),
					slog.String("from", e.Src),
					slog.String("to", e.Dst))
			},
		},
	)
}

func stateOf(f *fsm.FSM) domain.State {
	return domain.State(f.Current())
}

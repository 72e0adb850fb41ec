package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"seechange-ingest/internal/domain"
	"seechange-ingest/internal/registry"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 16 << 20
	sendQueueSize  = 64
)

// client is one websocket connection. The read loop runs on the handler
// goroutine and handles messages in arrival order; all writes go through
// writeLoop.
type client struct {
	h       *Handler
	conn    *websocket.Conn
	id      domain.SessionID
	log     *slog.Logger
	send    chan any
	streams *registry.LatestWatcher
	done    chan struct{}
}

// ServeWS handles GET /ws. The connection is a producer session and a
// stream list watcher at the same time; closing it disconnects the session.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		h:       h,
		conn:    conn,
		send:    make(chan any, sendQueueSize),
		streams: registry.NewLatestWatcher(),
		done:    make(chan struct{}),
	}
	c.id = h.sessions.Open(c)
	c.log = h.log.With(slog.String("session", string(c.id)), slog.String("remote", r.RemoteAddr))
	unsubscribe := h.registry.Subscribe(c.streams)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
	}()

	c.readLoop(r.Context())

	unsubscribe()
	h.sessions.Disconnect(c.id)
	close(c.done)
	<-writerDone
	_ = conn.Close()
	c.log.Info("websocket closed")
}

func (c *client) readLoop(ctx context.Context) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Info("websocket read failed", slog.String("error", err.Error()))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			c.reply(errorMessage{Type: typeError, Code: codeInvalidMessage, Reason: "malformed message"})
			continue
		}
		c.dispatch(ctx, msg)
	}
}

func (c *client) dispatch(ctx context.Context, msg inbound) {
	sessions := c.h.sessions
	switch msg.Type {
	case typeLogin:
		token, keys, err := sessions.Login(ctx, c.id, msg.Username, msg.Password)
		if err != nil {
			c.reply(newError(typeLoginError, err))
			return
		}
		c.reply(loginSuccess{Type: typeLoginSuccess, Token: token, KeyMaterial: keys})

	case typeAuthenticate:
		if err := sessions.Authenticate(ctx, c.id, msg.Token); err != nil {
			c.reply(newError(typeAuthenticationError, err))
			return
		}
		c.reply(ack{Type: typeAuthenticationSuccess})

	case typeStartStream:
		name, err := sessions.StartStream(ctx, c.id)
		if err != nil {
			c.reply(newError(typeStreamError, err))
			return
		}
		c.reply(ack{Type: typeStreamStarted, Name: name})

	case typeVideoData:
		if err := sessions.SubmitFrame(c.id, msg.frame()); err != nil {
			c.reply(newFrameError(err, msg.Sequence))
		}

	case typeVideoDataBatch:
		for i, err := range sessions.SubmitBatch(c.id, msg.Frames) {
			if err != nil {
				c.reply(newFrameError(err, msg.Frames[i].Sequence))
			}
		}

	case typeStopStream:
		name, err := sessions.StopStream(c.id)
		if err != nil {
			c.reply(newError(typeStreamError, err))
			return
		}
		if name != "" {
			c.reply(ack{Type: typeStreamStopped, Name: name})
		}

	default:
		c.reply(errorMessage{Type: typeError, Code: codeInvalidMessage, Reason: "unknown message type " + msg.Type})
	}
}

// StreamFailed implements session.Notifier.
func (c *client) StreamFailed(streamName string, err error) {
	c.reply(newError(typeStreamError, err))
	c.reply(ack{Type: typeStreamStopped, Name: streamName})
}

// reply queues msg for the writer, waiting for room while the writer makes
// progress. A client that stops reading for writeWait is dropped.
func (c *client) reply(msg any) {
	select {
	case <-c.done:
		return
	case c.send <- msg:
		return
	default:
	}

	timer := time.NewTimer(writeWait)
	defer timer.Stop()
	select {
	case <-c.done:
	case c.send <- msg:
	case <-timer.C:
		c.log.Warn("websocket writer stalled, closing connection")
		_ = c.conn.Close()
	}
}

func (c *client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				c.fail(err)
				return
			}
		case names := <-c.streams.C():
			if err := c.write(streamList{Type: typeStreamList, Names: names}); err != nil {
				c.fail(err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.fail(err)
				return
			}
		}
	}
}

func (c *client) write(msg any) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(msg)
}

// fail closes the connection so the read loop returns and runs the teardown.
func (c *client) fail(err error) {
	if !errors.Is(err, websocket.ErrCloseSent) {
		c.log.Info("websocket write failed", slog.String("error", err.Error()))
	}
	_ = c.conn.Close()
}

package gateway

import "seechange-ingest/internal/domain"

// Client to server message types.
const (
	typeLogin          = "login"
	typeAuthenticate   = "authenticate"
	typeStartStream    = "startStream"
	typeVideoData      = "videoData"
	typeVideoDataBatch = "videoDataBatch"
	typeStopStream     = "stopStream"
)

// Server to client message types.
const (
	typeLoginSuccess          = "loginSuccess"
	typeLoginError            = "loginError"
	typeAuthenticationSuccess = "authenticationSuccess"
	typeAuthenticationError   = "authenticationError"
	typeStreamStarted         = "streamStarted"
	typeStreamStopped         = "streamStopped"
	typeStreamError           = "streamError"
	typeStreamList            = "streamList"
	typeError                 = "error"
)

// codeInvalidMessage marks a message the gateway could not decode or route.
const codeInvalidMessage domain.Code = "invalid_message"

// inbound is the union of all client messages. Payloads are base64 in JSON.
type inbound struct {
	Type string `json:"type"`

	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Token    string `json:"token,omitempty"`

	Sequence int64          `json:"sequence,omitempty"`
	Payload  []byte         `json:"payload,omitempty"`
	Proof    string         `json:"proof,omitempty"`
	Frames   []domain.Frame `json:"frames,omitempty"`
}

func (m inbound) frame() domain.Frame {
	return domain.Frame{Sequence: m.Sequence, Payload: m.Payload, Proof: m.Proof}
}

type loginSuccess struct {
	Type        string             `json:"type"`
	Token       string             `json:"token"`
	KeyMaterial domain.KeyMaterial `json:"keyMaterial"`
}

type ack struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

// errorMessage carries a stable code so clients can tell a retryable
// rejection from a fatal one.
type errorMessage struct {
	Type     string      `json:"type"`
	Code     domain.Code `json:"code"`
	Reason   string      `json:"reason"`
	Sequence *int64      `json:"sequence,omitempty"`
}

type streamList struct {
	Type  string   `json:"type"`
	Names []string `json:"names"`
}

func newError(typ string, err error) errorMessage {
	return errorMessage{Type: typ, Code: domain.CodeOf(err), Reason: err.Error()}
}

func newFrameError(err error, seq int64) errorMessage {
	msg := newError(typeStreamError, err)
	msg.Sequence = &seq
	return msg
}

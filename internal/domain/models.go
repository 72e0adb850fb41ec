package domain

import "time"

// SessionID uniquely identifies one producer connection.
type SessionID string

// State is the position of a session in its lifecycle.
type State string

const (
	StateUnauthenticated State = "unauthenticated"
	StateAuthenticated   State = "authenticated"
	StateStreaming       State = "streaming"
	StateEnded           State = "ended"
)

// Session is a read-only view of one connection's streaming state.
// The live state is owned by the session manager.
type Session struct {
	ID         SessionID
	UserID     string
	State      State
	StreamName string
	CreatedAt  time.Time
}

// KeyMaterial is the key information registered for a user.
// The ingest service only consumes it; it never generates keys.
type KeyMaterial struct {
	UserID        string `json:"userId" yaml:"-"`
	PublicKeyPEM  string `json:"publicKey,omitempty" yaml:"public_key"`
	PrivateKeyRef string `json:"privateKeyRef,omitempty" yaml:"private_key_ref"`
}

// HasPublicKey reports whether a public key is on record.
func (k KeyMaterial) HasPublicKey() bool {
	return k.PublicKeyPEM != ""
}

// Credential is a registered account as issued by the registration flow.
type Credential struct {
	Username     string      `yaml:"username"`
	PasswordHash string      `yaml:"password_hash"`
	Keys         KeyMaterial `yaml:",inline"`
}

// Frame is one unit of media payload submitted by a producer.
// This also matches the JSON payload of a videoData message.
type Frame struct {
	Sequence int64  `json:"sequence"`
	Payload  []byte `json:"payload"`
	Proof    string `json:"proof"`

	// Set by the server when the frame arrives.
	ReceivedAt time.Time `json:"-"`
}

// StreamRecord is the persisted history entry for one stream.
type StreamRecord struct {
	UserID     string     `json:"userId"`
	StreamName string     `json:"streamName"`
	StartTime  time.Time  `json:"startTime"`
	EndTime    *time.Time `json:"endTime"`
}

// StreamName derives the deterministic live stream name for a user.
func StreamName(userID string) string {
	return "user_" + userID
}

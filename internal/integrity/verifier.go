// Package integrity decides whether a submitted frame can be trusted.
//
// Two strategies exist. Checksum compares a hex SHA-256 digest of the payload
// with the submitted proof. Signature verifies an RSA PKCS#1 v1.5 signature
// made by the producer over the base64 SHA-256 digest of the payload, using the
// public key registered for the producer. A deployment picks one strategy.
//
// Every verifier fails closed: malformed input, missing keys and unexpected
// panics all reject the frame.
package integrity

import (
	"fmt"
	"strings"

	"seechange-ingest/internal/domain"
)

// Mode names a verification strategy.
type Mode string

const (
	ModeChecksum  Mode = "checksum"
	ModeSignature Mode = "signature"
)

// Verifier checks a single frame against the producer's key material.
// A nil error accepts the frame.
type Verifier interface {
	Verify(frame domain.Frame, keys domain.KeyMaterial) error
}

// New returns the verifier for mode. Signature is the default.
func New(mode Mode) (Verifier, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(string(mode)))) {
	case ModeChecksum:
		return Checksum{}, nil
	case ModeSignature, "":
		return NewSignature(), nil
	default:
		return nil, fmt.Errorf("unknown integrity mode %q", mode)
	}
}

// guard converts a panic inside fn into a rejection with reject.
func guard(reject error, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: verifier panic: %v", reject, r)
		}
	}()
	return fn()
}

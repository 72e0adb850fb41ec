package integrity

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"seechange-ingest/internal/domain"
)

// Checksum accepts a frame when its proof is the hex SHA-256 of the payload.
type Checksum struct{}

// Verify implements Verifier.
func (Checksum) Verify(frame domain.Frame, _ domain.KeyMaterial) error {
	return guard(domain.ErrIntegrityMismatch, func() error {
		if len(frame.Payload) == 0 {
			return fmt.Errorf("%w: empty payload", domain.ErrIntegrityMismatch)
		}
		want, err := hex.DecodeString(strings.TrimSpace(frame.Proof))
		if err != nil || len(want) != sha256.Size {
			return fmt.Errorf("%w: malformed checksum", domain.ErrIntegrityMismatch)
		}
		got := sha256.Sum256(frame.Payload)
		if subtle.ConstantTimeCompare(got[:], want) != 1 {
			return domain.ErrIntegrityMismatch
		}
		return nil
	})
}

// ChecksumOf returns the proof a producer attaches in checksum mode.
func ChecksumOf(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

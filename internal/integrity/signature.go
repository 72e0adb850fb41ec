package integrity

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"sync"

	"seechange-ingest/internal/domain"
)

// maxCachedKeys bounds the parsed key cache. The cache is dropped whole when
// it fills up.
const maxCachedKeys = 1024

// Signature verifies RSA PKCS#1 v1.5 / SHA-256 signatures. Parsed public keys
// are cached by their PEM text.
type Signature struct {
	mu    sync.RWMutex
	keys  map[string]*rsa.PublicKey
	limit int
}

// NewSignature returns a Signature verifier with an empty key cache.
func NewSignature() *Signature {
	return &Signature{keys: make(map[string]*rsa.PublicKey), limit: maxCachedKeys}
}

// Verify implements Verifier.
func (s *Signature) Verify(frame domain.Frame, keys domain.KeyMaterial) error {
	return guard(domain.ErrSignatureInvalid, func() error {
		if !keys.HasPublicKey() {
			return domain.ErrKeyNotFound
		}
		pub, err := s.publicKey(keys.PublicKeyPEM)
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrSignatureInvalid, err)
		}
		if len(frame.Payload) == 0 {
			return fmt.Errorf("%w: empty payload", domain.ErrSignatureInvalid)
		}
		sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(frame.Proof))
		if err != nil || len(sig) == 0 {
			return fmt.Errorf("%w: malformed signature", domain.ErrSignatureInvalid)
		}
		digest := signedDigest(frame.Payload)
		if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
			return domain.ErrSignatureInvalid
		}
		return nil
	})
}

func (s *Signature) publicKey(pemText string) (*rsa.PublicKey, error) {
	s.mu.RLock()
	pub, ok := s.keys[pemText]
	s.mu.RUnlock()
	if ok {
		return pub, nil
	}

	pub, err := ParsePublicKey(pemText)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if len(s.keys) >= s.limit {
		clear(s.keys)
	}
	s.keys[pemText] = pub
	s.mu.Unlock()
	return pub, nil
}

// signedDigest returns the SHA-256 of the message the producer signs: the
// base64 encoding of the payload's SHA-256.
func signedDigest(payload []byte) [sha256.Size]byte {
	sum := sha256.Sum256(payload)
	message := base64.StdEncoding.EncodeToString(sum[:])
	return sha256.Sum256([]byte(message))
}

// SignedDigest exposes the digest a producer must sign for payload.
func SignedDigest(payload []byte) []byte {
	d := signedDigest(payload)
	return d[:]
}

// ParsePublicKey decodes an RSA public key in PKIX ("PUBLIC KEY") or PKCS#1
// ("RSA PUBLIC KEY") PEM form.
func ParsePublicKey(pemText string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(strings.TrimSpace(pemText)))
	if block == nil {
		return nil, errors.New("public key is not PEM encoded")
	}
	switch block.Type {
	case "RSA PUBLIC KEY":
		return x509.ParsePKCS1PublicKey(block.Bytes)
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		pub, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("unsupported public key type %T", key)
		}
		return pub, nil
	default:
		return nil, fmt.Errorf("unsupported PEM block %q", block.Type)
	}
}

package identity

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"seechange-ingest/internal/domain"
)

// CredentialStore is the read-only view of registered accounts. Accounts are
// created by the registration service; ingest only looks them up.
type CredentialStore interface {
	// Lookup returns the credential for username. ok is false when unknown.
	Lookup(ctx context.Context, username string) (cred domain.Credential, ok bool, err error)
}

// MemoryCredentialStore is an in-memory CredentialStore.
type MemoryCredentialStore struct {
	mu    sync.RWMutex
	creds map[string]domain.Credential
}

// NewMemoryCredentialStore returns a store holding creds.
func NewMemoryCredentialStore(creds ...domain.Credential) *MemoryCredentialStore {
	s := &MemoryCredentialStore{creds: make(map[string]domain.Credential, len(creds))}
	for _, c := range creds {
		s.Put(c)
	}
	return s
}

// Put adds or replaces a credential.
func (s *MemoryCredentialStore) Put(c domain.Credential) {
	c.Keys.UserID = c.Username
	s.mu.Lock()
	s.creds[c.Username] = c
	s.mu.Unlock()
}

// Lookup implements CredentialStore.
func (s *MemoryCredentialStore) Lookup(ctx context.Context, username string) (domain.Credential, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.Credential{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.creds[username]
	return c, ok, nil
}

// Len returns the number of accounts.
func (s *MemoryCredentialStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.creds)
}

// credentialsFile is the YAML layout written by the registration service:
//
//	users:
//	  - username: alice
//	    password_hash: $2a$10$...
//	    public_key: |
//	      -----BEGIN PUBLIC KEY-----
//	      ...
//	    private_key_ref: vault://keys/alice
type credentialsFile struct {
	Users []domain.Credential `yaml:"users"`
}

// LoadCredentialsFile reads accounts from a YAML file.
func LoadCredentialsFile(path string) (*MemoryCredentialStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credentials file: %w", err)
	}
	return ParseCredentials(data)
}

// ParseCredentials decodes accounts from YAML.
func ParseCredentials(data []byte) (*MemoryCredentialStore, error) {
	var f credentialsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	store := NewMemoryCredentialStore()
	for i, c := range f.Users {
		c.Username = strings.TrimSpace(c.Username)
		if c.Username == "" {
			return nil, fmt.Errorf("credentials entry %d: username is required", i)
		}
		if c.PasswordHash == "" {
			return nil, fmt.Errorf("credentials entry %q: password_hash is required", c.Username)
		}
		store.Put(c)
	}
	return store, nil
}

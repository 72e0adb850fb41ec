// Package identity validates producer credentials and bearer tokens.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"seechange-ingest/internal/domain"
)

// DefaultTokenTTL is the lifetime of an issued token.
const DefaultTokenTTL = 12 * time.Hour

const tokenIssuer = "seechange-ingest"

// tokenClaims is the JWT payload issued at login.
type tokenClaims struct {
	jwt.RegisteredClaims
	UserID string `json:"userId"`
}

// Config configures a Verifier.
type Config struct {
	Secret []byte
	TTL    time.Duration
	Now    func() time.Time
}

// Verifier checks passwords against the credential store and issues and
// validates HS256 tokens.
type Verifier struct {
	store  CredentialStore
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewVerifier returns a Verifier backed by store.
func NewVerifier(store CredentialStore, cfg Config) (*Verifier, error) {
	if store == nil {
		return nil, errors.New("credential store is required")
	}
	if len(cfg.Secret) == 0 {
		return nil, errors.New("token secret is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTokenTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Verifier{store: store, secret: cfg.Secret, ttl: cfg.TTL, now: cfg.Now}, nil
}

// Login checks username and password. On success it returns a signed token and
// the user's key material. Every failure is domain.ErrAuthentication so callers
// cannot tell unknown users from wrong passwords.
func (v *Verifier) Login(ctx context.Context, username, password string) (string, domain.KeyMaterial, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return "", domain.KeyMaterial{}, fmt.Errorf("%w: username and password are required", domain.ErrAuthentication)
	}
	cred, ok, err := v.store.Lookup(ctx, username)
	if err != nil {
		return "", domain.KeyMaterial{}, fmt.Errorf("lookup credential: %w", err)
	}
	if !ok {
		return "", domain.KeyMaterial{}, fmt.Errorf("%w: invalid username or password", domain.ErrAuthentication)
	}
	if bcrypt.CompareHashAndPassword([]byte(cred.PasswordHash), []byte(password)) != nil {
		return "", domain.KeyMaterial{}, fmt.Errorf("%w: invalid username or password", domain.ErrAuthentication)
	}

	token, err := v.issue(cred.Username)
	if err != nil {
		return "", domain.KeyMaterial{}, err
	}
	keys := cred.Keys
	keys.UserID = cred.Username
	return token, keys, nil
}

// Authenticate validates token and returns the user it was issued to.
func (v *Verifier) Authenticate(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", fmt.Errorf("%w: token is required", domain.ErrAuthentication)
	}
	var claims tokenClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return "", mapJWTError(err)
	}
	if strings.TrimSpace(claims.UserID) == "" {
		return "", fmt.Errorf("%w: token has no user", domain.ErrAuthentication)
	}
	return claims.UserID, nil
}

// KeyMaterial returns the key material on record for userID. A user without
// a registered key yields empty key material, not an error.
func (v *Verifier) KeyMaterial(ctx context.Context, userID string) (domain.KeyMaterial, error) {
	cred, ok, err := v.store.Lookup(ctx, userID)
	if err != nil {
		return domain.KeyMaterial{}, fmt.Errorf("lookup key material: %w", err)
	}
	if !ok {
		return domain.KeyMaterial{UserID: userID}, nil
	}
	keys := cred.Keys
	keys.UserID = userID
	return keys, nil
}

func (v *Verifier) issue(userID string) (string, error) {
	now := v.now().UTC()
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(v.ttl)),
		},
		UserID: userID,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// mapJWTError translates jwt library errors to authentication errors.
func mapJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: token expired", domain.ErrAuthentication)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return fmt.Errorf("%w: token signature invalid", domain.ErrAuthentication)
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%w: token algorithm invalid", domain.ErrAuthentication)
	default:
		return fmt.Errorf("%w: invalid token", domain.ErrAuthentication)
	}
}

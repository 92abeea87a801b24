// Package auth resolves API key credentials to principals.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"pushrelay/internal/model"
	"pushrelay/internal/storage"
)

var (
	ErrMissing   = errors.New("missing credential")
	ErrInvalid   = errors.New("invalid credential")
	ErrExpired   = errors.New("credential expired")
	ErrRevoked   = errors.New("credential revoked")
	ErrForbidden = errors.New("insufficient permission")
)

// TokenPrefix marks pushrelay API tokens.
const TokenPrefix = "prk_"

// Principal is the authenticated caller.
type Principal struct {
	KeyID       string
	Name        string
	Permissions []string
	RateLimit   int
}

func (p Principal) Can(perm string) bool {
	return model.APIKey{Permissions: p.Permissions}.Can(perm)
}

// Require returns ErrForbidden unless p holds perm.
func Require(p Principal, perm string) error {
	if !p.Can(perm) {
		return ErrForbidden
	}
	return nil
}

type Validator interface {
	Validate(ctx context.Context, credential string) (Principal, error)
}

type KeyLookup interface {
	APIKeyByTokenHash(ctx context.Context, hash string) (model.APIKey, error)
}

// StoreValidator looks tokens up by their sha256 hash.
type StoreValidator struct {
	keys KeyLookup
	now  func() time.Time
}

func NewStoreValidator(keys KeyLookup) *StoreValidator {
	return &StoreValidator{keys: keys, now: time.Now}
}

func (v *StoreValidator) Validate(ctx context.Context, credential string) (Principal, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return Principal{}, ErrMissing
	}
	k, err := v.keys.APIKeyByTokenHash(ctx, HashToken(credential))
	if errors.Is(err, storage.ErrNotFound) {
		return Principal{}, ErrInvalid
	}
	if err != nil {
		return Principal{}, err
	}
	now := v.now()
	if k.RevokedAt != nil && !now.Before(*k.RevokedAt) {
		return Principal{}, ErrRevoked
	}
	if k.ExpiresAt != nil && !now.Before(*k.ExpiresAt) {
		return Principal{}, ErrExpired
	}
	return Principal{KeyID: k.ID, Name: k.Name, Permissions: k.Permissions, RateLimit: k.RateLimit}, nil
}

// HashToken is the stored form of a token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(token)))
	return hex.EncodeToString(sum[:])
}

// GenerateToken returns a new random token. Only its hash is ever stored.
func GenerateToken() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return TokenPrefix + hex.EncodeToString(b), nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

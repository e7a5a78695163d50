// Package authn implements API key issuance and validation for the
// Admission API. Key material is never persisted — only its SHA-256
// digest — since a high-entropy random token gains nothing from an
// adaptive-cost hash meant to slow brute-forcing of low-entropy passwords.
package authn

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/runloom/controlplane/internal/ledger"
)

// ErrInvalidKey covers an unknown, disabled, revoked, or expired key.
var ErrInvalidKey = errors.New("authn: invalid or expired api key")

// Identity is the resolved principal behind a validated API key.
type Identity struct {
	KeyID    string
	TenantID string
	Scopes   []string
}

// IssuedKey is returned once, at issuance time; Token is never recoverable
// afterward since only its digest is persisted.
type IssuedKey struct {
	ID     string
	Token  string
	Prefix string
}

// Authenticator issues and validates API keys against the Ledger.
type Authenticator struct {
	store ledger.Store
	log   logr.Logger
}

// NewAuthenticator constructs an Authenticator backed by store.
func NewAuthenticator(store ledger.Store, log logr.Logger) *Authenticator {
	return &Authenticator{store: store, log: log.WithName("authn")}
}

// Issue mints a new API key for tenantID, returning the one-time-visible
// token. scopes is a caller-defined permission-string list. An empty
// tenantID is stored as is; it grants no cross-tenant access.
func (a *Authenticator) Issue(ctx context.Context, tenantID, name string, scopes []string, expiresAt *time.Time) (*IssuedKey, error) {
	secret := make([]byte, 24)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate api key material: %w", err)
	}
	token := hex.EncodeToString(secret)
	prefix := token[:8]
	digest := sha256.Sum256([]byte(token))

	scopesJSON, err := json.Marshal(scopes)
	if err != nil {
		return nil, fmt.Errorf("encode scopes: %w", err)
	}

	rec := ledger.APIKeyRecord{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Name:      name,
		KeyHash:   hex.EncodeToString(digest[:]),
		KeyPrefix: prefix,
		Scopes:    scopesJSON,
		ExpiresAt: expiresAt,
		Enabled:   true,
	}
	if err := a.store.CreateAPIKey(ctx, rec); err != nil {
		return nil, fmt.Errorf("create api key: %w", err)
	}
	return &IssuedKey{ID: rec.ID, Token: token, Prefix: prefix}, nil
}

// Validate resolves a presented token to its Identity, updating the key's
// last-used timestamp on success. Disabled, revoked, or expired keys fail
// closed with ErrInvalidKey, matching every other key-digest mismatch.
func (a *Authenticator) Validate(ctx context.Context, token string) (*Identity, error) {
	if len(token) < 8 {
		return nil, ErrInvalidKey
	}
	prefix := token[:8]
	rec, err := a.store.GetAPIKeyByPrefix(ctx, prefix)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, ErrInvalidKey
		}
		return nil, fmt.Errorf("lookup api key: %w", err)
	}

	digest := sha256.Sum256([]byte(token))
	if hex.EncodeToString(digest[:]) != rec.KeyHash {
		return nil, ErrInvalidKey
	}
	if !rec.Enabled {
		return nil, ErrInvalidKey
	}
	if rec.ExpiresAt != nil && rec.ExpiresAt.Before(time.Now().UTC()) {
		return nil, ErrInvalidKey
	}

	if err := a.store.TouchAPIKeyLastUsed(ctx, rec.ID, time.Now().UTC()); err != nil {
		a.log.Error(err, "touch api key last used", "keyId", rec.ID)
	}

	var scopes []string
	if len(rec.Scopes) > 0 {
		if err := json.Unmarshal(rec.Scopes, &scopes); err != nil {
			return nil, fmt.Errorf("decode scopes for key %s: %w", rec.ID, err)
		}
	}
	return &Identity{KeyID: rec.ID, TenantID: rec.TenantID, Scopes: scopes}, nil
}

// Revoke disables a key by id.
func (a *Authenticator) Revoke(ctx context.Context, keyID string) error {
	return a.store.RevokeAPIKey(ctx, keyID)
}

// List returns every API key record whose tenant id equals tenantID (an
// empty tenantID matches only keys issued with an empty tenant id), never
// including key material.
func (a *Authenticator) List(ctx context.Context, tenantID string) ([]ledger.APIKeyRecord, error) {
	return a.store.ListAPIKeys(ctx, tenantID)
}

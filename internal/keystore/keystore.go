// Package keystore owns the process master key and derives per-tenant
// subkeys from it with HKDF-SHA256. Derived keys are cached behind a
// reader-writer lock; the master key itself is never serialized.
package keystore

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/neoiadev63-dev/pierre-mcp-server-sub000/internal/audit"
	"github.com/neoiadev63-dev/pierre-mcp-server-sub000/internal/crypto"
	"github.com/neoiadev63-dev/pierre-mcp-server-sub000/internal/errs"
	"github.com/neoiadev63-dev/pierre-mcp-server-sub000/internal/storage"
	"github.com/neoiadev63-dev/pierre-mcp-server-sub000/pkg/models"
)

// KeyStore holds the master key and serves derived tenant keys.
type KeyStore struct {
	mu      sync.RWMutex
	master  []byte
	swapped bool
	cache   map[string][]byte // "tenant:v" → derived key

	store   storage.Store
	auditor *audit.Recorder
}

// New creates a KeyStore around a 32-byte master key. The key may be a
// bootstrap key that is later replaced exactly once via ReplaceMasterKey.
func New(master []byte, store storage.Store, auditor *audit.Recorder) (*KeyStore, error) {
	if len(master) != crypto.KeySize {
		return nil, errs.Wrapf(errs.ErrInvalidInput, "master key must be %d bytes, got %d", crypto.KeySize, len(master))
	}
	k := make([]byte, crypto.KeySize)
	copy(k, master)
	return &KeyStore{
		master:  k,
		cache:   make(map[string][]byte),
		store:   store,
		auditor: auditor,
	}, nil
}

// ReplaceMasterKey swaps the bootstrap key for the real data encryption
// key. Allowed exactly once, during startup, before any tenant key has
// been served off the bootstrap key for real data. The old key is wiped
// and the derivation cache cleared.
func (k *KeyStore) ReplaceMasterKey(newKey []byte) error {
	if len(newKey) != crypto.KeySize {
		return errs.Wrapf(errs.ErrInvalidInput, "master key must be %d bytes, got %d", crypto.KeySize, len(newKey))
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.swapped {
		return errs.Wrapf(errs.ErrInternal, "master key already replaced once")
	}
	crypto.Zero(k.master)
	k.master = make([]byte, crypto.KeySize)
	copy(k.master, newKey)
	k.swapped = true
	for c := range k.cache {
		crypto.Zero(k.cache[c])
		delete(k.cache, c)
	}
	return nil
}

// GlobalKey returns a copy of the master key for non-tenant-scoped
// ciphertext.
func (k *KeyStore) GlobalKey() []byte {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]byte, crypto.KeySize)
	copy(out, k.master)
	return out
}

// HashToken computes the HMAC-SHA256 lookup hash of a token under the
// master key. Exposed here so callers never hold the master key.
func (k *KeyStore) HashToken(token string) string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return crypto.HashToken(k.master, token)
}

// DeriveTenantKey derives the 32-byte subkey for (tenantID, version).
// The version is part of the HKDF info string, so rotating the version
// changes the derived key for the same tenant. Derivation never falls
// back to the master key.
func (k *KeyStore) DeriveTenantKey(tenantID string, version uint32) ([]byte, error) {
	if tenantID == "" {
		return nil, errs.Wrapf(errs.ErrInvalidInput, "tenant id is empty")
	}
	cacheKey := fmt.Sprintf("%s:%d", tenantID, version)

	k.mu.RLock()
	if key, ok := k.cache[cacheKey]; ok {
		out := make([]byte, crypto.KeySize)
		copy(out, key)
		k.mu.RUnlock()
		return out, nil
	}
	k.mu.RUnlock()

	k.mu.Lock()
	defer k.mu.Unlock()
	if key, ok := k.cache[cacheKey]; ok {
		out := make([]byte, crypto.KeySize)
		copy(out, key)
		return out, nil
	}

	derived, err := deriveKey(k.master, tenantID, version)
	if err != nil {
		k.auditor.Record(context.Background(), audit.Event(
			models.EventEncryptionFailed, models.SeverityCritical,
			"derive_tenant_key", "failure", "tenant key derivation failed"))
		return nil, err
	}
	k.cache[cacheKey] = derived

	out := make([]byte, crypto.KeySize)
	copy(out, derived)
	return out, nil
}

// deriveKey runs HKDF-SHA256 with an empty salt and the fixed info layout
// "tenant:{tenant_id}:v{version}".
func deriveKey(master []byte, tenantID string, version uint32) ([]byte, error) {
	info := fmt.Sprintf("tenant:%s:v%d", tenantID, version)
	r := hkdf.New(sha256.New, master, nil, []byte(info))
	key := make([]byte, crypto.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, errs.Wrap(errs.ErrEncryptionFailed, fmt.Errorf("deriving tenant key: %w", err))
	}
	return key, nil
}

// CurrentVersion returns the active key version for the scope, defaulting
// to 1 (with a warning audit event) when no version row exists yet.
func (k *KeyStore) CurrentVersion(ctx context.Context, tenantID *string) (uint32, error) {
	kv, err := k.store.ActiveKeyVersion(ctx, tenantID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			ev := audit.Event(models.EventSecurityPolicyViolation, models.SeverityWarning,
				"current_key_version", "defaulted", "no active key version for scope, defaulting to 1")
			ev.TenantID = tenantID
			k.auditor.Record(ctx, ev)
			return 1, nil
		}
		return 0, errs.Wrap(errs.ErrDatabase, err)
	}
	return kv.Version, nil
}

// SetCurrentVersion atomically activates version v for the scope,
// creating the version row with the given expiry if it does not exist.
func (k *KeyStore) SetCurrentVersion(ctx context.Context, tenantID *string, v uint32, expiresAt time.Time) error {
	if kv, err := k.store.ActiveKeyVersion(ctx, tenantID); err == nil && kv.Version == v {
		return nil
	}
	if err := k.store.ActivateKeyVersion(ctx, tenantID, v, expiresAt); err != nil {
		return errs.Wrap(errs.ErrDatabase, err)
	}
	return nil
}

// KeyForScope resolves the encryption key for a scope at a given version:
// the derived tenant key, or the global key when tenantID is nil.
func (k *KeyStore) KeyForScope(tenantID *string, version uint32) ([]byte, error) {
	if tenantID == nil {
		return k.GlobalKey(), nil
	}
	return k.DeriveTenantKey(*tenantID, version)
}

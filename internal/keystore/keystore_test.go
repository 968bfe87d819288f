package keystore

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/neoiadev63-dev/pierre-mcp-server-sub000/internal/audit"
	"github.com/neoiadev63-dev/pierre-mcp-server-sub000/internal/crypto"
	"github.com/neoiadev63-dev/pierre-mcp-server-sub000/internal/errs"
	"github.com/neoiadev63-dev/pierre-mcp-server-sub000/internal/storage"
	"github.com/neoiadev63-dev/pierre-mcp-server-sub000/pkg/models"
)

func newTestKeyStore(t *testing.T) (*KeyStore, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	auditor := audit.NewRecorder(store, zerolog.Nop())
	master := bytes.Repeat([]byte{0x42}, crypto.KeySize)
	ks, err := New(master, store, auditor)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return ks, store
}

func TestNewRejectsBadKeySize(t *testing.T) {
	store := storage.NewMemoryStore()
	auditor := audit.NewRecorder(store, zerolog.Nop())
	if _, err := New([]byte("too short"), store, auditor); !errors.Is(err, errs.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestDeriveTenantKeyDeterministic(t *testing.T) {
	ks, _ := newTestKeyStore(t)

	k1, err := ks.DeriveTenantKey("tenant-a", 1)
	if err != nil {
		t.Fatalf("DeriveTenantKey failed: %v", err)
	}
	if len(k1) != crypto.KeySize {
		t.Errorf("expected %d bytes, got %d", crypto.KeySize, len(k1))
	}
	k2, _ := ks.DeriveTenantKey("tenant-a", 1)
	if !bytes.Equal(k1, k2) {
		t.Error("same tenant and version should derive the same key")
	}
}

func TestDeriveTenantKeyIsolation(t *testing.T) {
	ks, _ := newTestKeyStore(t)

	a1, _ := ks.DeriveTenantKey("tenant-a", 1)
	b1, _ := ks.DeriveTenantKey("tenant-b", 1)
	if bytes.Equal(a1, b1) {
		t.Error("different tenants should derive different keys")
	}

	a2, _ := ks.DeriveTenantKey("tenant-a", 2)
	if bytes.Equal(a1, a2) {
		t.Error("different versions should derive different keys")
	}

	master := ks.GlobalKey()
	if bytes.Equal(a1, master) {
		t.Error("derived key should never equal the master key")
	}
}

func TestDeriveTenantKeyEmptyTenant(t *testing.T) {
	ks, _ := newTestKeyStore(t)
	if _, err := ks.DeriveTenantKey("", 1); !errors.Is(err, errs.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestDerivedKeyCopies(t *testing.T) {
	ks, _ := newTestKeyStore(t)
	k1, _ := ks.DeriveTenantKey("tenant-a", 1)
	crypto.Zero(k1)
	k2, _ := ks.DeriveTenantKey("tenant-a", 1)
	allZero := true
	for _, b := range k2 {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		t.Error("zeroing a returned key must not corrupt the cache")
	}
}

func TestReplaceMasterKeyOnce(t *testing.T) {
	ks, _ := newTestKeyStore(t)

	before, _ := ks.DeriveTenantKey("tenant-a", 1)

	newKey := bytes.Repeat([]byte{0x99}, crypto.KeySize)
	if err := ks.ReplaceMasterKey(newKey); err != nil {
		t.Fatalf("ReplaceMasterKey failed: %v", err)
	}

	after, _ := ks.DeriveTenantKey("tenant-a", 1)
	if bytes.Equal(before, after) {
		t.Error("derived keys should change after the master key swap")
	}
	if !bytes.Equal(ks.GlobalKey(), newKey) {
		t.Error("global key should be the new master key")
	}

	// Second swap is rejected
	if err := ks.ReplaceMasterKey(newKey); !errors.Is(err, errs.ErrInternal) {
		t.Errorf("expected ErrInternal on second swap, got %v", err)
	}
}

func TestCurrentVersionDefaultsToOne(t *testing.T) {
	ks, store := newTestKeyStore(t)
	ctx := context.Background()

	tenant := "tenant-a"
	v, err := ks.CurrentVersion(ctx, &tenant)
	if err != nil {
		t.Fatalf("CurrentVersion failed: %v", err)
	}
	if v != 1 {
		t.Errorf("expected default version 1, got %d", v)
	}

	// The fallback leaves an audit trail
	events, _ := store.QueryAuditEvents(ctx, storage.AuditFilter{
		EventType: string(models.EventSecurityPolicyViolation),
	})
	if len(events) == 0 {
		t.Error("expected a warning audit event for the version fallback")
	}
}

func TestSetCurrentVersion(t *testing.T) {
	ks, store := newTestKeyStore(t)
	ctx := context.Background()
	tenant := "tenant-a"
	expiry := time.Now().UTC().Add(365 * 24 * time.Hour)

	if err := ks.SetCurrentVersion(ctx, &tenant, 2, expiry); err != nil {
		t.Fatalf("SetCurrentVersion failed: %v", err)
	}
	v, err := ks.CurrentVersion(ctx, &tenant)
	if err != nil {
		t.Fatalf("CurrentVersion failed: %v", err)
	}
	if v != 2 {
		t.Errorf("expected version 2, got %d", v)
	}

	// Only one version may be active
	versions, _ := store.ListKeyVersions(ctx, &tenant)
	active := 0
	for _, kv := range versions {
		if kv.IsActive {
			active++
		}
	}
	if active != 1 {
		t.Errorf("expected exactly one active version, got %d", active)
	}
}

func TestHashTokenUsesMasterKey(t *testing.T) {
	ks, _ := newTestKeyStore(t)
	master := ks.GlobalKey()
	if ks.HashToken("rt_xyz") != crypto.HashToken(master, "rt_xyz") {
		t.Error("HashToken should be keyed by the master key")
	}
}

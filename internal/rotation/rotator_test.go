package rotation

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neoiadev63-dev/pierre-mcp-server-sub000/internal/audit"
	"github.com/neoiadev63-dev/pierre-mcp-server-sub000/internal/crypto"
	"github.com/neoiadev63-dev/pierre-mcp-server-sub000/internal/keystore"
	"github.com/neoiadev63-dev/pierre-mcp-server-sub000/internal/storage"
	"github.com/neoiadev63-dev/pierre-mcp-server-sub000/pkg/models"
)

func newTestRotator(t *testing.T, cfg Config) (*Rotator, *storage.MemoryStore, *keystore.KeyStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	auditor := audit.NewRecorder(store, zerolog.Nop())
	keys, err := keystore.New(bytes.Repeat([]byte{0x42}, crypto.KeySize), store, auditor)
	require.NoError(t, err)
	return New(cfg, store, keys, auditor, zerolog.Nop()), store, keys
}

func TestSweepEstablishesInitialVersion(t *testing.T) {
	ctx := context.Background()
	r, store, _ := newTestRotator(t, DefaultConfig())

	require.NoError(t, r.Sweep(ctx))

	kv, err := store.ActiveKeyVersion(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), kv.Version)
	assert.Equal(t, models.AlgorithmAESGCM, kv.Algorithm)
}

func TestSweepSkipsFreshKeys(t *testing.T) {
	ctx := context.Background()
	r, store, _ := newTestRotator(t, DefaultConfig())

	require.NoError(t, r.Sweep(ctx))
	require.NoError(t, r.Sweep(ctx))

	versions, _ := store.ListKeyVersions(ctx, nil)
	assert.Len(t, versions, 1, "a fresh key must not rotate")
}

func TestSweepRotatesAgedKeys(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	r, store, _ := newTestRotator(t, cfg)

	require.NoError(t, r.Sweep(ctx))

	// Jump past the rotation interval.
	r.now = func() time.Time {
		return time.Now().Add(time.Duration(cfg.IntervalDays+1) * 24 * time.Hour)
	}
	require.NoError(t, r.Sweep(ctx))

	kv, err := store.ActiveKeyVersion(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), kv.Version)
}

func TestSweepCoversTenantScopes(t *testing.T) {
	ctx := context.Background()
	r, store, _ := newTestRotator(t, DefaultConfig())

	// A tenant with stored credentials gets its own key scope.
	_, err := store.UpsertTenantCredentials(ctx, &models.TenantOAuthCredentials{
		TenantID: "tenant-a", Provider: models.ProviderStrava,
		ClientID: "c", ClientSecret: "enc",
	})
	require.NoError(t, err)

	require.NoError(t, r.Sweep(ctx))

	tenant := "tenant-a"
	kv, err := store.ActiveKeyVersion(ctx, &tenant)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), kv.Version)

	// Global scope is swept as well.
	_, err = store.ActiveKeyVersion(ctx, nil)
	require.NoError(t, err)
}

func TestEmergencyRotate(t *testing.T) {
	ctx := context.Background()
	r, store, _ := newTestRotator(t, DefaultConfig())
	tenant := "tenant-a"

	require.NoError(t, r.EmergencyRotate(ctx, &tenant, "suspected compromise"))
	require.NoError(t, r.EmergencyRotate(ctx, &tenant, "second incident"))

	kv, err := store.ActiveKeyVersion(ctx, &tenant)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), kv.Version, "every emergency request performs its own rotation")

	events, _ := store.QueryAuditEvents(ctx, storage.AuditFilter{
		EventType: string(models.EventKeyRotated),
		Severity:  string(models.SeverityCritical),
	})
	assert.Len(t, events, 2)
}

func TestRotationRetention(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.VersionsToRetain = 2
	r, store, _ := newTestRotator(t, cfg)

	for i := 0; i < 5; i++ {
		require.NoError(t, r.RotateScope(ctx, nil))
	}

	versions, _ := store.ListKeyVersions(ctx, nil)
	assert.Len(t, versions, 2)
	kv, err := store.ActiveKeyVersion(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(5), kv.Version)
}

func TestRotationStatus(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRotator(t, DefaultConfig())
	tenant := "tenant-a"

	require.NoError(t, r.RotateScope(ctx, &tenant))

	statuses := r.Status()
	require.Len(t, statuses, 1)
	assert.Equal(t, "tenant-a", statuses[0].Scope)
	assert.Equal(t, models.RotationCompleted, statuses[0].State)
	assert.NotNil(t, statuses[0].CompletedAt)
}

func TestRunDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	r, _, _ := newTestRotator(t, cfg)

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run should return immediately when disabled")
	}
}

func TestConfigNormalize(t *testing.T) {
	cfg := Config{Enabled: true, IntervalDays: -1, RotationHour: 99, MaxKeyAgeDays: 0, VersionsToRetain: 0}
	cfg.normalize()
	assert.Equal(t, 90, cfg.IntervalDays)
	assert.Equal(t, 2, cfg.RotationHour)
	assert.Equal(t, 365, cfg.MaxKeyAgeDays)
	assert.Equal(t, 3, cfg.VersionsToRetain)
}

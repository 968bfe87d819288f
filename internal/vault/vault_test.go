package vault

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
	"github.com/neoiadev63-dev/pierre-mcp-server-sub000/internal/errs"
	"github.com/neoiadev63-dev/pierre-mcp-server-sub000/internal/keystore"
	"github.com/neoiadev63-dev/pierre-mcp-server-sub000/internal/storage"
	"github.com/neoiadev63-dev/pierre-mcp-server-sub000/pkg/models"
)

func newTestVault(t *testing.T) (*Vault, *keystore.KeyStore, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	auditor := audit.NewRecorder(store, zerolog.Nop())
	keys, err := keystore.New(bytes.Repeat([]byte{0x42}, crypto.KeySize), store, auditor)
	require.NoError(t, err)
	return New(store, keys, auditor), keys, store
}

func testCreds() *models.TenantOAuthCredentials {
	return &models.TenantOAuthCredentials{
		TenantID:     "tenant-a",
		Provider:     models.ProviderStrava,
		ClientID:     "app_client_id",
		ClientSecret: "app_client_secret",
		RedirectURI:  "https://x/cb",
		Scopes:       []string{"read", "activity:read"},
	}
}

func TestTenantOAuthRoundTrip(t *testing.T) {
	ctx := context.Background()
	v, _, store := newTestVault(t)

	require.NoError(t, v.StoreTenantOAuth(ctx, testCreds()))

	// The stored row is ciphertext.
	raw, err := store.GetTenantCredentials(ctx, "tenant-a", models.ProviderStrava)
	require.NoError(t, err)
	assert.NotEqual(t, "app_client_secret", raw.ClientSecret)
	assert.NotContains(t, raw.ClientSecret, "app_client_secret")

	got, err := v.GetTenantOAuth(ctx, "tenant-a", models.ProviderStrava)
	require.NoError(t, err)
	assert.Equal(t, "app_client_secret", got.ClientSecret)
	assert.Equal(t, []string{"read", "activity:read"}, got.Scopes)
}

func TestTenantOAuthAuditTrail(t *testing.T) {
	ctx := context.Background()
	v, _, store := newTestVault(t)

	require.NoError(t, v.StoreTenantOAuth(ctx, testCreds()))
	events, _ := store.QueryAuditEvents(ctx, storage.AuditFilter{
		EventType: string(models.EventOAuthCredentialsCreated),
	})
	require.Len(t, events, 1)

	// Second store of the same registration is a modification.
	require.NoError(t, v.StoreTenantOAuth(ctx, testCreds()))
	events, _ = store.QueryAuditEvents(ctx, storage.AuditFilter{
		EventType: string(models.EventOAuthCredentialsModified),
	})
	require.Len(t, events, 1)

	_, err := v.GetTenantOAuth(ctx, "tenant-a", models.ProviderStrava)
	require.NoError(t, err)
	events, _ = store.QueryAuditEvents(ctx, storage.AuditFilter{
		EventType: string(models.EventOAuthCredentialsAccessed),
	})
	assert.Len(t, events, 1)
}

func TestTenantOAuthValidation(t *testing.T) {
	ctx := context.Background()
	v, _, _ := newTestVault(t)

	bad := testCreds()
	bad.Provider = "myspace"
	assert.ErrorIs(t, v.StoreTenantOAuth(ctx, bad), errs.ErrInvalidInput)

	bad = testCreds()
	bad.ClientSecret = ""
	assert.ErrorIs(t, v.StoreTenantOAuth(ctx, bad), errs.ErrInvalidInput)

	_, err := v.GetTenantOAuth(ctx, "tenant-a", models.ProviderStrava)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestUserTokenRoundTrip(t *testing.T) {
	ctx := context.Background()
	v, _, store := newTestVault(t)

	exp := time.Now().UTC().Add(6 * time.Hour)
	tok := &models.UserOAuthToken{
		UserID:       "user-1",
		TenantID:     "tenant-a",
		Provider:     models.ProviderStrava,
		AccessToken:  "at_secret",
		RefreshToken: "rt_secret",
		ExpiresAt:    &exp,
		Scope:        "activity:read",
	}
	require.NoError(t, v.UpsertUserToken(ctx, tok))

	raw, err := store.GetUserToken(ctx, "user-1", "tenant-a", models.ProviderStrava)
	require.NoError(t, err)
	assert.NotEqual(t, "at_secret", raw.AccessToken)
	assert.NotEqual(t, "rt_secret", raw.RefreshToken)
	assert.NotEmpty(t, raw.ID)

	got, err := v.GetUserToken(ctx, "user-1", "tenant-a", models.ProviderStrava)
	require.NoError(t, err)
	assert.Equal(t, "at_secret", got.AccessToken)
	assert.Equal(t, "rt_secret", got.RefreshToken)
	assert.Equal(t, "Bearer", got.TokenType)
}

func TestUserTokenReadableAfterRotation(t *testing.T) {
	ctx := context.Background()
	v, keys, _ := newTestVault(t)
	tenant := "tenant-a"

	tok := &models.UserOAuthToken{
		UserID:      "user-1",
		TenantID:    tenant,
		Provider:    models.ProviderFitbit,
		AccessToken: "at_v1",
	}
	require.NoError(t, v.UpsertUserToken(ctx, tok))

	// Rotate the tenant's key; the stored ciphertext keeps its version.
	expiry := time.Now().UTC().Add(365 * 24 * time.Hour)
	require.NoError(t, keys.SetCurrentVersion(ctx, &tenant, 2, expiry))

	got, err := v.GetUserToken(ctx, "user-1", tenant, models.ProviderFitbit)
	require.NoError(t, err)
	assert.Equal(t, "at_v1", got.AccessToken)
	assert.Equal(t, uint32(1), got.KeyVersion)

	// A refresh re-encrypts under the current version.
	require.NoError(t, v.RefreshUserToken(ctx, "user-1", tenant, models.ProviderFitbit, "at_v2", "", nil, ""))
	got, err = v.GetUserToken(ctx, "user-1", tenant, models.ProviderFitbit)
	require.NoError(t, err)
	assert.Equal(t, "at_v2", got.AccessToken)
	assert.Equal(t, uint32(2), got.KeyVersion)
}

func TestRefreshUserTokenAudit(t *testing.T) {
	ctx := context.Background()
	v, _, store := newTestVault(t)

	require.NoError(t, v.RefreshUserToken(ctx, "user-1", "tenant-a", models.ProviderStrava, "at_new", "rt_new", nil, ""))

	events, _ := store.QueryAuditEvents(ctx, storage.AuditFilter{
		EventType: string(models.EventTokenRefreshed),
	})
	assert.Len(t, events, 1)
}

func TestDeleteUserTokens(t *testing.T) {
	ctx := context.Background()
	v, _, _ := newTestVault(t)

	for _, p := range []models.Provider{models.ProviderStrava, models.ProviderFitbit} {
		require.NoError(t, v.UpsertUserToken(ctx, &models.UserOAuthToken{
			UserID: "user-1", TenantID: "tenant-a", Provider: p, AccessToken: "at",
		}))
	}

	n, err := v.DeleteUserTokens(ctx, "user-1", "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = v.GetUserToken(ctx, "user-1", "tenant-a", models.ProviderStrava)
	assert.ErrorIs(t, err, errs.ErrNotFound)

	err = v.DeleteUserToken(ctx, "user-1", "tenant-a", models.ProviderStrava)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestTenantIsolation(t *testing.T) {
	ctx := context.Background()
	v, _, store := newTestVault(t)

	require.NoError(t, v.StoreTenantOAuth(ctx, testCreds()))

	// Graft tenant A's ciphertext onto tenant B's row. Decryption must
	// fail: the AAD binds the ciphertext to its original tenant.
	rowA, err := store.GetTenantCredentials(ctx, "tenant-a", models.ProviderStrava)
	require.NoError(t, err)
	rowB := *rowA
	rowB.TenantID = "tenant-b"
	_, err = store.UpsertTenantCredentials(ctx, &rowB)
	require.NoError(t, err)

	_, err = v.GetTenantOAuth(ctx, "tenant-b", models.ProviderStrava)
	assert.ErrorIs(t, err, errs.ErrEncryptionFailed)

	// The failure is audited.
	events, _ := store.QueryAuditEvents(ctx, storage.AuditFilter{
		EventType: string(models.EventEncryptionFailed),
	})
	assert.NotEmpty(t, events)
}

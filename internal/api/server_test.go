package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neoiadev63-dev/pierre-mcp-server-sub000/internal/audit"
	"github.com/neoiadev63-dev/pierre-mcp-server-sub000/internal/crypto"
	"github.com/neoiadev63-dev/pierre-mcp-server-sub000/internal/keystore"
	"github.com/neoiadev63-dev/pierre-mcp-server-sub000/internal/rotation"
	"github.com/neoiadev63-dev/pierre-mcp-server-sub000/internal/storage"
	"github.com/neoiadev63-dev/pierre-mcp-server-sub000/internal/vault"
	"github.com/neoiadev63-dev/pierre-mcp-server-sub000/pkg/models"
)

const testAdminToken = "test-admin-token"

func newTestServer(t *testing.T) (http.Handler, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	auditor := audit.NewRecorder(store, zerolog.Nop())
	keys, err := keystore.New(bytes.Repeat([]byte{0x42}, crypto.KeySize), store, auditor)
	require.NoError(t, err)

	v := vault.New(store, keys, auditor)
	rot := rotation.New(rotation.DefaultConfig(), store, keys, auditor, zerolog.Nop())

	srv := NewServer(v, rot, auditor, Config{
		ListenAddr: ":0",
		AdminToken: testAdminToken,
	})
	return srv.BuildRouter(), store
}

func doRequest(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("X-Admin-Token", token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthPublic(t *testing.T) {
	h, _ := newTestServer(t)
	rec := doRequest(t, h, "GET", "/v1/sys/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminAuthRequired(t *testing.T) {
	h, store := newTestServer(t)

	rec := doRequest(t, h, "GET", "/v1/sys/audit-log", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(t, h, "GET", "/v1/sys/audit-log", "wrong-token", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	events, _ := store.QueryAuditEvents(context.Background(), storage.AuditFilter{
		EventType: string(models.EventAuthenticationFailed),
	})
	assert.Len(t, events, 2)
}

func TestTenantOAuthCRUD(t *testing.T) {
	h, _ := newTestServer(t)

	rec := doRequest(t, h, "POST", "/v1/tenants/tenant-a/oauth/strava", testAdminToken, map[string]any{
		"client_id":     "app_id",
		"client_secret": "app_secret",
		"redirect_uri":  "https://x/cb",
		"scopes":        []string{"activity:read"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, h, "GET", "/v1/tenants/tenant-a/oauth/strava", testAdminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "app_id", resp["client_id"])
	assert.Equal(t, true, resp["client_secret_set"])
	assert.NotContains(t, rec.Body.String(), "app_secret")

	rec = doRequest(t, h, "DELETE", "/v1/tenants/tenant-a/oauth/strava", testAdminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, h, "GET", "/v1/tenants/tenant-a/oauth/strava", testAdminToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTenantOAuthValidation(t *testing.T) {
	h, _ := newTestServer(t)

	// Unknown provider
	rec := doRequest(t, h, "POST", "/v1/tenants/tenant-a/oauth/myspace", testAdminToken, map[string]any{
		"client_id": "a", "client_secret": "b",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Missing secret
	rec = doRequest(t, h, "POST", "/v1/tenants/tenant-a/oauth/strava", testAdminToken, map[string]any{
		"client_id": "a",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRotationEndpoints(t *testing.T) {
	h, _ := newTestServer(t)

	rec := doRequest(t, h, "POST", "/v1/sys/rotation/rotate", testAdminToken, map[string]any{
		"tenant_id": "tenant-a",
		"reason":    "drill",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, h, "GET", "/v1/sys/rotation/status", testAdminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Scopes []models.RotationStatus `json:"scopes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Scopes, 1)
	assert.Equal(t, "tenant-a", resp.Scopes[0].Scope)
	assert.Equal(t, models.RotationCompleted, resp.Scopes[0].State)
}

func TestRotateRequiresReason(t *testing.T) {
	h, _ := newTestServer(t)
	rec := doRequest(t, h, "POST", "/v1/sys/rotation/rotate", testAdminToken, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuditLogEndpoint(t *testing.T) {
	h, _ := newTestServer(t)

	// Generate some events.
	doRequest(t, h, "POST", "/v1/tenants/tenant-a/oauth/strava", testAdminToken, map[string]any{
		"client_id": "a", "client_secret": "b",
	})

	rec := doRequest(t, h, "GET", "/v1/sys/audit-log?tenant_id=tenant-a", testAdminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data []models.AuditEvent `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Data)
}

func TestUserTokenDeleteNotFound(t *testing.T) {
	h, _ := newTestServer(t)
	rec := doRequest(t, h, "DELETE", "/v1/tenants/tenant-a/users/user-1/tokens/strava", testAdminToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

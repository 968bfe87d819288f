package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/neoiadev63-dev/pierre-mcp-server-sub000/pkg/models"
)

func TestConsumeAuthCodeAtomic(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	code := &models.OAuth2AuthCode{
		Code:        "abc123",
		ClientID:    "cli_1",
		UserID:      "user-1",
		TenantID:    "tenant-a",
		RedirectURI: "https://x/cb",
		ExpiresAt:   time.Now().Add(10 * time.Minute),
	}
	if err := m.InsertAuthCode(ctx, code); err != nil {
		t.Fatalf("InsertAuthCode failed: %v", err)
	}

	// 100 concurrent consumers: exactly one wins.
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			row, err := m.ConsumeAuthCode(ctx, "abc123", "cli_1", "https://x/cb", time.Now())
			if err == nil && row != nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("expected exactly 1 successful consume, got %d", wins)
	}
}

func TestConsumeAuthCodeConditions(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	m := NewMemoryStore()

	insert := func(code string, expiresAt time.Time) {
		t.Helper()
		if err := m.InsertAuthCode(ctx, &models.OAuth2AuthCode{
			Code: code, ClientID: "cli_1", RedirectURI: "https://x/cb", ExpiresAt: expiresAt,
		}); err != nil {
			t.Fatalf("insert %s: %v", code, err)
		}
	}
	insert("fresh", now.Add(time.Minute))
	insert("stale", now.Add(-time.Minute))

	if _, err := m.ConsumeAuthCode(ctx, "fresh", "other_client", "https://x/cb", now); err != ErrNotFound {
		t.Errorf("client mismatch: expected ErrNotFound, got %v", err)
	}
	if _, err := m.ConsumeAuthCode(ctx, "fresh", "cli_1", "https://evil/cb", now); err != ErrNotFound {
		t.Errorf("redirect mismatch: expected ErrNotFound, got %v", err)
	}
	if _, err := m.ConsumeAuthCode(ctx, "stale", "cli_1", "https://x/cb", now); err != ErrNotFound {
		t.Errorf("expired: expected ErrNotFound, got %v", err)
	}
	if _, err := m.ConsumeAuthCode(ctx, "missing", "cli_1", "https://x/cb", now); err != ErrNotFound {
		t.Errorf("missing: expected ErrNotFound, got %v", err)
	}

	// A failed consume leaves the code intact.
	row, err := m.ConsumeAuthCode(ctx, "fresh", "cli_1", "https://x/cb", now)
	if err != nil || row == nil {
		t.Fatalf("valid consume should succeed, got %v", err)
	}
	// Replay fails.
	if _, err := m.ConsumeAuthCode(ctx, "fresh", "cli_1", "https://x/cb", now); err != ErrNotFound {
		t.Errorf("replay: expected ErrNotFound, got %v", err)
	}
}

func TestConsumeRefreshTokenRevokes(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	m := NewMemoryStore()

	if err := m.InsertRefreshToken(ctx, &models.OAuth2RefreshToken{
		TokenHash: "hash1", ClientID: "cli_1", ExpiresAt: now.Add(time.Hour),
	}); err != nil {
		t.Fatalf("InsertRefreshToken failed: %v", err)
	}

	row, err := m.ConsumeRefreshToken(ctx, "hash1", "cli_1", now)
	if err != nil {
		t.Fatalf("consume failed: %v", err)
	}
	if !row.Revoked {
		t.Error("returned row should reflect the revoked state")
	}
	if _, err := m.ConsumeRefreshToken(ctx, "hash1", "cli_1", now); err != ErrNotFound {
		t.Errorf("replay: expected ErrNotFound, got %v", err)
	}
	// Diagnostic lookup still sees the row.
	rec, err := m.GetRefreshToken(ctx, "hash1")
	if err != nil {
		t.Fatalf("GetRefreshToken failed: %v", err)
	}
	if !rec.Revoked {
		t.Error("stored row should be revoked")
	}
}

func TestActivateKeyVersionSingleActive(t *testing.T) {
	ctx := context.Background()
	tenant := "tenant-a"
	m := NewMemoryStore()
	expiry := time.Now().Add(time.Hour)

	for v := uint32(1); v <= 3; v++ {
		if err := m.ActivateKeyVersion(ctx, &tenant, v, expiry); err != nil {
			t.Fatalf("activate v%d: %v", v, err)
		}
	}

	versions, _ := m.ListKeyVersions(ctx, &tenant)
	if len(versions) != 3 {
		t.Fatalf("expected 3 versions, got %d", len(versions))
	}
	active := 0
	for _, kv := range versions {
		if kv.IsActive {
			active++
			if kv.Version != 3 {
				t.Errorf("expected version 3 active, got %d", kv.Version)
			}
		}
	}
	if active != 1 {
		t.Errorf("expected exactly one active version, got %d", active)
	}
}

func TestPruneKeyVersionsKeepsActive(t *testing.T) {
	ctx := context.Background()
	tenant := "tenant-a"
	m := NewMemoryStore()
	expiry := time.Now().Add(time.Hour)

	for v := uint32(1); v <= 5; v++ {
		if err := m.ActivateKeyVersion(ctx, &tenant, v, expiry); err != nil {
			t.Fatalf("activate v%d: %v", v, err)
		}
	}
	// Re-activate an old version so the active row falls outside the
	// newest-N window.
	if err := m.ActivateKeyVersion(ctx, &tenant, 1, expiry); err != nil {
		t.Fatalf("re-activate v1: %v", err)
	}

	if _, err := m.PruneKeyVersions(ctx, &tenant, 2); err != nil {
		t.Fatalf("prune: %v", err)
	}
	versions, _ := m.ListKeyVersions(ctx, &tenant)
	foundActive := false
	for _, kv := range versions {
		if kv.Version == 1 && kv.IsActive {
			foundActive = true
		}
	}
	if !foundActive {
		t.Error("prune must never remove the active version")
	}
}

func TestPurgeExpired(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	m := NewMemoryStore()

	m.InsertAuthCode(ctx, &models.OAuth2AuthCode{Code: "old", ClientID: "c", ExpiresAt: now.Add(-time.Minute)})     //nolint:errcheck
	m.InsertAuthCode(ctx, &models.OAuth2AuthCode{Code: "new", ClientID: "c", ExpiresAt: now.Add(time.Minute)})      //nolint:errcheck
	m.InsertState(ctx, &models.OAuth2State{State: "old", ClientID: "c", ExpiresAt: now.Add(-time.Minute)})          //nolint:errcheck
	m.InsertRefreshToken(ctx, &models.OAuth2RefreshToken{TokenHash: "old", ExpiresAt: now.Add(-time.Minute)})       //nolint:errcheck
	m.InsertClientState(ctx, &models.OAuthClientState{State: "old", Provider: "strava", ExpiresAt: now.Add(-time.Minute)}) //nolint:errcheck

	n, err := m.PurgeExpired(ctx, now)
	if err != nil {
		t.Fatalf("PurgeExpired failed: %v", err)
	}
	if n != 4 {
		t.Errorf("expected 4 purged rows, got %d", n)
	}
	if _, err := m.GetAuthCode(ctx, "new"); err != nil {
		t.Error("unexpired code should survive the purge")
	}
}

func TestQueryAuditEventsFilter(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	tenantA, tenantB := "tenant-a", "tenant-b"

	events := []*models.AuditEvent{
		{EventID: "1", EventType: models.EventKeyRotated, Severity: models.SeverityInfo, TenantID: &tenantA, Timestamp: time.Now()},
		{EventID: "2", EventType: models.EventSecurityPolicyViolation, Severity: models.SeverityWarning, TenantID: &tenantA, Timestamp: time.Now()},
		{EventID: "3", EventType: models.EventKeyRotated, Severity: models.SeverityInfo, TenantID: &tenantB, Timestamp: time.Now()},
	}
	for _, ev := range events {
		if err := m.InsertAuditEvent(ctx, ev); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	got, err := m.QueryAuditEvents(ctx, AuditFilter{TenantID: tenantA, EventType: string(models.EventKeyRotated)})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 1 || got[0].EventID != "1" {
		t.Errorf("expected event 1, got %+v", got)
	}

	got, _ = m.QueryAuditEvents(ctx, AuditFilter{Severity: string(models.SeverityWarning)})
	if len(got) != 1 || got[0].EventID != "2" {
		t.Errorf("expected event 2, got %+v", got)
	}

	got, _ = m.QueryAuditEvents(ctx, AuditFilter{Limit: 2})
	if len(got) != 2 {
		t.Errorf("expected 2 events with limit, got %d", len(got))
	}
}

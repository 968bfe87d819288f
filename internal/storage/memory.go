package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/neoiadev63-dev/pierre-mcp-server-sub000/pkg/models"
)

// MemoryStore is an in-memory Store for development and tests. All
// Consume* methods hold the write lock across check and mutation, so the
// at-most-once guarantee holds under concurrent callers exactly as it
// does for the SQL backend's conditional updates.
type MemoryStore struct {
	mu sync.Mutex

	keyVersions map[string][]*models.KeyVersion           // scope → versions
	tenantCreds map[credKey]*models.TenantOAuthCredentials
	userTokens  map[tokenKey]*models.UserOAuthToken
	authCodes   map[string]*models.OAuth2AuthCode
	refresh     map[string]*models.OAuth2RefreshToken // keyed by token hash
	states      map[string]*models.OAuth2State
	clientState map[string]*models.OAuthClientState
	audit       []*models.AuditEvent
}

type credKey struct {
	tenantID string
	provider models.Provider
}

type tokenKey struct {
	userID   string
	tenantID string
	provider models.Provider
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keyVersions: map[string][]*models.KeyVersion{},
		tenantCreds: map[credKey]*models.TenantOAuthCredentials{},
		userTokens:  map[tokenKey]*models.UserOAuthToken{},
		authCodes:   map[string]*models.OAuth2AuthCode{},
		refresh:     map[string]*models.OAuth2RefreshToken{},
		states:      map[string]*models.OAuth2State{},
		clientState: map[string]*models.OAuthClientState{},
	}
}

func (m *MemoryStore) Close() {}

// --- Key versions ---

func (m *MemoryStore) CreateKeyVersion(ctx context.Context, kv *models.KeyVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	scope := scopeKey(kv.TenantID)
	for _, existing := range m.keyVersions[scope] {
		if existing.Version == kv.Version {
			return ErrAlreadyExists
		}
	}
	cp := *kv
	m.keyVersions[scope] = append(m.keyVersions[scope], &cp)
	return nil
}

func (m *MemoryStore) ActiveKeyVersion(ctx context.Context, tenantID *string) (*models.KeyVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, kv := range m.keyVersions[scopeKey(tenantID)] {
		if kv.IsActive {
			cp := *kv
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ActivateKeyVersion(ctx context.Context, tenantID *string, version uint32, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	scope := scopeKey(tenantID)
	found := false
	for _, kv := range m.keyVersions[scope] {
		if kv.Version == version {
			found = true
			break
		}
	}
	if !found {
		cp := models.KeyVersion{
			TenantID:  scopeTenant(scope),
			Version:   version,
			Algorithm: models.AlgorithmAESGCM,
			CreatedAt: time.Now().UTC(),
			ExpiresAt: expiresAt,
		}
		m.keyVersions[scope] = append(m.keyVersions[scope], &cp)
	}
	for _, kv := range m.keyVersions[scope] {
		kv.IsActive = kv.Version == version
	}
	return nil
}

func (m *MemoryStore) ListKeyVersions(ctx context.Context, tenantID *string) ([]*models.KeyVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	versions := m.keyVersions[scopeKey(tenantID)]
	out := make([]*models.KeyVersion, len(versions))
	for i, kv := range versions {
		cp := *kv
		out[i] = &cp
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (m *MemoryStore) PruneKeyVersions(ctx context.Context, tenantID *string, retain int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	scope := scopeKey(tenantID)
	versions := m.keyVersions[scope]
	if len(versions) <= retain {
		return 0, nil
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i].Version > versions[j].Version })
	kept := versions[:retain:retain]
	var pruned int64
	for _, kv := range versions[retain:] {
		if kv.IsActive {
			kept = append(kept, kv)
			continue
		}
		pruned++
	}
	m.keyVersions[scope] = kept
	return pruned, nil
}

func (m *MemoryStore) ListTenantScopes(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]bool{}
	for k := range m.tenantCreds {
		seen[k.tenantID] = true
	}
	for scope := range m.keyVersions {
		if scope != "" {
			seen[scope] = true
		}
	}
	tenants := make([]string, 0, len(seen))
	for t := range seen {
		tenants = append(tenants, t)
	}
	sort.Strings(tenants)
	return tenants, nil
}

// --- Tenant OAuth credentials ---

func (m *MemoryStore) UpsertTenantCredentials(ctx context.Context, c *models.TenantOAuthCredentials) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := credKey{c.TenantID, c.Provider}
	_, exists := m.tenantCreds[k]
	cp := *c
	now := time.Now().UTC()
	if exists {
		cp.CreatedAt = m.tenantCreds[k].CreatedAt
	} else {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	m.tenantCreds[k] = &cp
	return !exists, nil
}

func (m *MemoryStore) GetTenantCredentials(ctx context.Context, tenantID string, provider models.Provider) (*models.TenantOAuthCredentials, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.tenantCreds[credKey{tenantID, provider}]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) DeleteTenantCredentials(ctx context.Context, tenantID string, provider models.Provider) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := credKey{tenantID, provider}
	if _, ok := m.tenantCreds[k]; !ok {
		return ErrNotFound
	}
	delete(m.tenantCreds, k)
	return nil
}

// --- User OAuth tokens ---

func (m *MemoryStore) UpsertUserToken(ctx context.Context, t *models.UserOAuthToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := tokenKey{t.UserID, t.TenantID, t.Provider}
	cp := *t
	now := time.Now().UTC()
	if existing, ok := m.userTokens[k]; ok {
		cp.ID = existing.ID
		cp.CreatedAt = existing.CreatedAt
	} else {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	m.userTokens[k] = &cp
	return nil
}

func (m *MemoryStore) GetUserToken(ctx context.Context, userID, tenantID string, provider models.Provider) (*models.UserOAuthToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.userTokens[tokenKey{userID, tenantID, provider}]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) DeleteUserToken(ctx context.Context, userID, tenantID string, provider models.Provider) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := tokenKey{userID, tenantID, provider}
	if _, ok := m.userTokens[k]; !ok {
		return ErrNotFound
	}
	delete(m.userTokens, k)
	return nil
}

func (m *MemoryStore) DeleteUserTokens(ctx context.Context, userID, tenantID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k := range m.userTokens {
		if k.userID == userID && k.tenantID == tenantID {
			delete(m.userTokens, k)
			n++
		}
	}
	return n, nil
}

// --- Authorization codes ---

func (m *MemoryStore) InsertAuthCode(ctx context.Context, c *models.OAuth2AuthCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.authCodes[c.Code]; exists {
		return ErrAlreadyExists
	}
	cp := *c
	cp.CreatedAt = time.Now().UTC()
	m.authCodes[c.Code] = &cp
	return nil
}

func (m *MemoryStore) ConsumeAuthCode(ctx context.Context, code, clientID, redirectURI string, now time.Time) (*models.OAuth2AuthCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.authCodes[code]
	if !ok || c.ClientID != clientID || c.RedirectURI != redirectURI || c.Used || !c.ExpiresAt.After(now) {
		return nil, ErrNotFound
	}
	c.Used = true
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) GetAuthCode(ctx context.Context, code string) (*models.OAuth2AuthCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.authCodes[code]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// --- Refresh tokens ---

func (m *MemoryStore) InsertRefreshToken(ctx context.Context, t *models.OAuth2RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.refresh[t.TokenHash]; exists {
		return ErrAlreadyExists
	}
	cp := *t
	m.refresh[t.TokenHash] = &cp
	return nil
}

func (m *MemoryStore) ConsumeRefreshToken(ctx context.Context, tokenHash, clientID string, now time.Time) (*models.OAuth2RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.refresh[tokenHash]
	if !ok || t.ClientID != clientID || t.Revoked || !t.ExpiresAt.After(now) {
		return nil, ErrNotFound
	}
	t.Revoked = true
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) GetRefreshToken(ctx context.Context, tokenHash string) (*models.OAuth2RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.refresh[tokenHash]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

// --- CSRF states ---

func (m *MemoryStore) InsertState(ctx context.Context, s *models.OAuth2State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.states[s.State]; exists {
		return ErrAlreadyExists
	}
	cp := *s
	cp.CreatedAt = time.Now().UTC()
	m.states[s.State] = &cp
	return nil
}

func (m *MemoryStore) ConsumeState(ctx context.Context, state, clientID string, now time.Time) (*models.OAuth2State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[state]
	if !ok || s.ClientID != clientID || s.Used || !s.ExpiresAt.After(now) {
		return nil, ErrNotFound
	}
	s.Used = true
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) GetState(ctx context.Context, state string) (*models.OAuth2State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[state]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

// --- Client states ---

func (m *MemoryStore) InsertClientState(ctx context.Context, s *models.OAuthClientState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.clientState[s.State]; exists {
		return ErrAlreadyExists
	}
	cp := *s
	cp.CreatedAt = time.Now().UTC()
	m.clientState[s.State] = &cp
	return nil
}

func (m *MemoryStore) ConsumeClientState(ctx context.Context, state string, provider models.Provider, now time.Time) (*models.OAuthClientState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.clientState[state]
	if !ok || s.Provider != provider || s.Used || !s.ExpiresAt.After(now) {
		return nil, ErrNotFound
	}
	s.Used = true
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) GetClientState(ctx context.Context, state string) (*models.OAuthClientState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.clientState[state]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

// --- TTL purge ---

func (m *MemoryStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for code, c := range m.authCodes {
		if !c.ExpiresAt.After(now) {
			delete(m.authCodes, code)
			n++
		}
	}
	for state, s := range m.states {
		if !s.ExpiresAt.After(now) {
			delete(m.states, state)
			n++
		}
	}
	for state, s := range m.clientState {
		if !s.ExpiresAt.After(now) {
			delete(m.clientState, state)
			n++
		}
	}
	for hash, t := range m.refresh {
		if !t.ExpiresAt.After(now) {
			delete(m.refresh, hash)
			n++
		}
	}
	return n, nil
}

// --- Audit ---

func (m *MemoryStore) InsertAuditEvent(ctx context.Context, ev *models.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *ev
	m.audit = append(m.audit, &cp)
	return nil
}

func (m *MemoryStore) QueryAuditEvents(ctx context.Context, filter AuditFilter) ([]*models.AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.AuditEvent
	for i := len(m.audit) - 1; i >= 0; i-- {
		ev := m.audit[i]
		if filter.TenantID != "" && (ev.TenantID == nil || *ev.TenantID != filter.TenantID) {
			continue
		}
		if filter.UserID != "" && (ev.UserID == nil || *ev.UserID != filter.UserID) {
			continue
		}
		if filter.EventType != "" && string(ev.EventType) != filter.EventType {
			continue
		}
		if filter.Severity != "" && string(ev.Severity) != filter.Severity {
			continue
		}
		if filter.Since != nil && ev.Timestamp.Before(*filter.Since) {
			continue
		}
		cp := *ev
		out = append(out, &cp)
	}
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
var _ Store = (*PostgresStore)(nil)

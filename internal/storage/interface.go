package storage

import (
	"context"
	"errors"
	"time"

	"github.com/neoiadev63-dev/pierre-mcp-server-sub000/pkg/models"
)

// ErrNotFound is returned when a requested row does not exist, or when a
// conditional consume matched no row.
var ErrNotFound = errors.New("not found")

// ErrAlreadyExists is returned when inserting a row whose key is taken.
var ErrAlreadyExists = errors.New("already exists")

// Store is the persistence port for the credential security core.
//
// Every Consume* method must be a single atomic conditional update with
// returning semantics: it flips the terminal flag iff all conditions hold
// and returns the previous row. Backends that can only offer
// read-then-write must not implement this interface: that reintroduces
// the TOCTOU window the core exists to close. Expiry is always checked
// against the now argument, never the database clock.
type Store interface {
	// Key versions
	CreateKeyVersion(ctx context.Context, kv *models.KeyVersion) error
	ActiveKeyVersion(ctx context.Context, tenantID *string) (*models.KeyVersion, error)
	// ActivateKeyVersion creates-or-activates version v for the scope and
	// deactivates every other version, in one transaction.
	ActivateKeyVersion(ctx context.Context, tenantID *string, version uint32, expiresAt time.Time) error
	ListKeyVersions(ctx context.Context, tenantID *string) ([]*models.KeyVersion, error)
	PruneKeyVersions(ctx context.Context, tenantID *string, retain int) (int64, error)
	// ListTenantScopes returns the distinct tenant IDs that hold
	// credentials or key versions, for rotation sweeps.
	ListTenantScopes(ctx context.Context) ([]string, error)

	// Tenant OAuth app credentials (ciphertext at this layer).
	// Upsert reports whether a new row was created.
	UpsertTenantCredentials(ctx context.Context, c *models.TenantOAuthCredentials) (created bool, err error)
	GetTenantCredentials(ctx context.Context, tenantID string, provider models.Provider) (*models.TenantOAuthCredentials, error)
	DeleteTenantCredentials(ctx context.Context, tenantID string, provider models.Provider) error

	// User OAuth tokens (ciphertext at this layer).
	UpsertUserToken(ctx context.Context, t *models.UserOAuthToken) error
	GetUserToken(ctx context.Context, userID, tenantID string, provider models.Provider) (*models.UserOAuthToken, error)
	DeleteUserToken(ctx context.Context, userID, tenantID string, provider models.Provider) error
	DeleteUserTokens(ctx context.Context, userID, tenantID string) (int64, error)

	// Authorization codes
	InsertAuthCode(ctx context.Context, c *models.OAuth2AuthCode) error
	// ConsumeAuthCode flips used=false→true iff the code exists, client
	// and redirect match, it is unused, and not expired at now.
	ConsumeAuthCode(ctx context.Context, code, clientID, redirectURI string, now time.Time) (*models.OAuth2AuthCode, error)
	// GetAuthCode is a read-only diagnostic lookup for audit classification.
	GetAuthCode(ctx context.Context, code string) (*models.OAuth2AuthCode, error)

	// Refresh tokens, keyed by HMAC hash of the plaintext.
	InsertRefreshToken(ctx context.Context, t *models.OAuth2RefreshToken) error
	ConsumeRefreshToken(ctx context.Context, tokenHash, clientID string, now time.Time) (*models.OAuth2RefreshToken, error)
	GetRefreshToken(ctx context.Context, tokenHash string) (*models.OAuth2RefreshToken, error)

	// CSRF states (authorization-server side)
	InsertState(ctx context.Context, s *models.OAuth2State) error
	ConsumeState(ctx context.Context, state, clientID string, now time.Time) (*models.OAuth2State, error)
	GetState(ctx context.Context, state string) (*models.OAuth2State, error)

	// Client states (this server as OAuth client against a provider)
	InsertClientState(ctx context.Context, s *models.OAuthClientState) error
	ConsumeClientState(ctx context.Context, state string, provider models.Provider, now time.Time) (*models.OAuthClientState, error)
	GetClientState(ctx context.Context, state string) (*models.OAuthClientState, error)

	// PurgeExpired removes codes, states, and refresh tokens past their
	// expiry. Returns the number of rows removed.
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)

	// Audit
	InsertAuditEvent(ctx context.Context, ev *models.AuditEvent) error
	QueryAuditEvents(ctx context.Context, filter AuditFilter) ([]*models.AuditEvent, error)

	// Lifecycle
	Close()
}

// AuditFilter specifies query parameters for audit log retrieval.
type AuditFilter struct {
	TenantID  string
	UserID    string
	EventType string
	Severity  string
	Since     *time.Time
	Limit     int
	Offset    int
}

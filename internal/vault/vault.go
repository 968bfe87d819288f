// Package vault is the encrypted store for tenant OAuth app credentials
// and per-user provider tokens. Secrets cross this boundary as plaintext
// in memory only; everything below it is AES-256-GCM ciphertext bound to
// its tenant, user, and provider context.
package vault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/neoiadev63-dev/pierre-mcp-server-sub000/internal/audit"
	"github.com/neoiadev63-dev/pierre-mcp-server-sub000/internal/crypto"
	"github.com/neoiadev63-dev/pierre-mcp-server-sub000/internal/errs"
	"github.com/neoiadev63-dev/pierre-mcp-server-sub000/internal/keystore"
	"github.com/neoiadev63-dev/pierre-mcp-server-sub000/internal/metrics"
	"github.com/neoiadev63-dev/pierre-mcp-server-sub000/internal/storage"
	"github.com/neoiadev63-dev/pierre-mcp-server-sub000/pkg/models"
)

// encrypt and decrypt wrap the primitives with operation metrics.
func encrypt(key, plaintext []byte, aad string) (string, error) {
	out, err := crypto.Encrypt(key, plaintext, aad)
	metrics.CryptoOperations.WithLabelValues("encrypt", statusLabel(err)).Inc()
	return out, err
}

func decrypt(key []byte, ciphertext, aad string) ([]byte, error) {
	out, err := crypto.Decrypt(key, ciphertext, aad)
	metrics.CryptoOperations.WithLabelValues("decrypt", statusLabel(err)).Inc()
	return out, err
}

func statusLabel(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

// Vault encrypts and persists OAuth secrets.
type Vault struct {
	store   storage.Store
	keys    *keystore.KeyStore
	auditor *audit.Recorder
	now     func() time.Time
}

// New creates a Vault.
func New(store storage.Store, keys *keystore.KeyStore, auditor *audit.Recorder) *Vault {
	return &Vault{store: store, keys: keys, auditor: auditor, now: time.Now}
}

// StoreTenantOAuth encrypts the client secret under the tenant's current
// key version and upserts the credential row. An existing (tenant,
// provider) registration is replaced.
func (v *Vault) StoreTenantOAuth(ctx context.Context, c *models.TenantOAuthCredentials) error {
	if c.TenantID == "" || c.ClientID == "" || c.ClientSecret == "" {
		return errs.Wrapf(errs.ErrInvalidInput, "tenant id, client id, and client secret are required")
	}
	if !c.Provider.Valid() {
		return errs.Wrapf(errs.ErrInvalidInput, "unknown provider %q", c.Provider)
	}
	if err := ctx.Err(); err != nil {
		return errs.Wrap(errs.ErrCancelled, err)
	}

	version, err := v.keys.CurrentVersion(ctx, &c.TenantID)
	if err != nil {
		return err
	}
	key, err := v.keys.DeriveTenantKey(c.TenantID, version)
	if err != nil {
		return err
	}
	defer crypto.Zero(key)

	enc, err := encrypt(key, []byte(c.ClientSecret), crypto.TenantCredentialsAAD(c.TenantID, string(c.Provider)))
	if err != nil {
		v.auditFailure(ctx, "store_tenant_oauth", &c.TenantID, nil, err)
		return err
	}

	row := *c
	row.ClientSecret = enc
	row.KeyVersion = version
	row.UpdatedAt = v.now().UTC()
	created, err := v.store.UpsertTenantCredentials(ctx, &row)
	if err != nil {
		return errs.Wrap(errs.ErrDatabase, err)
	}

	eventType := models.EventOAuthCredentialsModified
	action := "update_tenant_oauth"
	if created {
		eventType = models.EventOAuthCredentialsCreated
		action = "create_tenant_oauth"
	}
	ev := audit.Event(eventType, models.SeverityInfo, action, "success",
		fmt.Sprintf("stored %s oauth credentials", c.Provider))
	ev.TenantID = &c.TenantID
	ev.Metadata = map[string]any{"provider": string(c.Provider), "key_version": version}
	v.auditor.Record(ctx, ev)
	return nil
}

// GetTenantOAuth retrieves and decrypts a tenant's provider registration.
// The row's own key version selects the decryption key, so credentials
// written before a rotation stay readable.
func (v *Vault) GetTenantOAuth(ctx context.Context, tenantID string, provider models.Provider) (*models.TenantOAuthCredentials, error) {
	if !provider.Valid() {
		return nil, errs.Wrapf(errs.ErrInvalidInput, "unknown provider %q", provider)
	}
	row, err := v.store.GetTenantCredentials(ctx, tenantID, provider)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errs.Wrapf(errs.ErrNotFound, "no %s credentials for tenant", provider)
		}
		return nil, errs.Wrap(errs.ErrDatabase, err)
	}

	key, err := v.keys.DeriveTenantKey(tenantID, row.KeyVersion)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(key)

	secret, err := decrypt(key, row.ClientSecret, crypto.TenantCredentialsAAD(tenantID, string(provider)))
	if err != nil {
		v.auditFailure(ctx, "get_tenant_oauth", &tenantID, nil, err)
		return nil, err
	}
	row.ClientSecret = string(secret)

	ev := audit.Event(models.EventOAuthCredentialsAccessed, models.SeverityInfo,
		"get_tenant_oauth", "success", fmt.Sprintf("accessed %s oauth credentials", provider))
	ev.TenantID = &tenantID
	ev.Metadata = map[string]any{"provider": string(provider)}
	v.auditor.Record(ctx, ev)
	return row, nil
}

// DeleteTenantOAuth removes a tenant's provider registration.
func (v *Vault) DeleteTenantOAuth(ctx context.Context, tenantID string, provider models.Provider) error {
	if !provider.Valid() {
		return errs.Wrapf(errs.ErrInvalidInput, "unknown provider %q", provider)
	}
	if err := v.store.DeleteTenantCredentials(ctx, tenantID, provider); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errs.Wrapf(errs.ErrNotFound, "no %s credentials for tenant", provider)
		}
		return errs.Wrap(errs.ErrDatabase, err)
	}
	ev := audit.Event(models.EventOAuthCredentialsDeleted, models.SeverityWarning,
		"delete_tenant_oauth", "success", fmt.Sprintf("deleted %s oauth credentials", provider))
	ev.TenantID = &tenantID
	ev.Metadata = map[string]any{"provider": string(provider)}
	v.auditor.Record(ctx, ev)
	return nil
}

// UpsertUserToken encrypts a user's access and refresh tokens under the
// tenant's current key version and persists them. Writing always uses the
// current version, so tokens migrate to new keys as they are refreshed.
func (v *Vault) UpsertUserToken(ctx context.Context, t *models.UserOAuthToken) error {
	if t.UserID == "" || t.TenantID == "" {
		return errs.Wrapf(errs.ErrInvalidInput, "user id and tenant id are required")
	}
	if !t.Provider.Valid() {
		return errs.Wrapf(errs.ErrInvalidInput, "unknown provider %q", t.Provider)
	}
	if t.AccessToken == "" {
		return errs.Wrapf(errs.ErrInvalidInput, "access token is required")
	}
	if err := ctx.Err(); err != nil {
		return errs.Wrap(errs.ErrCancelled, err)
	}

	version, err := v.keys.CurrentVersion(ctx, &t.TenantID)
	if err != nil {
		return err
	}
	key, err := v.keys.DeriveTenantKey(t.TenantID, version)
	if err != nil {
		return err
	}
	defer crypto.Zero(key)

	aad := crypto.UserTokenAAD(t.TenantID, t.UserID, string(t.Provider))
	row := *t
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.TokenType == "" {
		row.TokenType = "Bearer"
	}
	row.AccessToken, err = encrypt(key, []byte(t.AccessToken), aad)
	if err != nil {
		v.auditFailure(ctx, "store_user_token", &t.TenantID, &t.UserID, err)
		return err
	}
	if t.RefreshToken != "" {
		row.RefreshToken, err = encrypt(key, []byte(t.RefreshToken), aad)
		if err != nil {
			v.auditFailure(ctx, "store_user_token", &t.TenantID, &t.UserID, err)
			return err
		}
	}
	row.KeyVersion = version
	row.UpdatedAt = v.now().UTC()
	if err := v.store.UpsertUserToken(ctx, &row); err != nil {
		return errs.Wrap(errs.ErrDatabase, err)
	}

	ev := audit.Event(models.EventDataEncrypted, models.SeverityInfo,
		"store_user_token", "success", fmt.Sprintf("stored %s token", t.Provider))
	ev.TenantID = &t.TenantID
	ev.UserID = &t.UserID
	ev.Metadata = map[string]any{"provider": string(t.Provider), "key_version": version}
	v.auditor.Record(ctx, ev)
	return nil
}

// GetUserToken retrieves and decrypts a user's provider token set.
func (v *Vault) GetUserToken(ctx context.Context, userID, tenantID string, provider models.Provider) (*models.UserOAuthToken, error) {
	if !provider.Valid() {
		return nil, errs.Wrapf(errs.ErrInvalidInput, "unknown provider %q", provider)
	}
	row, err := v.store.GetUserToken(ctx, userID, tenantID, provider)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errs.Wrapf(errs.ErrNotFound, "no %s token for user", provider)
		}
		return nil, errs.Wrap(errs.ErrDatabase, err)
	}

	key, err := v.keys.DeriveTenantKey(tenantID, row.KeyVersion)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(key)

	aad := crypto.UserTokenAAD(tenantID, userID, string(provider))
	access, err := decrypt(key, row.AccessToken, aad)
	if err != nil {
		v.auditFailure(ctx, "get_user_token", &tenantID, &userID, err)
		return nil, err
	}
	row.AccessToken = string(access)
	if row.RefreshToken != "" {
		refresh, err := decrypt(key, row.RefreshToken, aad)
		if err != nil {
			v.auditFailure(ctx, "get_user_token", &tenantID, &userID, err)
			return nil, err
		}
		row.RefreshToken = string(refresh)
	}

	ev := audit.Event(models.EventDataDecrypted, models.SeverityInfo,
		"get_user_token", "success", fmt.Sprintf("read %s token", provider))
	ev.TenantID = &tenantID
	ev.UserID = &userID
	ev.Metadata = map[string]any{"provider": string(provider)}
	v.auditor.Record(ctx, ev)
	return row, nil
}

// RefreshUserToken replaces a user's token set after an upstream refresh.
// The new ciphertext is always written under the current key version.
func (v *Vault) RefreshUserToken(ctx context.Context, userID, tenantID string, provider models.Provider, accessToken, refreshToken string, expiresAt *time.Time, scope string) error {
	t := &models.UserOAuthToken{
		UserID:       userID,
		TenantID:     tenantID,
		Provider:     provider,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    expiresAt,
		Scope:        scope,
	}
	if err := v.UpsertUserToken(ctx, t); err != nil {
		return err
	}
	ev := audit.Event(models.EventTokenRefreshed, models.SeverityInfo,
		"refresh_user_token", "success", fmt.Sprintf("refreshed %s token", provider))
	ev.TenantID = &tenantID
	ev.UserID = &userID
	ev.Metadata = map[string]any{"provider": string(provider)}
	v.auditor.Record(ctx, ev)
	return nil
}

// DeleteUserToken removes one user/provider token row.
func (v *Vault) DeleteUserToken(ctx context.Context, userID, tenantID string, provider models.Provider) error {
	if !provider.Valid() {
		return errs.Wrapf(errs.ErrInvalidInput, "unknown provider %q", provider)
	}
	if err := v.store.DeleteUserToken(ctx, userID, tenantID, provider); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errs.Wrapf(errs.ErrNotFound, "no %s token for user", provider)
		}
		return errs.Wrap(errs.ErrDatabase, err)
	}
	ev := audit.Event(models.EventOAuthCredentialsDeleted, models.SeverityInfo,
		"delete_user_token", "success", fmt.Sprintf("deleted %s token", provider))
	ev.TenantID = &tenantID
	ev.UserID = &userID
	v.auditor.Record(ctx, ev)
	return nil
}

// DeleteUserTokens removes every provider token for a user in a tenant,
// typically on account disconnect or offboarding.
func (v *Vault) DeleteUserTokens(ctx context.Context, userID, tenantID string) (int64, error) {
	n, err := v.store.DeleteUserTokens(ctx, userID, tenantID)
	if err != nil {
		return 0, errs.Wrap(errs.ErrDatabase, err)
	}
	ev := audit.Event(models.EventOAuthCredentialsDeleted, models.SeverityInfo,
		"delete_user_tokens", "success", fmt.Sprintf("deleted %d token rows", n))
	ev.TenantID = &tenantID
	ev.UserID = &userID
	v.auditor.Record(ctx, ev)
	return n, nil
}

func (v *Vault) auditFailure(ctx context.Context, action string, tenantID, userID *string, err error) {
	ev := audit.Event(models.EventEncryptionFailed, models.SeverityError,
		action, "failure", "cryptographic operation failed")
	ev.TenantID = tenantID
	ev.UserID = userID
	ev.Metadata = map[string]any{"kind": errs.Kind(err).Error()}
	v.auditor.Record(ctx, ev)
}

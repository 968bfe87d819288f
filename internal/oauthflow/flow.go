// Package oauthflow manages the single-use artifacts of the OAuth 2.0
// flows: authorization codes, refresh tokens, and CSRF/PKCE states. Every
// consume is an atomic check-and-mark against storage, so two concurrent
// redemptions of the same artifact can never both succeed.
package oauthflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/neoiadev63-dev/pierre-mcp-server-sub000/internal/audit"
	"github.com/neoiadev63-dev/pierre-mcp-server-sub000/internal/crypto"
	"github.com/neoiadev63-dev/pierre-mcp-server-sub000/internal/errs"
	"github.com/neoiadev63-dev/pierre-mcp-server-sub000/internal/keystore"
	"github.com/neoiadev63-dev/pierre-mcp-server-sub000/internal/metrics"
	"github.com/neoiadev63-dev/pierre-mcp-server-sub000/internal/storage"
	"github.com/neoiadev63-dev/pierre-mcp-server-sub000/pkg/models"
)

// Reason categories recorded when a consume fails. Callers never see
// these; they exist only in the audit trail.
const (
	reasonExpired     = "expired"
	reasonAlreadyUsed = "already_used"
	reasonMismatch    = "mismatch"
	reasonNotFound    = "not_found"
)

// StateMachine coordinates issuance and redemption of flow artifacts.
type StateMachine struct {
	store   storage.Store
	keys    *keystore.KeyStore
	auditor *audit.Recorder
	now     func() time.Time
}

// NewStateMachine creates a StateMachine over the given storage backend.
func NewStateMachine(store storage.Store, keys *keystore.KeyStore, auditor *audit.Recorder) *StateMachine {
	return &StateMachine{store: store, keys: keys, auditor: auditor, now: time.Now}
}

// StoreAuthCode persists a freshly issued authorization code. Codes are
// insert-only; issuing the same code twice is an error.
func (m *StateMachine) StoreAuthCode(ctx context.Context, code *models.OAuth2AuthCode) error {
	if code.Code == "" || code.ClientID == "" {
		return errs.Wrapf(errs.ErrInvalidInput, "auth code and client id are required")
	}
	if code.ExpiresAt.IsZero() {
		return errs.Wrapf(errs.ErrInvalidInput, "auth code expiry is required")
	}
	if err := ctx.Err(); err != nil {
		return errs.Wrap(errs.ErrCancelled, err)
	}
	if code.CreatedAt.IsZero() {
		code.CreatedAt = m.now().UTC()
	}
	if err := m.store.InsertAuthCode(ctx, code); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return errs.Wrapf(errs.ErrInvalidInput, "authorization code already exists")
		}
		return errs.Wrap(errs.ErrDatabase, err)
	}
	return nil
}

// ConsumeAuthCode atomically redeems an authorization code. It succeeds
// iff the code exists, belongs to clientID, has a matching redirect URI,
// is unused, and is unexpired. Every failure mode returns (nil, nil) so a
// caller cannot distinguish a guessed code from a replayed one; the real
// reason goes to the audit log.
func (m *StateMachine) ConsumeAuthCode(ctx context.Context, code, clientID, redirectURI string) (*models.OAuth2AuthCode, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.Wrap(errs.ErrCancelled, err)
	}
	now := m.now().UTC()
	row, err := m.store.ConsumeAuthCode(ctx, code, clientID, redirectURI, now)
	if err == nil {
		return row, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, errs.Wrap(errs.ErrDatabase, err)
	}

	reason := m.classifyAuthCodeFailure(ctx, code, clientID, redirectURI, now)
	m.auditViolation(ctx, "consume_auth_code", reason, clientID, nil, nil)
	return nil, nil
}

// classifyAuthCodeFailure does a read-only lookup purely to label the
// audit event. The consume itself already failed atomically.
func (m *StateMachine) classifyAuthCodeFailure(ctx context.Context, code, clientID, redirectURI string, now time.Time) string {
	row, err := m.store.GetAuthCode(ctx, code)
	if err != nil {
		return reasonNotFound
	}
	switch {
	case row.Used:
		return reasonAlreadyUsed
	case now.After(row.ExpiresAt):
		return reasonExpired
	case row.ClientID != clientID || row.RedirectURI != redirectURI:
		return reasonMismatch
	default:
		return reasonNotFound
	}
}

// IssueRefreshToken generates a random refresh token, stores only its
// HMAC hash, and returns the plaintext to hand to the client. The
// plaintext is never retained.
func (m *StateMachine) IssueRefreshToken(ctx context.Context, clientID, userID, tenantID, scope string, ttl time.Duration) (string, error) {
	if clientID == "" || userID == "" {
		return "", errs.Wrapf(errs.ErrInvalidInput, "client id and user id are required")
	}
	plaintext, err := crypto.RandomToken(32)
	if err != nil {
		return "", err
	}
	if err := m.StoreRefreshToken(ctx, plaintext, clientID, userID, tenantID, scope, m.now().UTC().Add(ttl)); err != nil {
		return "", err
	}
	return plaintext, nil
}

// StoreRefreshToken hashes the plaintext token and persists the hash
// record. The plaintext is discarded after hashing.
func (m *StateMachine) StoreRefreshToken(ctx context.Context, plaintext, clientID, userID, tenantID, scope string, expiresAt time.Time) error {
	if plaintext == "" || clientID == "" {
		return errs.Wrapf(errs.ErrInvalidInput, "refresh token and client id are required")
	}
	if err := ctx.Err(); err != nil {
		return errs.Wrap(errs.ErrCancelled, err)
	}
	rec := &models.OAuth2RefreshToken{
		TokenHash: m.keys.HashToken(plaintext),
		ClientID:  clientID,
		UserID:    userID,
		TenantID:  tenantID,
		Scope:     scope,
		ExpiresAt: expiresAt.UTC(),
		CreatedAt: m.now().UTC(),
	}
	if err := m.store.InsertRefreshToken(ctx, rec); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return errs.Wrapf(errs.ErrInvalidInput, "refresh token already exists")
		}
		return errs.Wrap(errs.ErrDatabase, err)
	}
	return nil
}

// ConsumeRefreshToken atomically revokes a refresh token by its plaintext
// value, enabling single-use rotation. The lookup is by HMAC hash, so the
// stored record never reveals the token. Failures return (nil, nil) with
// the reason in the audit log.
func (m *StateMachine) ConsumeRefreshToken(ctx context.Context, plaintext, clientID string) (*models.OAuth2RefreshToken, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.Wrap(errs.ErrCancelled, err)
	}
	now := m.now().UTC()
	hash := m.keys.HashToken(plaintext)
	row, err := m.store.ConsumeRefreshToken(ctx, hash, clientID, now)
	if err == nil {
		return row, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, errs.Wrap(errs.ErrDatabase, err)
	}

	reason := reasonNotFound
	if rec, lookupErr := m.store.GetRefreshToken(ctx, hash); lookupErr == nil {
		switch {
		case rec.Revoked:
			reason = reasonAlreadyUsed
		case now.After(rec.ExpiresAt):
			reason = reasonExpired
		case rec.ClientID != clientID:
			reason = reasonMismatch
		}
	}
	m.auditViolation(ctx, "consume_refresh_token", reason, clientID, nil, nil)
	return nil, nil
}

// GetRefreshTokenByValue looks up a refresh token record by plaintext
// without consuming it. Used for introspection.
func (m *StateMachine) GetRefreshTokenByValue(ctx context.Context, plaintext string) (*models.OAuth2RefreshToken, error) {
	rec, err := m.store.GetRefreshToken(ctx, m.keys.HashToken(plaintext))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errs.Wrapf(errs.ErrNotFound, "refresh token not found")
		}
		return nil, errs.Wrap(errs.ErrDatabase, err)
	}
	return rec, nil
}

// StoreState persists an authorization-server CSRF state record.
func (m *StateMachine) StoreState(ctx context.Context, s *models.OAuth2State) error {
	if s.State == "" || s.ClientID == "" {
		return errs.Wrapf(errs.ErrInvalidInput, "state and client id are required")
	}
	if err := ctx.Err(); err != nil {
		return errs.Wrap(errs.ErrCancelled, err)
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = m.now().UTC()
	}
	if err := m.store.InsertState(ctx, s); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return errs.Wrapf(errs.ErrInvalidInput, "state already exists")
		}
		return errs.Wrap(errs.ErrDatabase, err)
	}
	return nil
}

// ConsumeState atomically redeems a CSRF state for the given client.
// The returned record carries the PKCE challenge needed to verify the
// subsequent token exchange. Failures return (nil, nil).
func (m *StateMachine) ConsumeState(ctx context.Context, state, clientID string) (*models.OAuth2State, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.Wrap(errs.ErrCancelled, err)
	}
	now := m.now().UTC()
	row, err := m.store.ConsumeState(ctx, state, clientID, now)
	if err == nil {
		return row, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, errs.Wrap(errs.ErrDatabase, err)
	}

	reason := reasonNotFound
	if rec, lookupErr := m.store.GetState(ctx, state); lookupErr == nil {
		switch {
		case rec.Used:
			reason = reasonAlreadyUsed
		case now.After(rec.ExpiresAt):
			reason = reasonExpired
		case rec.ClientID != clientID:
			reason = reasonMismatch
		}
	}
	m.auditViolation(ctx, "consume_state", reason, clientID, nil, nil)
	return nil, nil
}

// StoreClientState persists a state record for an outbound flow where
// this server is the OAuth client of an upstream provider.
func (m *StateMachine) StoreClientState(ctx context.Context, s *models.OAuthClientState) error {
	if s.State == "" {
		return errs.Wrapf(errs.ErrInvalidInput, "state is required")
	}
	if !s.Provider.Valid() {
		return errs.Wrapf(errs.ErrInvalidInput, "unknown provider %q", s.Provider)
	}
	if err := ctx.Err(); err != nil {
		return errs.Wrap(errs.ErrCancelled, err)
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = m.now().UTC()
	}
	if err := m.store.InsertClientState(ctx, s); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return errs.Wrapf(errs.ErrInvalidInput, "state already exists")
		}
		return errs.Wrap(errs.ErrDatabase, err)
	}
	return nil
}

// ConsumeClientState atomically redeems an upstream-provider callback
// state, returning the stored PKCE verifier. Failures return (nil, nil).
func (m *StateMachine) ConsumeClientState(ctx context.Context, state string, provider models.Provider) (*models.OAuthClientState, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.Wrap(errs.ErrCancelled, err)
	}
	now := m.now().UTC()
	row, err := m.store.ConsumeClientState(ctx, state, provider, now)
	if err == nil {
		return row, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, errs.Wrap(errs.ErrDatabase, err)
	}

	reason := reasonNotFound
	var tenantID, userID *string
	if rec, lookupErr := m.store.GetClientState(ctx, state); lookupErr == nil {
		tenantID, userID = &rec.TenantID, &rec.UserID
		switch {
		case rec.Used:
			reason = reasonAlreadyUsed
		case now.After(rec.ExpiresAt):
			reason = reasonExpired
		case rec.Provider != provider:
			reason = reasonMismatch
		}
	}
	m.auditViolation(ctx, "consume_client_state", reason, string(provider), tenantID, userID)
	return nil, nil
}

// PurgeExpired sweeps codes, tokens, and states past their expiry.
func (m *StateMachine) PurgeExpired(ctx context.Context) (int64, error) {
	n, err := m.store.PurgeExpired(ctx, m.now().UTC())
	if err != nil {
		return 0, errs.Wrap(errs.ErrDatabase, err)
	}
	return n, nil
}

func (m *StateMachine) auditViolation(ctx context.Context, action, reason, subject string, tenantID, userID *string) {
	metrics.ConsumeFailures.WithLabelValues(action, reason).Inc()
	ev := audit.Event(models.EventSecurityPolicyViolation, models.SeverityWarning,
		action, "denied", fmt.Sprintf("%s rejected: %s", action, reason))
	ev.TenantID = tenantID
	ev.UserID = userID
	ev.Metadata = map[string]any{"reason": reason, "subject": subject}
	m.auditor.Record(ctx, ev)
}

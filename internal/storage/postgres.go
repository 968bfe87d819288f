package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/neoiadev63-dev/pierre-mcp-server-sub000/pkg/models"
)

// PoolConfig bounds the pgx connection pool and its startup retries.
type PoolConfig struct {
	MaxConns            int32 `yaml:"max_connections"`
	MinConns            int32 `yaml:"min_connections"`
	AcquireTimeoutSecs  int   `yaml:"acquire_timeout_secs"`
	MaxConnLifetimeSecs int   `yaml:"max_conn_lifetime_secs"`
	MaxConnIdleSecs     int   `yaml:"max_conn_idle_secs"`
	ConnectionRetries   int   `yaml:"connection_retries"`
	InitialRetryDelayMs int   `yaml:"initial_retry_delay_ms"`
	MaxRetryDelayMs     int   `yaml:"max_retry_delay_ms"`
}

// DefaultPoolConfig returns the pool defaults used when config is silent.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxConns:            10,
		MinConns:            1,
		AcquireTimeoutSecs:  5,
		MaxConnLifetimeSecs: 1800,
		MaxConnIdleSecs:     300,
		ConnectionRetries:   5,
		InitialRetryDelayMs: 200,
		MaxRetryDelayMs:     5000,
	}
}

// PostgresStore is a Store backed by PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a pgxpool connection with bounded exponential
// backoff retries and returns a ready store.
func NewPostgresStore(ctx context.Context, connStr string, pc PoolConfig) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres config: %w", err)
	}
	cfg.MaxConns = pc.MaxConns
	cfg.MinConns = pc.MinConns
	cfg.MaxConnLifetime = time.Duration(pc.MaxConnLifetimeSecs) * time.Second
	cfg.MaxConnIdleTime = time.Duration(pc.MaxConnIdleSecs) * time.Second

	delay := time.Duration(pc.InitialRetryDelayMs) * time.Millisecond
	maxDelay := time.Duration(pc.MaxRetryDelayMs) * time.Millisecond

	var pool *pgxpool.Pool
	for attempt := 0; ; attempt++ {
		pool, err = pgxpool.NewWithConfig(ctx, cfg)
		if err == nil {
			pingCtx, cancel := context.WithTimeout(ctx, time.Duration(pc.AcquireTimeoutSecs)*time.Second)
			err = pool.Ping(pingCtx)
			cancel()
			if err == nil {
				break
			}
			pool.Close()
		}
		if attempt >= pc.ConnectionRetries {
			return nil, fmt.Errorf("connecting to postgres after %d attempts: %w", attempt+1, err)
		}
		log.Warn().Err(err).Int("attempt", attempt+1).Dur("retry_in", delay).Msg("postgres connection failed, retrying")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	p.pool.Close()
}

// scopeKey maps the optional tenant to the scope column value.
// The empty string is the global scope.
func scopeKey(tenantID *string) string {
	if tenantID == nil {
		return ""
	}
	return *tenantID
}

func scopeTenant(key string) *string {
	if key == "" {
		return nil
	}
	return &key
}

// --- Key versions ---

func (p *PostgresStore) CreateKeyVersion(ctx context.Context, kv *models.KeyVersion) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO key_versions (tenant_id, version, algorithm, created_at, expires_at, is_active)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		scopeKey(kv.TenantID), kv.Version, kv.Algorithm, kv.CreatedAt, kv.ExpiresAt, kv.IsActive,
	)
	if err != nil && strings.Contains(err.Error(), "duplicate key") {
		return ErrAlreadyExists
	}
	return err
}

func (p *PostgresStore) ActiveKeyVersion(ctx context.Context, tenantID *string) (*models.KeyVersion, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT tenant_id, version, algorithm, created_at, expires_at, is_active
		 FROM key_versions WHERE tenant_id = $1 AND is_active = TRUE`,
		scopeKey(tenantID),
	)
	return scanKeyVersion(row)
}

func (p *PostgresStore) ActivateKeyVersion(ctx context.Context, tenantID *string, version uint32, expiresAt time.Time) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	scope := scopeKey(tenantID)
	_, err = tx.Exec(ctx,
		`INSERT INTO key_versions (tenant_id, version, algorithm, created_at, expires_at, is_active)
		 VALUES ($1, $2, $3, NOW(), $4, FALSE)
		 ON CONFLICT (tenant_id, version) DO NOTHING`,
		scope, version, models.AlgorithmAESGCM, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("ensuring key version row: %w", err)
	}
	// Exactly one active version per scope: a single statement flips
	// the flag for the whole scope.
	tag, err := tx.Exec(ctx,
		`UPDATE key_versions SET is_active = (version = $2) WHERE tenant_id = $1`,
		scope, version,
	)
	if err != nil {
		return fmt.Errorf("activating key version: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return tx.Commit(ctx)
}

func (p *PostgresStore) ListKeyVersions(ctx context.Context, tenantID *string) ([]*models.KeyVersion, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT tenant_id, version, algorithm, created_at, expires_at, is_active
		 FROM key_versions WHERE tenant_id = $1 ORDER BY version`,
		scopeKey(tenantID),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.KeyVersion
	for rows.Next() {
		kv, err := scanKeyVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, kv)
	}
	return out, rows.Err()
}

func (p *PostgresStore) PruneKeyVersions(ctx context.Context, tenantID *string, retain int) (int64, error) {
	// Never prune the active version regardless of retention count.
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM key_versions
		 WHERE tenant_id = $1 AND is_active = FALSE
		   AND version NOT IN (
		     SELECT version FROM key_versions WHERE tenant_id = $1
		     ORDER BY version DESC LIMIT $2
		   )`,
		scopeKey(tenantID), retain,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (p *PostgresStore) ListTenantScopes(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT DISTINCT tenant_id FROM tenant_oauth_credentials
		 UNION SELECT DISTINCT tenant_id FROM key_versions WHERE tenant_id <> ''
		 ORDER BY 1`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tenants []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

func scanKeyVersion(row pgx.Row) (*models.KeyVersion, error) {
	var kv models.KeyVersion
	var scope string
	err := row.Scan(&scope, &kv.Version, &kv.Algorithm, &kv.CreatedAt, &kv.ExpiresAt, &kv.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	kv.TenantID = scopeTenant(scope)
	return &kv, nil
}

// --- Tenant OAuth credentials ---

func (p *PostgresStore) UpsertTenantCredentials(ctx context.Context, c *models.TenantOAuthCredentials) (bool, error) {
	var created bool
	err := p.pool.QueryRow(ctx,
		`INSERT INTO tenant_oauth_credentials
		   (tenant_id, provider, client_id, client_secret_enc, redirect_uri, scopes, rate_limit_per_day, key_version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		 ON CONFLICT (tenant_id, provider) DO UPDATE
		 SET client_id = EXCLUDED.client_id,
		     client_secret_enc = EXCLUDED.client_secret_enc,
		     redirect_uri = EXCLUDED.redirect_uri,
		     scopes = EXCLUDED.scopes,
		     rate_limit_per_day = EXCLUDED.rate_limit_per_day,
		     key_version = EXCLUDED.key_version,
		     updated_at = NOW()
		 RETURNING (xmax = 0)`,
		c.TenantID, c.Provider, c.ClientID, c.ClientSecret, c.RedirectURI,
		c.Scopes, c.RateLimitPerDay, c.KeyVersion,
	).Scan(&created)
	return created, err
}

func (p *PostgresStore) GetTenantCredentials(ctx context.Context, tenantID string, provider models.Provider) (*models.TenantOAuthCredentials, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT tenant_id, provider, client_id, client_secret_enc, redirect_uri, scopes, rate_limit_per_day, key_version, created_at, updated_at
		 FROM tenant_oauth_credentials WHERE tenant_id = $1 AND provider = $2`,
		tenantID, provider,
	)
	var c models.TenantOAuthCredentials
	err := row.Scan(&c.TenantID, &c.Provider, &c.ClientID, &c.ClientSecret, &c.RedirectURI,
		&c.Scopes, &c.RateLimitPerDay, &c.KeyVersion, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (p *PostgresStore) DeleteTenantCredentials(ctx context.Context, tenantID string, provider models.Provider) error {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM tenant_oauth_credentials WHERE tenant_id = $1 AND provider = $2`,
		tenantID, provider,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- User OAuth tokens ---

func (p *PostgresStore) UpsertUserToken(ctx context.Context, t *models.UserOAuthToken) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO user_oauth_tokens
		   (id, user_id, tenant_id, provider, access_token_enc, refresh_token_enc, token_type, expires_at, scope, key_version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())
		 ON CONFLICT (user_id, tenant_id, provider) DO UPDATE
		 SET access_token_enc = EXCLUDED.access_token_enc,
		     refresh_token_enc = EXCLUDED.refresh_token_enc,
		     token_type = EXCLUDED.token_type,
		     expires_at = EXCLUDED.expires_at,
		     scope = EXCLUDED.scope,
		     key_version = EXCLUDED.key_version,
		     updated_at = NOW()`,
		t.ID, t.UserID, t.TenantID, t.Provider, t.AccessToken, nullableStr(t.RefreshToken),
		t.TokenType, t.ExpiresAt, t.Scope, t.KeyVersion,
	)
	return err
}

func nullableStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (p *PostgresStore) GetUserToken(ctx context.Context, userID, tenantID string, provider models.Provider) (*models.UserOAuthToken, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT id, user_id, tenant_id, provider, access_token_enc, refresh_token_enc, token_type, expires_at, scope, key_version, created_at, updated_at
		 FROM user_oauth_tokens WHERE user_id = $1 AND tenant_id = $2 AND provider = $3`,
		userID, tenantID, provider,
	)
	var t models.UserOAuthToken
	var refresh *string
	err := row.Scan(&t.ID, &t.UserID, &t.TenantID, &t.Provider, &t.AccessToken, &refresh,
		&t.TokenType, &t.ExpiresAt, &t.Scope, &t.KeyVersion, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if refresh != nil {
		t.RefreshToken = *refresh
	}
	return &t, nil
}

func (p *PostgresStore) DeleteUserToken(ctx context.Context, userID, tenantID string, provider models.Provider) error {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM user_oauth_tokens WHERE user_id = $1 AND tenant_id = $2 AND provider = $3`,
		userID, tenantID, provider,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) DeleteUserTokens(ctx context.Context, userID, tenantID string) (int64, error) {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM user_oauth_tokens WHERE user_id = $1 AND tenant_id = $2`,
		userID, tenantID,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// --- Authorization codes ---

func (p *PostgresStore) InsertAuthCode(ctx context.Context, c *models.OAuth2AuthCode) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO oauth2_auth_codes
		   (code, client_id, user_id, tenant_id, redirect_uri, scope, expires_at, used, state, code_challenge, code_challenge_method, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, $8, $9, $10, NOW())`,
		c.Code, c.ClientID, c.UserID, c.TenantID, c.RedirectURI, c.Scope, c.ExpiresAt,
		c.State, c.CodeChallenge, c.CodeChallengeMethod,
	)
	if err != nil && strings.Contains(err.Error(), "duplicate key") {
		return ErrAlreadyExists
	}
	return err
}

// ConsumeAuthCode is the single-statement check-and-consume. The UPDATE
// condition encodes the full contract; RETURNING yields the row so no
// second round trip is needed.
func (p *PostgresStore) ConsumeAuthCode(ctx context.Context, code, clientID, redirectURI string, now time.Time) (*models.OAuth2AuthCode, error) {
	row := p.pool.QueryRow(ctx,
		`UPDATE oauth2_auth_codes SET used = TRUE
		 WHERE code = $1 AND client_id = $2 AND redirect_uri = $3
		   AND used = FALSE AND expires_at > $4
		 RETURNING code, client_id, user_id, tenant_id, redirect_uri, scope, expires_at, state, code_challenge, code_challenge_method, created_at`,
		code, clientID, redirectURI, now,
	)
	return scanAuthCode(row, true)
}

func (p *PostgresStore) GetAuthCode(ctx context.Context, code string) (*models.OAuth2AuthCode, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT code, client_id, user_id, tenant_id, redirect_uri, scope, expires_at, state, code_challenge, code_challenge_method, created_at, used
		 FROM oauth2_auth_codes WHERE code = $1`,
		code,
	)
	var c models.OAuth2AuthCode
	err := row.Scan(&c.Code, &c.ClientID, &c.UserID, &c.TenantID, &c.RedirectURI, &c.Scope,
		&c.ExpiresAt, &c.State, &c.CodeChallenge, &c.CodeChallengeMethod, &c.CreatedAt, &c.Used)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func scanAuthCode(row pgx.Row, used bool) (*models.OAuth2AuthCode, error) {
	var c models.OAuth2AuthCode
	err := row.Scan(&c.Code, &c.ClientID, &c.UserID, &c.TenantID, &c.RedirectURI, &c.Scope,
		&c.ExpiresAt, &c.State, &c.CodeChallenge, &c.CodeChallengeMethod, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	c.Used = used
	return &c, nil
}

// --- Refresh tokens ---

func (p *PostgresStore) InsertRefreshToken(ctx context.Context, t *models.OAuth2RefreshToken) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO oauth2_refresh_tokens
		   (token_hash, client_id, user_id, tenant_id, scope, expires_at, created_at, revoked)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE)`,
		t.TokenHash, t.ClientID, t.UserID, t.TenantID, t.Scope, t.ExpiresAt, t.CreatedAt,
	)
	if err != nil && strings.Contains(err.Error(), "duplicate key") {
		return ErrAlreadyExists
	}
	return err
}

func (p *PostgresStore) ConsumeRefreshToken(ctx context.Context, tokenHash, clientID string, now time.Time) (*models.OAuth2RefreshToken, error) {
	row := p.pool.QueryRow(ctx,
		`UPDATE oauth2_refresh_tokens SET revoked = TRUE
		 WHERE token_hash = $1 AND client_id = $2 AND revoked = FALSE AND expires_at > $3
		 RETURNING token_hash, client_id, user_id, tenant_id, scope, expires_at, created_at`,
		tokenHash, clientID, now,
	)
	return scanRefreshToken(row, true)
}

func (p *PostgresStore) GetRefreshToken(ctx context.Context, tokenHash string) (*models.OAuth2RefreshToken, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT token_hash, client_id, user_id, tenant_id, scope, expires_at, created_at, revoked
		 FROM oauth2_refresh_tokens WHERE token_hash = $1`,
		tokenHash,
	)
	var t models.OAuth2RefreshToken
	err := row.Scan(&t.TokenHash, &t.ClientID, &t.UserID, &t.TenantID, &t.Scope,
		&t.ExpiresAt, &t.CreatedAt, &t.Revoked)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

func scanRefreshToken(row pgx.Row, revoked bool) (*models.OAuth2RefreshToken, error) {
	var t models.OAuth2RefreshToken
	err := row.Scan(&t.TokenHash, &t.ClientID, &t.UserID, &t.TenantID, &t.Scope,
		&t.ExpiresAt, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	t.Revoked = revoked
	return &t, nil
}

// --- CSRF states ---

func (p *PostgresStore) InsertState(ctx context.Context, s *models.OAuth2State) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO oauth2_states
		   (state, client_id, redirect_uri, code_challenge, code_challenge_method, expires_at, used, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, FALSE, NOW())`,
		s.State, s.ClientID, s.RedirectURI, s.CodeChallenge, s.CodeChallengeMethod, s.ExpiresAt,
	)
	if err != nil && strings.Contains(err.Error(), "duplicate key") {
		return ErrAlreadyExists
	}
	return err
}

func (p *PostgresStore) ConsumeState(ctx context.Context, state, clientID string, now time.Time) (*models.OAuth2State, error) {
	row := p.pool.QueryRow(ctx,
		`UPDATE oauth2_states SET used = TRUE
		 WHERE state = $1 AND client_id = $2 AND used = FALSE AND expires_at > $3
		 RETURNING state, client_id, redirect_uri, code_challenge, code_challenge_method, expires_at, created_at`,
		state, clientID, now,
	)
	var s models.OAuth2State
	err := row.Scan(&s.State, &s.ClientID, &s.RedirectURI, &s.CodeChallenge,
		&s.CodeChallengeMethod, &s.ExpiresAt, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	s.Used = true
	return &s, nil
}

func (p *PostgresStore) GetState(ctx context.Context, state string) (*models.OAuth2State, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT state, client_id, redirect_uri, code_challenge, code_challenge_method, expires_at, used, created_at
		 FROM oauth2_states WHERE state = $1`,
		state,
	)
	var s models.OAuth2State
	err := row.Scan(&s.State, &s.ClientID, &s.RedirectURI, &s.CodeChallenge,
		&s.CodeChallengeMethod, &s.ExpiresAt, &s.Used, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

// --- Client states ---

func (p *PostgresStore) InsertClientState(ctx context.Context, s *models.OAuthClientState) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO oauth_client_states
		   (state, provider, tenant_id, user_id, redirect_uri, code_verifier, expires_at, used, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, NOW())`,
		s.State, s.Provider, s.TenantID, s.UserID, s.RedirectURI, s.CodeVerifier, s.ExpiresAt,
	)
	if err != nil && strings.Contains(err.Error(), "duplicate key") {
		return ErrAlreadyExists
	}
	return err
}

func (p *PostgresStore) ConsumeClientState(ctx context.Context, state string, provider models.Provider, now time.Time) (*models.OAuthClientState, error) {
	row := p.pool.QueryRow(ctx,
		`UPDATE oauth_client_states SET used = TRUE
		 WHERE state = $1 AND provider = $2 AND used = FALSE AND expires_at > $3
		 RETURNING state, provider, tenant_id, user_id, redirect_uri, code_verifier, expires_at, created_at`,
		state, provider, now,
	)
	var s models.OAuthClientState
	err := row.Scan(&s.State, &s.Provider, &s.TenantID, &s.UserID, &s.RedirectURI,
		&s.CodeVerifier, &s.ExpiresAt, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	s.Used = true
	return &s, nil
}

func (p *PostgresStore) GetClientState(ctx context.Context, state string) (*models.OAuthClientState, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT state, provider, tenant_id, user_id, redirect_uri, code_verifier, expires_at, used, created_at
		 FROM oauth_client_states WHERE state = $1`,
		state,
	)
	var s models.OAuthClientState
	err := row.Scan(&s.State, &s.Provider, &s.TenantID, &s.UserID, &s.RedirectURI,
		&s.CodeVerifier, &s.ExpiresAt, &s.Used, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

// --- TTL purge ---

func (p *PostgresStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	var total int64
	for _, q := range []string{
		`DELETE FROM oauth2_auth_codes WHERE expires_at <= $1`,
		`DELETE FROM oauth2_states WHERE expires_at <= $1`,
		`DELETE FROM oauth_client_states WHERE expires_at <= $1`,
		`DELETE FROM oauth2_refresh_tokens WHERE expires_at <= $1`,
	} {
		tag, err := p.pool.Exec(ctx, q, now)
		if err != nil {
			return total, err
		}
		total += tag.RowsAffected()
	}
	return total, nil
}

// --- Audit ---

func (p *PostgresStore) InsertAuditEvent(ctx context.Context, ev *models.AuditEvent) error {
	metaJSON, err := json.Marshal(ev.Metadata)
	if err != nil {
		metaJSON = []byte("{}")
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO audit_events
		   (event_id, event_type, severity, timestamp, user_id, tenant_id, source_ip, user_agent, description, metadata, action, result)
		 VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		ev.EventID, ev.EventType, ev.Severity, ev.Timestamp, ev.UserID, ev.TenantID,
		ev.SourceIP, ev.UserAgent, ev.Description, metaJSON, ev.Action, ev.Result,
	)
	return err
}

func (p *PostgresStore) QueryAuditEvents(ctx context.Context, filter AuditFilter) ([]*models.AuditEvent, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT event_id, event_type, severity, timestamp, user_id, tenant_id, source_ip, user_agent, description, metadata, action, result FROM audit_events WHERE 1=1`)
	args := []any{}
	n := 1
	if filter.TenantID != "" {
		fmt.Fprintf(&query, ` AND tenant_id = $%d`, n)
		args = append(args, filter.TenantID)
		n++
	}
	if filter.UserID != "" {
		fmt.Fprintf(&query, ` AND user_id = $%d`, n)
		args = append(args, filter.UserID)
		n++
	}
	if filter.EventType != "" {
		fmt.Fprintf(&query, ` AND event_type = $%d`, n)
		args = append(args, filter.EventType)
		n++
	}
	if filter.Severity != "" {
		fmt.Fprintf(&query, ` AND severity = $%d`, n)
		args = append(args, filter.Severity)
		n++
	}
	if filter.Since != nil {
		fmt.Fprintf(&query, ` AND timestamp >= $%d`, n)
		args = append(args, filter.Since)
		n++
	}
	query.WriteString(` ORDER BY timestamp DESC`)
	if filter.Limit > 0 {
		fmt.Fprintf(&query, ` LIMIT $%d`, n)
		args = append(args, filter.Limit)
		n++
	}
	if filter.Offset > 0 {
		fmt.Fprintf(&query, ` OFFSET $%d`, n)
		args = append(args, filter.Offset)
	}

	rows, err := p.pool.Query(ctx, query.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*models.AuditEvent
	for rows.Next() {
		var ev models.AuditEvent
		var metaJSON []byte
		if err := rows.Scan(&ev.EventID, &ev.EventType, &ev.Severity, &ev.Timestamp,
			&ev.UserID, &ev.TenantID, &ev.SourceIP, &ev.UserAgent,
			&ev.Description, &metaJSON, &ev.Action, &ev.Result); err != nil {
			return nil, err
		}
		json.Unmarshal(metaJSON, &ev.Metadata) //nolint:errcheck
		events = append(events, &ev)
	}
	return events, rows.Err()
}

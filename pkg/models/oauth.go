package models

import (
	"time"

	"golang.org/x/oauth2"
)

// Provider identifies a third-party fitness provider.
type Provider string

// Providers known to the vault. Credentials and tokens for any other
// value are rejected at the vault boundary.
const (
	ProviderStrava Provider = "strava"
	ProviderFitbit Provider = "fitbit"
	ProviderGarmin Provider = "garmin"
)

// Valid reports whether p is in the closed provider set.
func (p Provider) Valid() bool {
	switch p {
	case ProviderStrava, ProviderFitbit, ProviderGarmin:
		return true
	}
	return false
}

// TenantOAuthCredentials holds one tenant's OAuth application registration
// with a provider. ClientSecret is plaintext only while in memory; at rest
// it is stored as AEAD ciphertext bound to (tenant, provider).
type TenantOAuthCredentials struct {
	TenantID        string
	Provider        Provider
	ClientID        string
	ClientSecret    string
	RedirectURI     string
	Scopes          []string
	RateLimitPerDay int
	KeyVersion      uint32
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// String redacts the client secret.
func (c TenantOAuthCredentials) String() string {
	return "TenantOAuthCredentials{tenant=" + c.TenantID + " provider=" + string(c.Provider) +
		" client_id=" + c.ClientID + " client_secret=[REDACTED]}"
}

// UserOAuthToken is one user's token set for a provider within a tenant.
// AccessToken and RefreshToken are plaintext only while in memory; at rest
// both are AEAD ciphertext bound to (tenant, user, provider).
type UserOAuthToken struct {
	ID           string
	UserID       string
	TenantID     string
	Provider     Provider
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresAt    *time.Time
	Scope        string
	KeyVersion   uint32
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// String redacts token material.
func (t UserOAuthToken) String() string {
	return "UserOAuthToken{user=" + t.UserID + " tenant=" + t.TenantID +
		" provider=" + string(t.Provider) + " access_token=[REDACTED] refresh_token=[REDACTED]}"
}

// TokenFromOAuth2 builds a UserOAuthToken from an upstream provider token
// exchange result.
func TokenFromOAuth2(userID, tenantID string, provider Provider, tok *oauth2.Token) *UserOAuthToken {
	t := &UserOAuthToken{
		UserID:       userID,
		TenantID:     tenantID,
		Provider:     provider,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
	}
	if !tok.Expiry.IsZero() {
		exp := tok.Expiry.UTC()
		t.ExpiresAt = &exp
	}
	return t
}

// ToOAuth2 converts back to the x/oauth2 token shape consumed by provider
// API clients.
func (t *UserOAuthToken) ToOAuth2() *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    t.TokenType,
	}
	if t.ExpiresAt != nil {
		tok.Expiry = *t.ExpiresAt
	}
	return tok
}

// OAuth2AuthCode is a single-use authorization code issued by the server.
type OAuth2AuthCode struct {
	Code                string
	ClientID            string
	UserID              string
	TenantID            string
	RedirectURI         string
	Scope               string
	ExpiresAt           time.Time
	Used                bool
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	CreatedAt           time.Time
}

// OAuth2RefreshToken is the persisted form of a refresh token. Only the
// HMAC-SHA256 hash of the plaintext is ever stored.
type OAuth2RefreshToken struct {
	TokenHash string
	ClientID  string
	UserID    string
	TenantID  string
	Scope     string
	ExpiresAt time.Time
	CreatedAt time.Time
	Revoked   bool
}

// OAuth2State is a single-use CSRF state record for flows where this
// server is the authorization server.
type OAuth2State struct {
	State               string
	ClientID            string
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string
	ExpiresAt           time.Time
	Used                bool
	CreatedAt           time.Time
}

// OAuthClientState is a single-use state record for flows where this
// server acts as an OAuth client against an upstream provider. It carries
// the PKCE code verifier needed for the upstream exchange.
type OAuthClientState struct {
	State        string
	Provider     Provider
	TenantID     string
	UserID       string
	RedirectURI  string
	CodeVerifier string
	ExpiresAt    time.Time
	Used         bool
	CreatedAt    time.Time
}

// String redacts the PKCE verifier.
func (s OAuthClientState) String() string {
	return "OAuthClientState{provider=" + string(s.Provider) + " tenant=" + s.TenantID +
		" user=" + s.UserID + " code_verifier=[REDACTED]}"
}

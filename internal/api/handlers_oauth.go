package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/neoiadev63-dev/pierre-mcp-server-sub000/pkg/models"
)

// TenantOAuthPutHandler handles POST /v1/tenants/{tenant}/oauth/{provider}
func (s *Server) TenantOAuthPutHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID        string   `json:"client_id"`
		ClientSecret    string   `json:"client_secret"`
		RedirectURI     string   `json:"redirect_uri"`
		Scopes          []string `json:"scopes"`
		RateLimitPerDay int      `json:"rate_limit_per_day"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	creds := &models.TenantOAuthCredentials{
		TenantID:        chi.URLParam(r, "tenant"),
		Provider:        models.Provider(chi.URLParam(r, "provider")),
		ClientID:        req.ClientID,
		ClientSecret:    req.ClientSecret,
		RedirectURI:     req.RedirectURI,
		Scopes:          req.Scopes,
		RateLimitPerDay: req.RateLimitPerDay,
	}
	if err := s.vault.StoreTenantOAuth(r.Context(), creds); err != nil {
		writeKindError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id": creds.TenantID,
		"provider":  creds.Provider,
		"client_id": creds.ClientID,
	})
}

// TenantOAuthGetHandler handles GET /v1/tenants/{tenant}/oauth/{provider}.
// The client secret is decrypted but not returned; only its presence is
// reported.
func (s *Server) TenantOAuthGetHandler(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	provider := models.Provider(chi.URLParam(r, "provider"))

	creds, err := s.vault.GetTenantOAuth(r.Context(), tenant, provider)
	if err != nil {
		writeKindError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id":          creds.TenantID,
		"provider":           creds.Provider,
		"client_id":          creds.ClientID,
		"client_secret_set":  creds.ClientSecret != "",
		"redirect_uri":       creds.RedirectURI,
		"scopes":             creds.Scopes,
		"rate_limit_per_day": creds.RateLimitPerDay,
		"key_version":        creds.KeyVersion,
	})
}

// TenantOAuthDeleteHandler handles DELETE /v1/tenants/{tenant}/oauth/{provider}
func (s *Server) TenantOAuthDeleteHandler(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	provider := models.Provider(chi.URLParam(r, "provider"))

	if err := s.vault.DeleteTenantOAuth(r.Context(), tenant, provider); err != nil {
		writeKindError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

// UserTokenDeleteHandler handles DELETE /v1/tenants/{tenant}/users/{user}/tokens/{provider}
func (s *Server) UserTokenDeleteHandler(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	user := chi.URLParam(r, "user")
	provider := models.Provider(chi.URLParam(r, "provider"))

	if err := s.vault.DeleteUserToken(r.Context(), user, tenant, provider); err != nil {
		writeKindError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

// UserTokensDeleteHandler handles DELETE /v1/tenants/{tenant}/users/{user}/tokens
func (s *Server) UserTokensDeleteHandler(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	user := chi.URLParam(r, "user")

	n, err := s.vault.DeleteUserTokens(r.Context(), user, tenant)
	if err != nil {
		writeKindError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": n})
}

package api

import (
	"net/http"
)

// RotationStatusHandler handles GET /v1/sys/rotation/status
func (s *Server) RotationStatusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"scopes": s.rotator.Status()})
}

// RotateHandler handles POST /v1/sys/rotation/rotate. An empty tenant_id
// rotates the global scope.
func (s *Server) RotateHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TenantID string `json:"tenant_id"`
		Reason   string `json:"reason"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Reason == "" {
		writeError(w, http.StatusBadRequest, "reason is required")
		return
	}

	var tenantID *string
	if req.TenantID != "" {
		tenantID = &req.TenantID
	}
	if err := s.rotator.EmergencyRotate(r.Context(), tenantID, req.Reason); err != nil {
		writeKindError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rotated": true})
}

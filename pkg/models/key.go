package models

import "time"

// AlgorithmAESGCM is the only at-rest encryption algorithm in use.
const AlgorithmAESGCM = "AES-256-GCM"

// KeyVersion is one version of a derived encryption key scope.
// TenantID == nil means the global (non-tenant) scope.
// At most one version per scope is active at a time.
type KeyVersion struct {
	TenantID  *string
	Version   uint32
	Algorithm string
	CreatedAt time.Time
	ExpiresAt time.Time
	IsActive  bool
}

// Scope returns the rotation scope label for logging and status tracking.
func (k *KeyVersion) Scope() string {
	return ScopeLabel(k.TenantID)
}

// ScopeLabel maps an optional tenant ID to its rotation scope label.
func ScopeLabel(tenantID *string) string {
	if tenantID == nil {
		return "global"
	}
	return *tenantID
}

// RotationState describes where a scope is in its rotation lifecycle.
type RotationState string

const (
	RotationCurrent    RotationState = "current"
	RotationScheduled  RotationState = "scheduled"
	RotationInProgress RotationState = "in_progress"
	RotationCompleted  RotationState = "completed"
	RotationFailed     RotationState = "failed"
)

// RotationStatus is the in-memory rotation status of one key scope.
type RotationStatus struct {
	Scope       string
	State       RotationState
	ScheduledAt *time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	Error       string
}

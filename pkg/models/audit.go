package models

import "time"

// EventType classifies a security audit event.
type EventType string

// Audit event types. These constants keep event names consistent across
// the codebase and queryable in the audit log.
const (
	EventUserLogin                EventType = "user_login"
	EventAuthenticationFailed     EventType = "authentication_failed"
	EventOAuthCredentialsAccessed EventType = "oauth_credentials_accessed"
	EventOAuthCredentialsCreated  EventType = "oauth_credentials_created"
	EventOAuthCredentialsModified EventType = "oauth_credentials_modified"
	EventOAuthCredentialsDeleted  EventType = "oauth_credentials_deleted"
	EventTokenRefreshed           EventType = "token_refreshed"
	EventDataEncrypted            EventType = "data_encrypted"
	EventDataDecrypted            EventType = "data_decrypted"
	EventKeyRotated               EventType = "key_rotated"
	EventEncryptionFailed         EventType = "encryption_failed"
	EventSecurityPolicyViolation  EventType = "security_policy_violation"
)

// Severity is the audit event severity level.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// AuditEvent is one append-only security log record. Events are never
// mutated after insertion. Token and secret plaintext must never appear
// in Description or Metadata.
type AuditEvent struct {
	EventID     string
	EventType   EventType
	Severity    Severity
	Timestamp   time.Time
	UserID      *string
	TenantID    *string
	SourceIP    *string
	UserAgent   *string
	Description string
	Metadata    map[string]any
	Action      string
	Result      string
}

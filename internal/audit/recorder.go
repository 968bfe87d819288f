// Package audit writes the append-only security event log. Events are
// forwarded to zerolog at a severity-mapped level first, then persisted.
// A persistence failure never fails the originating operation.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/neoiadev63-dev/pierre-mcp-server-sub000/internal/storage"
	"github.com/neoiadev63-dev/pierre-mcp-server-sub000/pkg/models"
)

const persistTimeout = 5 * time.Second

// Recorder writes structured audit events.
type Recorder struct {
	store storage.Store
	log   zerolog.Logger
}

// NewRecorder creates an audit Recorder.
func NewRecorder(store storage.Store, logger zerolog.Logger) *Recorder {
	return &Recorder{store: store, log: logger}
}

// Record logs and persists an event. Token and secret plaintext must
// never be passed here, only metadata. The persistence step runs on a
// context detached from the caller's cancellation so events for committed
// mutations are not lost when the caller goes away.
func (r *Recorder) Record(ctx context.Context, ev *models.AuditEvent) {
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	logEvent := r.log.WithLevel(severityLevel(ev.Severity)).
		Str("event_id", ev.EventID).
		Str("event_type", string(ev.EventType)).
		Str("action", ev.Action).
		Str("result", ev.Result)
	if ev.TenantID != nil {
		logEvent = logEvent.Str("tenant_id", *ev.TenantID)
	}
	if ev.UserID != nil {
		logEvent = logEvent.Str("user_id", *ev.UserID)
	}
	logEvent.Msg(ev.Description)

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := r.store.InsertAuditEvent(persistCtx, ev); err != nil {
		r.log.Error().Err(err).Str("event_type", string(ev.EventType)).Msg("failed to persist audit event")
	}
}

// Query retrieves audit log entries matching the filter.
func (r *Recorder) Query(ctx context.Context, filter storage.AuditFilter) ([]*models.AuditEvent, error) {
	return r.store.QueryAuditEvents(ctx, filter)
}

func severityLevel(s models.Severity) zerolog.Level {
	switch s {
	case models.SeverityWarning:
		return zerolog.WarnLevel
	case models.SeverityError:
		return zerolog.ErrorLevel
	case models.SeverityCritical:
		// zerolog has no critical level; fatal would exit.
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Event is a convenience constructor for the common fields.
func Event(t models.EventType, sev models.Severity, action, result, description string) *models.AuditEvent {
	return &models.AuditEvent{
		EventType:   t,
		Severity:    sev,
		Action:      action,
		Result:      result,
		Description: description,
	}
}

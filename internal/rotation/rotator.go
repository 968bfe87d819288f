// Package rotation schedules and executes encryption key rotation. Each
// key scope (the global scope plus every tenant) rotates independently:
// a new version row is created, activated, and old versions are pruned
// down to the retention count. Rotation never re-encrypts stored rows;
// they carry their key version and migrate lazily on the next write.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/neoiadev63-dev/pierre-mcp-server-sub000/internal/audit"
	"github.com/neoiadev63-dev/pierre-mcp-server-sub000/internal/errs"
	"github.com/neoiadev63-dev/pierre-mcp-server-sub000/internal/keystore"
	"github.com/neoiadev63-dev/pierre-mcp-server-sub000/internal/metrics"
	"github.com/neoiadev63-dev/pierre-mcp-server-sub000/internal/storage"
	"github.com/neoiadev63-dev/pierre-mcp-server-sub000/pkg/models"
)

// Config controls the rotation schedule.
type Config struct {
	Enabled          bool `yaml:"enabled"`
	IntervalDays     int  `yaml:"interval_days"`
	RotationHour     int  `yaml:"rotation_hour"`
	MaxKeyAgeDays    int  `yaml:"max_key_age_days"`
	VersionsToRetain int  `yaml:"versions_to_retain"`
}

// DefaultConfig returns the stock rotation schedule: every 90 days at
// 02:00 UTC, keys expire after 365 days, three versions retained.
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		IntervalDays:     90,
		RotationHour:     2,
		MaxKeyAgeDays:    365,
		VersionsToRetain: 3,
	}
}

func (c *Config) normalize() {
	if c.IntervalDays <= 0 {
		c.IntervalDays = 90
	}
	if c.RotationHour < 0 || c.RotationHour > 23 {
		c.RotationHour = 2
	}
	if c.MaxKeyAgeDays <= 0 {
		c.MaxKeyAgeDays = 365
	}
	if c.VersionsToRetain <= 0 {
		c.VersionsToRetain = 3
	}
}

// Rotator owns the rotation lifecycle for all key scopes.
type Rotator struct {
	cfg     Config
	store   storage.Store
	keys    *keystore.KeyStore
	auditor *audit.Recorder
	log     zerolog.Logger

	mu       sync.Mutex
	status   map[string]*models.RotationStatus
	inFlight map[string]*sync.Mutex
	now      func() time.Time
}

// New creates a Rotator. Invalid config fields fall back to defaults.
func New(cfg Config, store storage.Store, keys *keystore.KeyStore, auditor *audit.Recorder, logger zerolog.Logger) *Rotator {
	cfg.normalize()
	return &Rotator{
		cfg:      cfg,
		store:    store,
		keys:     keys,
		auditor:  auditor,
		log:      logger,
		status:   make(map[string]*models.RotationStatus),
		inFlight: make(map[string]*sync.Mutex),
		now:      time.Now,
	}
}

// Run blocks until ctx is done, checking once per hour whether the
// configured rotation hour has arrived and sweeping all scopes when it
// has. Returns immediately if rotation is disabled.
func (r *Rotator) Run(ctx context.Context) error {
	if !r.cfg.Enabled {
		r.log.Info().Msg("key rotation disabled")
		return nil
	}
	r.log.Info().
		Int("interval_days", r.cfg.IntervalDays).
		Int("rotation_hour", r.cfg.RotationHour).
		Msg("key rotation scheduler started")

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if r.now().UTC().Hour() != r.cfg.RotationHour {
				continue
			}
			if err := r.Sweep(ctx); err != nil {
				r.log.Error().Err(err).Msg("rotation sweep failed")
			}
		}
	}
}

// Sweep checks every key scope and rotates the ones whose active key has
// reached the rotation interval. Scopes are processed concurrently but
// each scope rotates at most once per sweep.
func (r *Rotator) Sweep(ctx context.Context) error {
	tenants, err := r.store.ListTenantScopes(ctx)
	if err != nil {
		return errs.Wrap(errs.ErrDatabase, err)
	}

	scopes := make([]*string, 0, len(tenants)+1)
	scopes = append(scopes, nil)
	for i := range tenants {
		scopes = append(scopes, &tenants[i])
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, scope := range scopes {
		scope := scope
		g.Go(func() error {
			if err := r.sweepScope(gctx, scope); err != nil {
				r.log.Error().Err(err).Str("scope", models.ScopeLabel(scope)).Msg("scope rotation failed")
			}
			return nil
		})
	}
	return g.Wait()
}

func (r *Rotator) sweepScope(ctx context.Context, tenantID *string) error {
	active, err := r.store.ActiveKeyVersion(ctx, tenantID)
	if err != nil {
		if !errorsIsNotFound(err) {
			return errs.Wrap(errs.ErrDatabase, err)
		}
		// First sight of this scope: establish version 1.
		return r.ensureInitialVersion(ctx, tenantID)
	}

	age := r.now().UTC().Sub(active.CreatedAt)
	if age < time.Duration(r.cfg.IntervalDays)*24*time.Hour {
		r.setStatus(tenantID, models.RotationCurrent, nil, "")
		return nil
	}
	return r.RotateScope(ctx, tenantID)
}

func (r *Rotator) ensureInitialVersion(ctx context.Context, tenantID *string) error {
	now := r.now().UTC()
	kv := &models.KeyVersion{
		TenantID:  tenantID,
		Version:   1,
		Algorithm: models.AlgorithmAESGCM,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Duration(r.cfg.MaxKeyAgeDays) * 24 * time.Hour),
	}
	if err := r.store.CreateKeyVersion(ctx, kv); err != nil && !errorsIsExists(err) {
		return errs.Wrap(errs.ErrDatabase, err)
	}
	if err := r.keys.SetCurrentVersion(ctx, tenantID, 1, kv.ExpiresAt); err != nil {
		return err
	}
	r.setStatus(tenantID, models.RotationCurrent, nil, "")
	return nil
}

// RotateScope rotates one scope to the next key version: create the
// version row, activate it, prune history past the retention count.
// Concurrent calls for the same scope serialize; the second caller still
// performs its own rotation rather than piggybacking on the first.
func (r *Rotator) RotateScope(ctx context.Context, tenantID *string) error {
	lock := r.scopeLock(tenantID)
	lock.Lock()
	defer lock.Unlock()

	scope := models.ScopeLabel(tenantID)
	started := r.now().UTC()
	r.setStatus(tenantID, models.RotationInProgress, &started, "")

	next, err := r.nextVersion(ctx, tenantID)
	if err != nil {
		r.failScope(ctx, tenantID, err)
		return err
	}
	expiresAt := started.Add(time.Duration(r.cfg.MaxKeyAgeDays) * 24 * time.Hour)
	kv := &models.KeyVersion{
		TenantID:  tenantID,
		Version:   next,
		Algorithm: models.AlgorithmAESGCM,
		CreatedAt: started,
		ExpiresAt: expiresAt,
	}
	if err := r.store.CreateKeyVersion(ctx, kv); err != nil && !errorsIsExists(err) {
		err = errs.Wrap(errs.ErrDatabase, err)
		r.failScope(ctx, tenantID, err)
		return err
	}
	if err := r.keys.SetCurrentVersion(ctx, tenantID, next, expiresAt); err != nil {
		r.failScope(ctx, tenantID, err)
		return err
	}
	pruned, err := r.store.PruneKeyVersions(ctx, tenantID, r.cfg.VersionsToRetain)
	if err != nil {
		// The new key is live; losing the prune only delays cleanup.
		r.log.Warn().Err(err).Str("scope", scope).Msg("key version prune failed")
	}

	r.setStatus(tenantID, models.RotationCompleted, &started, "")
	metrics.KeyRotations.WithLabelValues(scopeType(tenantID), "success").Inc()
	r.log.Info().Str("scope", scope).Uint32("version", next).Int64("pruned", pruned).Msg("key rotated")

	ev := audit.Event(models.EventKeyRotated, models.SeverityInfo,
		"rotate_key", "success", fmt.Sprintf("scope %s rotated to version %d", scope, next))
	ev.TenantID = tenantID
	ev.Metadata = map[string]any{"version": next, "pruned": pruned}
	r.auditor.Record(ctx, ev)
	return nil
}

// EmergencyRotate rotates a scope immediately, outside the schedule.
// Used on suspected key compromise.
func (r *Rotator) EmergencyRotate(ctx context.Context, tenantID *string, reason string) error {
	ev := audit.Event(models.EventKeyRotated, models.SeverityCritical,
		"emergency_rotate", "initiated", "emergency key rotation requested")
	ev.TenantID = tenantID
	ev.Metadata = map[string]any{"reason": reason}
	r.auditor.Record(ctx, ev)

	return r.RotateScope(ctx, tenantID)
}

// Status returns a snapshot of the per-scope rotation status.
func (r *Rotator) Status() []models.RotationStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.RotationStatus, 0, len(r.status))
	for _, s := range r.status {
		out = append(out, *s)
	}
	return out
}

func (r *Rotator) nextVersion(ctx context.Context, tenantID *string) (uint32, error) {
	versions, err := r.store.ListKeyVersions(ctx, tenantID)
	if err != nil {
		return 0, errs.Wrap(errs.ErrDatabase, err)
	}
	var highest uint32
	for _, v := range versions {
		if v.Version > highest {
			highest = v.Version
		}
	}
	return highest + 1, nil
}

func scopeType(tenantID *string) string {
	if tenantID == nil {
		return "global"
	}
	return "tenant"
}

func (r *Rotator) failScope(ctx context.Context, tenantID *string, cause error) {
	started := r.now().UTC()
	r.setStatus(tenantID, models.RotationFailed, &started, cause.Error())
	metrics.KeyRotations.WithLabelValues(scopeType(tenantID), "failure").Inc()

	ev := audit.Event(models.EventEncryptionFailed, models.SeverityError,
		"rotate_key", "failure", "key rotation failed")
	ev.TenantID = tenantID
	ev.Metadata = map[string]any{"kind": errs.Kind(cause).Error()}
	r.auditor.Record(ctx, ev)
}

func (r *Rotator) setStatus(tenantID *string, state models.RotationState, startedAt *time.Time, errMsg string) {
	scope := models.ScopeLabel(tenantID)
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.status[scope]
	if !ok {
		s = &models.RotationStatus{Scope: scope}
		r.status[scope] = s
	}
	s.State = state
	s.Error = errMsg
	if startedAt != nil {
		s.StartedAt = startedAt
	}
	if state == models.RotationCompleted {
		done := r.now().UTC()
		s.CompletedAt = &done
	}
}

func (r *Rotator) scopeLock(tenantID *string) *sync.Mutex {
	scope := models.ScopeLabel(tenantID)
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.inFlight[scope]
	if !ok {
		lock = &sync.Mutex{}
		r.inFlight[scope] = lock
	}
	return lock
}

func errorsIsNotFound(err error) bool { return errors.Is(err, storage.ErrNotFound) }
func errorsIsExists(err error) bool   { return errors.Is(err, storage.ErrAlreadyExists) }

// Package tenant resolves and administers tenants.
package tenant

import (
	"context"
	"errors"
	"net"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/upb/tenant-auth/cache"
	"github.com/upb/tenant-auth/models"
	"github.com/upb/tenant-auth/repositories"
	"github.com/upb/tenant-auth/services"
	"github.com/upb/tenant-auth/services/audit"
	"github.com/upb/tenant-auth/utils"
	"go.uber.org/zap"
)

// Resolver looks a tenant up by any of its handles
type Resolver interface {
	Resolve(ctx context.Context, handle string) (*models.Tenant, error)
}

// Config holds Directory settings
type Config struct {
	// BaseDomain is the parent domain of tenant subdomains, e.g. "auth.example.com"
	BaseDomain string
	CacheTTL   time.Duration
	CacheSize  int
}

// Directory resolves handles to tenants through a short-lived cache and
// performs tenant administration.
type Directory struct {
	repo       repositories.TenantRepository
	txMgr      repositories.TransactionManager
	cache      *cache.LRU[*models.Tenant]
	sink       audit.Sink
	logger     *zap.Logger
	baseDomain string
	now        func() time.Time
}

// NewDirectory creates a Directory
func NewDirectory(repo repositories.TenantRepository, txMgr repositories.TransactionManager, sink audit.Sink, logger *zap.Logger, cfg Config) *Directory {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1000
	}
	return &Directory{
		repo:       repo,
		txMgr:      txMgr,
		cache:      cache.NewLRU[*models.Tenant](cfg.CacheSize, cfg.CacheTTL),
		sink:       sink,
		logger:     logger,
		baseDomain: strings.Trim(strings.ToLower(cfg.BaseDomain), "."),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the clock used for timestamps and cache expiry
func (d *Directory) WithClock(now func() time.Time) *Directory {
	d.now = now
	d.cache.WithClock(now)
	return d
}

// Resolve returns the tenant for handle. Handles are tenant ids, slugs,
// "<slug>.<base domain>" hosts and custom domains. A port suffix is ignored.
func (d *Directory) Resolve(ctx context.Context, handle string) (*models.Tenant, error) {
	key := normalizeHandle(handle)
	if key == "" {
		return nil, services.ErrTenantNotFound
	}

	if t, ok := d.cache.Get(key); ok {
		return cloneTenant(t), nil
	}

	t, err := d.load(ctx, d.repo, key)
	if err != nil {
		return nil, err
	}

	d.cache.Set(key, t)
	return cloneTenant(t), nil
}

func (d *Directory) load(ctx context.Context, repo repositories.TenantRepository, key string) (*models.Tenant, error) {
	var (
		t   *models.Tenant
		err error
	)

	switch {
	case isUUID(key):
		id, _ := uuid.Parse(key)
		t, err = repo.GetByID(ctx, id)
	case d.baseDomain != "" && strings.HasSuffix(key, "."+d.baseDomain):
		slug := strings.TrimSuffix(key, "."+d.baseDomain)
		if strings.Contains(slug, ".") {
			return nil, services.ErrTenantNotFound
		}
		t, err = repo.GetBySlug(ctx, slug)
	case !strings.Contains(key, "."):
		t, err = repo.GetBySlug(ctx, key)
	default:
		t, err = repo.GetByDomain(ctx, key)
	}

	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, services.ErrTenantNotFound
		}
		d.logger.Error("failed to resolve tenant", zap.String("handle", key), zap.Error(err))
		return nil, services.ErrDatabaseError.Wrap(err)
	}
	return t, nil
}

// ProvisionInput describes a new tenant
type ProvisionInput struct {
	Name          string                `json:"name" validate:"required,max=120"`
	Slug          string                `json:"slug" validate:"required,slug"`
	Tier          string                `json:"tier" validate:"required,tier"`
	CustomDomain  string                `json:"custom_domain,omitempty" validate:"omitempty,fqdn"`
	Isolation     string                `json:"isolation,omitempty" validate:"omitempty,oneof=shared schema dedicated"`
	Limits        models.ResourceLimits `json:"limits"`
	Security      SecurityInput         `json:"security"`
	DefaultRoleID *uuid.UUID            `json:"default_role_id,omitempty"`
}

// SecurityInput is the validated form of models.SecuritySettings
type SecurityInput struct {
	IPAllowlist   []string `json:"ip_allowlist,omitempty" validate:"omitempty,dive,cidr|ip"`
	DataResidency string   `json:"data_residency,omitempty" validate:"omitempty,max=32"`
	SSOEnabled    bool     `json:"sso_enabled"`
	MFARequired   bool     `json:"mfa_required"`
}

func (s SecurityInput) settings() models.SecuritySettings {
	return models.SecuritySettings{
		IPAllowlist:   slices.Clone(s.IPAllowlist),
		DataResidency: s.DataResidency,
		SSOEnabled:    s.SSOEnabled,
		MFARequired:   s.MFARequired,
	}
}

// Provision creates a tenant
func (d *Directory) Provision(ctx context.Context, in ProvisionInput) (*models.Tenant, error) {
	in.Slug = strings.ToLower(strings.TrimSpace(in.Slug))
	in.CustomDomain = strings.Trim(strings.ToLower(strings.TrimSpace(in.CustomDomain)), ".")

	if err := validate(in); err != nil {
		return nil, err
	}
	if in.CustomDomain != "" && d.baseDomain != "" &&
		(in.CustomDomain == d.baseDomain || strings.HasSuffix(in.CustomDomain, "."+d.baseDomain)) {
		return nil, services.ErrInvalidInput.Wrap(nil).WithDetail("custom_domain", "must not be under the platform domain")
	}

	t := models.NewTenant(strings.TrimSpace(in.Name), in.Slug, models.SubscriptionTier(in.Tier))
	now := d.now()
	t.CreatedAt, t.UpdatedAt = now, now
	if in.Isolation != "" {
		t.Isolation = models.IsolationLevel(in.Isolation)
	}
	if in.CustomDomain != "" {
		domain := in.CustomDomain
		t.CustomDomain = &domain
	}
	t.Limits = in.Limits
	t.Security = in.Security.settings()
	t.DefaultRoleID = in.DefaultRoleID

	t, err := services.WithTransactionResult(ctx, d.txMgr, func(ctx context.Context, tx repositories.Transaction) (*models.Tenant, error) {
		if err := d.repo.WithTx(tx).Create(ctx, t); err != nil {
			return nil, err
		}
		return t, nil
	})
	if err != nil {
		return nil, mapWriteError(err)
	}

	d.logger.Info("tenant provisioned",
		zap.String("tenant_id", t.ID.String()),
		zap.String("slug", t.Slug),
		zap.String("tier", string(t.Tier)))
	d.emit(ctx, t.ID, models.AuditActionTenantProvisioned, map[string]interface{}{
		"slug": t.Slug,
		"tier": t.Tier,
	})

	return t, nil
}

// List pages through tenants
func (d *Directory) List(ctx context.Context, limit, offset int) ([]*models.Tenant, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	tenants, err := d.repo.List(ctx, limit, offset)
	if err != nil {
		return nil, services.ErrDatabaseError.Wrap(err)
	}
	return tenants, nil
}

// UpdateTier moves the tenant to another subscription tier
func (d *Directory) UpdateTier(ctx context.Context, handle string, tier models.SubscriptionTier) (*models.Tenant, error) {
	if !tier.Valid() {
		return nil, services.ErrInvalidInput.Wrap(nil).WithDetail("tier", "unknown tier")
	}
	return d.update(ctx, handle, func(t *models.Tenant) (map[string]interface{}, error) {
		from := t.Tier
		t.Tier = tier
		return map[string]interface{}{"change": "tier", "from": from, "to": tier}, nil
	})
}

// UpdateSecurity replaces the tenant's security settings
func (d *Directory) UpdateSecurity(ctx context.Context, handle string, in SecurityInput) (*models.Tenant, error) {
	if err := validate(in); err != nil {
		return nil, err
	}
	return d.update(ctx, handle, func(t *models.Tenant) (map[string]interface{}, error) {
		t.Security = in.settings()
		return map[string]interface{}{
			"change":       "security",
			"sso_enabled":  in.SSOEnabled,
			"mfa_required": in.MFARequired,
		}, nil
	})
}

// Suspend blocks the tenant from serving requests until Reactivate
func (d *Directory) Suspend(ctx context.Context, handle, reason string) (*models.Tenant, error) {
	return d.update(ctx, handle, func(t *models.Tenant) (map[string]interface{}, error) {
		t.Suspended = true
		return map[string]interface{}{"change": "suspend", "reason": reason}, nil
	})
}

// Reactivate lifts a suspension. Deactivated tenants stay deactivated.
func (d *Directory) Reactivate(ctx context.Context, handle string) (*models.Tenant, error) {
	return d.update(ctx, handle, func(t *models.Tenant) (map[string]interface{}, error) {
		if !t.Active {
			return nil, services.ErrTenantInactive
		}
		t.Suspended = false
		return map[string]interface{}{"change": "reactivate"}, nil
	})
}

// Deactivate soft-deletes the tenant. The row is kept.
func (d *Directory) Deactivate(ctx context.Context, handle string) (*models.Tenant, error) {
	return d.update(ctx, handle, func(t *models.Tenant) (map[string]interface{}, error) {
		if !t.Active {
			return map[string]interface{}{"change": "deactivate", "noop": true}, nil
		}
		now := d.now()
		t.Active = false
		t.DeactivatedAt = &now
		return map[string]interface{}{"change": "deactivate"}, nil
	})
}

func (d *Directory) update(ctx context.Context, handle string, mutate func(t *models.Tenant) (map[string]interface{}, error)) (*models.Tenant, error) {
	key := normalizeHandle(handle)
	if key == "" {
		return nil, services.ErrTenantNotFound
	}

	var (
		updated *models.Tenant
		details map[string]interface{}
	)
	err := services.WithTransaction(ctx, d.txMgr, func(ctx context.Context, tx repositories.Transaction) error {
		repo := d.repo.WithTx(tx)
		t, err := d.load(ctx, repo, key)
		if err != nil {
			return err
		}
		if details, err = mutate(t); err != nil {
			return err
		}
		t.UpdatedAt = d.now()
		if err := repo.Update(ctx, t); err != nil {
			return err
		}
		updated = t
		return nil
	})
	if err != nil {
		return nil, mapWriteError(err)
	}

	n := d.Invalidate(updated.ID)
	d.logger.Info("tenant updated",
		zap.String("tenant_id", updated.ID.String()),
		zap.Any("change", details["change"]),
		zap.Int("cache_entries_dropped", n))
	d.emit(ctx, updated.ID, models.AuditActionTenantUpdated, details)

	return updated, nil
}

// Invalidate drops every cached handle of the tenant and returns how many were dropped
func (d *Directory) Invalidate(tenantID uuid.UUID) int {
	return d.cache.InvalidateFunc(func(_ string, t *models.Tenant) bool {
		return t.ID == tenantID
	})
}

// CacheStats exposes the resolve cache statistics
func (d *Directory) CacheStats() cache.Stats {
	return d.cache.Stats()
}

func (d *Directory) emit(ctx context.Context, tenantID uuid.UUID, action models.AuditAction, details map[string]interface{}) {
	event := audit.Event{
		Type:        action,
		TenantID:    tenantID,
		PrincipalID: audit.ActorFromContext(ctx),
		Client:      audit.ClientFromContext(ctx),
		Details:     details,
		Timestamp:   d.now(),
	}
	if err := d.sink.Append(ctx, event); err != nil {
		d.logger.Error("failed to append audit event",
			zap.String("action", string(action)),
			zap.String("tenant_id", tenantID.String()),
			zap.Error(err))
	}
}

func validate(v interface{}) error {
	if err := utils.ValidateStruct(v); err != nil {
		derr := services.ErrInvalidInput.Wrap(err)
		for field, msg := range utils.GetValidationFields(err) {
			derr.WithDetail(field, msg)
		}
		return derr
	}
	return nil
}

func mapWriteError(err error) error {
	var conflict *repositories.ConflictError
	switch {
	case errors.As(err, &conflict):
		if conflict.Field == "custom_domain" {
			return services.ErrDuplicateDomain.Wrap(err)
		}
		return services.ErrDuplicateSlug.Wrap(err)
	case errors.Is(err, repositories.ErrDuplicate):
		return services.ErrDuplicateSlug.Wrap(err)
	case errors.Is(err, repositories.ErrNotFound):
		return services.ErrTenantNotFound
	}
	var derr *services.DomainError
	if errors.As(err, &derr) {
		return err
	}
	return services.ErrDatabaseError.Wrap(err)
}

func normalizeHandle(handle string) string {
	h := strings.ToLower(strings.TrimSpace(handle))
	if host, _, err := net.SplitHostPort(h); err == nil {
		h = host
	}
	return strings.TrimSuffix(h, ".")
}

func isUUID(s string) bool {
	return len(s) == 36 && uuid.Validate(s) == nil
}

func cloneTenant(t *models.Tenant) *models.Tenant {
	c := *t
	c.Security.IPAllowlist = slices.Clone(t.Security.IPAllowlist)
	return &c
}

// Package guard binds units of work to a single tenant.
package guard

import (
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/upb/tenant-auth/internal/tenancy"
	"github.com/upb/tenant-auth/models"
	"github.com/upb/tenant-auth/services"
	"github.com/upb/tenant-auth/services/audit"
	"github.com/upb/tenant-auth/services/tenant"
	"go.uber.org/zap"
)

// PermissionCrossTenant lets an operator open scopes in other tenants
const PermissionCrossTenant = "platform:cross_tenant"

// SessionInfo identifies the caller a scope is opened for. It is usually
// built from verified access token claims.
type SessionInfo struct {
	PrincipalID uuid.UUID
	TenantID    uuid.UUID
	SessionID   string
	// Permissions is the token's permission snapshot
	Permissions []string
	MFAVerified bool
	// CrossTenantBypass asks to enter a tenant other than TenantID
	CrossTenantBypass bool
}

func (s SessionInfo) holds(permission string) bool {
	return slices.Contains(s.Permissions, permission)
}

type tenantKey struct{}

// TenantFromContext returns the tenant of the scope opened by WithTenant
func TenantFromContext(ctx context.Context) (*models.Tenant, bool) {
	t, ok := ctx.Value(tenantKey{}).(*models.Tenant)
	return t, ok && t != nil
}

// Guard opens tenant scopes
type Guard struct {
	tenants tenant.Resolver
	sink    audit.Sink
	logger  *zap.Logger
}

// New creates a Guard
func New(tenants tenant.Resolver, sink audit.Sink, logger *zap.Logger) *Guard {
	return &Guard{tenants: tenants, sink: sink, logger: logger}
}

// WithTenant resolves handle, checks that the caller may act in that tenant
// and runs fn inside a tenant scope. The scope is closed when WithTenant
// returns, including when fn panics; the panic is re-raised.
func (g *Guard) WithTenant(ctx context.Context, handle string, info SessionInfo, fn func(ctx context.Context) error) error {
	t, err := g.tenants.Resolve(ctx, handle)
	if err != nil {
		return err
	}

	switch {
	case t.Suspended:
		g.denied(ctx, t, info, "tenant suspended")
		return services.ErrTenantSuspended
	case !t.Active:
		g.denied(ctx, t, info, "tenant inactive")
		return services.ErrTenantInactive
	}

	bypass := false
	if info.TenantID != t.ID {
		if !info.CrossTenantBypass || !info.holds(PermissionCrossTenant) || !info.MFAVerified {
			g.denied(ctx, t, info, "principal belongs to another tenant")
			return services.ErrTenantMismatch.Wrap(nil).WithDetail("tenant", t.Slug)
		}
		bypass = true
	}

	scoped, scope, err := tenancy.Bind(ctx, tenancy.Binding{
		TenantID:    t.ID,
		PrincipalID: info.PrincipalID,
		Bypass:      bypass,
	})
	if err != nil {
		g.denied(ctx, t, info, "conflicting ambient scope")
		return err
	}
	if bypass {
		g.bypassed(ctx, t, info)
	}

	scoped = context.WithValue(scoped, tenantKey{}, t)
	scoped = audit.WithActor(scoped, info.PrincipalID)
	return g.run(scoped, scope, fn)
}

func (g *Guard) run(ctx context.Context, scope *tenancy.Scope, fn func(ctx context.Context) error) error {
	defer func() {
		scope.Close()
		if r := recover(); r != nil {
			g.logger.Error("panic inside tenant scope",
				zap.String("tenant_id", scope.TenantID().String()),
				zap.String("panic", fmt.Sprint(r)))
			panic(r)
		}
	}()
	return fn(ctx)
}

func (g *Guard) denied(ctx context.Context, t *models.Tenant, info SessionInfo, reason string) {
	g.logger.Warn("tenant scope denied",
		zap.String("tenant_id", t.ID.String()),
		zap.String("principal_id", info.PrincipalID.String()),
		zap.String("reason", reason))
	g.emit(ctx, audit.Event{
		Type:      models.AuditActionTenantDenied,
		TenantID:  t.ID,
		SessionID: info.SessionID,
		Details: map[string]interface{}{
			"reason":           reason,
			"home_tenant":      info.TenantID.String(),
			"bypass_requested": info.CrossTenantBypass,
		},
	}, info)
}

func (g *Guard) bypassed(ctx context.Context, t *models.Tenant, info SessionInfo) {
	g.logger.Warn("cross-tenant bypass",
		zap.String("tenant_id", t.ID.String()),
		zap.String("home_tenant", info.TenantID.String()),
		zap.String("principal_id", info.PrincipalID.String()))
	g.emit(ctx, audit.Event{
		Type:      models.AuditActionCrossTenantBypass,
		TenantID:  t.ID,
		SessionID: info.SessionID,
		Details:   map[string]interface{}{"home_tenant": info.TenantID.String()},
		Critical:  true,
	}, info)
}

func (g *Guard) emit(ctx context.Context, event audit.Event, info SessionInfo) {
	if g.sink == nil {
		return
	}
	if info.PrincipalID != uuid.Nil {
		id := info.PrincipalID
		event.PrincipalID = &id
	}
	event.Client = audit.ClientFromContext(ctx)
	if err := g.sink.Append(ctx, event); err != nil {
		g.logger.Error("failed to append audit event", zap.String("action", string(event.Type)), zap.Error(err))
	}
}

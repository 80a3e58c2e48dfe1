// Package tenancy carries the ambient tenant of a unit of work.
//
// A Scope is bound to a context by the tenant guard and closed when the
// guarded block returns. Data access calls Filter or Enforce to obtain the
// tenant id they must filter on; both fail when no open scope is present, and
// Enforce fails when the caller asks for a tenant other than the ambient one.
package tenancy

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/upb/tenant-auth/services"
)

type scopeKey struct{}

// Binding describes who a scope is opened for
type Binding struct {
	TenantID    uuid.UUID
	PrincipalID uuid.UUID
	// Bypass marks a scope opened by a cross-tenant operator.
	Bypass bool
}

// Scope is the ambient tenant of a unit of work
type Scope struct {
	binding Binding
	closed  atomic.Bool
}

// TenantID returns the tenant the scope is bound to
func (s *Scope) TenantID() uuid.UUID {
	return s.binding.TenantID
}

// PrincipalID returns the principal that opened the scope
func (s *Scope) PrincipalID() uuid.UUID {
	return s.binding.PrincipalID
}

// Bypass reports whether the scope was opened through a cross-tenant bypass
func (s *Scope) Bypass() bool {
	return s.binding.Bypass
}

// Close ends the scope. Later Filter/Enforce calls through any context
// holding it fail. Close is idempotent.
func (s *Scope) Close() {
	s.closed.Store(true)
}

// Closed reports whether Close has been called
func (s *Scope) Closed() bool {
	return s.closed.Load()
}

// Bind opens a scope for b on ctx. An open parent scope for a different
// tenant is only replaced when b is a bypass binding.
func Bind(ctx context.Context, b Binding) (context.Context, *Scope, error) {
	if b.TenantID == uuid.Nil {
		return ctx, nil, services.ErrNoTenantScope
	}
	if parent, ok := FromContext(ctx); ok && !parent.Closed() {
		if parent.TenantID() != b.TenantID && !b.Bypass {
			return ctx, nil, services.ErrTenantMismatch.Wrap(nil).
				WithDetail("ambient_tenant", parent.TenantID().String()).
				WithDetail("requested_tenant", b.TenantID.String())
		}
	}
	s := &Scope{binding: b}
	return context.WithValue(ctx, scopeKey{}, s), s, nil
}

// FromContext returns the scope bound to ctx, open or closed
func FromContext(ctx context.Context) (*Scope, bool) {
	s, ok := ctx.Value(scopeKey{}).(*Scope)
	return s, ok && s != nil
}

// Filter returns the ambient tenant id every query must be parameterized by
func Filter(ctx context.Context) (uuid.UUID, error) {
	s, ok := FromContext(ctx)
	if !ok || s.Closed() {
		return uuid.Nil, services.ErrNoTenantScope
	}
	return s.TenantID(), nil
}

// Enforce checks that tenantID is the ambient tenant and returns it.
// It never widens: a different tenant is an error, not a switch.
func Enforce(ctx context.Context, tenantID uuid.UUID) (uuid.UUID, error) {
	ambient, err := Filter(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	if tenantID != ambient {
		return uuid.Nil, services.ErrTenantMismatch.Wrap(nil).
			WithDetail("ambient_tenant", ambient.String()).
			WithDetail("requested_tenant", tenantID.String())
	}
	return ambient, nil
}

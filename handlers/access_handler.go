package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/upb/tenant-auth/middleware"
	"github.com/upb/tenant-auth/models"
	"github.com/upb/tenant-auth/services"
	"github.com/upb/tenant-auth/services/access"
	"github.com/upb/tenant-auth/services/audit"
	"github.com/upb/tenant-auth/services/guard"
	"github.com/upb/tenant-auth/services/identity"
	"github.com/upb/tenant-auth/services/token"
	"github.com/upb/tenant-auth/utils"
	"go.uber.org/zap"
)

// TenantGuard opens tenant scopes
type TenantGuard interface {
	WithTenant(ctx context.Context, handle string, info guard.SessionInfo, fn func(ctx context.Context) error) error
}

// PermissionChecker evaluates a permission request
type PermissionChecker interface {
	CheckPermission(ctx context.Context, req access.Request) (access.Decision, error)
}

// PrincipalService manages principals of the ambient tenant
type PrincipalService interface {
	Principal(ctx context.Context, id uuid.UUID) (*models.Principal, error)
	Register(ctx context.Context, tenantID uuid.UUID, in identity.RegisterInput) (*models.Principal, error)
	AssignRoles(ctx context.Context, roles identity.RoleLookup, principalID uuid.UUID, assignments []models.RoleAssignment) error
}

// AuthorizeRequest asks whether the caller may perform permission
type AuthorizeRequest struct {
	Permission string           `json:"permission" validate:"required,permission"`
	Resource   *ResourceRequest `json:"resource,omitempty"`
}

// ResourceRequest identifies the object acted upon. TenantID defaults to the
// caller's tenant.
type ResourceRequest struct {
	ID       string     `json:"id"`
	Type     string     `json:"type" validate:"omitempty,max=64"`
	OwnerID  *uuid.UUID `json:"owner_id,omitempty"`
	TenantID *uuid.UUID `json:"tenant_id,omitempty"`
}

// AssignRolesRequest replaces a principal's roles
type AssignRolesRequest struct {
	Roles []models.RoleAssignment `json:"roles" validate:"required,min=1,dive"`
}

// PrincipalResponse is a principal without credentials
type PrincipalResponse struct {
	ID            uuid.UUID               `json:"id"`
	TenantID      uuid.UUID               `json:"tenant_id"`
	Email         string                  `json:"email"`
	Active        bool                    `json:"active"`
	EmailVerified bool                    `json:"email_verified"`
	MFAEnabled    bool                    `json:"mfa_enabled"`
	Roles         []models.RoleAssignment `json:"roles"`
}

func toPrincipalResponse(p *models.Principal) PrincipalResponse {
	return PrincipalResponse{
		ID:            p.ID,
		TenantID:      p.TenantID,
		Email:         p.Email,
		Active:        p.Active,
		EmailVerified: p.EmailVerified,
		MFAEnabled:    p.MFAEnabled,
		Roles:         p.Roles,
	}
}

// AccessHandler serves permission checks and principal administration. Every
// handler runs inside a scope of the caller's own tenant.
type AccessHandler struct {
	guard      TenantGuard
	principals PrincipalService
	evaluator  PermissionChecker
	roles      identity.RoleLookup
	logger     *zap.Logger
}

// NewAccessHandler creates a new AccessHandler
func NewAccessHandler(g TenantGuard, principals PrincipalService, evaluator PermissionChecker, roles identity.RoleLookup, logger *zap.Logger) *AccessHandler {
	return &AccessHandler{
		guard:      g,
		principals: principals,
		evaluator:  evaluator,
		roles:      roles,
		logger:     logger,
	}
}

// AuthorizeResponse carries only the outcome. Which gate denied a request is
// written to the audit log and never sent to the caller.
type AuthorizeResponse struct {
	Granted bool `json:"granted"`
}

// HandleAuthorize handles POST /v1/authorize
func (h *AccessHandler) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := middleware.GetClaimsFromContext(ctx)
	info, err := sessionInfo(claims)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	var req AuthorizeRequest
	if err := utils.DecodeJSON(w, r, &req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}
	if err := utils.ValidateStruct(req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	var decision access.Decision
	err = h.guard.WithTenant(ctx, info.TenantID.String(), info, func(ctx context.Context) error {
		tnt, _ := guard.TenantFromContext(ctx)
		p, err := h.principals.Principal(ctx, info.PrincipalID)
		if err != nil {
			return err
		}

		client := audit.ClientFromContext(ctx)
		decision, err = h.evaluator.CheckPermission(ctx, access.Request{
			Principal:  p,
			Tenant:     tnt,
			Permission: req.Permission,
			Resource:   req.Resource.resolve(tnt.ID),
			Context: access.Context{
				MFAVerified: claims.MFA,
				IP:          client.IP,
				DeviceID:    client.DeviceID,
				SessionID:   claims.SessionID,
			},
		})
		return err
	})
	if err != nil {
		if services.IsNotFoundError(err) {
			// the token outlived its principal
			err = services.ErrTokenInvalid
		}
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, AuthorizeResponse{Granted: decision.Granted})
}

// HandleRegisterPrincipal handles POST /v1/principals
func (h *AccessHandler) HandleRegisterPrincipal(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	info, err := sessionInfo(middleware.GetClaimsFromContext(ctx))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	var req identity.RegisterInput
	if err := utils.DecodeJSON(w, r, &req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	var created *models.Principal
	err = h.guard.WithTenant(ctx, info.TenantID.String(), info, func(ctx context.Context) error {
		created, err = h.principals.Register(ctx, info.TenantID, req)
		return err
	})
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("principal registered",
		zap.String("request_id", middleware.GetRequestIDFromContext(ctx)),
		zap.String("tenant_id", info.TenantID.String()),
		zap.String("principal_id", created.ID.String()))
	_ = utils.WriteCreated(w, toPrincipalResponse(created))
}

// HandleAssignRoles handles PUT /v1/principals/{id}/roles
func (h *AccessHandler) HandleAssignRoles(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	info, err := sessionInfo(middleware.GetClaimsFromContext(ctx))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	target, err := utils.ValidateUUID(chi.URLParam(r, "id"))
	if err != nil {
		_ = utils.WriteBadRequest(w, "Invalid principal id", nil)
		return
	}

	var req AssignRolesRequest
	if err := utils.DecodeJSON(w, r, &req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}
	if err := utils.ValidateStruct(req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	err = h.guard.WithTenant(ctx, info.TenantID.String(), info, func(ctx context.Context) error {
		return h.principals.AssignRoles(ctx, h.roles, target, req.Roles)
	})
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	utils.WriteNoContent(w)
}

func (rr *ResourceRequest) resolve(tenantID uuid.UUID) *access.Resource {
	if rr == nil {
		return nil
	}
	res := &access.Resource{ID: rr.ID, Type: rr.Type, OwnerID: rr.OwnerID, TenantID: tenantID}
	if rr.TenantID != nil {
		res.TenantID = *rr.TenantID
	}
	return res
}

// sessionInfo builds guard input from verified claims
func sessionInfo(claims *token.AccessClaims) (guard.SessionInfo, error) {
	if claims == nil {
		return guard.SessionInfo{}, services.ErrUnauthorized
	}
	principalID, err := claims.PrincipalID()
	if err != nil {
		return guard.SessionInfo{}, services.ErrTokenInvalid.Wrap(err)
	}
	tenantID, err := claims.Tenant()
	if err != nil {
		return guard.SessionInfo{}, services.ErrTokenInvalid.Wrap(err)
	}
	return guard.SessionInfo{
		PrincipalID: principalID,
		TenantID:    tenantID,
		SessionID:   claims.SessionID,
		Permissions: claims.Permissions,
		MFAVerified: claims.MFA,
	}, nil
}

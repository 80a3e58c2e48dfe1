package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/upb/tenant-auth/middleware"
	"github.com/upb/tenant-auth/models"
	"github.com/upb/tenant-auth/services/tenant"
	"github.com/upb/tenant-auth/utils"
	"go.uber.org/zap"
)

// TenantAdmin is the tenant administration surface of the directory
type TenantAdmin interface {
	Resolve(ctx context.Context, handle string) (*models.Tenant, error)
	List(ctx context.Context, limit, offset int) ([]*models.Tenant, error)
	Provision(ctx context.Context, in tenant.ProvisionInput) (*models.Tenant, error)
	UpdateTier(ctx context.Context, handle string, tier models.SubscriptionTier) (*models.Tenant, error)
	UpdateSecurity(ctx context.Context, handle string, in tenant.SecurityInput) (*models.Tenant, error)
	Suspend(ctx context.Context, handle, reason string) (*models.Tenant, error)
	Reactivate(ctx context.Context, handle string) (*models.Tenant, error)
	Deactivate(ctx context.Context, handle string) (*models.Tenant, error)
}

// UpdateTierRequest moves a tenant to another tier
type UpdateTierRequest struct {
	Tier models.SubscriptionTier `json:"tier" validate:"required"`
}

// SuspendRequest records why a tenant is suspended
type SuspendRequest struct {
	Reason string `json:"reason" validate:"required,max=256"`
}

// TenantHandler handles tenant administration requests
type TenantHandler struct {
	tenants TenantAdmin
	logger  *zap.Logger
}

// NewTenantHandler creates a new TenantHandler
func NewTenantHandler(tenants TenantAdmin, logger *zap.Logger) *TenantHandler {
	return &TenantHandler{
		tenants: tenants,
		logger:  logger,
	}
}

// HandleList handles GET /v1/tenants
func (h *TenantHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}

	tenants, err := h.tenants.List(r.Context(), limit, offset)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, tenants)
}

// HandleGet handles GET /v1/tenants/{handle}
func (h *TenantHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	t, err := h.tenants.Resolve(r.Context(), chi.URLParam(r, "handle"))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, t)
}

// HandleProvision handles POST /v1/tenants
func (h *TenantHandler) HandleProvision(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req tenant.ProvisionInput
	if err := utils.DecodeJSON(w, r, &req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	t, err := h.tenants.Provision(ctx, req)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("tenant provisioned",
		zap.String("request_id", middleware.GetRequestIDFromContext(ctx)),
		zap.String("tenant_id", t.ID.String()),
		zap.String("slug", t.Slug))
	_ = utils.WriteCreated(w, t)
}

// HandleUpdateTier handles PATCH /v1/tenants/{handle}/tier
func (h *TenantHandler) HandleUpdateTier(w http.ResponseWriter, r *http.Request) {
	var req UpdateTierRequest
	if err := utils.DecodeJSON(w, r, &req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}
	if err := utils.ValidateStruct(req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}
	h.respond(w)(h.tenants.UpdateTier(r.Context(), chi.URLParam(r, "handle"), req.Tier))
}

// HandleUpdateSecurity handles PUT /v1/tenants/{handle}/security
func (h *TenantHandler) HandleUpdateSecurity(w http.ResponseWriter, r *http.Request) {
	var req tenant.SecurityInput
	if err := utils.DecodeJSON(w, r, &req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}
	h.respond(w)(h.tenants.UpdateSecurity(r.Context(), chi.URLParam(r, "handle"), req))
}

// HandleSuspend handles POST /v1/tenants/{handle}/suspend
func (h *TenantHandler) HandleSuspend(w http.ResponseWriter, r *http.Request) {
	var req SuspendRequest
	if err := utils.DecodeJSON(w, r, &req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}
	if err := utils.ValidateStruct(req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}
	h.respond(w)(h.tenants.Suspend(r.Context(), chi.URLParam(r, "handle"), req.Reason))
}

// HandleReactivate handles POST /v1/tenants/{handle}/reactivate
func (h *TenantHandler) HandleReactivate(w http.ResponseWriter, r *http.Request) {
	h.respond(w)(h.tenants.Reactivate(r.Context(), chi.URLParam(r, "handle")))
}

// HandleDeactivate handles POST /v1/tenants/{handle}/deactivate
func (h *TenantHandler) HandleDeactivate(w http.ResponseWriter, r *http.Request) {
	h.respond(w)(h.tenants.Deactivate(r.Context(), chi.URLParam(r, "handle")))
}

func (h *TenantHandler) respond(w http.ResponseWriter) func(*models.Tenant, error) {
	return func(t *models.Tenant, err error) {
		if err != nil {
			HandleServiceError(w, err, h.logger)
			return
		}
		_ = utils.WriteOK(w, t)
	}
}

package handlers

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/upb/tenant-auth/utils"
	"go.uber.org/zap"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// Pinger is a dependency whose reachability can be checked
type Pinger interface {
	Ping(ctx context.Context) error
}

// AuditStatus reports whether critical audit writes are failing
type AuditStatus interface {
	Degraded() bool
}

// HealthHandler handles health-related HTTP requests
type HealthHandler struct {
	db     *sql.DB
	store  Pinger
	audit  AuditStatus
	logger *zap.Logger
}

// NewHealthHandler creates a new HealthHandler. Nil dependencies are skipped.
func NewHealthHandler(db *sql.DB, store Pinger, audit AuditStatus, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		db:     db,
		store:  store,
		audit:  audit,
		logger: logger,
	}
}

// HandleHealth handles GET /healthz
// Liveness only, always 200 while the process serves requests
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	_ = utils.WriteOK(w, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// HandleReadiness handles GET /readyz. The database and the token store are
// required. A degraded audit sink is reported without failing readiness.
func (h *HealthHandler) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := make(map[string]string)
	ready := true

	if err := h.checkDatabase(ctx); err != nil {
		h.logger.Warn("database health check failed", zap.Error(err))
		checks["database"] = "unhealthy"
		ready = false
	} else {
		checks["database"] = "healthy"
	}

	if h.store != nil {
		if err := h.store.Ping(ctx); err != nil {
			h.logger.Warn("store health check failed", zap.Error(err))
			checks["store"] = "unhealthy"
			ready = false
		} else {
			checks["store"] = "healthy"
		}
	}

	status := "healthy"
	if h.audit != nil {
		if h.audit.Degraded() {
			checks["audit"] = "degraded"
			status = "degraded"
		} else {
			checks["audit"] = "healthy"
		}
	}

	httpStatus := http.StatusOK
	if !ready {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	response := HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
	}
	if err := utils.WriteJSON(w, httpStatus, utils.SuccessResponse{Data: response}); err != nil {
		h.logger.Error("failed to write readiness response", zap.Error(err))
	}
}

func (h *HealthHandler) checkDatabase(ctx context.Context) error {
	if h.db == nil {
		return nil
	}
	if err := h.db.PingContext(ctx); err != nil {
		return err
	}
	var result int
	return h.db.QueryRowContext(ctx, "SELECT 1").Scan(&result)
}

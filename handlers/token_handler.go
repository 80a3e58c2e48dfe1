package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/upb/tenant-auth/middleware"
	"github.com/upb/tenant-auth/services"
	"github.com/upb/tenant-auth/services/audit"
	"github.com/upb/tenant-auth/services/identity"
	"github.com/upb/tenant-auth/services/token"
	"github.com/upb/tenant-auth/utils"
	"go.uber.org/zap"
)

// Authenticator is the identity surface used by the token endpoints
type Authenticator interface {
	Authenticate(ctx context.Context, tenantHandle string, in identity.LoginInput, sc token.SessionContext) (*token.TokenPair, error)
	VerifyMFA(ctx context.Context, accessToken, code string, sc token.SessionContext) (*token.TokenPair, error)
}

// TokenService rotates and revokes tokens
type TokenService interface {
	RefreshTokenPair(ctx context.Context, raw string, rc token.RefreshContext) (*token.TokenPair, error)
	RevokeSession(ctx context.Context, tenantID uuid.UUID, sessionID, reason string) error
	JWKS() token.JWKS
}

// RefreshRequest exchanges a refresh token
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

// MFARequest carries a second factor code
type MFARequest struct {
	Code string `json:"code" validate:"required,max=16"`
}

// TokenHandler serves login, refresh, logout and MFA step-up
type TokenHandler struct {
	identity Authenticator
	tokens   TokenService
	logger   *zap.Logger
}

// NewTokenHandler creates a new TokenHandler
func NewTokenHandler(identity Authenticator, tokens TokenService, logger *zap.Logger) *TokenHandler {
	return &TokenHandler{
		identity: identity,
		tokens:   tokens,
		logger:   logger,
	}
}

// HandleLogin handles POST /v1/tenants/{handle}/token
func (h *TokenHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	handle := chi.URLParam(r, "handle")

	var req identity.LoginInput
	if err := utils.DecodeJSON(w, r, &req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	pair, err := h.identity.Authenticate(ctx, handle, req, sessionContext(ctx))
	if err != nil {
		h.logger.Info("login failed",
			zap.String("request_id", middleware.GetRequestIDFromContext(ctx)),
			zap.String("tenant", handle),
			zap.String("error_type", errorType(err)))
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteTokens(w, pair)
}

// HandleRefresh handles POST /v1/token/refresh
func (h *TokenHandler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req RefreshRequest
	if err := utils.DecodeJSON(w, r, &req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}
	if err := utils.ValidateStruct(req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	client := audit.ClientFromContext(ctx)
	pair, err := h.tokens.RefreshTokenPair(ctx, req.RefreshToken, token.RefreshContext{
		IP:        client.IP,
		UserAgent: client.UserAgent,
		DeviceID:  client.DeviceID,
	})
	if err != nil {
		if services.IsReuseDetected(err) {
			h.logger.Warn("refresh token replayed, family revoked",
				zap.String("ip", client.IP),
				zap.String("user_agent", client.UserAgent),
				zap.String("request_id", client.RequestID))
		}
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteTokens(w, pair)
}

// HandleRevoke handles POST /v1/token/revoke. It ends the caller's session.
func (h *TokenHandler) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := middleware.GetClaimsFromContext(ctx)
	if claims == nil {
		_ = utils.WriteUnauthorized(w, "", "")
		return
	}

	tenantID, err := claims.Tenant()
	if err != nil {
		HandleServiceError(w, services.ErrTokenInvalid, h.logger)
		return
	}
	if err := h.tokens.RevokeSession(ctx, tenantID, claims.SessionID, "logout"); err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	utils.WriteNoContent(w)
}

// HandleVerifyMFA handles POST /v1/mfa/verify
func (h *TokenHandler) HandleVerifyMFA(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	raw := middleware.GetRawTokenFromContext(ctx)
	if raw == "" {
		_ = utils.WriteUnauthorized(w, "", "")
		return
	}

	var req MFARequest
	if err := utils.DecodeJSON(w, r, &req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}
	if err := utils.ValidateStruct(req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	pair, err := h.identity.VerifyMFA(ctx, raw, req.Code, sessionContext(ctx))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteTokens(w, pair)
}

// HandleJWKS handles GET /.well-known/jwks.json
func (h *TokenHandler) HandleJWKS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=300")
	_ = utils.WriteJSON(w, http.StatusOK, h.tokens.JWKS())
}

func sessionContext(ctx context.Context) token.SessionContext {
	c := audit.ClientFromContext(ctx)
	return token.SessionContext{IP: c.IP, UserAgent: c.UserAgent, DeviceID: c.DeviceID}
}

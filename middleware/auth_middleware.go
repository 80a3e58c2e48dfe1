package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/upb/tenant-auth/services"
	"github.com/upb/tenant-auth/services/audit"
	"github.com/upb/tenant-auth/services/token"
	"github.com/upb/tenant-auth/utils"
	"go.uber.org/zap"
)

// TokenVerifier verifies access tokens
type TokenVerifier interface {
	VerifyAccessToken(ctx context.Context, raw, expectedAudience string) (*token.AccessClaims, error)
}

// AuthMiddleware provides authentication middleware functionality
type AuthMiddleware struct {
	verifier TokenVerifier
	audience string
	logger   *zap.Logger
}

// NewAuthMiddleware creates a new AuthMiddleware. An empty audience accepts
// the verifier's default.
func NewAuthMiddleware(verifier TokenVerifier, audience string, logger *zap.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		verifier: verifier,
		audience: audience,
		logger:   logger,
	}
}

// authTokenCookieName is read when no Authorization header is present
const authTokenCookieName = "auth_token"

// RequireAuth is a middleware that requires a valid access token
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		requestID := GetRequestIDFromContext(ctx)

		raw := extractToken(r)
		if raw == "" {
			m.logger.Debug("missing token", zap.String("request_id", requestID))
			_ = utils.WriteUnauthorized(w, "invalid_request", "Missing or invalid authorization")
			return
		}

		claims, err := m.verifier.VerifyAccessToken(ctx, raw, m.audience)
		if err != nil {
			m.logger.Info("token verification failed",
				zap.String("request_id", requestID),
				zap.String("error_type", string(services.GetErrorType(err))))
			msg := "Invalid token"
			if services.GetErrorType(err) == services.ErrorTypeTokenExpired {
				msg = "Token expired"
			}
			_ = utils.WriteUnauthorized(w, "invalid_token", msg)
			return
		}

		ctx = WithClaims(ctx, claims)
		ctx = WithRawToken(ctx, raw)
		if id, err := claims.PrincipalID(); err == nil {
			ctx = audit.WithActor(ctx, id)
		}

		m.logger.Debug("authentication successful",
			zap.String("request_id", requestID),
			zap.String("sub", claims.Subject),
			zap.String("tenant_id", claims.TenantID))

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequirePermission rejects callers whose token snapshot lacks permission.
// It is a coarse route gate; conditional grants are checked by the access
// evaluator. Must run after RequireAuth.
func (m *AuthMiddleware) RequirePermission(permission string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			claims := GetClaimsFromContext(ctx)
			if claims == nil {
				m.logger.Error("claims not found in context",
					zap.String("request_id", GetRequestIDFromContext(ctx)))
				_ = utils.WriteUnauthorized(w, "", "Authentication required")
				return
			}

			if !claims.HasPermission(permission) {
				m.logger.Warn("insufficient permissions",
					zap.String("request_id", GetRequestIDFromContext(ctx)),
					zap.String("required_permission", permission),
					zap.String("sub", claims.Subject))
				_ = utils.WriteForbidden(w, "Insufficient permissions")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// extractToken reads the bearer token, falling back to the auth_token cookie
func extractToken(r *http.Request) string {
	if raw := extractBearerToken(r); raw != "" {
		return raw
	}
	if cookie, err := r.Cookie(authTokenCookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	return ""
}

func extractBearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}

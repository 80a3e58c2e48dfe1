package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/upb/tenant-auth/services"
	"github.com/upb/tenant-auth/services/audit"
	"github.com/upb/tenant-auth/services/token"
	"go.uber.org/zap"
)

// MockTokenVerifier is a mock implementation of TokenVerifier
type MockTokenVerifier struct {
	mock.Mock
}

func (m *MockTokenVerifier) VerifyAccessToken(ctx context.Context, raw, aud string) (*token.AccessClaims, error) {
	args := m.Called(ctx, raw, aud)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*token.AccessClaims), args.Error(1)
}

func testClaims(perms ...string) *token.AccessClaims {
	return &token.AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: uuid.New().String()},
		TenantID:         uuid.New().String(),
		SessionID:        "sess",
		Permissions:      perms,
	}
}

func TestRequireAuth(t *testing.T) {
	logger := zap.NewNop()

	t.Run("valid bearer token allows request", func(t *testing.T) {
		verifier := new(MockTokenVerifier)
		claims := testClaims()
		verifier.On("VerifyAccessToken", mock.Anything, "good-token", "tenant-api").Return(claims, nil)

		handler := NewAuthMiddleware(verifier, "tenant-api", logger).RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			assert.Same(t, claims, GetClaimsFromContext(ctx))
			assert.Equal(t, "good-token", GetRawTokenFromContext(ctx))
			actor := audit.ActorFromContext(ctx)
			require.NotNil(t, actor)
			assert.Equal(t, claims.Subject, actor.String())
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set("Authorization", "Bearer good-token")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		verifier.AssertExpectations(t)
	})

	t.Run("cookie is used when no header is present", func(t *testing.T) {
		verifier := new(MockTokenVerifier)
		verifier.On("VerifyAccessToken", mock.Anything, "cookie-token", "").Return(testClaims(), nil)

		handler := NewAuthMiddleware(verifier, "", logger).RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.AddCookie(&http.Cookie{Name: authTokenCookieName, Value: "cookie-token"})
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("missing token is rejected", func(t *testing.T) {
		verifier := new(MockTokenVerifier)
		handler := NewAuthMiddleware(verifier, "", logger).RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Fatal("handler must not run")
		}))

		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set("Authorization", "Basic dXNlcjpwdw==")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Contains(t, w.Header().Get("WWW-Authenticate"), "invalid_request")
		verifier.AssertNotCalled(t, "VerifyAccessToken", mock.Anything, mock.Anything, mock.Anything)
	})

	tests := []struct {
		name    string
		err     error
		message string
	}{
		{"expired", services.ErrTokenExpired, "Token expired"},
		{"revoked", services.ErrTokenRevoked, "Invalid token"},
		{"malformed", services.ErrTokenInvalid, "Invalid token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verifier := new(MockTokenVerifier)
			verifier.On("VerifyAccessToken", mock.Anything, "bad", "").Return(nil, tt.err)

			handler := NewAuthMiddleware(verifier, "", logger).RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Fatal("handler must not run")
			}))

			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			req.Header.Set("Authorization", "bearer bad")
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Contains(t, w.Body.String(), tt.message)
			assert.Contains(t, w.Header().Get("WWW-Authenticate"), `error="invalid_token"`)
		})
	}
}

func TestRequirePermission(t *testing.T) {
	m := NewAuthMiddleware(new(MockTokenVerifier), "", zap.NewNop())
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })

	t.Run("held", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/tenants", nil)
		req = req.WithContext(WithClaims(req.Context(), testClaims("tenant:manage")))
		w := httptest.NewRecorder()
		m.RequirePermission("tenant:manage")(ok).ServeHTTP(w, req)
		assert.Equal(t, http.StatusNoContent, w.Code)
	})

	t.Run("not held", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/tenants", nil)
		req = req.WithContext(WithClaims(req.Context(), testClaims("tenant:read")))
		w := httptest.NewRecorder()
		m.RequirePermission("tenant:manage")(ok).ServeHTTP(w, req)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("unauthenticated", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/tenants", nil)
		w := httptest.NewRecorder()
		m.RequirePermission("tenant:manage")(ok).ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestClientContext(t *testing.T) {
	handler := ClientContext(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := audit.ClientFromContext(r.Context())
		assert.Equal(t, "203.0.113.7", c.IP)
		assert.Equal(t, "curl/8", c.UserAgent)
		assert.Equal(t, "laptop-1", c.DeviceID)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.7:51234"
	req.Header.Set("User-Agent", "curl/8")
	req.Header.Set(DeviceIDHeader, "laptop-1")
	handler.ServeHTTP(httptest.NewRecorder(), req)
}

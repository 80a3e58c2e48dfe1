package middleware

import (
	"context"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/upb/tenant-auth/services/token"
)

type contextKey string

const (
	// ClaimsKey is the context key for verified access token claims
	ClaimsKey contextKey = "claims"

	// RawTokenKey is the context key for the bearer token as presented
	RawTokenKey contextKey = "raw_token"
)

// GetRequestIDFromContext retrieves the request ID set by chi's RequestID middleware
func GetRequestIDFromContext(ctx context.Context) string {
	return chimw.GetReqID(ctx)
}

// GetClaimsFromContext retrieves verified claims from context
func GetClaimsFromContext(ctx context.Context) *token.AccessClaims {
	if val := ctx.Value(ClaimsKey); val != nil {
		if claims, ok := val.(*token.AccessClaims); ok {
			return claims
		}
	}
	return nil
}

// WithClaims adds verified claims to the context
func WithClaims(ctx context.Context, claims *token.AccessClaims) context.Context {
	return context.WithValue(ctx, ClaimsKey, claims)
}

// GetRawTokenFromContext returns the access token the claims were parsed from
func GetRawTokenFromContext(ctx context.Context) string {
	if val, ok := ctx.Value(RawTokenKey).(string); ok {
		return val
	}
	return ""
}

// WithRawToken stores the presented access token
func WithRawToken(ctx context.Context, raw string) context.Context {
	return context.WithValue(ctx, RawTokenKey, raw)
}

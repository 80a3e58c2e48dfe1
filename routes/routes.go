package routes

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/upb/tenant-auth/app"
	"github.com/upb/tenant-auth/middleware"
	"github.com/upb/tenant-auth/utils"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()

	// Core middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))
	r.Use(deps.Metrics.Instrument)
	r.Use(middleware.ClientContext)

	// CORS middleware
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.Config.Security.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", middleware.DeviceIDHeader},
		ExposedHeaders:   []string{"X-Request-ID", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check endpoints
	r.Get("/healthz", deps.HealthHandler.HandleHealth)
	r.Get("/readyz", deps.HealthHandler.HandleReadiness)
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics.Handler())
	}

	r.Get("/.well-known/jwks.json", deps.TokenHandler.HandleJWKS)

	auth := deps.AuthMiddleware

	r.Route("/v1", func(r chi.Router) {
		// Credential exchange, throttled per client IP
		r.Group(func(r chi.Router) {
			r.Use(deps.TokenLimiter.Middleware)
			r.Post("/tenants/{handle}/token", deps.TokenHandler.HandleLogin)
			r.Post("/token/refresh", deps.TokenHandler.HandleRefresh)
		})

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAuth)

			r.Post("/token/revoke", deps.TokenHandler.HandleRevoke)
			r.With(deps.TokenLimiter.Middleware).Post("/mfa/verify", deps.TokenHandler.HandleVerifyMFA)
			r.Post("/authorize", deps.AccessHandler.HandleAuthorize)

			r.With(auth.RequirePermission("principal:manage")).
				Post("/principals", deps.AccessHandler.HandleRegisterPrincipal)
			r.With(auth.RequirePermission("role:manage")).
				Put("/principals/{id}/roles", deps.AccessHandler.HandleAssignRoles)

			// Tenant administration
			r.Group(func(r chi.Router) {
				r.Use(auth.RequirePermission("tenant:manage"))
				r.Get("/tenants", deps.TenantHandler.HandleList)
				r.Post("/tenants", deps.TenantHandler.HandleProvision)
				r.Get("/tenants/{handle}", deps.TenantHandler.HandleGet)
				r.Patch("/tenants/{handle}/tier", deps.TenantHandler.HandleUpdateTier)
				r.Put("/tenants/{handle}/security", deps.TenantHandler.HandleUpdateSecurity)
				r.Post("/tenants/{handle}/suspend", deps.TenantHandler.HandleSuspend)
				r.Post("/tenants/{handle}/reactivate", deps.TenantHandler.HandleReactivate)
				r.Post("/tenants/{handle}/deactivate", deps.TenantHandler.HandleDeactivate)
			})
		})
	})

	// 404 handler
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteNotFound(w, "endpoint not found")
	})

	return otelhttp.NewHandler(r, deps.Config.Observability.ServiceName)
}

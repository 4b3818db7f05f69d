package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gabrielcapiotti/mercado-backend/internal/auth"
	"github.com/gabrielcapiotti/mercado-backend/internal/service"
	"github.com/gabrielcapiotti/mercado-backend/pkg/health"
	"github.com/gabrielcapiotti/mercado-backend/pkg/middleware"
)

// NewRouter creates a chi router with all auth service routes registered.
// The authentication gate runs on every request and never rejects by
// itself; endpoints that need a caller attach RequirePrincipal or
// RequireAuthority on top.
func NewRouter(
	authService *service.AuthService,
	gate *auth.Gate,
	healthHandler *health.Handler,
	logger *slog.Logger,
	corsConfig middleware.CORSConfig,
) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.CORS(corsConfig))
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.RequestLogging(logger))
	r.Use(middleware.PrometheusMetrics("auth"))
	r.Use(gate.Middleware)

	// Health check endpoints
	r.Get("/health/live", healthHandler.LivenessHandler())
	r.Get("/health/ready", healthHandler.ReadinessHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		promhttp.Handler().ServeHTTP(w, r)
	})

	authHandler := NewAuthHandler(authService, logger)
	r.Route("/api/v1/auth", func(r chi.Router) {
		r.Use(ContentTypeJSON)

		// Public endpoints
		r.Post("/register", authHandler.Register)
		r.Post("/login", authHandler.Login)
		r.Post("/two-factor", authHandler.TwoFactor)
		r.Post("/refresh", authHandler.RefreshToken)
		r.Post("/logout", authHandler.Logout)

		// Endpoints that need an authenticated caller
		r.Group(func(r chi.Router) {
			r.Use(auth.RequirePrincipal)

			r.Post("/logout-all", authHandler.LogoutAll)
			r.Get("/me", authHandler.Me)
		})
	})

	return r
}

// Package app wires the HTTP surface: middleware stack, routes and
// readiness probes.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/observatory-hq/observatory/internal/adapter/httpserver"
	"github.com/observatory-hq/observatory/internal/adapter/observability"
	"github.com/observatory-hq/observatory/internal/config"
	"github.com/observatory-hq/observatory/internal/service/credential"
	"github.com/observatory-hq/observatory/internal/service/ratelimit"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming
// spaces. Empty input means any origin.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middleware and routes.
// Every API route runs behind authentication and the tier rate limiter; the
// httprate guard in front is a blunt per-IP backstop against floods that
// would otherwise burn tier-limiter store calls.
func BuildRouter(cfg config.Config, srv *httpserver.Server, resolver *credential.Resolver, limiter *ratelimit.Limiter) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(30 * time.Second))
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Group(func(api chi.Router) {
		api.Use(httprate.LimitByIP(cfg.FloodGuardPerMin, 1*time.Minute))
		api.Use(httpserver.Authenticate(resolver))

		api.Group(func(limited chi.Router) {
			limited.Use(httpserver.RateLimit(limiter))

			limited.Post("/v1/analyze", srv.AnalyzeHandler())
			limited.Get("/v1/analyze", srv.ListHandler())
			limited.Get("/v1/analyze/{id}", srv.GetHandler())
			limited.Post("/v1/analyze/{id}/cancel", srv.CancelHandler())
			limited.Get("/health", srv.HealthHandler())
		})

		// Usage peeks the caller's budget and must not spend it, so it sits
		// outside the tier limiter.
		api.Get("/v1/usage", httpserver.UsageHandler(limiter))
	})

	// Operational endpoints stay outside the tier limiter.
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })
	r.Get("/openapi.yaml", srv.OpenAPIServe())

	return httpserver.SecurityHeaders(r)
}

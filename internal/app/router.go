// Package app wires application components and startup helpers.
//
// It provides dependency injection and application initialization.
// The package coordinates between different layers and provides
// a clean application bootstrap process.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/dispatchkit/promptdispatch/internal/adapter/httpserver"
	"github.com/dispatchkit/promptdispatch/internal/adapter/observability"
	"github.com/dispatchkit/promptdispatch/internal/config"
)

const requestTimeout = 35 * time.Second

// ParseOrigins splits a comma-separated origin list into a slice, trimming spaces.
// If the input is empty, returns ["*"].
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return []string{"*"}
	}
	if s == "*" {
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

// BuildRouter constructs the HTTP handler with all middlewares and routes
// (spec §6).
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	// Security & instrumentation middleware
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequireRequestID())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(requestTimeout))
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// spec §6: all routes mount under this base path.
	r.Route("/search-intelligence/searcher/v1", func(pr chi.Router) {
		// Rate limit mutating (admission) endpoints only (spec §4.H RATE_LIMIT_PER_MIN).
		pr.Group(func(wr chi.Router) {
			wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, time.Minute))
			wr.Post("/prompts", srv.PromptHandler())
			wr.Post("/prompts/bulk", srv.BulkPromptHandler())
		})

		pr.Get("/jobs/{id}", srv.JobHandler())
		pr.Get("/jobs", srv.JobsListHandler())
		pr.Get("/batches/{id}", srv.BatchHandler())
		pr.Get("/health", srv.HealthHandler())
	})

	// Unprefixed operational endpoints, outside spec §6's route table: a
	// liveness probe for container orchestration and the Prometheus scrape
	// target.
	r.Get("/healthz", srv.HealthHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	return httpserver.SecurityHeaders(r)
}

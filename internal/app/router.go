package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/fairyhunter13/ai-chat-pipeline/internal/adapter/httpserver"
	"github.com/fairyhunter13/ai-chat-pipeline/internal/adapter/observability"
	"github.com/fairyhunter13/ai-chat-pipeline/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming
// spaces. An empty input means any origin.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the ops HTTP handler: probes, metrics, and the
// admin API when credentials are configured. The dispatcher and worker
// binaries both serve it.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(30 * time.Second))
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

	r.Get("/healthz", srv.HealthzHandler())
	r.Get("/readyz", srv.ReadyzHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	// The admin API sits behind a per-IP rate limit; login is the only
	// unauthenticated POST, and it must not be brute-forceable.
	if cfg.AdminEnabled() {
		r.Group(func(ar chi.Router) {
			ar.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
			httpserver.NewAdminServer(cfg, srv).MountRoutes(ar)
		})
	}

	return httpserver.SecurityHeaders(r)
}

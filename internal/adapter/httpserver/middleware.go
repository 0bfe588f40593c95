package httpserver

import (
	"context"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"

	obsctx "github.com/fairyhunter13/ai-chat-pipeline/internal/observability"
)

// maxInboundRequestID caps the X-Request-Id value we are willing to echo.
// Anything longer is replaced, the ops surface never reflects arbitrary
// client-sized strings into logs and response headers.
const maxInboundRequestID = 64

var ulidEntropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0) //nolint:gosec // Weak random is sufficient for ULID entropy.

func newReqID() string {
	id, err := ulid.New(ulid.Timestamp(time.Now()), ulidEntropy)
	if err != nil {
		return time.Now().UTC().Format("20060102150405.000000000")
	}
	return id.String()
}

// RequestID assigns every request a ULID, stamps it on the response, and
// seeds the context with a logger carrying request, trace, and span ids so
// handler logs and job logs correlate through the same fields.
func RequestID() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get("X-Request-Id")
			if reqID == "" || len(reqID) > maxInboundRequestID {
				reqID = newReqID()
				r.Header.Set("X-Request-Id", reqID)
			}
			spanCtx := trace.SpanContextFromContext(r.Context())
			logger := slog.Default().With(
				slog.String("request_id", reqID),
				slog.String("trace_id", spanCtx.TraceID().String()),
				slog.String("span_id", spanCtx.SpanID().String()),
			)
			ctx := context.WithValue(r.Context(), loggerKey{}, logger)
			ctx = obsctx.ContextWithLogger(ctx, logger)
			ctx = obsctx.ContextWithRequestID(ctx, reqID)
			w.Header().Set("X-Request-Id", reqID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

type loggerKey struct{}

// LoggerFrom returns the request-scoped logger installed by RequestID,
// falling back to the process default.
func LoggerFrom(r *http.Request) *slog.Logger {
	if v := r.Context().Value(loggerKey{}); v != nil {
		if lg, ok := v.(*slog.Logger); ok {
			return lg
		}
	}
	return slog.Default()
}

// Recoverer converts handler panics into 500 responses. The panic value,
// path, and request id go to the log so the stack can be matched to a
// request.
func Recoverer() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					LoggerFrom(r).Error("panic recovered",
						slog.Any("recover", rec),
						slog.String("path", r.URL.Path),
					)
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// TimeoutMiddleware bounds handler time. Admin queries hit the database, so
// a wedged pool must not pin ops connections open.
func TimeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, http.StatusText(http.StatusGatewayTimeout))
	}
}

// SecurityHeaders adds strict security headers suitable for a JSON API.
// HSTS is left to the edge proxy, this server may sit on plain HTTP inside
// the cluster.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Content-Security-Policy", "default-src 'none'")
		h.Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

// probePath reports whether the request is a liveness or readiness poll.
// Probes fire every few seconds per replica and would otherwise dominate
// the access log.
func probePath(p string) bool {
	return p == "/healthz" || p == "/readyz"
}

// AccessLog writes one line per request with route, status, duration, and
// correlation ids. Successful probe polls log at debug, everything else at
// a level matching the status class.
func AccessLog() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			// Route pattern rather than raw path, so log labels line up
			// with the Prometheus route label.
			route := r.URL.Path
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			spanCtx := trace.SpanContextFromContext(r.Context())
			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("route", route),
				slog.Int("status", status),
				slog.Duration("duration_ms", time.Since(start)),
				slog.String("request_id", r.Header.Get("X-Request-Id")),
				slog.String("trace_id", spanCtx.TraceID().String()),
				slog.String("span_id", spanCtx.SpanID().String()),
			}
			level := slog.LevelInfo
			switch {
			case status >= 500:
				level = slog.LevelError
			case status >= 400:
				level = slog.LevelWarn
			case probePath(r.URL.Path):
				level = slog.LevelDebug
			}
			LoggerFrom(r).LogAttrs(r.Context(), level, "http_access", attrs...)
		})
	}
}

// Package httpserver is the operational HTTP surface of the pipeline:
// liveness and readiness probes plus a session-authenticated admin API
// for inspecting job queues, listener cursors, and workspace spend.
//
// The chat product API lives in the main backend; this package serves
// only what operators of the dispatch and worker processes need.
package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/fairyhunter13/ai-chat-pipeline/internal/config"
	"github.com/fairyhunter13/ai-chat-pipeline/internal/domain"
)

// SpendReader answers month-to-date spend for one workspace. The usecase
// budget enforcer satisfies it through its usage-log store.
type SpendReader interface {
	MonthToDateUSD(ctx context.Context, workspaceID string) (float64, error)
}

// Server bundles the dependencies of the ops endpoints. Probe funcs may be
// nil; a nil probe is skipped rather than reported.
type Server struct {
	Cfg         config.Config
	Queues      domain.QueueInspector
	Cursors     domain.CursorStore
	Spend       SpendReader
	DBCheck     func(ctx context.Context) error
	RedisCheck  func(ctx context.Context) error
	QdrantCheck func(ctx context.Context) error
}

// NewServer constructs the ops server.
func NewServer(cfg config.Config, queues domain.QueueInspector, cursors domain.CursorStore, spend SpendReader, dbCheck, redisCheck, qdrantCheck func(context.Context) error) *Server {
	return &Server{
		Cfg:         cfg,
		Queues:      queues,
		Cursors:     cursors,
		Spend:       spend,
		DBCheck:     dbCheck,
		RedisCheck:  redisCheck,
		QdrantCheck: qdrantCheck,
	}
}

// HealthzHandler reports process liveness only; it never touches a backend.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ReadyzHandler probes Postgres, Redis and Qdrant. Any failing check turns
// the whole response 503 so the orchestrator holds traffic and work.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	run := func(ctx context.Context, name string, probe func(context.Context) error, checks []check) []check {
		if probe == nil {
			return checks
		}
		if err := probe(ctx); err != nil {
			return append(checks, check{Name: name, OK: false, Details: err.Error()})
		}
		return append(checks, check{Name: name, OK: true})
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]check, 0, 3)
		checks = run(ctx, "db", s.DBCheck, checks)
		checks = run(ctx, "redis", s.RedisCheck, checks)
		checks = run(ctx, "qdrant", s.QdrantCheck, checks)
		st := http.StatusOK
		for _, c := range checks {
			if !c.OK {
				st = http.StatusServiceUnavailable
				break
			}
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}

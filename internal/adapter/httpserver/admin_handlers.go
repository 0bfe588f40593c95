package httpserver

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/ai-chat-pipeline/internal/config"
	"github.com/fairyhunter13/ai-chat-pipeline/internal/domain"
)

// AdminServer serves the JSON admin API: session login plus read-only views
// over queues, listener cursors, and workspace spend.
type AdminServer struct {
	cfg      config.Config
	sessions *SessionManager
	server   *Server
}

// NewAdminServer creates the admin API around the ops server.
func NewAdminServer(cfg config.Config, server *Server) *AdminServer {
	return &AdminServer{
		cfg:      cfg,
		sessions: NewSessionManager(cfg),
		server:   server,
	}
}

// MountRoutes mounts the admin routes. Login and logout stay public; the
// inspection endpoints require a valid session cookie.
func (a *AdminServer) MountRoutes(r chi.Router) {
	r.Route("/admin", func(ar chi.Router) {
		ar.Post("/login", a.LoginHandler)
		ar.Post("/logout", a.LogoutHandler)

		ar.Group(func(protected chi.Router) {
			protected.Use(a.sessions.AuthRequired)
			protected.Get("/session", a.SessionHandler)
			protected.Get("/queues", a.QueuesHandler)
			protected.Get("/cursors", a.CursorsHandler)
			protected.Get("/spend/{workspaceID}", a.SpendHandler)
		})
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginHandler verifies credentials and issues the session cookie. The
// username comparison is constant time so probing cannot distinguish an
// unknown user from a wrong password.
func (a *AdminServer) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<14)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, fmt.Errorf("%w: invalid login body", domain.ErrInvalidArgument), nil)
		return
	}
	userOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(a.cfg.AdminUsername)) == 1
	passOK := VerifyPassword(req.Password, a.cfg.AdminPasswordHash)
	if !userOK || !passOK {
		LoggerFrom(r).Warn("admin login rejected")
		writeUnauthorized(w, "invalid credentials")
		return
	}

	sessionValue, err := a.sessions.CreateSession(req.Username)
	if err != nil {
		writeError(w, r, fmt.Errorf("create session: %w", err), nil)
		return
	}
	a.sessions.SetSessionCookie(w, sessionValue)
	writeJSON(w, http.StatusOK, map[string]any{
		"username":  req.Username,
		"expiresAt": time.Now().Add(sessionTTL).UTC().Format(time.RFC3339),
	})
}

// LogoutHandler clears the session cookie. It accepts any request so a
// client with an expired session can still log out cleanly.
func (a *AdminServer) LogoutHandler(w http.ResponseWriter, _ *http.Request) {
	a.sessions.ClearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

// SessionHandler echoes the authenticated session, mainly for UI probes.
func (a *AdminServer) SessionHandler(w http.ResponseWriter, r *http.Request) {
	sd, ok := SessionFrom(r.Context())
	if !ok {
		writeUnauthorized(w, "authentication required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"username":  sd.Username,
		"loginTime": sd.LoginTime.UTC().Format(time.RFC3339),
		"expiresAt": sd.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// QueuesHandler returns per-queue, per-state job counts. An optional
// ?state= query narrows the rows to one state.
func (a *AdminServer) QueuesHandler(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	if v := ValidateJobState(state); !v.Valid {
		writeError(w, r, fmt.Errorf("%w: invalid state filter", domain.ErrInvalidArgument), v.Errors)
		return
	}
	stats, err := a.server.Queues.Stats(r.Context())
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	type row struct {
		Queue string `json:"queue"`
		State string `json:"state"`
		Count int64  `json:"count"`
	}
	rows := make([]row, 0, len(stats))
	for _, st := range stats {
		if state != "" && string(st.State) != state {
			continue
		}
		rows = append(rows, row{Queue: st.Queue, State: string(st.State), Count: st.Count})
	}
	writeJSON(w, http.StatusOK, map[string]any{"queues": rows})
}

// CursorsHandler lists every listener cursor with its lease state, the
// first place to look when dispatch falls behind.
func (a *AdminServer) CursorsHandler(w http.ResponseWriter, r *http.Request) {
	cursors, err := a.server.Cursors.List(r.Context())
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	type row struct {
		ListenerID      string `json:"listenerId"`
		LastProcessedID int64  `json:"lastProcessedId"`
		ProcessedAhead  int    `json:"processedAhead"`
		LeaseHolder     string `json:"leaseHolder,omitempty"`
		LeaseExpiresAt  string `json:"leaseExpiresAt,omitempty"`
		UpdatedAt       string `json:"updatedAt"`
	}
	rows := make([]row, 0, len(cursors))
	for _, c := range cursors {
		rw := row{
			ListenerID:      c.ListenerID,
			LastProcessedID: c.LastProcessedID,
			ProcessedAhead:  len(c.ProcessedIDs),
			LeaseHolder:     c.LeaseHolder,
			UpdatedAt:       c.UpdatedAt.UTC().Format(time.RFC3339),
		}
		if !c.LeaseExpiresAt.IsZero() {
			rw.LeaseExpiresAt = c.LeaseExpiresAt.UTC().Format(time.RFC3339)
		}
		rows = append(rows, rw)
	}
	writeJSON(w, http.StatusOK, map[string]any{"cursors": rows})
}

// SpendHandler returns the month-to-date AI spend of one workspace.
func (a *AdminServer) SpendHandler(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	if v := ValidateWorkspaceID(workspaceID); !v.Valid {
		writeError(w, r, fmt.Errorf("%w: invalid workspace id", domain.ErrInvalidArgument), v.Errors)
		return
	}
	if a.server.Spend == nil {
		writeError(w, r, fmt.Errorf("spend reader not configured: %w", domain.ErrInternal), nil)
		return
	}
	usd, err := a.server.Spend.MonthToDateUSD(r.Context(), workspaceID)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"workspaceId":    workspaceID,
		"month":          time.Now().UTC().Format("2006-01"),
		"monthToDateUsd": usd,
	})
}

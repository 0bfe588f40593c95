package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fairyhunter13/ai-chat-pipeline/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details"`
}

// errorStatus maps domain sentinels to HTTP status and a stable machine
// code. First match wins; anything unmatched is an INTERNAL 500.
var errorStatus = []struct {
	sentinel error
	status   int
	code     string
}{
	{domain.ErrInvalidArgument, http.StatusBadRequest, "INVALID_ARGUMENT"},
	{domain.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
	{domain.ErrConflict, http.StatusConflict, "CONFLICT"},
	{domain.ErrLeaseLost, http.StatusConflict, "LEASE_LOST"},
	{domain.ErrRateLimited, http.StatusTooManyRequests, "RATE_LIMITED"},
	{domain.ErrBudgetExceeded, http.StatusPaymentRequired, "BUDGET_EXCEEDED"},
	{domain.ErrUpstreamTimeout, http.StatusServiceUnavailable, "UPSTREAM_TIMEOUT"},
	{domain.ErrUpstreamRateLimit, http.StatusServiceUnavailable, "UPSTREAM_RATE_LIMIT"},
	{domain.ErrSchemaInvalid, http.StatusServiceUnavailable, "SCHEMA_INVALID"},
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeUnauthorized answers 401 with the standard error envelope. There is
// no domain sentinel for auth failures; they never cross the HTTP boundary.
func writeUnauthorized(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusUnauthorized, errorEnvelope{Error: apiError{Code: "UNAUTHORIZED", Message: msg}})
}

func writeError(w http.ResponseWriter, _ *http.Request, err error, details any) {
	for _, m := range errorStatus {
		if errors.Is(err, m.sentinel) {
			writeJSON(w, m.status, errorEnvelope{Error: apiError{Code: m.code, Message: err.Error(), Details: details}})
			return
		}
	}
	writeJSON(w, http.StatusInternalServerError, errorEnvelope{Error: apiError{Code: "INTERNAL", Message: err.Error(), Details: details}})
}

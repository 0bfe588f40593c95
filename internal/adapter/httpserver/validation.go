package httpserver

import (
	"regexp"

	"github.com/fairyhunter13/ai-chat-pipeline/internal/domain"
)

// ValidationError describes one rejected field.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationResult is the outcome of validating request input.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

var workspaceIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateWorkspaceID checks a workspace id path parameter.
func ValidateWorkspaceID(id string) ValidationResult {
	if id == "" {
		return ValidationResult{Valid: false, Errors: []ValidationError{
			{Field: "workspaceID", Code: "REQUIRED", Message: "workspace id is required"},
		}}
	}
	if len(id) > 100 {
		return ValidationResult{Valid: false, Errors: []ValidationError{
			{Field: "workspaceID", Code: "TOO_LONG", Message: "workspace id is too long (max 100 characters)"},
		}}
	}
	if !workspaceIDPattern.MatchString(id) {
		return ValidationResult{Valid: false, Errors: []ValidationError{
			{Field: "workspaceID", Code: "INVALID_FORMAT", Message: "workspace id contains invalid characters"},
		}}
	}
	return ValidationResult{Valid: true}
}

// ValidateJobState checks a job state filter; empty means no filter.
func ValidateJobState(state string) ValidationResult {
	if state == "" {
		return ValidationResult{Valid: true}
	}
	for _, s := range []domain.JobState{domain.JobPending, domain.JobRunning, domain.JobSucceeded, domain.JobFailed, domain.JobDead} {
		if state == string(s) {
			return ValidationResult{Valid: true}
		}
	}
	return ValidationResult{Valid: false, Errors: []ValidationError{
		{Field: "state", Code: "INVALID_VALUE", Message: "state must be one of: pending, running, succeeded, failed, dead"},
	}}
}

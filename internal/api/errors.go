package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/p-arndt/labkasten/internal/lab"
	"github.com/p-arndt/labkasten/internal/session"
	"github.com/p-arndt/labkasten/internal/workspace"
	"github.com/p-arndt/labkasten/protocol"
)

// Error codes returned in API responses besides the lab error codes.
const (
	ErrCodeInvalidRequest    = "INVALID_REQUEST"
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodeWorkspaceNotFound = "WORKSPACE_NOT_FOUND"
	ErrCodeWorkspaceInUse    = "WORKSPACE_IN_USE"
	ErrCodeWorkspaceDisabled = "WORKSPACES_DISABLED"
)

var errWorkspacesDisabled = errors.New("workspaces are not enabled")

// writeAPIError writes a structured error response with appropriate HTTP status
func writeAPIError(w http.ResponseWriter, err error) {
	apiErr := protocol.Error{
		Code:      lab.Code(err),
		Message:   err.Error(),
		Retryable: lab.Retryable(err),
	}
	statusCode := http.StatusInternalServerError

	switch {
	case errors.Is(err, session.ErrInvalidRequest):
		apiErr.Code = ErrCodeInvalidRequest
		statusCode = http.StatusBadRequest
	case errors.Is(err, workspace.ErrNotFound):
		apiErr.Code = ErrCodeWorkspaceNotFound
		statusCode = http.StatusNotFound
	case errors.Is(err, workspace.ErrInUse):
		apiErr.Code = ErrCodeWorkspaceInUse
		statusCode = http.StatusConflict
	case errors.Is(err, errWorkspacesDisabled):
		apiErr.Code = ErrCodeWorkspaceDisabled
		statusCode = http.StatusNotImplemented
	default:
		switch apiErr.Code {
		case lab.CodeSessionNotFound:
			statusCode = http.StatusNotFound
		case lab.CodeInvalidTransition:
			statusCode = http.StatusConflict
		case lab.CodeResourceExhausted, lab.CodeRuntimeUnavailable:
			statusCode = http.StatusServiceUnavailable
		case lab.CodeSurfaceUnhealthy:
			statusCode = http.StatusBadGateway
		case lab.CodeImageBuildFailed:
			statusCode = http.StatusInternalServerError
		}
	}

	if out := lab.Diagnostics(err); out != "" {
		apiErr.Details = map[string]any{"output": out}
	}
	if statusCode == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "5")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(apiErr)
}

// writeValidationError writes a 400 Bad Request with validation details
func writeValidationError(w http.ResponseWriter, message string, details map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(protocol.Error{
		Code:    ErrCodeInvalidRequest,
		Message: message,
		Details: details,
	})
}

// writeUnauthorizedError writes a 401 Unauthorized error
func writeUnauthorizedError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(protocol.Error{
		Code:    ErrCodeUnauthorized,
		Message: message,
	})
}

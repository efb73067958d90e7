package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-arndt/labkasten/internal/lab"
	"github.com/p-arndt/labkasten/internal/session"
	"github.com/p-arndt/labkasten/internal/workspace"
	"github.com/p-arndt/labkasten/protocol"
)

func TestWriteAPIError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
		retryable  bool
	}{
		{
			name:       "session not found",
			err:        lab.NewError("get", "abc", lab.ErrSessionNotFound, nil),
			wantStatus: http.StatusNotFound,
			wantCode:   lab.CodeSessionNotFound,
		},
		{
			name:       "invalid transition",
			err:        lab.NewError("resume", "abc", lab.ErrInvalidTransition, errors.New("running -> running")),
			wantStatus: http.StatusConflict,
			wantCode:   lab.CodeInvalidTransition,
		},
		{
			name:       "resource exhausted",
			err:        fmt.Errorf("create: %w", lab.ErrResourceExhausted),
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   lab.CodeResourceExhausted,
			retryable:  true,
		},
		{
			name:       "runtime unavailable",
			err:        lab.NewError("pause", "abc", lab.ErrRuntimeUnavailable, errors.New("i/o timeout")),
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   lab.CodeRuntimeUnavailable,
			retryable:  true,
		},
		{
			name:       "image build",
			err:        lab.NewError("create", "abc", lab.ErrImageBuild, nil),
			wantStatus: http.StatusInternalServerError,
			wantCode:   lab.CodeImageBuildFailed,
		},
		{
			name:       "surface unhealthy",
			err:        lab.NewError("resume", "abc", lab.ErrSurfaceUnhealthy, nil),
			wantStatus: http.StatusBadGateway,
			wantCode:   lab.CodeSurfaceUnhealthy,
		},
		{
			name:       "invalid request",
			err:        fmt.Errorf("%w: unknown surface \"vnc\"", session.ErrInvalidRequest),
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrCodeInvalidRequest,
		},
		{
			name:       "workspace not found",
			err:        fmt.Errorf("%w: ws-1", workspace.ErrNotFound),
			wantStatus: http.StatusNotFound,
			wantCode:   ErrCodeWorkspaceNotFound,
		},
		{
			name:       "generic error",
			err:        fmt.Errorf("something went wrong"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   lab.CodeInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeAPIError(rec, tt.err)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var apiErr protocol.Error
			require.NoError(t, decodeBody(rec, &apiErr))
			assert.Equal(t, tt.wantCode, apiErr.Code)
			assert.Equal(t, tt.retryable, apiErr.Retryable)
			assert.NotEmpty(t, apiErr.Message)
		})
	}
}

func TestWriteAPIErrorDiagnostics(t *testing.T) {
	rec := httptest.NewRecorder()
	err := &lab.Error{Op: "create", Kind: lab.ErrImageBuild, Err: errors.New("exit status 100"), Output: "E: Unable to locate package foo"}
	writeAPIError(rec, fmt.Errorf("wrap: %w", err))

	var apiErr protocol.Error
	require.NoError(t, decodeBody(rec, &apiErr))
	assert.Equal(t, "E: Unable to locate package foo", apiErr.Details["output"])
}

func TestWriteValidationError(t *testing.T) {
	rec := httptest.NewRecorder()
	details := map[string]any{"field": "user_id"}
	writeValidationError(rec, "user_id is required", details)

	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var apiErr protocol.Error
	require.NoError(t, decodeBody(rec, &apiErr))
	assert.Equal(t, ErrCodeInvalidRequest, apiErr.Code)
	assert.Equal(t, "user_id is required", apiErr.Message)
	assert.Equal(t, "user_id", apiErr.Details["field"])
}

func TestWriteUnauthorizedError(t *testing.T) {
	rec := httptest.NewRecorder()
	writeUnauthorizedError(rec, "invalid api key")

	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	var apiErr protocol.Error
	require.NoError(t, decodeBody(rec, &apiErr))
	assert.Equal(t, ErrCodeUnauthorized, apiErr.Code)
	assert.Equal(t, "invalid api key", apiErr.Message)
}

func decodeBody(rec *httptest.ResponseRecorder, v any) error {
	return json.NewDecoder(rec.Body).Decode(v)
}

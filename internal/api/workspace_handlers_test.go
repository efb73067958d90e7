package api

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/p-arndt/labkasten/internal/testutil"
	"github.com/p-arndt/labkasten/internal/workspace"
	"github.com/p-arndt/labkasten/protocol"
)

func TestListWorkspaces(t *testing.T) {
	ts := newTestServer(t)
	ts.workspaces.On("List", mock.Anything).Return([]*workspace.Workspace{
		{ID: "labkasten-ws-1", UserID: "u1", CourseID: "c1", CreatedAt: time.Now().UTC()},
		{ID: "labkasten-ws-2", UserID: "u2", CourseID: "c1"},
	}, nil)

	rec := ts.do(t, "GET", "/v1/workspaces", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var out protocol.WorkspaceList
	testutil.DecodeJSON(t, rec, &out)
	require.Len(t, out.Workspaces, 2)
	assert.Equal(t, "u1", out.Workspaces[0].UserID)
}

func TestListWorkspacesError(t *testing.T) {
	ts := newTestServer(t)
	ts.workspaces.On("List", mock.Anything).Return(nil, fmt.Errorf("list volumes: connection refused"))

	rec := ts.do(t, "GET", "/v1/workspaces", nil)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestDeleteWorkspace(t *testing.T) {
	ts := newTestServer(t)
	ts.workspaces.On("Delete", mock.Anything, "labkasten-ws-1").Return(nil)
	ts.workspaces.On("Delete", mock.Anything, "labkasten-ws-2").Return(fmt.Errorf("%w: labkasten-ws-2", workspace.ErrInUse))
	ts.workspaces.On("Delete", mock.Anything, "labkasten-ws-3").Return(fmt.Errorf("%w: labkasten-ws-3", workspace.ErrNotFound))

	rec := ts.do(t, "DELETE", "/v1/workspaces/labkasten-ws-1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, "DELETE", "/v1/workspaces/labkasten-ws-2", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, ErrCodeWorkspaceInUse, decodeError(t, rec).Code)

	rec = ts.do(t, "DELETE", "/v1/workspaces/labkasten-ws-3", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, "DELETE", "/v1/workspaces/Bad_ID", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWorkspacesDisabled(t *testing.T) {
	ts := newTestServer(t)
	ts.deps.Workspaces = nil

	rec := ts.do(t, "GET", "/v1/workspaces", nil)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
	assert.Equal(t, ErrCodeWorkspaceDisabled, decodeError(t, rec).Code)
}

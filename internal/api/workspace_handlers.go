package api

import (
	"net/http"

	"github.com/p-arndt/labkasten/protocol"
)

func (s *Server) handleListWorkspaces(w http.ResponseWriter, r *http.Request) {
	if s.deps.Workspaces == nil {
		writeAPIError(w, errWorkspacesDisabled)
		return
	}
	workspaces, err := s.deps.Workspaces.List(r.Context())
	if err != nil {
		writeAPIError(w, err)
		return
	}
	out := protocol.WorkspaceList{Workspaces: make([]protocol.Workspace, 0, len(workspaces))}
	for _, ws := range workspaces {
		out.Workspaces = append(out.Workspaces, protocol.Workspace{
			ID:        ws.ID,
			UserID:    ws.UserID,
			CourseID:  ws.CourseID,
			CreatedAt: ws.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeleteWorkspace(w http.ResponseWriter, r *http.Request) {
	if s.deps.Workspaces == nil {
		writeAPIError(w, errWorkspacesDisabled)
		return
	}
	id := r.PathValue("id")
	if err := ValidateWorkspaceID(id); err != nil {
		writeValidationError(w, err.Error(), nil)
		return
	}
	if err := s.deps.Workspaces.Delete(r.Context(), id); err != nil {
		s.logger.Error("delete workspace", "workspace_id", id, "error", err)
		writeAPIError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

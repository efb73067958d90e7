package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/p-arndt/labkasten/internal/config"
)

// Deps are the services behind the API. Workspaces may be nil.
type Deps struct {
	Labs       LabService
	Bulk       BulkService
	Governor   GovernorService
	Workspaces WorkspaceService
	Runtime    RuntimePinger
	Ports      PortStats
	Images     ImageStats
	Health     HealthStats
}

type Server struct {
	cfg    *config.Config
	deps   Deps
	logger *slog.Logger
	mux    *http.ServeMux
}

func NewServer(cfg *config.Config, deps Deps, logger *slog.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		mux:    http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.requestIDMiddleware(s.authMiddleware(s.mux))
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /v1/labs", s.handleGetOrCreateLab)
	s.mux.HandleFunc("GET /v1/labs", s.handleListLabs)
	s.mux.HandleFunc("GET /v1/labs/{id}", s.handleGetLab)
	s.mux.HandleFunc("POST /v1/labs/{id}/pause", s.handlePauseLab)
	s.mux.HandleFunc("POST /v1/labs/{id}/resume", s.handleResumeLab)
	s.mux.HandleFunc("POST /v1/labs/{id}/stop", s.handleStopLab)
	s.mux.HandleFunc("POST /v1/labs/{id}/heartbeat", s.handleHeartbeat)

	s.mux.HandleFunc("POST /v1/courses/{course_id}/pause", s.handleBulk)
	s.mux.HandleFunc("POST /v1/courses/{course_id}/stop", s.handleBulk)

	s.mux.HandleFunc("GET /v1/workspaces", s.handleListWorkspaces)
	s.mux.HandleFunc("DELETE /v1/workspaces/{id}", s.handleDeleteWorkspace)

	s.mux.HandleFunc("GET /v1/status", s.handleStatus)
	s.mux.HandleFunc("POST /v1/reconcile", s.handleReconcile)

	// Health check (no auth)
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

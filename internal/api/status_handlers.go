package api

import (
	"context"
	"net/http"
	"time"

	"github.com/p-arndt/labkasten/internal/lab"
	"github.com/p-arndt/labkasten/protocol"
)

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	counts := s.deps.Labs.CountByState()
	st := protocol.Status{
		Sessions:     make(map[string]int, len(lab.States)),
		MaxSessions:  s.cfg.Governor.MaxSessions,
		EventsDriver: s.cfg.Events.Driver,
		Workspaces:   s.deps.Workspaces != nil,
	}
	for _, state := range lab.States {
		st.Sessions[string(state)] = counts[state]
	}
	for _, k := range s.cfg.DefaultSurfaceKinds() {
		st.DefaultSurfaces = append(st.DefaultSurfaces, string(k))
	}
	if s.deps.Ports != nil {
		ps := s.deps.Ports.Stats()
		st.Ports = protocol.PortStats{Total: ps.Total, Used: ps.Used, Sessions: ps.Sessions}
	}
	if s.deps.Images != nil {
		st.Images = protocol.ImageStats{Cached: s.deps.Images.Len(), Builds: s.deps.Images.Builds()}
	}
	if s.deps.Health != nil {
		st.HealthChecks = s.deps.Health.Active()
	}
	if s.deps.Governor != nil {
		t := s.deps.Governor.Totals()
		st.Governor = protocol.GovernorStats{
			Passes:       t.Passes,
			IdlePaused:   t.IdlePaused,
			ForcedPaused: t.ForcedPaused,
			Stopped:      t.Stopped,
			Purged:       t.Purged,
			Rejected:     t.Rejected,
			LastError:    t.LastPassError,
		}
		if !t.LastPass.IsZero() {
			last := t.LastPass
			st.Governor.LastPass = &last
		}
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	rep, err := s.deps.Governor.Reconcile(r.Context())
	if err != nil {
		writeAPIError(w, err)
		return
	}
	out := protocol.ReconcileReport{
		Loaded:     rep.Loaded,
		Adopted:    rep.Adopted,
		Failed:     rep.Failed,
		RolledBack: rep.RolledBack,
		Finished:   rep.Finished,
		Orphans:    make([]protocol.Orphan, len(rep.Orphans)),
	}
	for i, o := range rep.Orphans {
		out.Orphans[i] = protocol.Orphan(o)
	}
	writeJSON(w, http.StatusOK, out)
}

// handleHealthz reports whether the container runtime answers.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runtime != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := s.deps.Runtime.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, protocol.Health{Status: "unavailable", Error: err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, protocol.Health{Status: "ok"})
}

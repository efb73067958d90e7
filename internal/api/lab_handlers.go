package api

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strconv"

	"github.com/p-arndt/labkasten/internal/lab"
	"github.com/p-arndt/labkasten/internal/session"
	"github.com/p-arndt/labkasten/protocol"
)

func (s *Server) handleGetOrCreateLab(w http.ResponseWriter, r *http.Request) {
	var body protocol.CreateLabRequest
	if err := decodeJSONBody(w, r, &body); err != nil {
		writeValidationError(w, "invalid json: "+err.Error(), nil)
		return
	}
	req, err := createRequest(body)
	if err != nil {
		writeValidationError(w, err.Error(), nil)
		return
	}

	s.logger.Debug("get or create lab", "user_id", req.UserID, "course_id", req.CourseID, "surfaces", body.Surfaces, "request_id", requestID(r))
	sess, err := s.deps.Labs.GetOrCreate(r.Context(), req)
	if err != nil {
		s.logger.Error("get or create lab", "user_id", req.UserID, "course_id", req.CourseID, "error", err, "request_id", requestID(r))
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.toLab(sess))
}

func (s *Server) handleListLabs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	courseID := q.Get("course_id")
	history, _ := strconv.ParseBool(q.Get("history"))
	var want lab.State
	if v := q.Get("state"); v != "" {
		st, err := lab.ParseState(v)
		if err != nil {
			writeValidationError(w, err.Error(), nil)
			return
		}
		want = st
	}

	var sessions []lab.Session
	if history {
		if courseID == "" {
			writeValidationError(w, "history requires course_id", nil)
			return
		}
		var err error
		if sessions, err = s.deps.Labs.History(courseID); err != nil {
			writeAPIError(w, err)
			return
		}
	} else {
		sessions = s.deps.Labs.List(courseID)
	}

	out := protocol.LabList{Labs: make([]protocol.Lab, 0, len(sessions))}
	for _, sess := range sessions {
		if want != "" && sess.State != want {
			continue
		}
		out.Labs = append(out.Labs, s.toLab(sess))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetLab(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := ValidateSessionID(id); err != nil {
		writeValidationError(w, err.Error(), nil)
		return
	}
	sess, err := s.deps.Labs.Get(id)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.toLab(sess))
}

func (s *Server) handlePauseLab(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, "pause", s.deps.Labs.Pause)
}

func (s *Server) handleResumeLab(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, "resume", s.deps.Labs.Resume)
}

func (s *Server) handleStopLab(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, "stop", s.deps.Labs.Stop)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := ValidateSessionID(id); err != nil {
		writeValidationError(w, err.Error(), nil)
		return
	}
	sess, err := s.deps.Labs.Touch(r.Context(), id)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.toLab(sess))
}

type lifecycleFunc func(ctx context.Context, id, reason string) (lab.Session, error)

func (s *Server) lifecycle(w http.ResponseWriter, r *http.Request, verb string, fn lifecycleFunc) {
	id := r.PathValue("id")
	if err := ValidateSessionID(id); err != nil {
		writeValidationError(w, err.Error(), nil)
		return
	}
	s.logger.Debug(verb+" lab", "session_id", id, "request_id", requestID(r))
	sess, err := fn(r.Context(), id, session.ReasonRequest)
	if err != nil {
		s.logger.Error(verb+" lab", "session_id", id, "error", err, "request_id", requestID(r))
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.toLab(sess))
}

// toLab renders a session for callers, with a browser URL for every published
// surface.
func (s *Server) toLab(sess lab.Session) protocol.Lab {
	out := protocol.Lab{
		ID:           sess.ID,
		UserID:       sess.UserID,
		CourseID:     sess.CourseID,
		State:        string(sess.State),
		Image:        sess.ImageTag,
		Surfaces:     make([]protocol.Surface, 0, len(sess.Surfaces)),
		Limits:       protocol.Limits(sess.Limits),
		CreatedAt:    sess.CreatedAt,
		LastActiveAt: sess.LastActiveAt,
		PausedAt:     sess.PausedAt,
		Failure:      sess.Failure,
	}
	live := sess.State == lab.StateRunning || sess.State == lab.StatePaused
	for _, sf := range sess.Surfaces {
		ps := protocol.Surface{
			Kind:         string(sf.Kind),
			InternalPort: sf.InternalPort,
			ExternalPort: sf.ExternalPort,
			Health:       string(sf.Health),
		}
		if live && sf.ExternalPort > 0 {
			ps.URL = s.surfaceURL(sf)
		}
		out.Surfaces = append(out.Surfaces, ps)
	}
	return out
}

func (s *Server) surfaceURL(sf lab.Surface) string {
	scheme := s.cfg.Ports.Scheme
	if scheme == "" {
		scheme = "http"
	}
	host := s.cfg.Ports.PublicHost
	if host == "" {
		host = "localhost"
	}
	u := url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(host, strconv.Itoa(sf.ExternalPort)),
		Path:   "/",
	}
	if sc, ok := s.cfg.Surfaces[string(sf.Kind)]; ok && sc.URLPath != "" {
		u.Path = sc.URLPath
	}
	return u.String()
}

package api

import (
	"net/http"
	"path"

	"github.com/p-arndt/labkasten/internal/bulk"
	"github.com/p-arndt/labkasten/protocol"
)

// handleBulk serves POST /v1/courses/{course_id}/{pause|stop}. A report with
// failed sessions is still a 200: the batch itself succeeded.
func (s *Server) handleBulk(w http.ResponseWriter, r *http.Request) {
	courseID := r.PathValue("course_id")
	if err := validateIdentifier("course_id", courseID); err != nil {
		writeValidationError(w, err.Error(), nil)
		return
	}
	verb, err := bulk.ParseVerb(path.Base(r.URL.Path))
	if err != nil {
		writeAPIError(w, err)
		return
	}

	s.logger.Info("bulk request", "course_id", courseID, "verb", verb, "request_id", requestID(r))
	rep, err := s.deps.Bulk.Apply(r.Context(), courseID, verb)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	out := protocol.BulkReport{
		CourseID:  courseID,
		Verb:      string(verb),
		Total:     rep.Total,
		Succeeded: rep.Succeeded,
		Failed:    make([]protocol.BulkFailure, len(rep.Failed)),
	}
	for i, f := range rep.Failed {
		out.Failed[i] = protocol.BulkFailure(f)
	}
	writeJSON(w, http.StatusOK, out)
}

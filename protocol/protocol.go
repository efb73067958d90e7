// Package protocol defines the JSON messages of the labkasten HTTP API,
// shared by the daemon and labctl.
package protocol

import (
	"fmt"
	"time"
)

// CreateLabRequest asks for the lab of one learner in one course. Surfaces
// lists the interactive surfaces to expose, primary first; empty means the
// configured default.
type CreateLabRequest struct {
	UserID   string   `json:"user_id"`
	CourseID string   `json:"course_id"`
	Surfaces []string `json:"surfaces,omitempty"`
}

type Surface struct {
	Kind         string `json:"kind"`
	InternalPort int    `json:"internal_port"`
	ExternalPort int    `json:"external_port,omitempty"`
	URL          string `json:"url,omitempty"`
	Health       string `json:"health"`
}

type Limits struct {
	CPUs        float64 `json:"cpus"`
	MemoryBytes int64   `json:"memory_bytes"`
	PidsLimit   int64   `json:"pids_limit,omitempty"`
}

// Lab is the caller's view of a lab session.
type Lab struct {
	ID           string     `json:"session_id"`
	UserID       string     `json:"user_id"`
	CourseID     string     `json:"course_id"`
	State        string     `json:"state"`
	Image        string     `json:"image,omitempty"`
	Surfaces     []Surface  `json:"surfaces"`
	Limits       Limits     `json:"limits"`
	CreatedAt    time.Time  `json:"created_at"`
	LastActiveAt time.Time  `json:"last_active_at"`
	PausedAt     *time.Time `json:"paused_at,omitempty"`
	Failure      string     `json:"failure,omitempty"`
}

type LabList struct {
	Labs []Lab `json:"labs"`
}

type BulkFailure struct {
	SessionID string `json:"session_id"`
	Error     string `json:"error"`
	Code      string `json:"error_code"`
}

// BulkReport is the per-session outcome of a course-wide verb.
type BulkReport struct {
	CourseID  string        `json:"course_id"`
	Verb      string        `json:"verb"`
	Total     int           `json:"total"`
	Succeeded []string      `json:"succeeded"`
	Failed    []BulkFailure `json:"failed"`
}

type Orphan struct {
	ContainerID string `json:"container_id"`
	SessionID   string `json:"session_id,omitempty"`
	UserID      string `json:"user_id,omitempty"`
	CourseID    string `json:"course_id,omitempty"`
	Reason      string `json:"reason"`
}

type ReconcileReport struct {
	Loaded     int      `json:"loaded"`
	Adopted    int      `json:"adopted"`
	Failed     int      `json:"failed"`
	RolledBack int      `json:"rolled_back"`
	Finished   int      `json:"finished"`
	Orphans    []Orphan `json:"orphans"`
}

type PortStats struct {
	Total    int `json:"total"`
	Used     int `json:"used"`
	Sessions int `json:"sessions"`
}

type ImageStats struct {
	Cached int   `json:"cached"`
	Builds int64 `json:"builds"`
}

type GovernorStats struct {
	Passes       int64      `json:"passes"`
	IdlePaused   int64      `json:"idle_paused"`
	ForcedPaused int64      `json:"forced_paused"`
	Stopped      int64      `json:"stopped"`
	Purged       int64      `json:"purged"`
	Rejected     int64      `json:"rejected"`
	LastPass     *time.Time `json:"last_pass,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
}

// Status is a point-in-time summary of the daemon.
type Status struct {
	Sessions        map[string]int `json:"sessions"`
	MaxSessions     int            `json:"max_sessions"`
	Ports           PortStats      `json:"ports"`
	Images          ImageStats     `json:"images"`
	HealthChecks    int            `json:"health_checks"`
	Governor        GovernorStats  `json:"governor"`
	EventsDriver    string         `json:"events_driver"`
	Workspaces      bool           `json:"workspaces_enabled"`
	DefaultSurfaces []string       `json:"default_surfaces"`
}

type Workspace struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	CourseID  string    `json:"course_id"`
	CreatedAt time.Time `json:"created_at"`
}

type WorkspaceList struct {
	Workspaces []Workspace `json:"workspaces"`
}

type Health struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Error is the body of every non-2xx response.
type Error struct {
	Code      string         `json:"error_code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Output returns build or health diagnostics carried in the details.
func (e *Error) Output() string {
	if s, ok := e.Details["output"].(string); ok {
		return s
	}
	return ""
}

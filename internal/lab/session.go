// Package lab holds the domain model shared by every orchestrator component:
// lab sessions, their state machine, interactive surfaces and the error
// taxonomy returned to callers.
package lab

import (
	"fmt"
	"slices"
	"time"
)

// Key identifies the learner/course pair a session belongs to. At most one
// active session exists per key.
type Key struct {
	UserID   string
	CourseID string
}

func (k Key) String() string {
	return k.UserID + "/" + k.CourseID
}

type State string

const (
	StateCreating State = "creating"
	StateRunning  State = "running"
	StatePaused   State = "paused"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
)

// States lists every state in lifecycle order.
var States = []State{StateCreating, StateRunning, StatePaused, StateStopping, StateStopped, StateFailed}

// Active reports whether the state counts against the one-active-session
// invariant for its key.
func (s State) Active() bool {
	switch s {
	case StateCreating, StateRunning, StatePaused, StateStopping:
		return true
	}
	return false
}

// Stable reports whether the state may be observed by callers between calls.
func (s State) Stable() bool {
	switch s {
	case StateRunning, StatePaused, StateStopped, StateFailed:
		return true
	}
	return false
}

func ParseState(s string) (State, error) {
	if st := State(s); slices.Contains(States, st) {
		return st, nil
	}
	return "", fmt.Errorf("unknown session state %q", s)
}

var transitions = map[State][]State{
	StateCreating: {StateRunning, StateFailed},
	StateRunning:  {StatePaused, StateStopping, StateFailed},
	StatePaused:   {StateRunning, StateStopping, StateFailed},
	StateFailed:   {StateStopping},
	StateStopping: {StateStopping, StateStopped},
}

// CanTransition reports whether from -> to is an edge of the session state
// machine. The empty state stands for "no session yet".
func CanTransition(from, to State) bool {
	if from == "" {
		return to == StateCreating
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type ResourceLimits struct {
	CPUs        float64 `json:"cpus"`
	MemoryBytes int64   `json:"memory_bytes"`
	PidsLimit   int64   `json:"pids_limit,omitempty"`
}

// Session is one learner's isolated lab environment for one course.
type Session struct {
	ID            string
	UserID        string
	CourseID      string
	State         State
	RuntimeHandle string
	ImageTag      string
	ImageHash     string
	Surfaces      []Surface
	Limits        ResourceLimits
	CreatedAt     time.Time
	LastActiveAt  time.Time
	PausedAt      *time.Time
	Failure       string

	// Version increases with every committed change; persistence uses it to
	// drop stale snapshots.
	Version int64
}

func (s *Session) Key() Key {
	return Key{UserID: s.UserID, CourseID: s.CourseID}
}

// Primary returns the surface the session cannot be used without.
func (s *Session) Primary() (Surface, bool) {
	if len(s.Surfaces) == 0 {
		return Surface{}, false
	}
	return s.Surfaces[0], true
}

// MultiSurface reports whether the session exposes more than one surface.
func (s *Session) MultiSurface() bool {
	return len(s.Surfaces) > 1
}

func (s *Session) Clone() Session {
	c := *s
	c.Surfaces = append([]Surface(nil), s.Surfaces...)
	if s.PausedAt != nil {
		t := *s.PausedAt
		c.PausedAt = &t
	}
	return c
}

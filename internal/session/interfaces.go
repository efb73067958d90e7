package session

import (
	"context"
	"time"

	"github.com/p-arndt/labkasten/internal/health"
	"github.com/p-arndt/labkasten/internal/imagebuild"
	"github.com/p-arndt/labkasten/internal/lab"
	"github.com/p-arndt/labkasten/internal/runtime"
)

// RuntimeDriver is the subset of runtime.Driver the manager drives.
type RuntimeDriver interface {
	Create(ctx context.Context, opts runtime.CreateOpts) (string, error)
	Pause(ctx context.Context, containerID string) error
	Unpause(ctx context.Context, containerID string) error
	Stop(ctx context.Context, containerID string, timeout time.Duration) error
	Remove(ctx context.Context, containerID string) error
	Inspect(ctx context.Context, containerID string) (*runtime.Container, error)
	List(ctx context.Context) ([]runtime.Container, error)
}

type ImageProvider interface {
	GetOrBuild(ctx context.Context, spec imagebuild.Spec) (imagebuild.Handle, error)
}

type PortAllocator interface {
	Allocate(sessionID string, internalPorts []int) ([]runtime.PortBinding, error)
	Reserve(sessionID string, bindings []runtime.PortBinding) error
	Release(sessionID string) bool
}

type HealthVerifier interface {
	Verify(ctx context.Context, sessionID string, targets []health.Target, onChange health.ChangeFunc) ([]lab.HealthStatus, error)
	Cancel(sessionID string)
}

type WorkspaceProvider interface {
	Ensure(ctx context.Context, key lab.Key) (string, error)
}

// SessionStore is the durable side of the registry plus the reads the
// manager needs for sessions no longer in memory.
type SessionStore interface {
	SaveSession(sess *lab.Session) error
	DeleteSession(id string) error
	GetSession(id string) (*lab.Session, error)
	ListActiveSessions() ([]*lab.Session, error)
	ListSessionsByCourse(courseID string) ([]*lab.Session, error)
}

// Admitter decides whether there is capacity for the session being created.
type Admitter interface {
	Admit(sessionID string) error
}

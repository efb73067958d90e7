// Package runtime defines the container runtime the orchestrator drives. The
// docker package provides the production implementation.
package runtime

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrTransient marks failures worth retrying: the runtime was unreachable
	// or timed out rather than rejecting the request.
	ErrTransient = errors.New("transient runtime error")
	ErrNotFound  = errors.New("container not found")
)

// LabelSurfaces records the ordered surface kinds of a lab container so an
// orphan can be re-adopted with its primary surface intact.
const LabelSurfaces = "labkasten.surfaces"

// PortBinding publishes InternalPort of the container on HostPort.
type PortBinding struct {
	InternalPort int
	HostPort     int
}

type CreateOpts struct {
	SessionID string
	UserID    string
	CourseID  string
	Image     string
	Ports     []PortBinding
	CPUs      float64
	Memory    int64
	PidsLimit int64
	// Volume, when set, is mounted at MountPath for persistent learner files.
	Volume    string
	MountPath string
	Labels    map[string]string
}

type ContainerState string

const (
	ContainerRunning ContainerState = "running"
	ContainerPaused  ContainerState = "paused"
	ContainerExited  ContainerState = "exited"
	ContainerCreated ContainerState = "created"
	ContainerOther   ContainerState = "other"
)

// Container is the runtime's view of a lab container.
type Container struct {
	ID        string
	SessionID string
	UserID    string
	CourseID  string
	Image     string
	State     ContainerState
	Ports     []PortBinding
	Labels    map[string]string
	CreatedAt time.Time
}

// Stats is a point-in-time resource sample of one container.
type Stats struct {
	CPUs        float64 // cores in use
	MemoryBytes int64
	MemoryLimit int64
}

// Driver controls lab containers. Create both creates and starts.
type Driver interface {
	Create(ctx context.Context, opts CreateOpts) (string, error)
	Pause(ctx context.Context, containerID string) error
	Unpause(ctx context.Context, containerID string) error
	Stop(ctx context.Context, containerID string, timeout time.Duration) error
	Remove(ctx context.Context, containerID string) error
	Inspect(ctx context.Context, containerID string) (*Container, error)
	Stats(ctx context.Context, containerID string) (*Stats, error)
	List(ctx context.Context) ([]Container, error)
	Ping(ctx context.Context) error
	Close() error
}

// ImageBuilder is the runtime's build facility.
type ImageBuilder interface {
	// BuildImage builds buildContext (a tar stream) and tags the result. The
	// returned output holds the build tool log, also on failure.
	BuildImage(ctx context.Context, tag string, buildContext io.Reader) (output string, err error)
	ImageExists(ctx context.Context, tag string) (id string, ok bool, err error)
}

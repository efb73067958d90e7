package workspace

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"

	"github.com/p-arndt/labkasten/internal/lab"
)

const (
	labelWorkspace = "labkasten.workspace"
	labelUserID    = "labkasten.user_id"
	labelCourseID  = "labkasten.course_id"
)

var (
	ErrNotFound = errors.New("workspace not found")
	ErrInUse    = errors.New("workspace in use")
)

// VolumeAPI is the subset of the Docker client used for workspaces.
type VolumeAPI interface {
	VolumeCreate(ctx context.Context, options volume.CreateOptions) (volume.Volume, error)
	VolumeInspect(ctx context.Context, volumeID string) (volume.Volume, error)
	VolumeList(ctx context.Context, options volume.ListOptions) (volume.ListResponse, error)
	VolumeRemove(ctx context.Context, volumeID string, force bool) error
}

// Manager handles persistent per-learner, per-course workspace volumes. A
// volume outlives the sessions that mount it, so work survives stop and
// re-create.
type Manager struct {
	docker VolumeAPI
}

// Workspace represents a persistent storage volume.
type Workspace struct {
	ID        string            `json:"id"`
	UserID    string            `json:"user_id"`
	CourseID  string            `json:"course_id"`
	CreatedAt time.Time         `json:"created_at"`
	Labels    map[string]string `json:"labels,omitempty"`
}

func NewManager(dockerClient VolumeAPI) *Manager {
	return &Manager{docker: dockerClient}
}

// VolumeName returns the Docker volume name for a learner/course pair.
func VolumeName(key lab.Key) string {
	sum := sha256.Sum256([]byte(key.UserID + "\x00" + key.CourseID))
	return "labkasten-ws-" + hex.EncodeToString(sum[:8])
}

// Ensure returns the workspace volume for key, creating it on first use.
func (m *Manager) Ensure(ctx context.Context, key lab.Key) (string, error) {
	name := VolumeName(key)
	_, err := m.docker.VolumeInspect(ctx, name)
	if err == nil {
		return name, nil
	}
	if !client.IsErrNotFound(err) {
		return "", fmt.Errorf("inspecting workspace %s: %w", name, err)
	}

	_, err = m.docker.VolumeCreate(ctx, volume.CreateOptions{
		Name:   name,
		Driver: "local",
		Labels: map[string]string{
			labelWorkspace: "true",
			labelUserID:    key.UserID,
			labelCourseID:  key.CourseID,
		},
	})
	if err != nil {
		return "", fmt.Errorf("creating workspace %s: %w", name, err)
	}
	return name, nil
}

// List returns all workspace volumes.
func (m *Manager) List(ctx context.Context) ([]*Workspace, error) {
	vols, err := m.docker.VolumeList(ctx, volume.ListOptions{
		Filters: filters.NewArgs(filters.Arg("label", labelWorkspace+"=true")),
	})
	if err != nil {
		return nil, err
	}

	workspaces := make([]*Workspace, 0, len(vols.Volumes))
	for _, v := range vols.Volumes {
		ws := &Workspace{
			ID:       v.Name,
			UserID:   v.Labels[labelUserID],
			CourseID: v.Labels[labelCourseID],
			Labels:   v.Labels,
		}

		// Parse created time if available
		if createdAt, err := time.Parse(time.RFC3339, v.CreatedAt); err == nil {
			ws.CreatedAt = createdAt
		}

		workspaces = append(workspaces, ws)
	}

	return workspaces, nil
}

// Get returns one workspace by volume name.
func (m *Manager) Get(ctx context.Context, id string) (*Workspace, error) {
	v, err := m.docker.VolumeInspect(ctx, id)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	if v.Labels[labelWorkspace] != "true" {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	ws := &Workspace{
		ID:       v.Name,
		UserID:   v.Labels[labelUserID],
		CourseID: v.Labels[labelCourseID],
		Labels:   v.Labels,
	}
	if createdAt, err := time.Parse(time.RFC3339, v.CreatedAt); err == nil {
		ws.CreatedAt = createdAt
	}
	return ws, nil
}

// Delete removes a workspace volume. A volume still mounted by a container
// is refused.
func (m *Manager) Delete(ctx context.Context, id string) error {
	err := m.docker.VolumeRemove(ctx, id, false)
	switch {
	case err == nil:
		return nil
	case client.IsErrNotFound(err):
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	case errdefs.IsConflict(err):
		return fmt.Errorf("%w: %s", ErrInUse, id)
	}
	return err
}

package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"

	"github.com/p-arndt/labkasten/internal/runtime"
)

const labelPrefix = "labkasten."

// Label keys stamped on every lab container. Reconciliation reads them back.
const (
	LabelManaged   = labelPrefix + "managed"
	LabelSessionID = labelPrefix + "session_id"
	LabelUserID    = labelPrefix + "user_id"
	LabelCourseID  = labelPrefix + "course_id"
)

type Client struct {
	docker      *client.Client
	bindAddress string
	networkMode string
}

var (
	_ runtime.Driver       = (*Client)(nil)
	_ runtime.ImageBuilder = (*Client)(nil)
)

// New connects to the engine from the environment. Published ports bind on
// bindAddress.
func New(bindAddress, networkMode string) (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Client{docker: cli, bindAddress: bindAddress, networkMode: networkMode}, nil
}

func (c *Client) Close() error {
	return c.docker.Close()
}

// DockerClient returns the underlying Docker client (for workspace manager).
func (c *Client) DockerClient() *client.Client {
	return c.docker
}

// Ping verifies the Docker daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.docker.Ping(ctx)
	return classify(err)
}

// Create creates and starts a lab container.
func (c *Client) Create(ctx context.Context, opts runtime.CreateOpts) (string, error) {
	labels := map[string]string{
		LabelManaged:   "true",
		LabelSessionID: opts.SessionID,
		LabelUserID:    opts.UserID,
		LabelCourseID:  opts.CourseID,
	}
	for k, v := range opts.Labels {
		labels[k] = v
	}

	exposed, bindings, err := portSpecs(c.bindAddress, opts.Ports)
	if err != nil {
		return "", err
	}

	resources := container.Resources{
		NanoCPUs: int64(opts.CPUs * 1e9),
		Memory:   opts.Memory,
	}
	if opts.PidsLimit > 0 {
		resources.PidsLimit = int64Ptr(opts.PidsLimit)
	}

	mounts := []mount.Mount{
		{
			Type:   mount.TypeTmpfs,
			Target: "/tmp",
			TmpfsOptions: &mount.TmpfsOptions{
				SizeBytes: 512 * units.MiB,
			},
		},
	}
	if opts.Volume != "" {
		mounts = append(mounts, mount.Mount{
			Type:   mount.TypeVolume,
			Source: opts.Volume,
			Target: opts.MountPath,
		})
	}

	hostCfg := &container.HostConfig{
		Resources:    resources,
		PortBindings: bindings,
		AutoRemove:   false,
		SecurityOpt:  []string{"no-new-privileges"},
		Mounts:       mounts,
	}
	if c.networkMode != "" {
		hostCfg.NetworkMode = container.NetworkMode(c.networkMode)
	}

	containerCfg := &container.Config{
		Image:        opts.Image,
		Labels:       labels,
		ExposedPorts: exposed,
		Tty:          false,
	}

	resp, err := c.docker.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, "labkasten-"+opts.SessionID)
	if err != nil {
		return "", fmt.Errorf("container create: %w", classify(err))
	}

	if err := c.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Clean up on start failure.
		c.docker.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("container start: %w", classify(err))
	}

	return resp.ID, nil
}

func (c *Client) Pause(ctx context.Context, containerID string) error {
	if err := c.docker.ContainerPause(ctx, containerID); err != nil {
		return fmt.Errorf("container pause: %w", classify(err))
	}
	return nil
}

func (c *Client) Unpause(ctx context.Context, containerID string) error {
	if err := c.docker.ContainerUnpause(ctx, containerID); err != nil {
		return fmt.Errorf("container unpause: %w", classify(err))
	}
	return nil
}

// Stop stops a container. A container that is already gone is not an error.
func (c *Client) Stop(ctx context.Context, containerID string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	err := c.docker.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &secs})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("container stop: %w", classify(err))
	}
	return nil
}

// Remove force-removes a container and its anonymous volumes. Named
// workspace volumes survive.
func (c *Client) Remove(ctx context.Context, containerID string) error {
	err := c.docker.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("container remove: %w", classify(err))
	}
	return nil
}

func (c *Client) Inspect(ctx context.Context, containerID string) (*runtime.Container, error) {
	info, err := c.docker.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("container inspect: %w", classify(err))
	}

	ctr := &runtime.Container{
		ID:    info.ID,
		State: containerState(string(info.State.Status)),
	}
	if info.State.Paused {
		ctr.State = runtime.ContainerPaused
	}
	if info.Config != nil {
		ctr.Image = info.Config.Image
		ctr.Labels = info.Config.Labels
		ctr.SessionID = info.Config.Labels[LabelSessionID]
		ctr.UserID = info.Config.Labels[LabelUserID]
		ctr.CourseID = info.Config.Labels[LabelCourseID]
	}
	if info.HostConfig != nil {
		ctr.Ports = bindingsFrom(info.HostConfig.PortBindings)
	}
	if created, err := time.Parse(time.RFC3339Nano, info.Created); err == nil {
		ctr.CreatedAt = created
	}
	return ctr, nil
}

// Stats takes a single resource sample. The engine waits for two readings so
// the CPU delta is meaningful.
func (c *Client) Stats(ctx context.Context, containerID string) (*runtime.Stats, error) {
	resp, err := c.docker.ContainerStats(ctx, containerID, false)
	if err != nil {
		return nil, fmt.Errorf("container stats: %w", classify(err))
	}
	defer resp.Body.Close()

	var s container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil, fmt.Errorf("decode stats: %w", err)
	}

	out := &runtime.Stats{
		MemoryBytes: int64(s.MemoryStats.Usage),
		MemoryLimit: int64(s.MemoryStats.Limit),
	}
	cpuDelta := float64(s.CPUStats.CPUUsage.TotalUsage) - float64(s.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(s.CPUStats.SystemUsage) - float64(s.PreCPUStats.SystemUsage)
	if cpuDelta > 0 && sysDelta > 0 {
		online := float64(s.CPUStats.OnlineCPUs)
		if online == 0 {
			online = float64(len(s.CPUStats.CPUUsage.PercpuUsage))
		}
		out.CPUs = cpuDelta / sysDelta * online
	}
	return out, nil
}

// List returns all containers carrying the labkasten managed label.
func (c *Client) List(ctx context.Context) ([]runtime.Container, error) {
	f := filters.NewArgs()
	f.Add("label", LabelManaged+"=true")

	containers, err := c.docker.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: f,
	})
	if err != nil {
		return nil, fmt.Errorf("container list: %w", classify(err))
	}

	result := make([]runtime.Container, 0, len(containers))
	for _, ctr := range containers {
		sessionID := ctr.Labels[LabelSessionID]
		if sessionID == "" {
			continue
		}
		var ports []runtime.PortBinding
		seen := make(map[uint16]bool)
		for _, p := range ctr.Ports {
			// The engine lists a binding once per address family.
			if p.PublicPort == 0 || seen[p.PrivatePort] {
				continue
			}
			seen[p.PrivatePort] = true
			ports = append(ports, runtime.PortBinding{InternalPort: int(p.PrivatePort), HostPort: int(p.PublicPort)})
		}
		result = append(result, runtime.Container{
			ID:        ctr.ID,
			SessionID: sessionID,
			UserID:    ctr.Labels[LabelUserID],
			CourseID:  ctr.Labels[LabelCourseID],
			Image:     ctr.Image,
			State:     containerState(string(ctr.State)),
			Ports:     ports,
			Labels:    ctr.Labels,
			CreatedAt: time.Unix(ctr.Created, 0).UTC(),
		})
	}
	return result, nil
}

// BuildImage sends a tar build context to the engine and tags the result.
// The decoded build log is returned on success and failure alike.
func (c *Client) BuildImage(ctx context.Context, tag string, buildContext io.Reader) (string, error) {
	resp, err := c.docker.ImageBuild(ctx, buildContext, build.ImageBuildOptions{
		Tags:        []string{tag},
		Remove:      true,
		ForceRemove: true,
		PullParent:  true,
		Labels:      map[string]string{LabelManaged: "true"},
	})
	if err != nil {
		return "", fmt.Errorf("image build: %w", classify(err))
	}
	defer resp.Body.Close()

	var out bytes.Buffer
	if err := jsonmessage.DisplayJSONMessagesStream(resp.Body, &out, 0, false, nil); err != nil {
		var jerr *jsonmessage.JSONError
		if errors.As(err, &jerr) {
			return out.String(), fmt.Errorf("image build: %w", err)
		}
		return out.String(), fmt.Errorf("image build: %w", classify(err))
	}
	return out.String(), nil
}

// ImageExists looks an image up by tag.
func (c *Client) ImageExists(ctx context.Context, tag string) (string, bool, error) {
	info, err := c.docker.ImageInspect(ctx, tag)
	if err != nil {
		if client.IsErrNotFound(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("image inspect: %w", classify(err))
	}
	return info.ID, true, nil
}

// classify maps engine errors onto the runtime sentinels.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case client.IsErrNotFound(err):
		return fmt.Errorf("%w: %w", runtime.ErrNotFound, err)
	case client.IsErrConnectionFailed(err),
		errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", runtime.ErrTransient, err)
	}
	return err
}

func portSpecs(bindAddress string, ports []runtime.PortBinding) (nat.PortSet, nat.PortMap, error) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, p := range ports {
		port, err := nat.NewPort("tcp", strconv.Itoa(p.InternalPort))
		if err != nil {
			return nil, nil, fmt.Errorf("port %d: %w", p.InternalPort, err)
		}
		exposed[port] = struct{}{}
		bindings[port] = []nat.PortBinding{{HostIP: bindAddress, HostPort: strconv.Itoa(p.HostPort)}}
	}
	return exposed, bindings, nil
}

func bindingsFrom(pm nat.PortMap) []runtime.PortBinding {
	var out []runtime.PortBinding
	for port, bs := range pm {
		for _, b := range bs {
			host, err := strconv.Atoi(b.HostPort)
			if err != nil || host == 0 {
				continue
			}
			out = append(out, runtime.PortBinding{InternalPort: port.Int(), HostPort: host})
			break
		}
	}
	return out
}

func containerState(s string) runtime.ContainerState {
	switch s {
	case "running":
		return runtime.ContainerRunning
	case "paused":
		return runtime.ContainerPaused
	case "exited", "dead":
		return runtime.ContainerExited
	case "created":
		return runtime.ContainerCreated
	}
	return runtime.ContainerOther
}

func int64Ptr(v int64) *int64 {
	return &v
}

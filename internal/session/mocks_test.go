package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/p-arndt/labkasten/internal/health"
	"github.com/p-arndt/labkasten/internal/imagebuild"
	"github.com/p-arndt/labkasten/internal/lab"
	"github.com/p-arndt/labkasten/internal/runtime"
)

type MockRuntimeDriver struct {
	mock.Mock
}

func (m *MockRuntimeDriver) Create(ctx context.Context, opts runtime.CreateOpts) (string, error) {
	args := m.Called(ctx, opts)
	return args.String(0), args.Error(1)
}

func (m *MockRuntimeDriver) Pause(ctx context.Context, containerID string) error {
	args := m.Called(ctx, containerID)
	return args.Error(0)
}

func (m *MockRuntimeDriver) Unpause(ctx context.Context, containerID string) error {
	args := m.Called(ctx, containerID)
	return args.Error(0)
}

func (m *MockRuntimeDriver) Stop(ctx context.Context, containerID string, timeout time.Duration) error {
	args := m.Called(ctx, containerID, timeout)
	return args.Error(0)
}

func (m *MockRuntimeDriver) Remove(ctx context.Context, containerID string) error {
	args := m.Called(ctx, containerID)
	return args.Error(0)
}

func (m *MockRuntimeDriver) Inspect(ctx context.Context, containerID string) (*runtime.Container, error) {
	args := m.Called(ctx, containerID)
	if c := args.Get(0); c != nil {
		return c.(*runtime.Container), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRuntimeDriver) List(ctx context.Context) ([]runtime.Container, error) {
	args := m.Called(ctx)
	if cs := args.Get(0); cs != nil {
		return cs.([]runtime.Container), args.Error(1)
	}
	return nil, args.Error(1)
}

type MockImageProvider struct {
	mock.Mock
}

func (m *MockImageProvider) GetOrBuild(ctx context.Context, spec imagebuild.Spec) (imagebuild.Handle, error) {
	args := m.Called(ctx, spec)
	return args.Get(0).(imagebuild.Handle), args.Error(1)
}

type MockWorkspaces struct {
	mock.Mock
}

func (m *MockWorkspaces) Ensure(ctx context.Context, key lab.Key) (string, error) {
	args := m.Called(ctx, key)
	return args.String(0), args.Error(1)
}

// fakeProber answers readiness probes per surface kind. Surfaces are healthy
// unless marked down.
type fakeProber struct {
	mu   sync.Mutex
	down map[lab.SurfaceKind]bool
}

func newFakeProber() *fakeProber {
	return &fakeProber{down: make(map[lab.SurfaceKind]bool)}
}

func (p *fakeProber) Probe(ctx context.Context, t health.Target) error {
	p.mu.Lock()
	down := p.down[t.Kind]
	p.mu.Unlock()
	if down {
		return errors.New("connection refused")
	}
	return nil
}

func (p *fakeProber) setDown(kind lab.SurfaceKind, down bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.down[kind] = down
}

type admitFunc func() error

func (f admitFunc) Admit(string) error { return f() }

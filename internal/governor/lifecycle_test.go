package governor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-arndt/labkasten/internal/health"
	"github.com/p-arndt/labkasten/internal/imagebuild"
	"github.com/p-arndt/labkasten/internal/lab"
	"github.com/p-arndt/labkasten/internal/pool"
	"github.com/p-arndt/labkasten/internal/runtime"
	"github.com/p-arndt/labkasten/internal/session"
	"github.com/p-arndt/labkasten/internal/testutil"
)

// fakeEngine is an in-memory container engine that also reports usage.
type fakeEngine struct {
	mu         sync.Mutex
	next       int
	containers map[string]runtime.ContainerState
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{containers: make(map[string]runtime.ContainerState)}
}

func (e *fakeEngine) Create(ctx context.Context, opts runtime.CreateOpts) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.next++
	id := fmt.Sprintf("ctr-%d", e.next)
	e.containers[id] = runtime.ContainerRunning
	return id, nil
}

func (e *fakeEngine) set(id string, st runtime.ContainerState) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.containers[id]; !ok {
		return runtime.ErrNotFound
	}
	e.containers[id] = st
	return nil
}

func (e *fakeEngine) Pause(ctx context.Context, id string) error {
	return e.set(id, runtime.ContainerPaused)
}

func (e *fakeEngine) Unpause(ctx context.Context, id string) error {
	return e.set(id, runtime.ContainerRunning)
}

func (e *fakeEngine) Stop(ctx context.Context, id string, timeout time.Duration) error {
	return e.set(id, runtime.ContainerExited)
}

func (e *fakeEngine) Remove(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.containers, id)
	return nil
}

func (e *fakeEngine) Inspect(ctx context.Context, id string) (*runtime.Container, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.containers[id]
	if !ok {
		return nil, runtime.ErrNotFound
	}
	return &runtime.Container{ID: id, State: st}, nil
}

func (e *fakeEngine) List(ctx context.Context) ([]runtime.Container, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]runtime.Container, 0, len(e.containers))
	for id, st := range e.containers {
		out = append(out, runtime.Container{ID: id, State: st})
	}
	return out, nil
}

func (e *fakeEngine) Stats(ctx context.Context, id string) (*runtime.Stats, error) {
	return quiet(), nil
}

func (e *fakeEngine) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.containers)
}

type fixedImage struct{}

func (fixedImage) GetOrBuild(ctx context.Context, spec imagebuild.Spec) (imagebuild.Handle, error) {
	return imagebuild.Handle{Tag: "labkasten/lab:h1", Hash: "h1"}, nil
}

type healthy struct{}

func (healthy) Probe(ctx context.Context, t health.Target) error { return nil }

type stack struct {
	gov    *Governor
	mgr    *session.Manager
	engine *fakeEngine
	ports  *pool.Ports
}

func newStack(t *testing.T, maxSessions int) *stack {
	t.Helper()
	cfg := testutil.TestConfig()
	cfg.Governor.MaxSessions = maxSessions
	st := testutil.NewTestStore(t)
	s := &stack{
		engine: newFakeEngine(),
		ports:  pool.New(cfg.Ports.RangeStart, cfg.Ports.RangeEnd, testutil.Logger()),
	}
	mon := health.NewMonitor(healthy{}, health.Options{
		Attempts:       1,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		AttemptTimeout: 100 * time.Millisecond,
	}, testutil.Logger())
	s.mgr = session.NewManager(cfg, session.Deps{
		Store:   st,
		Runtime: s.engine,
		Images:  fixedImage{},
		Ports:   s.ports,
		Health:  mon,
	}, testutil.Logger())
	s.gov = New(cfg.Governor, s.engine, st, testutil.Logger())
	s.gov.SetSessionManager(s.mgr)
	s.mgr.SetAdmitter(s.gov)
	return s
}

func (s *stack) passAt(at time.Time) {
	s.gov.now = func() time.Time { return at }
	s.gov.pass(context.Background())
}

func TestGovernorPausesThenStopsIdleLab(t *testing.T) {
	s := newStack(t, 10)
	ctx := context.Background()

	sess, err := s.mgr.GetOrCreate(ctx, session.CreateRequest{UserID: "u1", CourseID: "c1"})
	require.NoError(t, err)
	require.Equal(t, lab.StateRunning, sess.State)
	require.Equal(t, 2, s.ports.Stats().Used)

	start := time.Now().UTC()

	// Still inside the idle window.
	s.passAt(start.Add(10 * time.Minute))
	got, err := s.mgr.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, lab.StateRunning, got.State)

	s.passAt(start.Add(2 * time.Hour))
	got, err = s.mgr.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, lab.StatePaused, got.State)
	assert.Equal(t, 2, s.ports.Stats().Used)
	assert.Equal(t, int64(1), s.gov.Totals().IdlePaused)

	s.passAt(start.Add(26 * time.Hour))
	got, err = s.mgr.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, lab.StateStopped, got.State)
	assert.Equal(t, 0, s.ports.Stats().Used)
	assert.Zero(t, s.engine.count())
	assert.Empty(t, s.mgr.Sessions())

	totals := s.gov.Totals()
	assert.Equal(t, int64(1), totals.Stopped)
	assert.Equal(t, int64(3), totals.Passes)
	assert.Empty(t, totals.LastPassError)
}

// touchAfterList records learner activity on every session right after the
// governor has taken its snapshot.
type touchAfterList struct {
	*session.Manager
}

func (l touchAfterList) Sessions() []lab.Session {
	list := l.Manager.Sessions()
	for _, s := range list {
		_, _ = l.Manager.Touch(context.Background(), s.ID)
	}
	return list
}

func TestGovernorKeepsLabTouchedDuringPass(t *testing.T) {
	s := newStack(t, 10)
	s.gov.SetSessionManager(touchAfterList{s.mgr})
	ctx := context.Background()

	sess, err := s.mgr.GetOrCreate(ctx, session.CreateRequest{UserID: "u1", CourseID: "c1"})
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	// The snapshot is just past the idle timeout, the touch lands after the cutoff.
	s.passAt(sess.LastActiveAt.Add(30*time.Minute + 10*time.Millisecond))

	got, err := s.mgr.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, lab.StateRunning, got.State)
	assert.True(t, got.LastActiveAt.After(sess.LastActiveAt))
	assert.Zero(t, s.gov.Totals().IdlePaused)
	assert.Empty(t, s.gov.Totals().LastPassError)
}

func TestGovernorAdmitsUpToCapacity(t *testing.T) {
	s := newStack(t, 1)
	ctx := context.Background()

	first, err := s.mgr.GetOrCreate(ctx, session.CreateRequest{UserID: "u1", CourseID: "c1"})
	require.NoError(t, err)

	_, err = s.mgr.GetOrCreate(ctx, session.CreateRequest{UserID: "u2", CourseID: "c1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, lab.ErrResourceExhausted)
	assert.Equal(t, 1, s.engine.count())
	assert.Equal(t, int64(1), s.gov.Totals().Rejected)

	_, err = s.mgr.Stop(ctx, first.ID, session.ReasonRequest)
	require.NoError(t, err)

	_, err = s.mgr.GetOrCreate(ctx, session.CreateRequest{UserID: "u2", CourseID: "c1"})
	require.NoError(t, err)
}

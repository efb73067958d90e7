package governor

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/p-arndt/labkasten/internal/lab"
	"github.com/p-arndt/labkasten/internal/runtime"
	"github.com/p-arndt/labkasten/internal/session"
)

type MockLifecycle struct {
	mock.Mock
}

func (m *MockLifecycle) Sessions() []lab.Session {
	args := m.Called()
	return args.Get(0).([]lab.Session)
}

func (m *MockLifecycle) Pause(ctx context.Context, id, reason string) (lab.Session, error) {
	args := m.Called(ctx, id, reason)
	return args.Get(0).(lab.Session), args.Error(1)
}

func (m *MockLifecycle) PauseIdle(ctx context.Context, id string, cutoff time.Time, reason string) (lab.Session, bool, error) {
	args := m.Called(ctx, id, cutoff, reason)
	return args.Get(0).(lab.Session), args.Bool(1), args.Error(2)
}

func (m *MockLifecycle) StopIdle(ctx context.Context, id string, cutoff time.Time, reason string) (lab.Session, bool, error) {
	args := m.Called(ctx, id, cutoff, reason)
	return args.Get(0).(lab.Session), args.Bool(1), args.Error(2)
}

func (m *MockLifecycle) Stop(ctx context.Context, id, reason string) (lab.Session, error) {
	args := m.Called(ctx, id, reason)
	return args.Get(0).(lab.Session), args.Error(1)
}

func (m *MockLifecycle) Reconcile(ctx context.Context) (session.ReconcileReport, error) {
	args := m.Called(ctx)
	return args.Get(0).(session.ReconcileReport), args.Error(1)
}

type MockStats struct {
	mock.Mock
}

func (m *MockStats) Stats(ctx context.Context, containerID string) (*runtime.Stats, error) {
	args := m.Called(ctx, containerID)
	if st := args.Get(0); st != nil {
		return st.(*runtime.Stats), args.Error(1)
	}
	return nil, args.Error(1)
}

type MockHistory struct {
	mock.Mock
}

func (m *MockHistory) PurgeFinished(cutoff time.Time) (int64, error) {
	args := m.Called(cutoff)
	return args.Get(0).(int64), args.Error(1)
}

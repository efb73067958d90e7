package bulk

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/p-arndt/labkasten/internal/events"
	"github.com/p-arndt/labkasten/internal/lab"
)

type MockLifecycle struct {
	mock.Mock
}

func (m *MockLifecycle) List(courseID string) []lab.Session {
	args := m.Called(courseID)
	return args.Get(0).([]lab.Session)
}

func (m *MockLifecycle) Pause(ctx context.Context, id, reason string) (lab.Session, error) {
	args := m.Called(ctx, id, reason)
	return args.Get(0).(lab.Session), args.Error(1)
}

func (m *MockLifecycle) Stop(ctx context.Context, id, reason string) (lab.Session, error) {
	args := m.Called(ctx, id, reason)
	return args.Get(0).(lab.Session), args.Error(1)
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(_ context.Context, e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) Close() error { return nil }

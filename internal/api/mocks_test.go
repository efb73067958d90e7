package api

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/p-arndt/labkasten/internal/bulk"
	"github.com/p-arndt/labkasten/internal/governor"
	"github.com/p-arndt/labkasten/internal/lab"
	"github.com/p-arndt/labkasten/internal/pool"
	"github.com/p-arndt/labkasten/internal/session"
	"github.com/p-arndt/labkasten/internal/workspace"
)

type MockLabService struct {
	mock.Mock
}

func (m *MockLabService) GetOrCreate(ctx context.Context, req session.CreateRequest) (lab.Session, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(lab.Session), args.Error(1)
}

func (m *MockLabService) Get(id string) (lab.Session, error) {
	args := m.Called(id)
	return args.Get(0).(lab.Session), args.Error(1)
}

func (m *MockLabService) List(courseID string) []lab.Session {
	args := m.Called(courseID)
	return args.Get(0).([]lab.Session)
}

func (m *MockLabService) History(courseID string) ([]lab.Session, error) {
	args := m.Called(courseID)
	if s := args.Get(0); s != nil {
		return s.([]lab.Session), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockLabService) Pause(ctx context.Context, id, reason string) (lab.Session, error) {
	args := m.Called(ctx, id, reason)
	return args.Get(0).(lab.Session), args.Error(1)
}

func (m *MockLabService) Resume(ctx context.Context, id, reason string) (lab.Session, error) {
	args := m.Called(ctx, id, reason)
	return args.Get(0).(lab.Session), args.Error(1)
}

func (m *MockLabService) Stop(ctx context.Context, id, reason string) (lab.Session, error) {
	args := m.Called(ctx, id, reason)
	return args.Get(0).(lab.Session), args.Error(1)
}

func (m *MockLabService) Touch(ctx context.Context, id string) (lab.Session, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(lab.Session), args.Error(1)
}

func (m *MockLabService) CountByState() map[lab.State]int {
	args := m.Called()
	return args.Get(0).(map[lab.State]int)
}

type MockBulkService struct {
	mock.Mock
}

func (m *MockBulkService) Apply(ctx context.Context, courseID string, verb bulk.Verb) (bulk.Report, error) {
	args := m.Called(ctx, courseID, verb)
	return args.Get(0).(bulk.Report), args.Error(1)
}

type MockGovernor struct {
	mock.Mock
}

func (m *MockGovernor) Reconcile(ctx context.Context) (session.ReconcileReport, error) {
	args := m.Called(ctx)
	return args.Get(0).(session.ReconcileReport), args.Error(1)
}

func (m *MockGovernor) Totals() governor.Totals {
	args := m.Called()
	return args.Get(0).(governor.Totals)
}

type MockWorkspaceService struct {
	mock.Mock
}

func (m *MockWorkspaceService) List(ctx context.Context) ([]*workspace.Workspace, error) {
	args := m.Called(ctx)
	if ws := args.Get(0); ws != nil {
		return ws.([]*workspace.Workspace), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockWorkspaceService) Delete(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

type MockPinger struct {
	mock.Mock
}

func (m *MockPinger) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

type fixedStats struct {
	ports  pool.Stats
	images int
	builds int64
	checks int
}

func (f fixedStats) Stats() pool.Stats { return f.ports }
func (f fixedStats) Len() int          { return f.images }
func (f fixedStats) Builds() int64     { return f.builds }
func (f fixedStats) Active() int       { return f.checks }

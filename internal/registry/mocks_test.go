package registry

import (
	"github.com/stretchr/testify/mock"

	"github.com/p-arndt/labkasten/internal/lab"
)

// MockPersister mocks the Persister interface.
type MockPersister struct {
	mock.Mock
}

func (m *MockPersister) SaveSession(sess *lab.Session) error {
	args := m.Called(sess)
	return args.Error(0)
}

func (m *MockPersister) DeleteSession(id string) error {
	args := m.Called(id)
	return args.Error(0)
}

package imagebuild

import (
	"context"
	"io"

	"github.com/stretchr/testify/mock"
)

// MockBuilder mocks runtime.ImageBuilder.
type MockBuilder struct {
	mock.Mock
}

func (m *MockBuilder) BuildImage(ctx context.Context, tag string, buildContext io.Reader) (string, error) {
	args := m.Called(ctx, tag, buildContext)
	return args.String(0), args.Error(1)
}

func (m *MockBuilder) ImageExists(ctx context.Context, tag string) (string, bool, error) {
	args := m.Called(ctx, tag)
	return args.String(0), args.Bool(1), args.Error(2)
}

package services

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockController is a mock Controller shared by every package that
// sequences services in tests.
type MockController struct {
	mock.Mock
}

func (m *MockController) EnsureRunning(ctx context.Context, name string) error {
	return m.Called(name).Error(0)
}

func (m *MockController) EnsureStopped(ctx context.Context, name string) error {
	return m.Called(name).Error(0)
}

func (m *MockController) Reload(ctx context.Context, name string) error {
	return m.Called(name).Error(0)
}

func (m *MockController) Probe(ctx context.Context, name string) Status {
	args := m.Called(name)
	return args.Get(0).(Status)
}

// Package invertermock provides a mock implementation of the inverter.System
// interface for testing.
package invertermock

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/wattkeeper/wattkeeper/pkg/types"
)

// Mock is a mock implementation of inverter.System.
type Mock struct {
	mock.Mock
}

func (m *Mock) Query(ctx context.Context, deviceID string) (types.Telemetry, error) {
	args := m.Called(ctx, deviceID)
	return args.Get(0).(types.Telemetry), args.Error(1)
}

func (m *Mock) SetSchedule(ctx context.Context, deviceID string, sched types.Schedule) error {
	args := m.Called(ctx, deviceID, sched)
	return args.Error(0)
}

func (m *Mock) SetSchedulerFlag(ctx context.Context, deviceID string, enable bool) error {
	args := m.Called(ctx, deviceID, enable)
	return args.Error(0)
}

func (m *Mock) SetExportLimit(ctx context.Context, deviceID string, watts int) error {
	args := m.Called(ctx, deviceID, watts)
	return args.Error(0)
}

func (m *Mock) GetDeviceDetail(ctx context.Context, deviceID string) (types.DeviceDetail, error) {
	args := m.Called(ctx, deviceID)
	return args.Get(0).(types.DeviceDetail), args.Error(1)
}

// Package inverter talks to the battery inverter cloud API. All hardware
// writes in the rest of the codebase go through the System interface so tests
// can swap in a mock.
package inverter

import (
	"context"
	"errors"
	"sync"

	"github.com/wattkeeper/wattkeeper/pkg/types"
)

var (
	// ErrRateLimited is returned when the cloud API rejects a call for
	// exceeding the per-day quota. Callers treat this as retryable but must
	// not count it against their own usage metrics.
	ErrRateLimited = errors.New("inverter api rate limited")

	// ErrRejected is returned when the cloud API accepted the request but the
	// device refused the payload (bad segment, unsupported flag).
	ErrRejected = errors.New("inverter rejected request")
)

// System defines the interface for interacting with a battery inverter.
type System interface {
	// Query returns the current real-time telemetry for the device.
	Query(ctx context.Context, deviceID string) (types.Telemetry, error)

	// SetSchedule writes the full 8-slot schedule to the device.
	SetSchedule(ctx context.Context, deviceID string, sched types.Schedule) error

	// SetSchedulerFlag enables or disables the device's scheduler entirely.
	SetSchedulerFlag(ctx context.Context, deviceID string, enable bool) error

	// SetExportLimit caps grid export at the given watts. Zero blocks all
	// export.
	SetExportLimit(ctx context.Context, deviceID string, watts int) error

	// GetDeviceDetail returns static device info, including its timezone.
	GetDeviceDetail(ctx context.Context, deviceID string) (types.DeviceDetail, error)
}

// Map manages per-user inverter systems. Each user authenticates with their
// own API key so systems are not shared across users.
type Map struct {
	mu      sync.Mutex
	systems map[string]System
	newSys  func(apiKey string) System
}

// NewMap creates a new inverter Map.
func NewMap(newSys func(apiKey string) System) *Map {
	return &Map{
		systems: make(map[string]System),
		newSys:  newSys,
	}
}

// User returns the system for the given userID, creating one with the user's
// API key on first use.
func (m *Map) User(ctx context.Context, userID, apiKey string) System {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sys, ok := m.systems[userID]; ok {
		return sys
	}
	sys := m.newSys(apiKey)
	m.systems[userID] = sys
	return sys
}

// SetSystem sets the system for a specific user. This is primarily used for testing.
func (m *Map) SetSystem(userID string, sys System) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.systems[userID] = sys
}

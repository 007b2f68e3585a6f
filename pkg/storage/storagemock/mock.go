// Package storagemock provides a mock implementation of the storage.Database
// interface for testing.
package storagemock

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/wattkeeper/wattkeeper/pkg/storage"
	"github.com/wattkeeper/wattkeeper/pkg/types"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) GetUserConfig(ctx context.Context, userID string) (types.UserConfig, int, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(types.UserConfig), args.Int(1), args.Error(2)
}

func (m *MockDatabase) SetUserConfig(ctx context.Context, userID string, cfg types.UserConfig, version int) error {
	args := m.Called(ctx, userID, cfg, version)
	return args.Error(0)
}

func (m *MockDatabase) GetAutomationState(ctx context.Context, userID string) (types.AutomationState, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(types.AutomationState), args.Error(1)
}

func (m *MockDatabase) SetAutomationState(ctx context.Context, userID string, state types.AutomationState) error {
	args := m.Called(ctx, userID, state)
	return args.Error(0)
}

func (m *MockDatabase) ListRules(ctx context.Context, userID string) ([]types.Rule, error) {
	args := m.Called(ctx, userID)
	if rules := args.Get(0); rules != nil {
		return rules.([]types.Rule), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDatabase) GetRule(ctx context.Context, userID, ruleID string) (types.Rule, error) {
	args := m.Called(ctx, userID, ruleID)
	return args.Get(0).(types.Rule), args.Error(1)
}

func (m *MockDatabase) UpsertRule(ctx context.Context, userID string, rule types.Rule) error {
	args := m.Called(ctx, userID, rule)
	return args.Error(0)
}

func (m *MockDatabase) DeleteRule(ctx context.Context, userID, ruleID string) error {
	args := m.Called(ctx, userID, ruleID)
	return args.Error(0)
}

func (m *MockDatabase) GetQuickControl(ctx context.Context, userID string) (types.QuickControlState, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(types.QuickControlState), args.Error(1)
}

func (m *MockDatabase) SetQuickControl(ctx context.Context, userID string, state types.QuickControlState) error {
	args := m.Called(ctx, userID, state)
	return args.Error(0)
}

func (m *MockDatabase) UpsertPrices(ctx context.Context, userID string, entries []types.PriceEntry, version int) error {
	args := m.Called(ctx, userID, entries, version)
	return args.Error(0)
}

func (m *MockDatabase) GetPriceHistory(ctx context.Context, userID string, start, end time.Time) ([]types.PriceEntry, error) {
	args := m.Called(ctx, userID, start, end)
	if entries := args.Get(0); entries != nil {
		return entries.([]types.PriceEntry), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDatabase) InsertAuditEntry(ctx context.Context, userID string, entry types.AuditEntry) error {
	args := m.Called(ctx, userID, entry)
	return args.Error(0)
}

func (m *MockDatabase) GetAuditHistory(ctx context.Context, userID string, start, end time.Time) ([]types.AuditEntry, error) {
	args := m.Called(ctx, userID, start, end)
	if entries := args.Get(0); entries != nil {
		return entries.([]types.AuditEntry), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDatabase) IncrementDayMetrics(ctx context.Context, userID, date string, delta types.DayMetrics) error {
	args := m.Called(ctx, userID, date, delta)
	return args.Error(0)
}

func (m *MockDatabase) GetDayMetrics(ctx context.Context, userID, date string) (types.DayMetrics, error) {
	args := m.Called(ctx, userID, date)
	return args.Get(0).(types.DayMetrics), args.Error(1)
}

func (m *MockDatabase) ListUserIDs(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	if ids := args.Get(0); ids != nil {
		return ids.([]string), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}

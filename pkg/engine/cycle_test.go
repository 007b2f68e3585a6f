package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/wattkeeper/wattkeeper/pkg/cache"
	"github.com/wattkeeper/wattkeeper/pkg/inverter"
	"github.com/wattkeeper/wattkeeper/pkg/inverter/invertermock"
	"github.com/wattkeeper/wattkeeper/pkg/storage/storagemock"
	"github.com/wattkeeper/wattkeeper/pkg/types"
)

var testNow = time.Date(2025, 12, 6, 10, 0, 0, 0, time.UTC)

const testUser = "user1"

// stubPrices serves one general and one feedIn entry covering the whole
// requested span.
type stubPrices struct {
	general float64
	feedIn  float64
}

func (s *stubPrices) ListSites(ctx context.Context, token string) ([]types.PriceSite, error) {
	return nil, nil
}

func (s *stubPrices) GetPrices(ctx context.Context, token, siteID string, start, end time.Time) ([]types.PriceEntry, error) {
	endTime := end.AddDate(0, 0, 1)
	return []types.PriceEntry{
		{StartTime: start, EndTime: endTime, ChannelType: types.ChannelGeneral, PerKwh: s.general},
		{StartTime: start, EndTime: endTime, ChannelType: types.ChannelFeedIn, PerKwh: s.feedIn},
	}, nil
}

type stubWeather struct{}

func (stubWeather) Geocode(ctx context.Context, place string) (types.Place, error) {
	return types.Place{}, nil
}

func (stubWeather) Forecast(ctx context.Context, lat, lon float64) (types.Forecast, error) {
	return types.Forecast{}, nil
}

func testUserConfig() types.UserConfig {
	return types.UserConfig{
		DeviceID:              "SN1",
		PriceSiteID:           "site-1",
		Timezone:              "UTC",
		CycleIntervalSeconds:  60,
		ChargeStopSoC:         90,
		DischargeStopSoC:      30,
		CurtailMinFeedInCents: 1.0,
	}
}

// newTestEngine wires an engine with mocks and quiets the bookkeeping calls
// every cycle makes.
func newTestEngine(prices *stubPrices) (*Engine, *storagemock.MockDatabase, *invertermock.Mock) {
	db := &storagemock.MockDatabase{}
	db.On("IncrementDayMetrics", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	db.On("UpsertPrices", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	db.On("InsertAuditEntry", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()

	sys := &invertermock.Mock{}
	inverters := inverter.NewMap(nil)
	inverters.SetSystem(testUser, sys)

	c := cache.New(db, prices, inverters, stubWeather{})
	e := New(db, c, inverters)
	e.now = func() time.Time { return testNow }
	return e, db, sys
}

func expectConfigAndState(db *storagemock.MockDatabase, cfg types.UserConfig, state types.AutomationState) {
	db.On("GetUserConfig", mock.Anything, testUser).Return(cfg, types.CurrentConfigVersion, nil)
	db.On("GetAutomationState", mock.Anything, testUser).Return(state, nil)
}

func TestRunCycleActivatesHighestPriorityRule(t *testing.T) {
	prices := &stubPrices{general: 30, feedIn: 20}
	e, db, sys := newTestEngine(prices)

	expectConfigAndState(db, testUserConfig(), types.AutomationState{Enabled: true})
	db.On("GetQuickControl", mock.Anything, testUser).Return(types.QuickControlState{}, nil)

	// both rules match: low SoC (priority 1) must beat high feed-in (priority 2)
	lowSoC := socRule("charge", 1, 20)
	highFeedIn := types.Rule{
		ID: "export", Name: "High Feed-in", Enabled: true, Priority: 2,
		Conditions: map[types.ConditionKind]types.Condition{
			types.ConditionFeedInPrice: {Enabled: true, Operator: types.OperatorGT, Value: 15},
		},
		Action: types.RuleAction{WorkMode: types.WorkModeForceDischarge, DurationMinutes: 30},
	}
	db.On("ListRules", mock.Anything, testUser).Return([]types.Rule{highFeedIn, lowSoC}, nil)

	sys.On("Query", mock.Anything, "SN1").Return(types.Telemetry{SoC: 15}, nil)
	sys.On("SetSchedulerFlag", mock.Anything, "SN1", true).Return(nil).Once()
	sys.On("SetSchedule", mock.Anything, "SN1", mock.MatchedBy(func(s types.Schedule) bool {
		return s[0].Enable == 1 && s[0].WorkMode == types.WorkModeForceCharge
	})).Return(nil).Once()

	db.On("UpsertRule", mock.Anything, testUser, mock.MatchedBy(func(r types.Rule) bool {
		return r.ID == "charge" && r.LastTriggered != nil && r.LastTriggered.Equal(testNow)
	})).Return(nil).Once()
	db.On("SetAutomationState", mock.Anything, testUser, mock.MatchedBy(func(s types.AutomationState) bool {
		return s.ActiveRule == "charge" && s.ActiveSegmentEnabled && s.LastCheck.Equal(testNow)
	})).Return(nil).Once()

	audit, err := e.RunCycle(context.Background(), testUser)
	require.NoError(t, err)
	assert.Equal(t, types.AuditActionSegmentSet, audit.Action)
	assert.Equal(t, "charge", audit.ActiveRuleAfter)
	assert.True(t, audit.Evaluations["export"].Matched)

	db.AssertExpectations(t)
	sys.AssertExpectations(t)
}

func TestRunCycleContinueMakesNoHardwareCall(t *testing.T) {
	prices := &stubPrices{general: 30, feedIn: 5}
	e, db, sys := newTestEngine(prices)

	state := types.AutomationState{
		Enabled:              true,
		ActiveRule:           "charge",
		ActiveRuleName:       "charge",
		ActiveSegmentEnabled: true,
		LastCheck:            testNow.Add(-5 * time.Minute),
	}
	expectConfigAndState(db, testUserConfig(), state)
	db.On("GetQuickControl", mock.Anything, testUser).Return(types.QuickControlState{}, nil)
	db.On("ListRules", mock.Anything, testUser).Return([]types.Rule{socRule("charge", 1, 20)}, nil)
	sys.On("Query", mock.Anything, "SN1").Return(types.Telemetry{SoC: 15}, nil)
	db.On("SetAutomationState", mock.Anything, testUser, mock.Anything).Return(nil).Once()

	audit, err := e.RunCycle(context.Background(), testUser)
	require.NoError(t, err)
	assert.Equal(t, types.AuditActionNone, audit.Action)
	assert.Equal(t, "charge", audit.ActiveRuleAfter)

	sys.AssertNotCalled(t, "SetSchedule", mock.Anything, mock.Anything, mock.Anything)
	sys.AssertNotCalled(t, "SetSchedulerFlag", mock.Anything, mock.Anything, mock.Anything)
	// even a no-op evaluation leaves a history entry with its snapshot
	db.AssertCalled(t, "InsertAuditEntry", mock.Anything, testUser, mock.MatchedBy(func(a types.AuditEntry) bool {
		return a.Action == types.AuditActionNone && a.ActiveRuleBefore == "charge"
	}))
}

func TestRunCycleIntervalGate(t *testing.T) {
	e, db, _ := newTestEngine(&stubPrices{})

	state := types.AutomationState{Enabled: true, LastCheck: testNow.Add(-30 * time.Second)}
	expectConfigAndState(db, testUserConfig(), state)

	audit, err := e.RunCycle(context.Background(), testUser)
	require.NoError(t, err)
	assert.Equal(t, types.AuditActionSkipped, audit.Action)

	db.AssertNotCalled(t, "ListRules", mock.Anything, mock.Anything)
	db.AssertNotCalled(t, "SetAutomationState", mock.Anything, mock.Anything, mock.Anything)
}

func TestRunCycleBusy(t *testing.T) {
	e, _, _ := newTestEngine(&stubPrices{})

	e.userLock(testUser).Lock()
	defer e.userLock(testUser).Unlock()

	_, err := e.RunCycle(context.Background(), testUser)
	assert.ErrorIs(t, err, ErrCycleBusy)
}

func TestRunCycleDeviceNotConfigured(t *testing.T) {
	e, db, _ := newTestEngine(&stubPrices{})

	db.On("GetUserConfig", mock.Anything, testUser).Return(types.UserConfig{}, types.CurrentConfigVersion, nil)

	_, err := e.RunCycle(context.Background(), testUser)
	assert.ErrorIs(t, err, ErrDeviceNotConfigured)
}

func TestRunCycleDisabledClearsExactlyOnce(t *testing.T) {
	e, db, sys := newTestEngine(&stubPrices{})

	expectConfigAndState(db, testUserConfig(), types.AutomationState{Enabled: false, ActiveRule: "charge"})
	db.On("GetQuickControl", mock.Anything, testUser).Return(types.QuickControlState{}, nil)
	sys.On("SetSchedule", mock.Anything, "SN1", mock.MatchedBy(func(s types.Schedule) bool {
		for _, slot := range s {
			if slot.Enable != 0 {
				return false
			}
		}
		return true
	})).Return(nil).Once()
	db.On("SetAutomationState", mock.Anything, testUser, mock.MatchedBy(func(s types.AutomationState) bool {
		return s.SegmentsCleared && s.ActiveRule == ""
	})).Return(nil).Once()

	audit, err := e.RunCycle(context.Background(), testUser)
	require.NoError(t, err)
	assert.Equal(t, types.AuditActionSegmentsCleared, audit.Action)
	sys.AssertExpectations(t)

	// a later cycle with segments already cleared makes no hardware call
	e2, db2, sys2 := newTestEngine(&stubPrices{})
	expectConfigAndState(db2, testUserConfig(), types.AutomationState{Enabled: false, SegmentsCleared: true})
	db2.On("GetQuickControl", mock.Anything, testUser).Return(types.QuickControlState{}, nil)
	db2.On("SetAutomationState", mock.Anything, testUser, mock.Anything).Return(nil).Once()

	audit, err = e2.RunCycle(context.Background(), testUser)
	require.NoError(t, err)
	assert.Equal(t, types.AuditActionNone, audit.Action)
	sys2.AssertNotCalled(t, "SetSchedule", mock.Anything, mock.Anything, mock.Anything)
}

func TestRunCycleQuickControlSkipsEvaluation(t *testing.T) {
	e, db, sys := newTestEngine(&stubPrices{})

	expectConfigAndState(db, testUserConfig(), types.AutomationState{Enabled: true})
	db.On("GetQuickControl", mock.Anything, testUser).Return(types.QuickControlState{
		Active:    true,
		Type:      types.QuickControlCharge,
		ExpiresAt: testNow.Add(10 * time.Minute),
	}, nil)
	db.On("SetAutomationState", mock.Anything, testUser, mock.Anything).Return(nil).Once()

	audit, err := e.RunCycle(context.Background(), testUser)
	require.NoError(t, err)
	assert.Equal(t, types.AuditActionSkipped, audit.Action)
	assert.Equal(t, "quick control active", audit.Message)

	db.AssertNotCalled(t, "ListRules", mock.Anything, mock.Anything)
	sys.AssertNotCalled(t, "SetSchedule", mock.Anything, mock.Anything, mock.Anything)
}

func TestRunCycleQuickControlExpiresAndEvaluates(t *testing.T) {
	e, db, sys := newTestEngine(&stubPrices{general: 30, feedIn: 5})

	expectConfigAndState(db, testUserConfig(), types.AutomationState{Enabled: true})
	db.On("GetQuickControl", mock.Anything, testUser).Return(types.QuickControlState{
		Active:    true,
		Type:      types.QuickControlCharge,
		ExpiresAt: testNow.Add(-time.Minute),
	}, nil)
	// expiry tears the override off the device before rules are evaluated
	sys.On("SetSchedule", mock.Anything, "SN1", mock.MatchedBy(func(s types.Schedule) bool {
		return s[0].Enable == 0
	})).Return(nil).Once()
	sys.On("SetSchedulerFlag", mock.Anything, "SN1", false).Return(nil).Once()
	db.On("SetQuickControl", mock.Anything, testUser, mock.MatchedBy(func(s types.QuickControlState) bool {
		return !s.Active
	})).Return(nil).Once()
	db.On("ListRules", mock.Anything, testUser).Return([]types.Rule{}, nil)
	sys.On("Query", mock.Anything, "SN1").Return(types.Telemetry{SoC: 50}, nil)
	db.On("SetAutomationState", mock.Anything, testUser, mock.Anything).Return(nil).Once()

	audit, err := e.RunCycle(context.Background(), testUser)
	require.NoError(t, err)
	assert.Equal(t, types.AuditActionNone, audit.Action)
	db.AssertExpectations(t)
	sys.AssertExpectations(t)
}

func TestRunCycleQuickControlExpiryCleanupFails(t *testing.T) {
	e, db, sys := newTestEngine(&stubPrices{})

	expectConfigAndState(db, testUserConfig(), types.AutomationState{Enabled: true})
	db.On("GetQuickControl", mock.Anything, testUser).Return(types.QuickControlState{
		Active:    true,
		Type:      types.QuickControlCharge,
		ExpiresAt: testNow.Add(-time.Minute),
	}, nil)
	sys.On("SetSchedule", mock.Anything, "SN1", mock.Anything).Return(assert.AnError).Times(hardwareAttempts)
	db.On("SetAutomationState", mock.Anything, testUser, mock.Anything).Return(nil).Once()

	// if the device keeps the dead override, evaluation stays suspended so a
	// freshly written rule segment is not clobbered by the retried teardown
	audit, err := e.RunCycle(context.Background(), testUser)
	require.NoError(t, err)
	assert.Equal(t, types.AuditActionSkipped, audit.Action)
	assert.NotEmpty(t, audit.Error)
	db.AssertNotCalled(t, "ListRules", mock.Anything, mock.Anything)
	db.AssertNotCalled(t, "SetQuickControl", mock.Anything, mock.Anything, mock.Anything)
}

func TestRunCycleBlackoutWindow(t *testing.T) {
	e, db, sys := newTestEngine(&stubPrices{})

	cfg := testUserConfig()
	// crosses midnight and covers the 10:00 test clock
	cfg.BlackoutStart = "22:00"
	cfg.BlackoutEnd = "11:00"
	expectConfigAndState(db, cfg, types.AutomationState{Enabled: true, ActiveRule: "charge"})
	db.On("GetQuickControl", mock.Anything, testUser).Return(types.QuickControlState{}, nil)
	db.On("SetAutomationState", mock.Anything, testUser, mock.MatchedBy(func(s types.AutomationState) bool {
		// the active rule survives a blackout untouched
		return s.ActiveRule == "charge" && s.LastCheck.Equal(testNow)
	})).Return(nil).Once()

	audit, err := e.RunCycle(context.Background(), testUser)
	require.NoError(t, err)
	assert.Equal(t, types.AuditActionSkipped, audit.Action)
	assert.Equal(t, "blackout window", audit.Message)

	db.AssertNotCalled(t, "ListRules", mock.Anything, mock.Anything)
	sys.AssertNotCalled(t, "SetSchedule", mock.Anything, mock.Anything, mock.Anything)
}

func TestRunCycleDeactivatesWhenNothingMatches(t *testing.T) {
	e, db, sys := newTestEngine(&stubPrices{general: 30, feedIn: 5})

	state := types.AutomationState{Enabled: true, ActiveRule: "charge", ActiveSegmentEnabled: true}
	expectConfigAndState(db, testUserConfig(), state)
	db.On("GetQuickControl", mock.Anything, testUser).Return(types.QuickControlState{}, nil)
	db.On("ListRules", mock.Anything, testUser).Return([]types.Rule{socRule("charge", 1, 20)}, nil)
	sys.On("Query", mock.Anything, "SN1").Return(types.Telemetry{SoC: 80}, nil)
	sys.On("SetSchedule", mock.Anything, "SN1", mock.Anything).Return(nil).Once()
	db.On("SetAutomationState", mock.Anything, testUser, mock.MatchedBy(func(s types.AutomationState) bool {
		return s.ActiveRule == "" && !s.ActiveSegmentEnabled
	})).Return(nil).Once()

	audit, err := e.RunCycle(context.Background(), testUser)
	require.NoError(t, err)
	assert.Equal(t, types.AuditActionSegmentsCleared, audit.Action)
	assert.Equal(t, "charge", audit.ActiveRuleBefore)
	assert.Equal(t, "", audit.ActiveRuleAfter)
	sys.AssertExpectations(t)
}

func TestRunCycleCurtailment(t *testing.T) {
	// feed-in price below the 1c threshold forces export to zero
	e, db, sys := newTestEngine(&stubPrices{general: 30, feedIn: -2})

	expectConfigAndState(db, func() types.UserConfig {
		cfg := testUserConfig()
		cfg.CurtailmentEnabled = true
		return cfg
	}(), types.AutomationState{Enabled: true})
	db.On("GetQuickControl", mock.Anything, testUser).Return(types.QuickControlState{}, nil)
	db.On("ListRules", mock.Anything, testUser).Return([]types.Rule{}, nil)
	sys.On("Query", mock.Anything, "SN1").Return(types.Telemetry{SoC: 50}, nil)
	sys.On("SetExportLimit", mock.Anything, "SN1", 0).Return(nil).Once()
	db.On("SetAutomationState", mock.Anything, testUser, mock.MatchedBy(func(s types.AutomationState) bool {
		return s.CurtailmentActive
	})).Return(nil).Once()

	_, err := e.RunCycle(context.Background(), testUser)
	require.NoError(t, err)
	sys.AssertExpectations(t)

	// price recovers: export limit is restored
	e2, db2, sys2 := newTestEngine(&stubPrices{general: 30, feedIn: 10})
	expectConfigAndState(db2, func() types.UserConfig {
		cfg := testUserConfig()
		cfg.CurtailmentEnabled = true
		return cfg
	}(), types.AutomationState{Enabled: true, CurtailmentActive: true})
	db2.On("GetQuickControl", mock.Anything, testUser).Return(types.QuickControlState{}, nil)
	db2.On("ListRules", mock.Anything, testUser).Return([]types.Rule{}, nil)
	sys2.On("Query", mock.Anything, "SN1").Return(types.Telemetry{SoC: 50}, nil)
	sys2.On("SetExportLimit", mock.Anything, "SN1", exportLimitRestoreW).Return(nil).Once()
	db2.On("SetAutomationState", mock.Anything, testUser, mock.MatchedBy(func(s types.AutomationState) bool {
		return !s.CurtailmentActive
	})).Return(nil).Once()

	_, err = e2.RunCycle(context.Background(), testUser)
	require.NoError(t, err)
	sys2.AssertExpectations(t)
}

func TestRunCycleCurtailmentFailureIsNonFatal(t *testing.T) {
	e, db, sys := newTestEngine(&stubPrices{general: 30, feedIn: -2})

	cfg := testUserConfig()
	cfg.CurtailmentEnabled = true
	expectConfigAndState(db, cfg, types.AutomationState{Enabled: true})
	db.On("GetQuickControl", mock.Anything, testUser).Return(types.QuickControlState{}, nil)
	db.On("ListRules", mock.Anything, testUser).Return([]types.Rule{}, nil)
	sys.On("Query", mock.Anything, "SN1").Return(types.Telemetry{SoC: 50}, nil)
	sys.On("SetExportLimit", mock.Anything, "SN1", 0).Return(assert.AnError)
	db.On("SetAutomationState", mock.Anything, testUser, mock.MatchedBy(func(s types.AutomationState) bool {
		return !s.CurtailmentActive
	})).Return(nil).Once()

	_, err := e.RunCycle(context.Background(), testUser)
	require.NoError(t, err)
}

func TestRunCycleClearSegmentsOnNextCycle(t *testing.T) {
	e, db, sys := newTestEngine(&stubPrices{general: 30, feedIn: 5})

	state := types.AutomationState{Enabled: true, ActiveRule: "charge", ClearSegmentsOnNextCycle: true}
	expectConfigAndState(db, testUserConfig(), state)
	db.On("GetQuickControl", mock.Anything, testUser).Return(types.QuickControlState{}, nil)
	db.On("ListRules", mock.Anything, testUser).Return([]types.Rule{}, nil)
	sys.On("Query", mock.Anything, "SN1").Return(types.Telemetry{SoC: 50}, nil)
	sys.On("SetSchedule", mock.Anything, "SN1", mock.Anything).Return(nil).Once()
	db.On("SetAutomationState", mock.Anything, testUser, mock.MatchedBy(func(s types.AutomationState) bool {
		return !s.ClearSegmentsOnNextCycle && s.ActiveRule == ""
	})).Return(nil).Once()

	_, err := e.RunCycle(context.Background(), testUser)
	require.NoError(t, err)
	sys.AssertExpectations(t)
	db.AssertExpectations(t)
}

func TestRunCycleEnabledResetsSegmentsCleared(t *testing.T) {
	e, db, sys := newTestEngine(&stubPrices{general: 30, feedIn: 5})

	// stale one-shot marker from an earlier disable must not survive an
	// enabled cycle, or the next disable would skip its hardware clear
	state := types.AutomationState{Enabled: true, SegmentsCleared: true}
	expectConfigAndState(db, testUserConfig(), state)
	db.On("GetQuickControl", mock.Anything, testUser).Return(types.QuickControlState{}, nil)
	db.On("ListRules", mock.Anything, testUser).Return([]types.Rule{}, nil)
	sys.On("Query", mock.Anything, "SN1").Return(types.Telemetry{SoC: 50}, nil)
	db.On("SetAutomationState", mock.Anything, testUser, mock.MatchedBy(func(s types.AutomationState) bool {
		return !s.SegmentsCleared
	})).Return(nil).Once()

	_, err := e.RunCycle(context.Background(), testUser)
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestSetAutomationEnabled(t *testing.T) {
	e, db, _ := newTestEngine(&stubPrices{})

	db.On("GetAutomationState", mock.Anything, testUser).Return(types.AutomationState{Enabled: true, SegmentsCleared: true}, nil).Once()
	db.On("SetAutomationState", mock.Anything, testUser, mock.MatchedBy(func(s types.AutomationState) bool {
		return !s.Enabled && !s.SegmentsCleared
	})).Return(nil).Once()

	state, err := e.SetAutomationEnabled(context.Background(), testUser, false)
	require.NoError(t, err)
	assert.False(t, state.Enabled)
	assert.False(t, state.SegmentsCleared, "disable arms the one-shot clear")

	// no-op toggle writes nothing
	db.On("GetAutomationState", mock.Anything, testUser).Return(types.AutomationState{Enabled: false}, nil).Once()
	_, err = e.SetAutomationEnabled(context.Background(), testUser, false)
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestInBlackout(t *testing.T) {
	at := func(h, m int) time.Time {
		return time.Date(2025, 12, 6, h, m, 0, 0, time.UTC)
	}
	cfg := types.UserConfig{BlackoutStart: "22:00", BlackoutEnd: "06:00"}

	assert.True(t, inBlackout(cfg, at(23, 0)))
	assert.True(t, inBlackout(cfg, at(2, 0)))
	assert.False(t, inBlackout(cfg, at(12, 0)))
	assert.True(t, inBlackout(cfg, at(22, 0)), "start is inclusive")
	assert.False(t, inBlackout(cfg, at(6, 0)), "end is exclusive")

	// same-day window
	cfg = types.UserConfig{BlackoutStart: "09:00", BlackoutEnd: "17:00"}
	assert.True(t, inBlackout(cfg, at(10, 0)))
	assert.False(t, inBlackout(cfg, at(8, 59)))

	// unset or garbage disables the window
	assert.False(t, inBlackout(types.UserConfig{}, at(10, 0)))
	assert.False(t, inBlackout(types.UserConfig{BlackoutStart: "zzz", BlackoutEnd: "06:00"}, at(10, 0)))
}

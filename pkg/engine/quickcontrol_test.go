package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/wattkeeper/wattkeeper/pkg/inverter"
	"github.com/wattkeeper/wattkeeper/pkg/types"
)

func TestStartQuickControlValidation(t *testing.T) {
	e, _, _ := newTestEngine(&stubPrices{})
	ctx := context.Background()

	_, err := e.StartQuickControl(ctx, testUser, "hold", 5000, 60)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = e.StartQuickControl(ctx, testUser, types.QuickControlCharge, 0, 60)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = e.StartQuickControl(ctx, testUser, types.QuickControlCharge, QuickControlMaxPowerW+1, 60)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = e.StartQuickControl(ctx, testUser, types.QuickControlCharge, 5000, 0)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = e.StartQuickControl(ctx, testUser, types.QuickControlCharge, 5000, QuickControlMaxMinutes+1)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestStartQuickControl(t *testing.T) {
	e, db, sys := newTestEngine(&stubPrices{})

	db.On("GetUserConfig", mock.Anything, testUser).Return(testUserConfig(), types.CurrentConfigVersion, nil)
	db.On("GetQuickControl", mock.Anything, testUser).Return(types.QuickControlState{}, nil)
	db.On("GetAutomationState", mock.Anything, testUser).Return(types.AutomationState{Enabled: true}, nil)
	sys.On("SetSchedulerFlag", mock.Anything, "SN1", true).Return(nil).Once()
	sys.On("SetSchedule", mock.Anything, "SN1", mock.MatchedBy(func(s types.Schedule) bool {
		return s[0].Enable == 1 && s[0].WorkMode == types.WorkModeForceDischarge && s[0].FdPwr == 5000
	})).Return(nil).Once()
	db.On("SetQuickControl", mock.Anything, testUser, mock.MatchedBy(func(s types.QuickControlState) bool {
		return s.Active && s.Type == types.QuickControlDischarge && s.PowerW == 5000 &&
			s.ExpiresAt.Equal(testNow.Add(90*time.Minute))
	})).Return(nil).Once()

	state, err := e.StartQuickControl(context.Background(), testUser, types.QuickControlDischarge, 5000, 90)
	require.NoError(t, err)
	assert.True(t, state.Active)
	assert.Equal(t, 90, state.RemainingMinutes(testNow))

	db.AssertExpectations(t)
	sys.AssertExpectations(t)
}

func TestStartQuickControlAlreadyActive(t *testing.T) {
	e, db, sys := newTestEngine(&stubPrices{})

	db.On("GetUserConfig", mock.Anything, testUser).Return(testUserConfig(), types.CurrentConfigVersion, nil)
	db.On("GetQuickControl", mock.Anything, testUser).Return(types.QuickControlState{
		Active:    true,
		Type:      types.QuickControlCharge,
		ExpiresAt: testNow.Add(30 * time.Minute),
	}, nil)

	state, err := e.StartQuickControl(context.Background(), testUser, types.QuickControlDischarge, 5000, 60)
	assert.ErrorIs(t, err, ErrQuickControlActive)
	assert.Equal(t, types.QuickControlCharge, state.Type, "the running override is returned")
	sys.AssertNotCalled(t, "SetSchedule", mock.Anything, mock.Anything, mock.Anything)
}

func TestStartQuickControlReplacesExpired(t *testing.T) {
	e, db, sys := newTestEngine(&stubPrices{})

	db.On("GetUserConfig", mock.Anything, testUser).Return(testUserConfig(), types.CurrentConfigVersion, nil)
	db.On("GetQuickControl", mock.Anything, testUser).Return(types.QuickControlState{
		Active:    true,
		Type:      types.QuickControlCharge,
		ExpiresAt: testNow.Add(-time.Minute),
	}, nil)
	db.On("GetAutomationState", mock.Anything, testUser).Return(types.AutomationState{Enabled: true}, nil)
	sys.On("SetSchedulerFlag", mock.Anything, "SN1", true).Return(nil).Once()
	sys.On("SetSchedule", mock.Anything, "SN1", mock.Anything).Return(nil).Once()
	db.On("SetQuickControl", mock.Anything, testUser, mock.Anything).Return(nil).Once()

	_, err := e.StartQuickControl(context.Background(), testUser, types.QuickControlCharge, 3000, 30)
	require.NoError(t, err)
	sys.AssertExpectations(t)
}

func TestStartQuickControlReleasesActiveRule(t *testing.T) {
	e, db, sys := newTestEngine(&stubPrices{})

	db.On("GetUserConfig", mock.Anything, testUser).Return(testUserConfig(), types.CurrentConfigVersion, nil)
	db.On("GetQuickControl", mock.Anything, testUser).Return(types.QuickControlState{}, nil)
	db.On("GetAutomationState", mock.Anything, testUser).Return(types.AutomationState{
		Enabled:              true,
		ActiveRule:           "charge",
		ActiveRuleName:       "Overnight charge",
		ActiveSegmentEnabled: true,
	}, nil)
	// the override owns the hardware now; the rule claim must not survive it
	db.On("SetAutomationState", mock.Anything, testUser, mock.MatchedBy(func(s types.AutomationState) bool {
		return s.ActiveRule == "" && s.ActiveRuleName == "" && !s.ActiveSegmentEnabled
	})).Return(nil).Once()
	sys.On("SetSchedulerFlag", mock.Anything, "SN1", true).Return(nil).Once()
	sys.On("SetSchedule", mock.Anything, "SN1", mock.Anything).Return(nil).Once()
	db.On("SetQuickControl", mock.Anything, testUser, mock.Anything).Return(nil).Once()

	_, err := e.StartQuickControl(context.Background(), testUser, types.QuickControlCharge, 3000, 30)
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestStartQuickControlDeviceNotConfigured(t *testing.T) {
	e, db, _ := newTestEngine(&stubPrices{})

	db.On("GetUserConfig", mock.Anything, testUser).Return(types.UserConfig{}, types.CurrentConfigVersion, nil)

	_, err := e.StartQuickControl(context.Background(), testUser, types.QuickControlCharge, 5000, 60)
	assert.ErrorIs(t, err, ErrDeviceNotConfigured)
}

func TestStartQuickControlHardwareFailure(t *testing.T) {
	e, db, sys := newTestEngine(&stubPrices{})

	db.On("GetUserConfig", mock.Anything, testUser).Return(testUserConfig(), types.CurrentConfigVersion, nil)
	db.On("GetQuickControl", mock.Anything, testUser).Return(types.QuickControlState{}, nil)
	db.On("GetAutomationState", mock.Anything, testUser).Return(types.AutomationState{Enabled: true}, nil)
	sys.On("SetSchedulerFlag", mock.Anything, "SN1", true).Return(assert.AnError).Times(hardwareAttempts)

	_, err := e.StartQuickControl(context.Background(), testUser, types.QuickControlCharge, 5000, 60)
	require.Error(t, err)
	db.AssertNotCalled(t, "SetQuickControl", mock.Anything, mock.Anything, mock.Anything)
	sys.AssertExpectations(t)
}

func TestEndQuickControl(t *testing.T) {
	e, db, sys := newTestEngine(&stubPrices{})

	db.On("GetQuickControl", mock.Anything, testUser).Return(types.QuickControlState{
		Active: true,
		Type:   types.QuickControlCharge,
	}, nil)
	db.On("GetUserConfig", mock.Anything, testUser).Return(testUserConfig(), types.CurrentConfigVersion, nil)
	sys.On("SetSchedule", mock.Anything, "SN1", mock.MatchedBy(func(s types.Schedule) bool {
		return s[0].Enable == 0
	})).Return(nil).Once()
	sys.On("SetSchedulerFlag", mock.Anything, "SN1", false).Return(nil).Once()
	db.On("SetQuickControl", mock.Anything, testUser, mock.MatchedBy(func(s types.QuickControlState) bool {
		return !s.Active
	})).Return(nil).Once()

	state, err := e.EndQuickControl(context.Background(), testUser)
	require.NoError(t, err)
	assert.False(t, state.Active)
	sys.AssertExpectations(t)
}

func TestEndQuickControlIdempotent(t *testing.T) {
	e, db, sys := newTestEngine(&stubPrices{})

	db.On("GetQuickControl", mock.Anything, testUser).Return(types.QuickControlState{}, nil)

	state, err := e.EndQuickControl(context.Background(), testUser)
	require.NoError(t, err)
	assert.False(t, state.Active)

	sys.AssertNotCalled(t, "SetSchedule", mock.Anything, mock.Anything, mock.Anything)
	db.AssertNotCalled(t, "SetQuickControl", mock.Anything, mock.Anything, mock.Anything)
}

func TestQuickControlStatusExpires(t *testing.T) {
	e, db, sys := newTestEngine(&stubPrices{})

	db.On("GetQuickControl", mock.Anything, testUser).Return(types.QuickControlState{
		Active:    true,
		Type:      types.QuickControlCharge,
		ExpiresAt: testNow.Add(-time.Minute),
	}, nil)
	db.On("GetUserConfig", mock.Anything, testUser).Return(testUserConfig(), types.CurrentConfigVersion, nil)
	// expiry noticed on a status read performs the same teardown as an
	// explicit end: clear command, flag off, record inactive
	sys.On("SetSchedule", mock.Anything, "SN1", mock.MatchedBy(func(s types.Schedule) bool {
		return s[0].Enable == 0
	})).Return(nil).Once()
	sys.On("SetSchedulerFlag", mock.Anything, "SN1", false).Return(nil).Once()
	db.On("SetQuickControl", mock.Anything, testUser, mock.MatchedBy(func(s types.QuickControlState) bool {
		return !s.Active
	})).Return(nil).Once()

	state, justExpired, err := e.QuickControlStatus(context.Background(), testUser)
	require.NoError(t, err)
	assert.False(t, state.Active)
	assert.True(t, justExpired)
	assert.Equal(t, 0, state.RemainingMinutes(testNow))
	db.AssertExpectations(t)
	sys.AssertExpectations(t)
}

func TestQuickControlStatusExpiredTeardownOnce(t *testing.T) {
	e, db, sys := newTestEngine(&stubPrices{})

	// already flipped inactive by an earlier read: no further hardware calls
	db.On("GetQuickControl", mock.Anything, testUser).Return(types.QuickControlState{
		Active:    false,
		Type:      types.QuickControlCharge,
		ExpiresAt: testNow.Add(-time.Minute),
	}, nil)

	state, justExpired, err := e.QuickControlStatus(context.Background(), testUser)
	require.NoError(t, err)
	assert.False(t, state.Active)
	assert.False(t, justExpired)
	sys.AssertNotCalled(t, "SetSchedule", mock.Anything, mock.Anything, mock.Anything)
	db.AssertNotCalled(t, "SetQuickControl", mock.Anything, mock.Anything, mock.Anything)
}

func TestQuickControlStatusActive(t *testing.T) {
	e, db, _ := newTestEngine(&stubPrices{})

	db.On("GetQuickControl", mock.Anything, testUser).Return(types.QuickControlState{
		Active:    true,
		Type:      types.QuickControlDischarge,
		ExpiresAt: testNow.Add(45 * time.Minute),
	}, nil)

	state, justExpired, err := e.QuickControlStatus(context.Background(), testUser)
	require.NoError(t, err)
	assert.True(t, state.Active)
	assert.False(t, justExpired)
	assert.Equal(t, 45, state.RemainingMinutes(testNow))
	db.AssertNotCalled(t, "SetQuickControl", mock.Anything, mock.Anything, mock.Anything)
}

func TestRetryDoStopsOnRejection(t *testing.T) {
	calls := 0
	tries, err := retryDo(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return inverter.ErrRejected
	})
	assert.Error(t, err)
	assert.Equal(t, 1, tries)
	assert.Equal(t, 1, calls)
}

func TestRetryDoRetriesAndSucceeds(t *testing.T) {
	calls := 0
	tries, err := retryDo(context.Background(), 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return assert.AnError
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, tries)
}

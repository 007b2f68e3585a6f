package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/wattkeeper/wattkeeper/pkg/log"
	"github.com/wattkeeper/wattkeeper/pkg/segment"
	"github.com/wattkeeper/wattkeeper/pkg/types"
)

// Quick control request bounds.
const (
	QuickControlMaxPowerW  = 30000
	QuickControlMaxMinutes = 360
)

// StartQuickControl begins a manual time-boxed charge or discharge. While it
// runs, cycles skip rule evaluation; it ends either explicitly or by expiry.
func (e *Engine) StartQuickControl(ctx context.Context, userID string, typ types.QuickControlType, powerW, durationMinutes int) (types.QuickControlState, error) {
	ctx = log.WithUser(ctx, userID)

	if typ != types.QuickControlCharge && typ != types.QuickControlDischarge {
		return types.QuickControlState{}, fmt.Errorf("%w: unknown type %q", ErrValidation, typ)
	}
	if powerW <= 0 || powerW > QuickControlMaxPowerW {
		return types.QuickControlState{}, fmt.Errorf("%w: power must be 1-%d W, got %d", ErrValidation, QuickControlMaxPowerW, powerW)
	}
	if durationMinutes < 1 || durationMinutes > QuickControlMaxMinutes {
		return types.QuickControlState{}, fmt.Errorf("%w: duration must be 1-%d minutes, got %d", ErrValidation, QuickControlMaxMinutes, durationMinutes)
	}

	mu := e.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	cfg, err := e.loadConfig(ctx, userID)
	if err != nil {
		return types.QuickControlState{}, err
	}
	if cfg.DeviceID == "" {
		return types.QuickControlState{}, ErrDeviceNotConfigured
	}

	now := e.now().UTC()

	existing, err := e.db.GetQuickControl(ctx, userID)
	if err != nil {
		return types.QuickControlState{}, fmt.Errorf("failed to load quick control: %w", err)
	}
	if existing.Active && !existing.Expired(now) {
		return existing, ErrQuickControlActive
	}

	// the override takes over the hardware: release the rule's claim first so
	// the cycle after the override ends re-activates whichever rule matches
	astate, err := e.db.GetAutomationState(ctx, userID)
	if err != nil {
		return types.QuickControlState{}, fmt.Errorf("failed to load automation state: %w", err)
	}
	if astate.ActiveRule != "" || astate.ActiveSegmentEnabled {
		astate.ActiveRule = ""
		astate.ActiveRuleName = ""
		astate.ActiveSegmentEnabled = false
		if err := e.db.SetAutomationState(ctx, userID, astate); err != nil {
			return types.QuickControlState{}, fmt.Errorf("failed to save automation state: %w", err)
		}
	}

	mode := types.WorkModeForceCharge
	if typ == types.QuickControlDischarge {
		mode = types.WorkModeForceDischarge
	}

	sys := e.inverters.User(ctx, userID, cfg.InverterAPIKey)
	localNow := now.In(e.resolveLocation(ctx, sys, cfg))

	sched, info, err := segment.Build(segment.Params{
		StartHour:        localNow.Hour(),
		StartMinute:      localNow.Minute(),
		DurationMinutes:  durationMinutes,
		WorkMode:         mode,
		PowerW:           powerW,
		ChargeStopSoC:    cfg.ChargeStopSoC,
		DischargeStopSoC: cfg.DischargeStopSoC,
	})
	if err != nil {
		return types.QuickControlState{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if info.Capped {
		log.Ctx(ctx).InfoContext(ctx, "quick control capped at midnight",
			slog.Int("requestedMinutes", durationMinutes),
			slog.Int("actualMinutes", info.ActualDurationMinutes))
	}

	if _, err := retryDo(ctx, hardwareAttempts, hardwareBackoff, func() error {
		return sys.SetSchedulerFlag(ctx, cfg.DeviceID, true)
	}); err != nil {
		e.countHardwareFailure(ctx, userID, cfg, err)
		return types.QuickControlState{}, fmt.Errorf("failed to enable scheduler: %w", err)
	}
	if _, err := retryDo(ctx, hardwareAttempts, hardwareBackoff, func() error {
		return sys.SetSchedule(ctx, cfg.DeviceID, sched)
	}); err != nil {
		e.countHardwareFailure(ctx, userID, cfg, err)
		return types.QuickControlState{}, fmt.Errorf("failed to write segment: %w", err)
	}

	state := types.QuickControlState{
		Active:          true,
		Type:            typ,
		PowerW:          powerW,
		DurationMinutes: durationMinutes,
		StartedAt:       now,
		ExpiresAt:       now.Add(time.Duration(durationMinutes) * time.Minute),
	}
	if err := e.db.SetQuickControl(ctx, userID, state); err != nil {
		return types.QuickControlState{}, fmt.Errorf("failed to save quick control: %w", err)
	}

	e.count(ctx, userID, cfg, types.DayMetrics{QuickControlRuns: 1, SegmentsWritten: 1, InverterCalls: 2})
	e.insertAudit(ctx, userID, types.AuditEntry{
		Timestamp: now,
		Action:    types.AuditActionSegmentSet,
		Message:   fmt.Sprintf("quick control %s %dW for %dm", typ, powerW, durationMinutes),
	})
	log.Ctx(ctx).InfoContext(ctx, "quick control started",
		slog.String("type", string(typ)),
		slog.Int("powerW", powerW),
		slog.Int("durationMinutes", durationMinutes))
	return state, nil
}

// EndQuickControl stops the running override and clears the schedule. Ending
// when nothing is running is a no-op.
func (e *Engine) EndQuickControl(ctx context.Context, userID string) (types.QuickControlState, error) {
	ctx = log.WithUser(ctx, userID)

	mu := e.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	state, err := e.db.GetQuickControl(ctx, userID)
	if err != nil {
		return types.QuickControlState{}, fmt.Errorf("failed to load quick control: %w", err)
	}
	if !state.Active {
		return state, nil
	}

	cfg, err := e.loadConfig(ctx, userID)
	if err != nil {
		return types.QuickControlState{}, err
	}
	state, err = e.teardownQuickControl(ctx, userID, cfg, state)
	if err != nil {
		return state, err
	}

	e.insertAudit(ctx, userID, types.AuditEntry{
		Timestamp: e.now().UTC(),
		Action:    types.AuditActionSegmentsCleared,
		Message:   "quick control ended",
	})
	log.Ctx(ctx).InfoContext(ctx, "quick control ended")
	return state, nil
}

// teardownQuickControl removes the override's segment from the hardware,
// disables the scheduler flag and persists the record as inactive. Shared by
// explicit end and both expiry paths so the device never keeps a dead
// override segment.
func (e *Engine) teardownQuickControl(ctx context.Context, userID string, cfg types.UserConfig, state types.QuickControlState) (types.QuickControlState, error) {
	if cfg.DeviceID != "" {
		sys := e.inverters.User(ctx, userID, cfg.InverterAPIKey)
		if err := e.clearSegments(ctx, sys, cfg); err != nil {
			e.countHardwareFailure(ctx, userID, cfg, err)
			return state, fmt.Errorf("failed to clear segments: %w", err)
		}
		if _, err := retryDo(ctx, hardwareAttempts, hardwareBackoff, func() error {
			return sys.SetSchedulerFlag(ctx, cfg.DeviceID, false)
		}); err != nil {
			e.countHardwareFailure(ctx, userID, cfg, err)
			return state, fmt.Errorf("failed to disable scheduler: %w", err)
		}
		e.count(ctx, userID, cfg, types.DayMetrics{SegmentsCleared: 1, InverterCalls: 2})
	}

	state.Active = false
	if err := e.db.SetQuickControl(ctx, userID, state); err != nil {
		return state, fmt.Errorf("failed to save quick control: %w", err)
	}
	return state, nil
}

// QuickControlStatus returns the current override state. An override that
// expired since the last cycle gets the same hardware teardown an explicit
// end performs; the returned bool reports that just-expired transition.
func (e *Engine) QuickControlStatus(ctx context.Context, userID string) (types.QuickControlState, bool, error) {
	ctx = log.WithUser(ctx, userID)

	state, err := e.db.GetQuickControl(ctx, userID)
	if err != nil {
		return types.QuickControlState{}, false, fmt.Errorf("failed to load quick control: %w", err)
	}
	if !state.Active || !state.Expired(e.now().UTC()) {
		return state, false, nil
	}

	mu := e.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	// a concurrent cycle may have torn it down while we waited for the lock
	state, err = e.db.GetQuickControl(ctx, userID)
	if err != nil {
		return types.QuickControlState{}, false, fmt.Errorf("failed to load quick control: %w", err)
	}
	if !state.Active {
		return state, false, nil
	}

	cfg, err := e.loadConfig(ctx, userID)
	if err != nil {
		return state, false, err
	}
	state, err = e.teardownQuickControl(ctx, userID, cfg, state)
	if err != nil {
		return state, false, err
	}

	e.insertAudit(ctx, userID, types.AuditEntry{
		Timestamp: e.now().UTC(),
		Action:    types.AuditActionSegmentsCleared,
		Message:   "quick control expired",
	})
	log.Ctx(ctx).InfoContext(ctx, "quick control expired")
	return state, true, nil
}

// Package engine runs the automation cycle: it evaluates the user's rules
// against live metrics and reconciles the inverter schedule with the winning
// rule. It also owns the quick-control override and the automation toggle.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wattkeeper/wattkeeper/pkg/cache"
	"github.com/wattkeeper/wattkeeper/pkg/inverter"
	"github.com/wattkeeper/wattkeeper/pkg/log"
	"github.com/wattkeeper/wattkeeper/pkg/segment"
	"github.com/wattkeeper/wattkeeper/pkg/storage"
	"github.com/wattkeeper/wattkeeper/pkg/types"
)

const defaultCycleInterval = time.Minute

// exportLimitRestoreW is written when curtailment lifts. Effectively
// unlimited for residential systems.
const exportLimitRestoreW = 100000

// Engine coordinates cycles, quick controls and the automation toggle for all
// users. Cycles for the same user never overlap: a cycle that arrives while
// one is running fails fast with ErrCycleBusy instead of queueing.
type Engine struct {
	db        storage.Database
	cache     *cache.Metrics
	inverters *inverter.Map

	locks sync.Map // userID -> *sync.Mutex

	// now is swapped out by tests
	now func() time.Time
}

// New creates an Engine.
func New(db storage.Database, c *cache.Metrics, inverters *inverter.Map) *Engine {
	return &Engine{
		db:        db,
		cache:     c,
		inverters: inverters,
		now:       time.Now,
	}
}

// Now returns the engine's clock. Handlers use it so responses agree with
// cycle timing in tests.
func (e *Engine) Now() time.Time {
	return e.now().UTC()
}

func (e *Engine) userLock(userID string) *sync.Mutex {
	mu, _ := e.locks.LoadOrStore(userID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// count best-effort increments the user's usage counters for today.
func (e *Engine) count(ctx context.Context, userID string, cfg types.UserConfig, delta types.DayMetrics) {
	date := e.now().In(cfg.Location()).Format("2006-01-02")
	if err := e.db.IncrementDayMetrics(ctx, userID, date, delta); err != nil {
		log.Ctx(ctx).DebugContext(ctx, "failed to increment day metrics", slog.Any("error", err))
	}
}

// loadConfig fetches the user config and migrates it to the current version,
// persisting the migration best-effort.
func (e *Engine) loadConfig(ctx context.Context, userID string) (types.UserConfig, error) {
	cfg, version, err := e.db.GetUserConfig(ctx, userID)
	if err != nil {
		return types.UserConfig{}, fmt.Errorf("failed to load config: %w", err)
	}
	cfg, migrated := types.MigrateConfig(cfg, version)
	if migrated {
		log.Ctx(ctx).InfoContext(ctx, "migrated user config", slog.Int("fromVersion", version), slog.Int("toVersion", types.CurrentConfigVersion))
		if err := e.db.SetUserConfig(ctx, userID, cfg, types.CurrentConfigVersion); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to persist migrated config", slog.Any("error", err))
		}
	}
	return cfg, nil
}

// resolveLocation returns the location all wall-clock decisions use: the
// configured timezone first, then the device-reported one, then UTC.
func (e *Engine) resolveLocation(ctx context.Context, sys inverter.System, cfg types.UserConfig) *time.Location {
	if cfg.Timezone != "" {
		return cfg.Location()
	}
	detail, err := sys.GetDeviceDetail(ctx, cfg.DeviceID)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to get device detail for timezone", slog.Any("error", err))
		return time.UTC
	}
	if detail.TimeZone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(detail.TimeZone)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "device reported unknown timezone", slog.String("timezone", detail.TimeZone))
		return time.UTC
	}
	return loc
}

// inBlackout reports whether the local time falls inside the configured
// blackout window. The window may cross midnight.
func inBlackout(cfg types.UserConfig, localNow time.Time) bool {
	if cfg.BlackoutStart == "" || cfg.BlackoutEnd == "" {
		return false
	}
	start, err := types.ParseClock(cfg.BlackoutStart)
	if err != nil {
		return false
	}
	end, err := types.ParseClock(cfg.BlackoutEnd)
	if err != nil {
		return false
	}
	m := localNow.Hour()*60 + localNow.Minute()
	if start <= end {
		return m >= start && m < end
	}
	return m >= start || m < end
}

// snapshot gathers the live metrics for rule evaluation. Any source that
// fails leaves its metric nil so conditions on it evaluate false instead of
// failing the cycle.
func (e *Engine) snapshot(ctx context.Context, userID string, cfg types.UserConfig, localNow time.Time) types.MetricSnapshot {
	snap := types.MetricSnapshot{LocalTime: localNow}

	if tel, err := e.cache.Telemetry(ctx, userID, cfg); err == nil {
		soc := tel.SoC
		snap.SoC = &soc
	} else {
		log.Ctx(ctx).WarnContext(ctx, "telemetry unavailable", slog.Any("error", err))
	}

	if cfg.PriceSiteID != "" {
		if entries, err := e.cache.Prices(ctx, userID, cfg, localNow, localNow); err == nil {
			now := e.now()
			snap.PriceCents = cache.CurrentPrice(entries, now, types.ChannelGeneral)
			snap.FeedInCents = cache.CurrentPrice(entries, now, types.ChannelFeedIn)
		} else {
			log.Ctx(ctx).WarnContext(ctx, "prices unavailable", slog.Any("error", err))
		}
	}

	if cfg.Latitude != 0 || cfg.Longitude != 0 {
		if f, err := e.cache.Weather(ctx, userID, cfg); err == nil {
			temp := f.Current.TemperatureC
			snap.TemperatureC = &temp
		} else {
			log.Ctx(ctx).WarnContext(ctx, "weather unavailable", slog.Any("error", err))
		}
	}

	return snap
}

// clearSegments writes the all-disabled schedule to the device.
func (e *Engine) clearSegments(ctx context.Context, sys inverter.System, cfg types.UserConfig) error {
	sched := segment.Clear()
	_, err := retryDo(ctx, hardwareAttempts, hardwareBackoff, func() error {
		return sys.SetSchedule(ctx, cfg.DeviceID, sched)
	})
	return err
}

// activateRule builds the rule's segment starting now and writes it.
func (e *Engine) activateRule(ctx context.Context, sys inverter.System, cfg types.UserConfig, rule *types.Rule, localNow time.Time) error {
	sched, info, err := segment.Build(segment.Params{
		StartHour:        localNow.Hour(),
		StartMinute:      localNow.Minute(),
		DurationMinutes:  rule.Action.DurationMinutes,
		WorkMode:         rule.Action.WorkMode,
		PowerW:           int(rule.Action.PowerKW * 1000),
		TargetSoC:        rule.Action.TargetSoC,
		ChargeStopSoC:    cfg.ChargeStopSoC,
		DischargeStopSoC: cfg.DischargeStopSoC,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if info.Capped {
		log.Ctx(ctx).InfoContext(ctx, "segment capped at midnight",
			slog.String("rule", rule.ID),
			slog.Int("requestedMinutes", rule.Action.DurationMinutes),
			slog.Int("actualMinutes", info.ActualDurationMinutes))
	}

	if _, err := retryDo(ctx, hardwareAttempts, hardwareBackoff, func() error {
		return sys.SetSchedulerFlag(ctx, cfg.DeviceID, true)
	}); err != nil {
		return err
	}
	_, err = retryDo(ctx, hardwareAttempts, hardwareBackoff, func() error {
		return sys.SetSchedule(ctx, cfg.DeviceID, sched)
	})
	return err
}

// applyCurtailment forces export to zero while the feed-in price is below the
// configured threshold and restores it once the price recovers. Failures are
// logged, never fatal to the cycle.
func (e *Engine) applyCurtailment(ctx context.Context, sys inverter.System, userID string, cfg types.UserConfig, state *types.AutomationState, feedIn *float64) {
	if !cfg.CurtailmentEnabled || feedIn == nil {
		return
	}
	below := *feedIn < cfg.CurtailMinFeedInCents
	switch {
	case below && !state.CurtailmentActive:
		if err := sys.SetExportLimit(ctx, cfg.DeviceID, 0); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to curtail export", slog.Any("error", err))
			return
		}
		log.Ctx(ctx).InfoContext(ctx, "curtailing export", slog.Float64("feedInCents", *feedIn))
		state.CurtailmentActive = true
		e.count(ctx, userID, cfg, types.DayMetrics{CurtailmentForced: 1})
	case !below && state.CurtailmentActive:
		if err := sys.SetExportLimit(ctx, cfg.DeviceID, exportLimitRestoreW); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to restore export limit", slog.Any("error", err))
			return
		}
		log.Ctx(ctx).InfoContext(ctx, "restored export limit", slog.Float64("feedInCents", *feedIn))
		state.CurtailmentActive = false
	}
}

// persistState saves the cycle state with bounded retries, counting the extra
// attempts.
func (e *Engine) persistState(ctx context.Context, userID string, cfg types.UserConfig, state types.AutomationState) error {
	tries, err := retryDo(ctx, persistAttempts, persistBackoff, func() error {
		return e.db.SetAutomationState(ctx, userID, state)
	})
	if tries > 1 {
		e.count(ctx, userID, cfg, types.DayMetrics{PersistRetries: tries - 1})
	}
	return err
}

// RunCycle runs one automation cycle for the user. The returned audit entry
// describes what happened; entries that took or skipped an action are also
// persisted to the audit history.
func (e *Engine) RunCycle(ctx context.Context, userID string) (types.AuditEntry, error) {
	ctx = log.WithUser(ctx, userID)

	mu := e.userLock(userID)
	if !mu.TryLock() {
		return types.AuditEntry{}, ErrCycleBusy
	}
	defer mu.Unlock()

	now := e.now().UTC()

	cfg, err := e.loadConfig(ctx, userID)
	if err != nil {
		return types.AuditEntry{}, err
	}
	if cfg.DeviceID == "" {
		return types.AuditEntry{}, ErrDeviceNotConfigured
	}

	state, err := e.db.GetAutomationState(ctx, userID)
	if err != nil {
		return types.AuditEntry{}, fmt.Errorf("failed to load automation state: %w", err)
	}

	interval := time.Duration(cfg.CycleIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = defaultCycleInterval
	}
	if !state.LastCheck.IsZero() && now.Sub(state.LastCheck) < interval {
		log.Ctx(ctx).DebugContext(ctx, "cycle interval not elapsed, skipping",
			slog.Time("lastCheck", state.LastCheck),
			slog.Duration("interval", interval))
		return types.AuditEntry{Timestamp: now, Action: types.AuditActionSkipped, Message: "interval not elapsed"}, nil
	}

	e.count(ctx, userID, cfg, types.DayMetrics{Cycles: 1})

	sys := e.inverters.User(ctx, userID, cfg.InverterAPIKey)
	loc := e.resolveLocation(ctx, sys, cfg)
	localNow := now.In(loc)

	// a running quick control suspends rule evaluation entirely
	qc, err := e.db.GetQuickControl(ctx, userID)
	if err != nil {
		return types.AuditEntry{}, fmt.Errorf("failed to load quick control: %w", err)
	}
	if qc.Active {
		if qc.Expired(now) {
			// tear the dead override off the hardware before evaluating rules.
			// If that fails, stay suspended so a rule segment written now is
			// not clobbered by the retried teardown next cycle.
			if _, err := e.teardownQuickControl(ctx, userID, cfg, qc); err != nil {
				log.Ctx(ctx).ErrorContext(ctx, "failed to tear down expired quick control", slog.Any("error", err))
				state.LastCheck = now
				if perr := e.persistState(ctx, userID, cfg, state); perr != nil {
					return types.AuditEntry{}, perr
				}
				audit := types.AuditEntry{
					Timestamp:        now,
					ActiveRuleBefore: state.ActiveRule,
					ActiveRuleAfter:  state.ActiveRule,
					Action:           types.AuditActionSkipped,
					Message:          "quick control expired, cleanup failed",
					Error:            err.Error(),
				}
				e.insertAudit(ctx, userID, audit)
				return audit, nil
			}
			log.Ctx(ctx).InfoContext(ctx, "quick control expired")
		} else {
			state.LastCheck = now
			if err := e.persistState(ctx, userID, cfg, state); err != nil {
				return types.AuditEntry{}, err
			}
			audit := types.AuditEntry{
				Timestamp:        now,
				ActiveRuleBefore: state.ActiveRule,
				ActiveRuleAfter:  state.ActiveRule,
				Action:           types.AuditActionSkipped,
				Message:          "quick control active",
			}
			e.insertAudit(ctx, userID, audit)
			return audit, nil
		}
	}

	// master disable: clear the hardware exactly once, then do nothing until
	// re-enabled
	if !state.Enabled {
		audit := types.AuditEntry{Timestamp: now, ActiveRuleBefore: state.ActiveRule, Action: types.AuditActionNone}
		if !state.SegmentsCleared {
			if err := e.clearSegments(ctx, sys, cfg); err != nil {
				log.Ctx(ctx).ErrorContext(ctx, "failed to clear segments on disable", slog.Any("error", err))
				audit.Error = err.Error()
				e.countHardwareFailure(ctx, userID, cfg, err)
			} else {
				state.SegmentsCleared = true
				state.ActiveRule = ""
				state.ActiveRuleName = ""
				state.ActiveSegmentEnabled = false
				audit.Action = types.AuditActionSegmentsCleared
				audit.Message = "automation disabled"
				e.count(ctx, userID, cfg, types.DayMetrics{SegmentsCleared: 1})
			}
		}
		state.LastCheck = now
		if err := e.persistState(ctx, userID, cfg, state); err != nil {
			return types.AuditEntry{}, err
		}
		audit.ActiveRuleAfter = state.ActiveRule
		if audit.Action != types.AuditActionNone || audit.Error != "" {
			e.insertAudit(ctx, userID, audit)
		}
		return audit, nil
	}

	// automation is enabled; a later disable must clear the hardware again
	state.SegmentsCleared = false

	// one-shot clear requested by the user
	if state.ClearSegmentsOnNextCycle {
		if err := e.clearSegments(ctx, sys, cfg); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to clear segments on request", slog.Any("error", err))
			e.countHardwareFailure(ctx, userID, cfg, err)
		} else {
			state.ClearSegmentsOnNextCycle = false
			state.ActiveRule = ""
			state.ActiveRuleName = ""
			state.ActiveSegmentEnabled = false
			e.count(ctx, userID, cfg, types.DayMetrics{SegmentsCleared: 1})
			log.Ctx(ctx).InfoContext(ctx, "cleared segments on request")
		}
	}

	// blackout: leave whatever is on the hardware untouched
	if inBlackout(cfg, localNow) {
		state.LastCheck = now
		if err := e.persistState(ctx, userID, cfg, state); err != nil {
			return types.AuditEntry{}, err
		}
		audit := types.AuditEntry{
			Timestamp:        now,
			ActiveRuleBefore: state.ActiveRule,
			ActiveRuleAfter:  state.ActiveRule,
			Action:           types.AuditActionSkipped,
			Message:          "blackout window",
		}
		e.insertAudit(ctx, userID, audit)
		return audit, nil
	}

	snap := e.snapshot(ctx, userID, cfg, localNow)

	rules, err := e.db.ListRules(ctx, userID)
	if err != nil {
		return types.AuditEntry{}, fmt.Errorf("failed to list rules: %w", err)
	}

	outcome := SelectRule(rules, state.ActiveRule, snap, now)

	audit := types.AuditEntry{
		Timestamp:        now,
		ActiveRuleBefore: state.ActiveRule,
		Action:           types.AuditActionNone,
		Evaluations:      outcome.Evaluations,
	}

	switch outcome.Kind {
	case OutcomeContinue:
		// the segment is already on the device
		log.Ctx(ctx).DebugContext(ctx, "active rule still matches", slog.String("rule", outcome.Rule.ID))

	case OutcomeActivate:
		if err := e.activateRule(ctx, sys, cfg, outcome.Rule, localNow); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to activate rule",
				slog.String("rule", outcome.Rule.ID), slog.Any("error", err))
			audit.Error = err.Error()
			e.countHardwareFailure(ctx, userID, cfg, err)
		} else {
			triggered := now
			outcome.Rule.LastTriggered = &triggered
			if err := e.db.UpsertRule(ctx, userID, *outcome.Rule); err != nil {
				log.Ctx(ctx).WarnContext(ctx, "failed to persist rule trigger time", slog.Any("error", err))
			}
			state.ActiveRule = outcome.Rule.ID
			state.ActiveRuleName = outcome.Rule.Name
			state.ActiveSegmentEnabled = true
			state.SegmentsCleared = false
			audit.Action = types.AuditActionSegmentSet
			audit.Message = outcome.Rule.Name
			e.count(ctx, userID, cfg, types.DayMetrics{SegmentsWritten: 1, InverterCalls: 2})
			log.Ctx(ctx).InfoContext(ctx, "activated rule",
				slog.String("rule", outcome.Rule.ID), slog.String("name", outcome.Rule.Name))
		}

	case OutcomeDeactivate:
		if err := e.clearSegments(ctx, sys, cfg); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to clear segments on deactivate", slog.Any("error", err))
			audit.Error = err.Error()
			e.countHardwareFailure(ctx, userID, cfg, err)
		} else {
			state.ActiveRule = ""
			state.ActiveRuleName = ""
			state.ActiveSegmentEnabled = false
			audit.Action = types.AuditActionSegmentsCleared
			e.count(ctx, userID, cfg, types.DayMetrics{SegmentsCleared: 1, InverterCalls: 1})
			log.Ctx(ctx).InfoContext(ctx, "deactivated rule", slog.String("rule", audit.ActiveRuleBefore))
		}

	case OutcomeNone:
	}
	audit.ActiveRuleAfter = state.ActiveRule

	e.applyCurtailment(ctx, sys, userID, cfg, &state, snap.FeedInCents)

	state.LastCheck = now
	if err := e.persistState(ctx, userID, cfg, state); err != nil {
		return types.AuditEntry{}, err
	}
	// every evaluating cycle leaves a history entry, including no-ops: the
	// evaluation snapshot is what explains why nothing happened
	e.insertAudit(ctx, userID, audit)
	return audit, nil
}

func (e *Engine) countHardwareFailure(ctx context.Context, userID string, cfg types.UserConfig, err error) {
	if errors.Is(err, inverter.ErrRejected) {
		e.count(ctx, userID, cfg, types.DayMetrics{HardwareRejected: 1})
	} else if errors.Is(err, inverter.ErrRateLimited) {
		e.count(ctx, userID, cfg, types.DayMetrics{RateLimitedCalls: 1})
	} else {
		e.count(ctx, userID, cfg, types.DayMetrics{UpstreamFailures: 1})
	}
}

func (e *Engine) insertAudit(ctx context.Context, userID string, entry types.AuditEntry) {
	if err := e.db.InsertAuditEntry(ctx, userID, entry); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to insert audit entry", slog.Any("error", err))
	}
}

// SetAutomationEnabled toggles the master automation switch. Disabling does
// not touch the hardware immediately: the next cycle clears the schedule
// exactly once. Re-enabling resets the one-shot so a later disable clears
// again.
func (e *Engine) SetAutomationEnabled(ctx context.Context, userID string, enabled bool) (types.AutomationState, error) {
	ctx = log.WithUser(ctx, userID)

	// a toggle racing a running cycle would read stale state and clobber the
	// cycle's write; wait for it instead
	mu := e.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	state, err := e.db.GetAutomationState(ctx, userID)
	if err != nil {
		return types.AutomationState{}, fmt.Errorf("failed to load automation state: %w", err)
	}
	if state.Enabled == enabled {
		return state, nil
	}
	state.Enabled = enabled
	state.SegmentsCleared = false
	if err := e.db.SetAutomationState(ctx, userID, state); err != nil {
		return types.AutomationState{}, fmt.Errorf("failed to save automation state: %w", err)
	}
	log.Ctx(ctx).InfoContext(ctx, "automation toggled", slog.Bool("enabled", enabled))
	return state, nil
}

// RequestClearSegments asks the next cycle to clear the schedule once.
func (e *Engine) RequestClearSegments(ctx context.Context, userID string) error {
	ctx = log.WithUser(ctx, userID)

	mu := e.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	state, err := e.db.GetAutomationState(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to load automation state: %w", err)
	}
	state.ClearSegmentsOnNextCycle = true
	if err := e.db.SetAutomationState(ctx, userID, state); err != nil {
		return fmt.Errorf("failed to save automation state: %w", err)
	}
	return nil
}

// RunAllCycles runs a cycle for every known user. Busy and unconfigured users
// are skipped quietly; other failures are logged and do not stop the sweep.
func (e *Engine) RunAllCycles(ctx context.Context) {
	userIDs, err := e.db.ListUserIDs(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to list users", slog.Any("error", err))
		return
	}
	for _, userID := range userIDs {
		if _, err := e.RunCycle(ctx, userID); err != nil {
			if errors.Is(err, ErrCycleBusy) || errors.Is(err, ErrDeviceNotConfigured) {
				continue
			}
			log.Ctx(ctx).ErrorContext(ctx, "cycle failed", slog.String("userID", userID), slog.Any("error", err))
		}
	}
}

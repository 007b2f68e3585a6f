// Command seed populates the firestore emulator with a dev user: config, a
// few rules, a day of prices and audit entries. Useful when developing the
// web client against -dev-user.
package main

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/wattkeeper/wattkeeper/pkg/log"
	"github.com/wattkeeper/wattkeeper/pkg/storage"
	"github.com/wattkeeper/wattkeeper/pkg/types"
)

const seedUser = "dev"

func main() {
	os.Setenv("FIRESTORE_EMULATOR_HOST", "127.0.0.1:8087")
	s := storage.Configured()
	lflag.Configure()

	ctx := context.Background()

	log.Ctx(ctx).InfoContext(ctx, "seeding mock data")

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	cfg := types.UserConfig{
		DeviceID:              "DEMO-SN-001",
		PriceSiteID:           "demo-site",
		Timezone:              "Australia/Adelaide",
		CycleIntervalSeconds:  60,
		CurtailmentEnabled:    true,
		CurtailMinFeedInCents: 1.0,
		ChargeStopSoC:         90,
		DischargeStopSoC:      30,
	}
	if err := s.SetUserConfig(ctx, seedUser, cfg, types.CurrentConfigVersion); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to seed config", "error", err)
		os.Exit(1)
	}

	rules := []types.Rule{
		{
			ID: "cheap-overnight-charge", Name: "Cheap Overnight Charge", Enabled: true, Priority: 1,
			CooldownMinutes: 120,
			Conditions: map[types.ConditionKind]types.Condition{
				types.ConditionSOC:   {Enabled: true, Operator: types.OperatorLT, Value: 60},
				types.ConditionPrice: {Enabled: true, Operator: types.OperatorLT, Value: 15},
			},
			Action: types.RuleAction{WorkMode: types.WorkModeForceCharge, DurationMinutes: 120, PowerKW: 5},
		},
		{
			ID: "evening-peak-export", Name: "Evening Peak Export", Enabled: true, Priority: 2,
			Conditions: map[types.ConditionKind]types.Condition{
				types.ConditionFeedInPrice: {Enabled: true, Operator: types.OperatorGT, Value: 25},
				types.ConditionSOC:         {Enabled: true, Operator: types.OperatorGT, Value: 50},
			},
			Action: types.RuleAction{WorkMode: types.WorkModeForceDischarge, DurationMinutes: 60, PowerKW: 5, TargetSoC: 40},
		},
		{
			ID: "midday-spill-soak", Name: "Midday Spill Soak", Enabled: false, Priority: 3,
			Conditions: map[types.ConditionKind]types.Condition{
				types.ConditionTime:        {Enabled: true, Operator: types.OperatorBetween, Value: 10 * 60, Value2: f64(15 * 60)},
				types.ConditionFeedInPrice: {Enabled: true, Operator: types.OperatorLT, Value: 0},
			},
			Action: types.RuleAction{WorkMode: types.WorkModeForceCharge, DurationMinutes: 90},
		},
	}
	for _, rule := range rules {
		if err := s.UpsertRule(ctx, seedUser, rule); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to seed rule", "error", err)
			os.Exit(1)
		}
	}

	// a day of 30-minute interval prices: cheap and sunny midday, expensive
	// evening, negative feed-in at solar peak
	now := time.Now().UTC()
	start := now.Truncate(24 * time.Hour)
	var entries []types.PriceEntry
	for t := start; t.Before(start.Add(24 * time.Hour)); t = t.Add(30 * time.Minute) {
		hour := float64(t.Hour()) + float64(t.Minute())/60

		general := 18.0
		switch {
		case hour >= 17 && hour < 21:
			general = 45.0 // evening peak
		case hour >= 10 && hour < 15:
			general = 8.0 // solar glut
		case hour < 6:
			general = 12.0 // overnight
		}
		general += rng.Float64()*2 - 1

		// feed-in roughly tracks wholesale: negative at solar peak
		dist := math.Abs(hour - 12.5)
		feedIn := general - 10 - 8*math.Exp(-(dist*dist)/6)

		entries = append(entries,
			types.PriceEntry{StartTime: t, EndTime: t.Add(30 * time.Minute), ChannelType: types.ChannelGeneral, PerKwh: general},
			types.PriceEntry{StartTime: t, EndTime: t.Add(30 * time.Minute), ChannelType: types.ChannelFeedIn, PerKwh: feedIn},
		)
	}
	if err := s.UpsertPrices(ctx, seedUser, entries, types.CurrentPriceHistoryVersion); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to seed prices", "error", err)
		os.Exit(1)
	}

	// hourly audit entries up to now
	activeRule := ""
	for t := start; t.Before(now); t = t.Add(time.Hour) {
		hour := t.Hour()

		entry := types.AuditEntry{
			Timestamp:        t,
			ActiveRuleBefore: activeRule,
			Action:           types.AuditActionNone,
		}
		switch {
		case hour == 2:
			activeRule = "cheap-overnight-charge"
			entry.Action = types.AuditActionSegmentSet
			entry.Message = "Cheap Overnight Charge"
		case hour == 5 && activeRule != "":
			activeRule = ""
			entry.Action = types.AuditActionSegmentsCleared
		case hour == 18:
			activeRule = "evening-peak-export"
			entry.Action = types.AuditActionSegmentSet
			entry.Message = "Evening Peak Export"
		case hour == 20 && activeRule != "":
			activeRule = ""
			entry.Action = types.AuditActionSegmentsCleared
		default:
			continue
		}
		entry.ActiveRuleAfter = activeRule

		if err := s.InsertAuditEntry(ctx, seedUser, entry); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to seed audit entry", "error", err)
			os.Exit(1)
		}
		fmt.Printf("Seeded audit entry at %s: %s\n", t.Format(time.Kitchen), entry.Action)
	}

	if err := s.IncrementDayMetrics(ctx, seedUser, now.Format("2006-01-02"), types.DayMetrics{
		Cycles:          now.Hour() * 60,
		InverterCalls:   now.Hour()*60 + 8,
		SegmentsWritten: 2,
		SegmentsCleared: 2,
		PriceFetches:    now.Hour() * 2,
	}); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to seed day metrics", "error", err)
		os.Exit(1)
	}

	log.Ctx(ctx).InfoContext(ctx, "seeded mock data successfully")
}

func f64(v float64) *float64 { return &v }

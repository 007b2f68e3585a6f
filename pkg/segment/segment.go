// Package segment converts a rule action or quick-control request into the
// exact 8-slot hardware schedule payload. It does the minutes-since-midnight
// math and the midnight capping; retries and hardware calls belong to the
// caller.
package segment

import (
	"errors"
	"fmt"

	"github.com/wattkeeper/wattkeeper/pkg/types"
)

const (
	endOfDayMinutes = 23*60 + 59

	defaultMinSocOnGrid = 10
	defaultChargeStop   = 90
	defaultDischarge    = 30
)

// ErrStartTooLate is returned when the start time leaves no room for a
// segment even after midnight capping (start at or past 23:59).
var ErrStartTooLate = errors.New("segment start leaves no room before midnight")

// Params describes the single active slot to build.
type Params struct {
	StartHour       int
	StartMinute     int
	DurationMinutes int
	WorkMode        types.WorkMode
	PowerW          int
	TargetSoC       int

	// Stop thresholds; zero means the built-in default (90 charge / 30
	// discharge).
	ChargeStopSoC    int
	DischargeStopSoC int
}

// Info reports what Build actually produced.
type Info struct {
	// Capped is set when the requested duration crossed midnight and the end
	// was pulled back to 23:59.
	Capped bool
	// ActualDurationMinutes is the duration of the emitted slot, which is
	// shorter than requested when Capped.
	ActualDurationMinutes int
}

// Build produces a full schedule with exactly one enabled slot. A segment may
// never wrap past 23:59: an end that crosses midnight is capped at 23:59 with
// a correspondingly shortened duration. If capping leaves nothing (start at or
// past 23:59) the segment is rejected.
func Build(p Params) (types.Schedule, Info, error) {
	var sched types.Schedule
	var info Info

	if p.DurationMinutes <= 0 {
		return sched, info, fmt.Errorf("duration must be positive, got %d", p.DurationMinutes)
	}
	if p.StartHour == 24 {
		// some firmwares report midnight as hour 24
		p.StartHour = 0
	}
	if p.StartHour < 0 || p.StartHour > 23 || p.StartMinute < 0 || p.StartMinute > 59 {
		return sched, info, fmt.Errorf("invalid start time %02d:%02d", p.StartHour, p.StartMinute)
	}

	start := p.StartHour*60 + p.StartMinute
	end := start + p.DurationMinutes
	if end > endOfDayMinutes {
		info.Capped = true
		end = endOfDayMinutes
	}
	if end <= start {
		return sched, info, ErrStartTooLate
	}
	info.ActualDurationMinutes = end - start

	sched = Clear()
	slot := &sched[0]
	slot.Enable = 1
	slot.WorkMode = p.WorkMode
	slot.StartHour = start / 60
	slot.StartMinute = start % 60
	slot.EndHour = end / 60
	slot.EndMinute = end % 60
	slot.FdPwr = p.PowerW

	chargeStop := p.ChargeStopSoC
	if chargeStop == 0 {
		chargeStop = defaultChargeStop
	}
	dischargeStop := p.DischargeStopSoC
	if dischargeStop == 0 {
		dischargeStop = defaultDischarge
	}

	switch p.WorkMode {
	case types.WorkModeForceCharge:
		// charge stops at the high threshold
		target := p.TargetSoC
		if target == 0 {
			target = chargeStop
		}
		slot.MaxSoc = clampSoC(target)
		slot.FdSoc = slot.MaxSoc
		slot.MinSocOnGrid = defaultMinSocOnGrid
	case types.WorkModeForceDischarge, types.WorkModeFeedIn:
		// discharge stops at the low threshold
		target := p.TargetSoC
		if target == 0 {
			target = dischargeStop
		}
		slot.FdSoc = clampSoC(target)
		slot.MinSocOnGrid = slot.FdSoc
		slot.MaxSoc = 100
	default:
		slot.FdSoc = clampSoC(dischargeStop)
		slot.MinSocOnGrid = defaultMinSocOnGrid
		slot.MaxSoc = 100
	}

	return sched, info, nil
}

// Clear produces the full 8-slot payload with every slot disabled and neutral
// defaults. Used both for master-disable and for rule deactivation.
func Clear() types.Schedule {
	var sched types.Schedule
	for i := range sched {
		sched[i] = types.Segment{
			Enable:       0,
			WorkMode:     types.WorkModeSelfUse,
			MinSocOnGrid: defaultMinSocOnGrid,
			FdSoc:        defaultDischarge,
			FdPwr:        0,
			MaxSoc:       100,
		}
	}
	return sched
}

func clampSoC(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

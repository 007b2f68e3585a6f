package types

// ScheduleSlots is the fixed number of schedule slots the inverter exposes.
// The hardware always wants the full layout, there is no per-slot update.
const ScheduleSlots = 8

// Segment is one hardware schedule slot. Times are local wall-clock; the end,
// as minutes since midnight, must exceed the start — no slot may wrap past
// 23:59.
type Segment struct {
	Enable       int      `json:"enable"`
	WorkMode     WorkMode `json:"workMode"`
	StartHour    int      `json:"startHour"`
	StartMinute  int      `json:"startMinute"`
	EndHour      int      `json:"endHour"`
	EndMinute    int      `json:"endMinute"`
	MinSocOnGrid int      `json:"minSocOnGrid"`
	FdSoc        int      `json:"fdSoc"`
	FdPwr        int      `json:"fdPwr"` // watts
	MaxSoc       int      `json:"maxSoc"`
}

// StartMinutes returns the start as minutes since midnight.
func (s Segment) StartMinutes() int { return s.StartHour*60 + s.StartMinute }

// EndMinutes returns the end as minutes since midnight.
func (s Segment) EndMinutes() int { return s.EndHour*60 + s.EndMinute }

// Schedule is the full fixed-size hardware schedule payload.
type Schedule [ScheduleSlots]Segment

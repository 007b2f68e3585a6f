package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Operator compares a live metric against a rule condition's target value.
type Operator string

const (
	OperatorGT      Operator = ">"
	OperatorGTE     Operator = ">="
	OperatorLT      Operator = "<"
	OperatorLTE     Operator = "<="
	OperatorEQ      Operator = "=="
	OperatorNEQ     Operator = "!="
	OperatorBetween Operator = "between"
)

// ConditionKind identifies which live metric a condition compares against.
type ConditionKind string

const (
	ConditionSOC         ConditionKind = "soc"
	ConditionPrice       ConditionKind = "price"
	ConditionFeedInPrice ConditionKind = "feedInPrice"
	ConditionTime        ConditionKind = "time"
	ConditionTemperature ConditionKind = "temperature"
)

// Condition is a single comparison on a rule. Values are normalized at
// deserialization time: time-of-day strings ("HH:MM") become minutes since
// midnight, range shapes ([lo,hi] arrays and {min,max} objects) become
// Value/Value2 pairs, and the legacy "op" field alias becomes Operator. The
// evaluator only ever sees the canonical form.
type Condition struct {
	Enabled  bool     `json:"enabled"`
	Operator Operator `json:"operator"`
	Value    float64  `json:"value"`
	Value2   *float64 `json:"value2,omitempty"`
}

type conditionWire struct {
	Enabled  bool            `json:"enabled"`
	Operator Operator        `json:"operator"`
	Op       Operator        `json:"op"`
	Value    json.RawMessage `json:"value"`
	Value2   json.RawMessage `json:"value2"`
}

// UnmarshalJSON normalizes the persisted shape into the canonical Condition.
// Malformed values never fail the whole rule document: an unusable value
// leaves the condition with Value2 unset so it degrades to a scalar compare.
func (c *Condition) UnmarshalJSON(data []byte) error {
	var w conditionWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	c.Enabled = w.Enabled
	c.Operator = w.Operator
	if c.Operator == "" {
		c.Operator = w.Op
	}
	c.Value = 0
	c.Value2 = nil

	if len(w.Value) > 0 && string(w.Value) != "null" {
		if lo, hi, ok := parseRangeValue(w.Value); ok {
			c.Value = lo
			c.Value2 = &hi
		} else if v, ok := parseScalarValue(w.Value); ok {
			c.Value = v
		}
	}
	if c.Value2 == nil && len(w.Value2) > 0 && string(w.Value2) != "null" {
		if v, ok := parseScalarValue(w.Value2); ok {
			c.Value2 = &v
		}
	}
	return nil
}

// parseScalarValue accepts a JSON number or a "HH:MM" clock string.
func parseScalarValue(raw json.RawMessage) (float64, bool) {
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if m, err := ParseClock(s); err == nil {
			return float64(m), true
		}
	}
	return 0, false
}

// parseRangeValue accepts a two-element array or a {min,max} object.
func parseRangeValue(raw json.RawMessage) (lo, hi float64, ok bool) {
	var pair []json.RawMessage
	if err := json.Unmarshal(raw, &pair); err == nil && len(pair) == 2 {
		l, okL := parseScalarValue(pair[0])
		h, okH := parseScalarValue(pair[1])
		if okL && okH {
			return l, h, true
		}
		return 0, 0, false
	}
	var obj struct {
		Min *json.RawMessage `json:"min"`
		Max *json.RawMessage `json:"max"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Min != nil && obj.Max != nil {
		l, okL := parseScalarValue(*obj.Min)
		h, okH := parseScalarValue(*obj.Max)
		if okL && okH {
			return l, h, true
		}
	}
	return 0, 0, false
}

// ParseClock parses a "HH:MM" local wall-clock string into minutes since
// midnight. Hour 24 is normalized to hour 0, some inverter firmwares report
// midnight that way.
func ParseClock(s string) (int, error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid clock %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("invalid clock hour %q: %w", s, err)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("invalid clock minute %q: %w", s, err)
	}
	if h == 24 {
		h = 0
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("clock %q out of range", s)
	}
	return h*60 + m, nil
}

// WorkMode is the inverter operating mode written into a schedule segment.
type WorkMode string

const (
	WorkModeSelfUse        WorkMode = "SelfUse"
	WorkModeForceCharge    WorkMode = "ForceCharge"
	WorkModeForceDischarge WorkMode = "ForceDischarge"
	WorkModeFeedIn         WorkMode = "Feedin"
	WorkModeBackup         WorkMode = "Backup"
)

// RuleAction describes what a triggered rule does to the inverter schedule.
type RuleAction struct {
	WorkMode        WorkMode `json:"workMode"`
	DurationMinutes int      `json:"durationMinutes"`
	PowerKW         float64  `json:"power"`
	TargetSoC       int      `json:"targetSoc"`
}

// Rule is a user-defined conditional automation rule. The cycle engine only
// ever mutates LastTriggered; everything else is owned by the user through
// rule management.
type Rule struct {
	ID              string                      `json:"id"`
	Name            string                      `json:"name"`
	Enabled         bool                        `json:"enabled"`
	Priority        int                         `json:"priority"`
	CooldownMinutes int                         `json:"cooldownMinutes"`
	Conditions      map[ConditionKind]Condition `json:"conditions"`
	Action          RuleAction                  `json:"action"`
	LastTriggered   *time.Time                  `json:"lastTriggered,omitempty"`
}

// InCooldown reports whether the rule may not re-trigger yet.
func (r *Rule) InCooldown(now time.Time) bool {
	if r.CooldownMinutes <= 0 || r.LastTriggered == nil {
		return false
	}
	return now.Sub(*r.LastTriggered) < time.Duration(r.CooldownMinutes)*time.Minute
}

// AutomationState is the singleton per-user cycle state. The cycle engine and
// the enable/disable toggle both mutate it; toggle writes are read-modify-write
// on the stored document so they never clobber fields the cycle owns.
type AutomationState struct {
	Enabled                  bool      `json:"enabled"`
	ActiveRule               string    `json:"activeRule,omitempty"`
	ActiveRuleName           string    `json:"activeRuleName,omitempty"`
	ActiveSegmentEnabled     bool      `json:"activeSegmentEnabled"`
	LastCheck                time.Time `json:"lastCheck"`
	ClearSegmentsOnNextCycle bool      `json:"clearSegmentsOnNextCycle"`
	SegmentsCleared          bool      `json:"segmentsCleared"`
	CurtailmentActive        bool      `json:"curtailmentActive,omitempty"`
}

// QuickControlType is the direction of a manual override.
type QuickControlType string

const (
	QuickControlCharge    QuickControlType = "charge"
	QuickControlDischarge QuickControlType = "discharge"
)

// QuickControlState is a time-boxed manual charge/discharge override. While
// one is active the cycle engine skips rule evaluation entirely.
type QuickControlState struct {
	Active          bool             `json:"active"`
	Type            QuickControlType `json:"type"`
	PowerW          int              `json:"power"`
	DurationMinutes int              `json:"durationMinutes"`
	StartedAt       time.Time        `json:"startedAt"`
	ExpiresAt       time.Time        `json:"expiresAt"`
}

// Expired reports whether the override has passed its expiry.
func (q *QuickControlState) Expired(now time.Time) bool {
	return q.Active && now.After(q.ExpiresAt)
}

// RemainingMinutes returns the whole minutes left before expiry, never negative.
func (q *QuickControlState) RemainingMinutes(now time.Time) int {
	if !q.Active || now.After(q.ExpiresAt) {
		return 0
	}
	return int(q.ExpiresAt.Sub(now).Minutes())
}

// ConditionResult captures how a single condition evaluated during a cycle.
type ConditionResult struct {
	Actual *float64 `json:"actual,omitempty"`
	Met    bool     `json:"met"`
}

// RuleEvaluation captures how a whole rule evaluated during a cycle.
type RuleEvaluation struct {
	Matched    bool                              `json:"matched"`
	InCooldown bool                              `json:"inCooldown,omitempty"`
	Conditions map[ConditionKind]ConditionResult `json:"conditions,omitempty"`
}

// AuditEntry is one append-only history record per cycle that took or skipped
// an action, capturing the rule transition and the evaluation snapshot.
type AuditEntry struct {
	Timestamp        time.Time                 `json:"timestamp"`
	ActiveRuleBefore string                    `json:"activeRuleBefore,omitempty"`
	ActiveRuleAfter  string                    `json:"activeRuleAfter,omitempty"`
	Action           string                    `json:"action"`
	Message          string                    `json:"message,omitempty"`
	Evaluations      map[string]RuleEvaluation `json:"evaluations,omitempty"`
	Error            string                    `json:"error,omitempty"`
}

// Audit action values.
const (
	AuditActionSegmentSet      = "segmentSet"
	AuditActionSegmentsCleared = "segmentsCleared"
	AuditActionNone            = "none"
	AuditActionSkipped         = "skipped"
)

// DayMetrics are per-day usage counters persisted under metrics/{date}.
// Rate-limited inverter responses are tracked separately and do not count
// against API usage.
type DayMetrics struct {
	Cycles            int `json:"cycles"`
	InverterCalls     int `json:"inverterCalls"`
	RateLimitedCalls  int `json:"rateLimitedCalls"`
	SegmentsWritten   int `json:"segmentsWritten"`
	SegmentsCleared   int `json:"segmentsCleared"`
	QuickControlRuns  int `json:"quickControlRuns"`
	PriceFetches      int `json:"priceFetches"`
	UpstreamFailures  int `json:"upstreamFailures"`
	HardwareRejected  int `json:"hardwareRejected"`
	PersistRetries    int `json:"persistRetries"`
	CurtailmentForced int `json:"curtailmentForced"`
}

// MetricSnapshot is the live metric set a cycle evaluates rules against. A nil
// pointer means the metric was unavailable this cycle; conditions on it
// evaluate false rather than failing the cycle.
type MetricSnapshot struct {
	SoC          *float64
	PriceCents   *float64
	FeedInCents  *float64
	TemperatureC *float64
	LocalTime    time.Time
}

// Metric returns the snapshot value for a condition kind.
func (m *MetricSnapshot) Metric(kind ConditionKind) *float64 {
	switch kind {
	case ConditionSOC:
		return m.SoC
	case ConditionPrice:
		return m.PriceCents
	case ConditionFeedInPrice:
		return m.FeedInCents
	case ConditionTemperature:
		return m.TemperatureC
	case ConditionTime:
		if m.LocalTime.IsZero() {
			return nil
		}
		v := float64(m.LocalTime.Hour()*60 + m.LocalTime.Minute())
		return &v
	}
	return nil
}

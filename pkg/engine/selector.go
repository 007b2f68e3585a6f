package engine

import (
	"sort"
	"time"

	"github.com/wattkeeper/wattkeeper/pkg/evaluator"
	"github.com/wattkeeper/wattkeeper/pkg/types"
)

// OutcomeKind is what a cycle decided to do with the schedule.
type OutcomeKind string

const (
	// OutcomeNone means no rule was active and none became eligible.
	OutcomeNone OutcomeKind = "none"
	// OutcomeContinue means the active rule still matches; its segment is
	// already on the device so no hardware call is made.
	OutcomeContinue OutcomeKind = "continue"
	// OutcomeActivate means a rule's segment must be written. This includes an
	// active rule whose cooldown fully elapsed while it kept matching: it
	// re-triggers with a fresh segment.
	OutcomeActivate OutcomeKind = "activate"
	// OutcomeDeactivate means the active rule stopped matching and no other
	// rule is eligible, so the schedule must be cleared.
	OutcomeDeactivate OutcomeKind = "deactivate"
)

// Outcome is the decision of one selection pass.
type Outcome struct {
	Kind OutcomeKind
	// Rule is the winning rule for Continue/Activate, nil otherwise.
	Rule *types.Rule
	// Evaluations records how every enabled rule evaluated, keyed by rule ID.
	Evaluations map[string]types.RuleEvaluation
}

// SelectRule decides what the schedule should do given the current rules and
// metrics. An active rule that still matches always wins: there is no
// re-ranking against higher-priority rules until it stops matching. When a new
// rule must be chosen, candidates are ordered by priority ascending with rule
// ID as the tie-break and the first enabled, matching, off-cooldown rule wins.
func SelectRule(rules []types.Rule, activeRuleID string, snap types.MetricSnapshot, now time.Time) Outcome {
	sorted := make([]types.Rule, len(rules))
	copy(sorted, rules)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority < sorted[j].Priority
		}
		return sorted[i].ID < sorted[j].ID
	})

	evals := make(map[string]types.RuleEvaluation)
	matched := make(map[string]bool)
	for i := range sorted {
		r := &sorted[i]
		if !r.Enabled {
			continue
		}
		ok, conditions := evaluator.RuleMatches(r, &snap)
		matched[r.ID] = ok
		evals[r.ID] = types.RuleEvaluation{
			Matched:    ok,
			InCooldown: r.InCooldown(now),
			Conditions: conditions,
		}
	}

	out := Outcome{Kind: OutcomeNone, Evaluations: evals}

	// the active rule keeps the schedule while it matches
	if activeRuleID != "" {
		if active := findRule(sorted, activeRuleID); active != nil && active.Enabled && matched[activeRuleID] {
			if active.CooldownMinutes > 0 && !active.InCooldown(now) {
				out.Kind = OutcomeActivate
				out.Rule = active
				return out
			}
			out.Kind = OutcomeContinue
			out.Rule = active
			return out
		}
		// it stopped matching (or was deleted/disabled): deactivate unless a
		// new rule takes over below
		out.Kind = OutcomeDeactivate
	}

	for i := range sorted {
		r := &sorted[i]
		if !r.Enabled || r.ID == activeRuleID || !matched[r.ID] || r.InCooldown(now) {
			continue
		}
		out.Kind = OutcomeActivate
		out.Rule = r
		return out
	}
	return out
}

func findRule(rules []types.Rule, id string) *types.Rule {
	for i := range rules {
		if rules[i].ID == id {
			return &rules[i]
		}
	}
	return nil
}

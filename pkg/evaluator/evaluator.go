// Package evaluator holds the pure comparison logic for rule conditions. It
// has no side effects and never returns errors: a metric that is missing or a
// condition target that cannot be interpreted simply evaluates false.
package evaluator

import (
	"github.com/wattkeeper/wattkeeper/pkg/types"
)

// Compare evaluates actual against the condition's target using its operator.
// A nil actual is always false, for every operator. For between, a missing
// second bound degrades to a plain >= scalar comparison on the first bound;
// both bounds are inclusive.
func Compare(actual *float64, op types.Operator, value float64, value2 *float64) bool {
	if actual == nil {
		return false
	}
	a := *actual
	switch op {
	case types.OperatorGT:
		return a > value
	case types.OperatorGTE:
		return a >= value
	case types.OperatorLT:
		return a < value
	case types.OperatorLTE:
		return a <= value
	case types.OperatorEQ:
		return a == value
	case types.OperatorNEQ:
		return a != value
	case types.OperatorBetween:
		if value2 == nil {
			// value2 was null: treat as a plain scalar comparison rather than
			// failing the rule
			return a >= value
		}
		low, high := value, *value2
		if high < low {
			low, high = high, low
		}
		return a >= low && a <= high
	}
	return false
}

// EvaluateCondition evaluates one condition against the snapshot.
func EvaluateCondition(kind types.ConditionKind, c types.Condition, snap *types.MetricSnapshot) types.ConditionResult {
	actual := snap.Metric(kind)
	return types.ConditionResult{
		Actual: actual,
		Met:    Compare(actual, c.Operator, c.Value, c.Value2),
	}
}

// RuleMatches AND-combines all enabled conditions of the rule. A rule with
// zero enabled conditions never triggers. The per-condition results are
// returned for the cycle's audit snapshot.
func RuleMatches(rule *types.Rule, snap *types.MetricSnapshot) (bool, map[types.ConditionKind]types.ConditionResult) {
	results := make(map[types.ConditionKind]types.ConditionResult)
	enabled := 0
	matched := true
	for kind, c := range rule.Conditions {
		if !c.Enabled {
			continue
		}
		enabled++
		res := EvaluateCondition(kind, c, snap)
		results[kind] = res
		if !res.Met {
			matched = false
		}
	}
	if enabled == 0 {
		return false, results
	}
	return matched, results
}

package rules

import (
	"strings"

	"github.com/argus-sec/argus/internal/models"
)

// Evaluate runs an event through the rule set and returns the first rule,
// in catalog order, that is enabled, matches the event's source, is in
// tenant scope, satisfies its match mode, and has no matching exception.
// Returns nil when nothing matches. An event produces at most one alert
// per run.
func Evaluate(event map[string]any, source models.SourceType, ruleset []Rule, tenantID string) *Rule {
	for i := range ruleset {
		rule := &ruleset[i]
		if !rule.Enabled || rule.Source != source || !rule.AppliesTo(tenantID) {
			continue
		}
		if !matchesConditions(event, rule.Conditions) {
			continue
		}
		if matchesAnyException(event, rule.Exceptions) {
			continue
		}
		return rule
	}
	return nil
}

// matchesConditions applies the rule's match mode over its conditions.
// A rule with zero conditions never matches.
func matchesConditions(event map[string]any, set ConditionSet) bool {
	if len(set.Rules) == 0 {
		return false
	}

	if strings.EqualFold(set.Match, MatchAny) {
		for _, cond := range set.Rules {
			if evalCondition(event, cond) {
				return true
			}
		}
		return false
	}

	// "all" (the default for unrecognized modes)
	for _, cond := range set.Rules {
		if !evalCondition(event, cond) {
			return false
		}
	}
	return true
}

func matchesAnyException(event map[string]any, exceptions []Condition) bool {
	for _, exc := range exceptions {
		if evalCondition(event, exc) {
			return true
		}
	}
	return false
}

func evalCondition(event map[string]any, cond Condition) bool {
	actual, present := Get(event, cond.Field)
	expected := Interpolate(cond.Value, event)
	return applyOperator(cond.Operator, actual, present, expected)
}

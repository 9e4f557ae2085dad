package rules

import "strings"

// Operator names accepted in rule conditions.
const (
	OpExists    = "exists"
	OpEquals    = "equals"
	OpNotEquals = "notEquals"
	OpContains  = "contains"
)

// applyOperator evaluates a comparison primitive. present reports whether
// the dotted-path lookup found a node at all; a present nil counts as
// absent. All string comparisons are case-insensitive. An absent value
// satisfies no operator, notEquals included: an absent value matches no
// concrete expectation negatively. Unknown operators evaluate to false.
func applyOperator(operator string, actual any, present bool, expected string) bool {
	exists := present && actual != nil

	switch {
	case strings.EqualFold(operator, OpExists):
		return exists
	case strings.EqualFold(operator, OpEquals):
		if !exists {
			return false
		}
		return strings.EqualFold(Stringify(actual), expected)
	case strings.EqualFold(operator, OpNotEquals):
		if !exists {
			return false
		}
		return !strings.EqualFold(Stringify(actual), expected)
	case strings.EqualFold(operator, OpContains):
		if !exists {
			return false
		}
		return strings.Contains(strings.ToLower(Stringify(actual)), strings.ToLower(expected))
	default:
		return false
	}
}

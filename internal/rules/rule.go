package rules

import (
	"github.com/argus-sec/argus/internal/models"
)

// Match modes for a rule's condition set.
const (
	MatchAll = "all"
	MatchAny = "any"
)

// Condition is a single field comparison against a dotted path of an event.
type Condition struct {
	Field    string `yaml:"field" json:"field"`
	Operator string `yaml:"operator" json:"operator"`
	Value    string `yaml:"value,omitempty" json:"value,omitempty"`
}

// ConditionSet groups conditions under a match mode.
type ConditionSet struct {
	Match string      `yaml:"match" json:"match"`
	Rules []Condition `yaml:"rules" json:"rules"`
}

// Rule is a declarative detection loaded from the catalog. Read-only to the
// engine; the catalog is reloaded between runs.
type Rule struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Severity    models.Severity   `json:"severity"`
	Enabled     bool              `json:"enabled"`
	Source      models.SourceType `json:"source"`
	Conditions  ConditionSet      `json:"conditions"`
	Exceptions  []Condition       `json:"exceptions,omitempty"`
	TenantIDs   []string          `json:"tenantIds,omitempty"`

	// Informational metadata; never consulted during evaluation.
	Author     string   `json:"author,omitempty"`
	References []string `json:"references,omitempty"`
	Tags       []string `json:"tags,omitempty"`
}

// AppliesTo reports whether the rule is in scope for the given tenant.
// Rules without tenant scoping apply everywhere; scoped rules require a
// caller-supplied tenant id that is in the set.
func (r *Rule) AppliesTo(tenantID string) bool {
	if len(r.TenantIDs) == 0 {
		return true
	}
	if tenantID == "" {
		return false
	}
	for _, id := range r.TenantIDs {
		if id == tenantID {
			return true
		}
	}
	return false
}

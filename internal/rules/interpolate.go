package rules

import (
	"regexp"
	"strings"
)

var templateToken = regexp.MustCompile(`\{\{([^}]*)\}\}`)

// Interpolate substitutes {{path}} tokens in a rule's expected value with
// fields of the event under evaluation. Absent or null paths render as the
// empty string so operators apply normally afterwards.
func Interpolate(value string, event map[string]any) string {
	if !strings.Contains(value, "{{") {
		return value
	}
	return templateToken.ReplaceAllStringFunc(value, func(token string) string {
		path := strings.TrimSpace(token[2 : len(token)-2])
		resolved, ok := Get(event, path)
		if !ok || resolved == nil {
			return ""
		}
		return Stringify(resolved)
	})
}

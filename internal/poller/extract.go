package poller

import (
	"fmt"
	"strings"
	"time"

	"github.com/argus-sec/argus/internal/models"
	"github.com/argus-sec/argus/internal/rules"
)

// rawSummaryLimit bounds the stored event summary. The sink holds a
// concise line, never the whole event.
const rawSummaryLimit = 500

// actingUser extracts the identity used in the alert-state key. Security
// alerts have no single actor; the empty string is a valid key giving them
// one slot per (tenant, rule).
func actingUser(source models.SourceType, event map[string]any) string {
	switch source {
	case models.SourceSignIn:
		return stringField(event, "userPrincipalName")
	case models.SourceAuditLog:
		return stringField(event, "UserId")
	default:
		return ""
	}
}

// eventTimestamp extracts the source event time, falling back to the
// engine clock when the field is missing or unparseable.
func eventTimestamp(source models.SourceType, event map[string]any, fallback time.Time) time.Time {
	var raw string
	switch source {
	case models.SourceAuditLog:
		raw = stringField(event, "CreationTime")
	default:
		raw = stringField(event, "createdDateTime")
	}
	if raw == "" {
		return fallback
	}

	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts
		}
	}
	return fallback
}

// eventID extracts the upstream identifier recorded on the alert.
func eventID(source models.SourceType, event map[string]any) string {
	if source == models.SourceAuditLog {
		return stringField(event, "Id")
	}
	return stringField(event, "id")
}

// rawSummary renders a source-specific one-liner of the event's most
// salient fields, bounded to rawSummaryLimit.
func rawSummary(source models.SourceType, event map[string]any) string {
	var summary string
	switch source {
	case models.SourceSignIn:
		summary = fmt.Sprintf("user=%s app=%s ip=%s risk=%s location=%s",
			stringField(event, "userPrincipalName"),
			stringField(event, "appDisplayName"),
			stringField(event, "ipAddress"),
			stringField(event, "riskLevelAggregated"),
			joinNonEmpty(", ",
				stringField(event, "location.city"),
				stringField(event, "location.countryOrRegion")))
	case models.SourceSecurityAlert:
		summary = fmt.Sprintf("title=%s category=%s severity=%s incident=%s",
			stringField(event, "title"),
			stringField(event, "category"),
			stringField(event, "severity"),
			stringField(event, "incidentId"))
	case models.SourceAuditLog:
		summary = fmt.Sprintf("operation=%s user=%s workload=%s result=%s",
			stringField(event, "Operation"),
			stringField(event, "UserId"),
			stringField(event, "Workload"),
			stringField(event, "ResultStatus"))
	}

	if len(summary) > rawSummaryLimit {
		summary = summary[:rawSummaryLimit]
	}
	return summary
}

func stringField(event map[string]any, path string) string {
	value, ok := rules.Get(event, path)
	if !ok || value == nil {
		return ""
	}
	return rules.Stringify(value)
}

func joinNonEmpty(sep string, parts ...string) string {
	var kept []string
	for _, part := range parts {
		if part != "" {
			kept = append(kept, part)
		}
	}
	return strings.Join(kept, sep)
}

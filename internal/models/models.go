package models

import (
	"strings"
	"time"
)

// SourceType identifies which upstream feed an event came from.
type SourceType string

const (
	SourceSignIn        SourceType = "SignIn"
	SourceSecurityAlert SourceType = "SecurityAlert"
	SourceAuditLog      SourceType = "AuditLog"
)

// Severity is the alert severity scale. Values are totally ordered
// Low < Medium < High < Critical.
type Severity string

const (
	SeverityLow      Severity = "Low"
	SeverityMedium   Severity = "Medium"
	SeverityHigh     Severity = "High"
	SeverityCritical Severity = "Critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// Rank returns the position of s in the severity order, or -1 for
// unknown values. Comparison is case-insensitive.
func (s Severity) Rank() int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	for sev, r := range severityRank {
		if strings.EqualFold(string(sev), string(s)) {
			return r
		}
	}
	return -1
}

// AtLeast reports whether s is at or above min in the severity order.
// Unknown severities never satisfy a minimum.
func (s Severity) AtLeast(min Severity) bool {
	sr := s.Rank()
	mr := min.Rank()
	if sr < 0 || mr < 0 {
		return false
	}
	return sr >= mr
}

// ParseSeverity normalizes a severity string to its canonical form.
func ParseSeverity(s string) (Severity, bool) {
	for sev := range severityRank {
		if strings.EqualFold(string(sev), s) {
			return sev, true
		}
	}
	return "", false
}

// TenantStatus is the terminal outcome of a tenant's most recent run.
type TenantStatus string

const (
	TenantStatusUnknown          TenantStatus = "unknown"
	TenantStatusSuccess          TenantStatus = "success"
	TenantStatusAuditLogDisabled TenantStatus = "auditLogDisabled"
	TenantStatusAppNotConsented  TenantStatus = "appNotConsented"
	TenantStatusPermissionDenied TenantStatus = "permissionDenied"
	TenantStatusTenantNotFound   TenantStatus = "tenantNotFound"
	TenantStatusError            TenantStatus = "error"
)

// Tenant is a monitored customer directory.
type Tenant struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	LastPoll      *time.Time   `json:"lastPoll,omitempty"`
	Status        TenantStatus `json:"status"`
	StatusMessage string       `json:"statusMessage,omitempty"`
}

// Alert is an emitted detection. Immutable once produced.
type Alert struct {
	ID            string     `json:"id"`
	TimeGenerated time.Time  `json:"timeGenerated"`
	TimeProcessed time.Time  `json:"timeProcessed"`
	TenantID      string     `json:"tenantId"`
	TenantName    string     `json:"tenantName"`
	User          string     `json:"user,omitempty"`
	RuleName      string     `json:"ruleName"`
	Severity      Severity   `json:"severity"`
	Description   string     `json:"description"`
	Source        SourceType `json:"source"`
	SourceEventID string     `json:"sourceEventId"`
	RawSummary    string     `json:"rawSummary"`
	ShouldNotify  bool       `json:"shouldNotify"`
}

// AlertsConfig controls chat-webhook delivery.
type AlertsConfig struct {
	Enabled         bool     `json:"enabled"`
	WebhookURL      string   `json:"webhookUrl"`
	MinimumSeverity Severity `json:"minimumSeverity"`
}

// RunStatus is the terminal state of a polling run.
type RunStatus string

const (
	RunStatusSuccess RunStatus = "success"
	RunStatusPartial RunStatus = "partial"
	RunStatusError   RunStatus = "error"
)

// RunSummary records the outcome of one polling run.
type RunSummary struct {
	StartTime       time.Time `json:"startTime"`
	EndTime         time.Time `json:"endTime"`
	DurationMs      int64     `json:"durationMs"`
	ClientsChecked  int       `json:"clientsChecked"`
	EventsProcessed int       `json:"eventsProcessed"`
	AlertsGenerated int       `json:"alertsGenerated"`
	Status          RunStatus `json:"status"`
	ErrorMessage    string    `json:"errorMessage,omitempty"`
}

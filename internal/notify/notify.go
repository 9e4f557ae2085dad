package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/argus-sec/argus/internal/models"
)

// Notifier posts one chat card per run summarizing notifiable alerts,
// grouped by tenant. Throttling happens upstream via the shouldNotify flag;
// the notifier only filters and renders.
type Notifier struct {
	client *http.Client
}

// NewNotifier builds a webhook notifier.
func NewNotifier() *Notifier {
	return &Notifier{
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// Send filters the batch by the delivery configuration and posts a single
// card. Nothing is sent when delivery is disabled, no webhook is
// configured, or no alert survives filtering. Non-2xx responses are
// reported but not retried within the run.
func (n *Notifier) Send(ctx context.Context, cfg models.AlertsConfig, alerts []models.Alert) error {
	if !cfg.Enabled || cfg.WebhookURL == "" {
		log.Debug().Msg("Alert notifications disabled, skipping webhook")
		return nil
	}

	notifiable := filterAlerts(cfg, alerts)
	if len(notifiable) == 0 {
		return nil
	}

	payload, err := json.Marshal(buildCard(notifiable))
	if err != nil {
		return fmt.Errorf("failed to encode notification card: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook post failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(body))
	}

	log.Info().Int("alerts", len(notifiable)).Msg("Notification card sent")
	return nil
}

func filterAlerts(cfg models.AlertsConfig, alerts []models.Alert) []models.Alert {
	var kept []models.Alert
	for _, alert := range alerts {
		if !alert.Severity.AtLeast(cfg.MinimumSeverity) {
			continue
		}
		if !alert.ShouldNotify {
			continue
		}
		kept = append(kept, alert)
	}
	return kept
}

// card is the legacy connector MessageCard shape the chat webhook accepts.
type card struct {
	Type       string        `json:"@type"`
	Context    string        `json:"@context"`
	Summary    string        `json:"summary"`
	ThemeColor string        `json:"themeColor"`
	Title      string        `json:"title"`
	Sections   []cardSection `json:"sections"`
}

type cardSection struct {
	ActivityTitle string `json:"activityTitle"`
	Text          string `json:"text"`
	Markdown      bool   `json:"markdown"`
}

func buildCard(alerts []models.Alert) card {
	byTenant := make(map[string][]models.Alert)
	for _, alert := range alerts {
		byTenant[alert.TenantName] = append(byTenant[alert.TenantName], alert)
	}

	tenantNames := make([]string, 0, len(byTenant))
	for name := range byTenant {
		tenantNames = append(tenantNames, name)
	}
	sort.Strings(tenantNames)

	sections := make([]cardSection, 0, len(tenantNames))
	for _, name := range tenantNames {
		var lines []string
		for _, alert := range byTenant[name] {
			line := fmt.Sprintf("**[%s] %s** — %s", alert.Severity, alert.RuleName, alert.Description)
			if alert.User != "" {
				line += fmt.Sprintf("  \nUser: %s", alert.User)
			}
			line += fmt.Sprintf("  \nSource: %s · %s", alert.Source, alert.TimeGenerated.UTC().Format(time.RFC1123))
			lines = append(lines, line)
		}
		sections = append(sections, cardSection{
			ActivityTitle: name,
			Text:          strings.Join(lines, "\n\n"),
			Markdown:      true,
		})
	}

	return card{
		Type:       "MessageCard",
		Context:    "https://schema.org/extensions",
		Summary:    fmt.Sprintf("%d security alert(s)", len(alerts)),
		ThemeColor: themeColor(alerts),
		Title:      fmt.Sprintf("Security alerts: %d across %d tenant(s)", len(alerts), len(sections)),
		Sections:   sections,
	}
}

func themeColor(alerts []models.Alert) string {
	highest := models.SeverityLow
	for _, alert := range alerts {
		if alert.Severity.Rank() > highest.Rank() {
			highest = alert.Severity
		}
	}
	switch highest {
	case models.SeverityCritical:
		return "8B0000"
	case models.SeverityHigh:
		return "FF4500"
	case models.SeverityMedium:
		return "FFA500"
	default:
		return "1E90FF"
	}
}

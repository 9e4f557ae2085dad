package poller

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/argus-sec/argus/internal/errors"
	"github.com/argus-sec/argus/internal/models"
	"github.com/argus-sec/argus/internal/rules"
	"github.com/argus-sec/argus/internal/telemetry"
)

// Lookback bounds for window selection. The clamp prevents a long-offline
// tenant from replaying days of history into downstream systems.
const (
	DefaultLookback = 60 * time.Minute
	MaxLookback     = 360 * time.Minute
)

// SignInSource fetches sign-in events for a tenant since a watermark.
type SignInSource interface {
	FetchSignIns(ctx context.Context, tenantID string, since time.Time) ([]map[string]any, error)
}

// SecurityAlertSource fetches security alerts for a tenant since a watermark.
type SecurityAlertSource interface {
	FetchSecurityAlerts(ctx context.Context, tenantID string, since time.Time) ([]map[string]any, error)
}

// AuditLogSource fetches audit-activity events for a tenant in a window.
type AuditLogSource interface {
	FetchAuditEvents(ctx context.Context, tenantID string, since, now time.Time) ([]map[string]any, error)
}

// ConfigStore is the engine-facing slice of the configuration store.
type ConfigStore interface {
	ListTenants(ctx context.Context) ([]models.Tenant, error)
	UpdateTenantStatus(ctx context.Context, id string, status models.TenantStatus, message string) error
	MarkTenantSuccess(ctx context.Context, id string, lastPoll time.Time) error
	GetAlertsConfig(ctx context.Context) (models.AlertsConfig, error)
	AppendRunSummary(ctx context.Context, summary models.RunSummary) error
	SweepRunHistory(ctx context.Context, now time.Time, retention time.Duration) (int64, error)
}

// StateStore is the dedup and notification-throttle state machine.
type StateStore interface {
	IsDuplicate(ctx context.Context, tenantID, ruleName, user string, eventTime time.Time) (bool, error)
	RecordEvent(ctx context.Context, tenantID, ruleName, user string, eventTime time.Time) error
	WasNotifiedRecently(ctx context.Context, tenantID, ruleName, user string, now time.Time) (bool, error)
	RecordNotification(ctx context.Context, tenantID, ruleName, user string, now time.Time) error
	Sweep(ctx context.Context, now time.Time) (int64, error)
}

// RuleSource provides the rule catalog snapshot for a run.
type RuleSource interface {
	Load() ([]rules.Rule, error)
}

// AlertSink ingests the run's alert batch.
type AlertSink interface {
	Upload(ctx context.Context, alerts []models.Alert) error
}

// Notifier delivers the run's chat notification.
type Notifier interface {
	Send(ctx context.Context, cfg models.AlertsConfig, alerts []models.Alert) error
}

// Deps are the orchestrator's collaborators. Explicit so tests can swap any
// of them; no globals.
type Deps struct {
	SignIns   SignInSource
	SecAlerts SecurityAlertSource
	Audit     AuditLogSource
	Store     ConfigStore
	State     StateStore
	Rules     RuleSource
	Sink      AlertSink
	Notifier  Notifier
}

// Options tune window selection.
type Options struct {
	Lookback    time.Duration
	MaxLookback time.Duration
}

// Poller executes one polling run per schedule tick: window selection,
// per-tenant fan-out, rule evaluation, alert-state processing, sink upload,
// notification, state sweep, and the run summary.
type Poller struct {
	deps Deps
	opts Options
	now  func() time.Time
}

// New builds a poller. Zero option fields take the spec defaults.
func New(deps Deps, opts Options) *Poller {
	if opts.Lookback <= 0 {
		opts.Lookback = DefaultLookback
	}
	if opts.MaxLookback <= 0 || opts.MaxLookback < opts.Lookback {
		opts.MaxLookback = MaxLookback
	}
	return &Poller{deps: deps, opts: opts, now: time.Now}
}

// WithClock overrides the poller's clock, used by tests.
func (p *Poller) WithClock(now func() time.Time) *Poller {
	p.now = now
	return p
}

// selectWindow picks the half-open fetch window [since, until) for a
// tenant. A tenant with no watermark looks back the default; a stale
// watermark is floored at now minus the maximum lookback.
func (p *Poller) selectWindow(lastPoll *time.Time, now time.Time) (since, until time.Time) {
	until = now
	floor := now.Add(-p.opts.MaxLookback)
	if lastPoll == nil {
		return now.Add(-p.opts.Lookback), until
	}
	since = *lastPoll
	if since.Before(floor) {
		since = floor
	}
	return since, until
}

// Run executes one polling run. Per-tenant failures never abort the run;
// only missing configuration or a broken rule catalog are fatal to a tick.
func (p *Poller) Run(ctx context.Context) error {
	start := p.now()
	log.Info().Time("start", start).Msg("Polling run started")

	summary := models.RunSummary{StartTime: start, Status: models.RunStatusSuccess}

	ruleset, err := p.deps.Rules.Load()
	if err != nil {
		return p.finishRun(ctx, summary, models.RunStatusError, err)
	}

	tenants, err := p.deps.Store.ListTenants(ctx)
	if err != nil {
		return p.finishRun(ctx, summary, models.RunStatusError, err)
	}
	summary.ClientsChecked = len(tenants)

	partial := false
	var batch []models.Alert
	for _, tenant := range tenants {
		processed, alerts, tenantErr := p.runTenant(ctx, tenant, ruleset)
		summary.EventsProcessed += processed
		batch = append(batch, alerts...)

		if tenantErr != nil {
			partial = true
			p.recordTenantFailure(ctx, tenant, tenantErr)
			continue
		}

		// Success is the only path that advances the watermark.
		until := p.now()
		if err := p.deps.Store.MarkTenantSuccess(ctx, tenant.ID, until); err != nil {
			log.Error().Err(err).Str("tenantId", tenant.ID).Msg("Failed to record tenant success")
			partial = true
		}
	}
	summary.AlertsGenerated = len(batch)

	if err := p.deps.Sink.Upload(ctx, batch); err != nil {
		log.Error().Err(err).Int("alerts", len(batch)).Msg("Sink ingestion failed; alerts will not be queryable")
		partial = true
	}

	cfg, err := p.deps.Store.GetAlertsConfig(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load alerts config, skipping notification")
		partial = true
	} else if err := p.deps.Notifier.Send(ctx, cfg, batch); err != nil {
		log.Error().Err(err).Msg("Notification delivery failed")
		partial = true
	}

	if _, err := p.deps.State.Sweep(ctx, p.now()); err != nil {
		log.Warn().Err(err).Msg("Alert-state sweep failed")
	}
	if _, err := p.deps.Store.SweepRunHistory(ctx, p.now(), 0); err != nil {
		log.Warn().Err(err).Msg("Run-history sweep failed")
	}

	status := models.RunStatusSuccess
	if partial {
		status = models.RunStatusPartial
	}
	return p.finishRun(ctx, summary, status, nil)
}

func (p *Poller) finishRun(ctx context.Context, summary models.RunSummary, status models.RunStatus, runErr error) error {
	end := p.now()
	summary.EndTime = end
	summary.DurationMs = end.Sub(summary.StartTime).Milliseconds()
	summary.Status = status
	if runErr != nil {
		summary.ErrorMessage = apperrors.Truncate(runErr.Error(), 512)
	}

	if err := p.deps.Store.AppendRunSummary(ctx, summary); err != nil {
		log.Error().Err(err).Msg("Failed to persist run summary")
	}

	telemetry.RunsTotal.WithLabelValues(string(status)).Inc()
	telemetry.RunDuration.Observe(end.Sub(summary.StartTime).Seconds())

	log.Info().
		Str("status", string(status)).
		Int("tenants", summary.ClientsChecked).
		Int("events", summary.EventsProcessed).
		Int("alerts", summary.AlertsGenerated).
		Dur("duration", end.Sub(summary.StartTime)).
		Msg("Polling run finished")
	return runErr
}

func (p *Poller) recordTenantFailure(ctx context.Context, tenant models.Tenant, tenantErr error) {
	class := apperrors.ClassOf(tenantErr)
	status := class.TenantStatus()
	message := apperrors.Truncate(tenantErr.Error(), 512)

	telemetry.TenantFailures.WithLabelValues(string(class)).Inc()
	log.Warn().
		Err(tenantErr).
		Str("tenantId", tenant.ID).
		Str("tenant", tenant.Name).
		Str("status", string(status)).
		Msg("Tenant run failed; window will be retried next tick")

	if err := p.deps.Store.UpdateTenantStatus(ctx, tenant.ID, status, message); err != nil {
		log.Error().Err(err).Str("tenantId", tenant.ID).Msg("Failed to record tenant status")
	}
}

// runTenant fetches the tenant's window from the three sources
// concurrently, evaluates every event, and returns the produced alerts.
// The returned error is the tenant's classified failure, if any; an
// audit-disabled tenant still yields alerts from the other two sources.
func (p *Poller) runTenant(ctx context.Context, tenant models.Tenant, ruleset []rules.Rule) (int, []models.Alert, error) {
	now := p.now()
	since, until := p.selectWindow(tenant.LastPoll, now)

	log.Debug().
		Str("tenantId", tenant.ID).
		Time("since", since).
		Time("until", until).
		Msg("Fetching tenant window")

	var (
		signIns, secAlerts, audits  []map[string]any
		signInErr, secErr, auditErr error
	)

	// Within a tenant the three fetches run concurrently and the run waits
	// for all of them; errors are collected per source, not short-circuited.
	var g errgroup.Group
	g.Go(func() error {
		signIns, signInErr = p.deps.SignIns.FetchSignIns(ctx, tenant.ID, since)
		return nil
	})
	g.Go(func() error {
		secAlerts, secErr = p.deps.SecAlerts.FetchSecurityAlerts(ctx, tenant.ID, since)
		return nil
	})
	g.Go(func() error {
		audits, auditErr = p.deps.Audit.FetchAuditEvents(ctx, tenant.ID, since, until)
		return nil
	})
	_ = g.Wait()

	if signInErr != nil {
		return 0, nil, apperrors.Classify("fetch_signins", tenant.ID, signInErr)
	}
	if secErr != nil {
		return 0, nil, apperrors.Classify("fetch_security_alerts", tenant.ID, secErr)
	}

	// An audit-disabled tenant skips the audit feed only; the remaining
	// sources are still evaluated so their detections are not lost.
	var pendingErr error
	if auditErr != nil {
		classified := apperrors.Classify("fetch_audit", tenant.ID, auditErr)
		if classified.Class != apperrors.ClassAuditLogDisabled {
			return 0, nil, classified
		}
		pendingErr = classified
		audits = nil
	}

	processed := 0
	var alerts []models.Alert
	for _, sourceEvents := range []struct {
		source models.SourceType
		events []map[string]any
	}{
		{models.SourceSignIn, signIns},
		{models.SourceSecurityAlert, secAlerts},
		{models.SourceAuditLog, audits},
	} {
		for _, event := range sourceEvents.events {
			processed++
			telemetry.EventsProcessed.WithLabelValues(string(sourceEvents.source)).Inc()

			matched := rules.Evaluate(event, sourceEvents.source, ruleset, tenant.ID)
			if matched == nil {
				continue
			}
			if alert := p.processMatch(ctx, tenant, matched, sourceEvents.source, event); alert != nil {
				alerts = append(alerts, *alert)
			}
		}
	}

	return processed, alerts, pendingErr
}

// processMatch drives a matched event through the dedup and throttle
// layers. State operations are best-effort: a read error counts as "entry
// absent" and a write error never drops the alert — at-least-once delivery
// is preferred over silence.
func (p *Poller) processMatch(ctx context.Context, tenant models.Tenant, rule *rules.Rule, source models.SourceType, event map[string]any) *models.Alert {
	now := p.now()
	user := actingUser(source, event)
	eventTime := eventTimestamp(source, event, now)

	duplicate, err := p.deps.State.IsDuplicate(ctx, tenant.ID, rule.Name, user, eventTime)
	if err != nil {
		log.Warn().Err(err).Str("rule", rule.Name).Msg("Dedup lookup failed, treating as new")
		duplicate = false
	}
	if duplicate {
		telemetry.AlertsSuppressed.Inc()
		log.Debug().
			Str("tenantId", tenant.ID).
			Str("rule", rule.Name).
			Str("user", user).
			Msg("Duplicate alert suppressed")
		return nil
	}

	if err := p.deps.State.RecordEvent(ctx, tenant.ID, rule.Name, user, eventTime); err != nil {
		log.Warn().Err(err).Str("rule", rule.Name).Msg("Dedup record failed, alert proceeds")
	}

	shouldNotify := true
	if rule.Severity != models.SeverityCritical {
		notified, err := p.deps.State.WasNotifiedRecently(ctx, tenant.ID, rule.Name, user, now)
		if err != nil {
			log.Warn().Err(err).Str("rule", rule.Name).Msg("Throttle lookup failed, treating as not notified")
			notified = false
		}
		shouldNotify = !notified
	}
	if shouldNotify {
		if err := p.deps.State.RecordNotification(ctx, tenant.ID, rule.Name, user, now); err != nil {
			log.Warn().Err(err).Str("rule", rule.Name).Msg("Throttle record failed, alert proceeds")
		}
	}

	telemetry.AlertsGenerated.WithLabelValues(string(rule.Severity)).Inc()

	return &models.Alert{
		ID:            ulid.Make().String(),
		TimeGenerated: eventTime,
		TimeProcessed: now,
		TenantID:      tenant.ID,
		TenantName:    tenant.Name,
		User:          user,
		RuleName:      rule.Name,
		Severity:      rule.Severity,
		Description:   rule.Description,
		Source:        source,
		SourceEventID: eventID(source, event),
		RawSummary:    rawSummary(source, event),
		ShouldNotify:  shouldNotify,
	}
}

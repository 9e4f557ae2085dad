package poller

import (
	"context"
	"errors"
	"testing"
	"time"

	apperrors "github.com/argus-sec/argus/internal/errors"
	"github.com/argus-sec/argus/internal/models"
	"github.com/argus-sec/argus/internal/rules"
)

// fakeSources serves canned events per tenant and per source, or a canned
// error.
type fakeSources struct {
	signIns   map[string][]map[string]any
	secAlerts map[string][]map[string]any
	audits    map[string][]map[string]any

	signInErr map[string]error
	secErr    map[string]error
	auditErr  map[string]error
}

func (f *fakeSources) FetchSignIns(_ context.Context, tenantID string, _ time.Time) ([]map[string]any, error) {
	if err := f.signInErr[tenantID]; err != nil {
		return nil, err
	}
	return f.signIns[tenantID], nil
}

func (f *fakeSources) FetchSecurityAlerts(_ context.Context, tenantID string, _ time.Time) ([]map[string]any, error) {
	if err := f.secErr[tenantID]; err != nil {
		return nil, err
	}
	return f.secAlerts[tenantID], nil
}

func (f *fakeSources) FetchAuditEvents(_ context.Context, tenantID string, _, _ time.Time) ([]map[string]any, error) {
	if err := f.auditErr[tenantID]; err != nil {
		return nil, err
	}
	return f.audits[tenantID], nil
}

// fakeConfigStore records status transitions and run summaries in memory.
type fakeConfigStore struct {
	tenants   []models.Tenant
	listErr   error
	alertsCfg models.AlertsConfig

	statuses  map[string]models.TenantStatus
	messages  map[string]string
	successes map[string]time.Time
	summaries []models.RunSummary
}

func newFakeConfigStore(tenants ...models.Tenant) *fakeConfigStore {
	return &fakeConfigStore{
		tenants:   tenants,
		statuses:  map[string]models.TenantStatus{},
		messages:  map[string]string{},
		successes: map[string]time.Time{},
	}
}

func (f *fakeConfigStore) ListTenants(context.Context) ([]models.Tenant, error) {
	return f.tenants, f.listErr
}

func (f *fakeConfigStore) UpdateTenantStatus(_ context.Context, id string, status models.TenantStatus, message string) error {
	f.statuses[id] = status
	f.messages[id] = message
	return nil
}

func (f *fakeConfigStore) MarkTenantSuccess(_ context.Context, id string, lastPoll time.Time) error {
	f.statuses[id] = models.TenantStatusSuccess
	f.successes[id] = lastPoll
	return nil
}

func (f *fakeConfigStore) GetAlertsConfig(context.Context) (models.AlertsConfig, error) {
	return f.alertsCfg, nil
}

func (f *fakeConfigStore) AppendRunSummary(_ context.Context, summary models.RunSummary) error {
	f.summaries = append(f.summaries, summary)
	return nil
}

func (f *fakeConfigStore) SweepRunHistory(context.Context, time.Time, time.Duration) (int64, error) {
	return 0, nil
}

// fakeStateStore is a map-backed rendition of the dedup and throttle tables.
type fakeStateStore struct {
	events   map[string]time.Time
	notified map[string]time.Time
}

func newFakeStateStore() *fakeStateStore {
	return &fakeStateStore{
		events:   map[string]time.Time{},
		notified: map[string]time.Time{},
	}
}

func stateKey(tenantID, ruleName, user string) string {
	return tenantID + "|" + ruleName + "|" + user
}

func (f *fakeStateStore) IsDuplicate(_ context.Context, tenantID, ruleName, user string, eventTime time.Time) (bool, error) {
	stored, ok := f.events[stateKey(tenantID, ruleName, user)]
	if !ok {
		return false, nil
	}
	delta := eventTime.Sub(stored)
	if delta < 0 {
		delta = -delta
	}
	return delta < 5*time.Minute, nil
}

func (f *fakeStateStore) RecordEvent(_ context.Context, tenantID, ruleName, user string, eventTime time.Time) error {
	f.events[stateKey(tenantID, ruleName, user)] = eventTime
	return nil
}

func (f *fakeStateStore) WasNotifiedRecently(_ context.Context, tenantID, ruleName, user string, now time.Time) (bool, error) {
	last, ok := f.notified[stateKey(tenantID, ruleName, user)]
	if !ok {
		return false, nil
	}
	return now.Sub(last) < 60*time.Minute, nil
}

func (f *fakeStateStore) RecordNotification(_ context.Context, tenantID, ruleName, user string, now time.Time) error {
	f.notified[stateKey(tenantID, ruleName, user)] = now
	return nil
}

func (f *fakeStateStore) Sweep(context.Context, time.Time) (int64, error) {
	return 0, nil
}

type fakeRuleSource struct {
	rules []rules.Rule
	err   error
}

func (f *fakeRuleSource) Load() ([]rules.Rule, error) {
	return f.rules, f.err
}

type fakeSink struct {
	uploaded []models.Alert
	err      error
}

func (f *fakeSink) Upload(_ context.Context, alerts []models.Alert) error {
	f.uploaded = append(f.uploaded, alerts...)
	return f.err
}

type fakeNotifier struct {
	sent []models.Alert
	err  error
}

func (f *fakeNotifier) Send(_ context.Context, _ models.AlertsConfig, alerts []models.Alert) error {
	f.sent = append(f.sent, alerts...)
	return f.err
}

func riskySignInRule(severity models.Severity) rules.Rule {
	return rules.Rule{
		ID:          "signin/risky",
		Name:        "Risky sign-in",
		Description: "Sign-in flagged high risk",
		Severity:    severity,
		Enabled:     true,
		Source:      models.SourceSignIn,
		Conditions: rules.ConditionSet{
			Match: rules.MatchAll,
			Rules: []rules.Condition{
				{Field: "riskLevelAggregated", Operator: rules.OpEquals, Value: "high"},
			},
		},
	}
}

func riskySignInEvent(user string, when time.Time) map[string]any {
	return map[string]any{
		"id":                  "evt-" + user,
		"userPrincipalName":   user,
		"riskLevelAggregated": "high",
		"createdDateTime":     when.Format(time.RFC3339),
	}
}

type testHarness struct {
	sources  *fakeSources
	store    *fakeConfigStore
	state    *fakeStateStore
	ruleSrc  *fakeRuleSource
	sink     *fakeSink
	notifier *fakeNotifier
	poller   *Poller
}

func newHarness(now time.Time, store *fakeConfigStore, sources *fakeSources, ruleset ...rules.Rule) *testHarness {
	h := &testHarness{
		sources:  sources,
		store:    store,
		state:    newFakeStateStore(),
		ruleSrc:  &fakeRuleSource{rules: ruleset},
		sink:     &fakeSink{},
		notifier: &fakeNotifier{},
	}
	h.poller = New(Deps{
		SignIns:   h.sources,
		SecAlerts: h.sources,
		Audit:     h.sources,
		Store:     h.store,
		State:     h.state,
		Rules:     h.ruleSrc,
		Sink:      h.sink,
		Notifier:  h.notifier,
	}, Options{}).WithClock(func() time.Time { return now })
	return h
}

func TestSelectWindow(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	p := New(Deps{}, Options{})

	recent := now.Add(-10 * time.Minute)
	stale := now.Add(-24 * time.Hour)

	tests := []struct {
		name      string
		lastPoll  *time.Time
		wantSince time.Time
	}{
		{"no watermark uses default lookback", nil, now.Add(-DefaultLookback)},
		{"recent watermark resumes exactly", &recent, recent},
		{"stale watermark clamps to max lookback", &stale, now.Add(-MaxLookback)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			since, until := p.selectWindow(tt.lastPoll, now)
			if !since.Equal(tt.wantSince) {
				t.Errorf("since = %v, want %v", since, tt.wantSince)
			}
			if !until.Equal(now) {
				t.Errorf("until = %v, want %v", until, now)
			}
		})
	}
}

func TestRunTenantIsolation(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	store := newFakeConfigStore(
		models.Tenant{ID: "tenant-broken", Name: "Broken"},
		models.Tenant{ID: "tenant-ok", Name: "Healthy"},
	)
	sources := &fakeSources{
		signInErr: map[string]error{
			"tenant-broken": errors.New("oauth2: AADSTS700016: Application not found"),
		},
		signIns: map[string][]map[string]any{
			"tenant-ok": {riskySignInEvent("alice@contoso.com", now.Add(-time.Minute))},
		},
	}
	h := newHarness(now, store, sources, riskySignInRule(models.SeverityHigh))

	if err := h.poller.Run(context.Background()); err != nil {
		t.Fatalf("Run returned %v", err)
	}

	// The broken tenant was classified and recorded; the healthy one alerted.
	if got := store.statuses["tenant-broken"]; got != models.TenantStatusAppNotConsented {
		t.Errorf("broken tenant status = %q, want appNotConsented", got)
	}
	if _, advanced := store.successes["tenant-broken"]; advanced {
		t.Error("broken tenant watermark must not advance")
	}
	if got := store.statuses["tenant-ok"]; got != models.TenantStatusSuccess {
		t.Errorf("healthy tenant status = %q, want success", got)
	}
	if _, advanced := store.successes["tenant-ok"]; !advanced {
		t.Error("healthy tenant watermark should advance")
	}

	if len(h.sink.uploaded) != 1 {
		t.Fatalf("uploaded %d alerts, want 1", len(h.sink.uploaded))
	}
	alert := h.sink.uploaded[0]
	if alert.TenantID != "tenant-ok" || alert.RuleName != "Risky sign-in" || !alert.ShouldNotify {
		t.Errorf("unexpected alert: %+v", alert)
	}

	if len(store.summaries) != 1 {
		t.Fatalf("recorded %d summaries, want 1", len(store.summaries))
	}
	summary := store.summaries[0]
	if summary.Status != models.RunStatusPartial {
		t.Errorf("run status = %q, want partial", summary.Status)
	}
	if summary.ClientsChecked != 2 || summary.AlertsGenerated != 1 {
		t.Errorf("summary = %+v", summary)
	}
}

func TestRunAuditDisabledKeepsOtherSources(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	store := newFakeConfigStore(models.Tenant{ID: "tenant-1", Name: "Contoso"})
	sources := &fakeSources{
		signIns: map[string][]map[string]any{
			"tenant-1": {riskySignInEvent("alice@contoso.com", now.Add(-time.Minute))},
		},
		auditErr: map[string]error{
			"tenant-1": apperrors.New(apperrors.ClassAuditLogDisabled, "start_subscription", "tenant-1",
				errors.New("AF20023: unified audit log not enabled")),
		},
	}
	h := newHarness(now, store, sources, riskySignInRule(models.SeverityHigh))

	if err := h.poller.Run(context.Background()); err != nil {
		t.Fatalf("Run returned %v", err)
	}

	// Sign-in detections survive the disabled audit feed.
	if len(h.sink.uploaded) != 1 {
		t.Fatalf("uploaded %d alerts, want 1", len(h.sink.uploaded))
	}
	if got := store.statuses["tenant-1"]; got != models.TenantStatusAuditLogDisabled {
		t.Errorf("tenant status = %q, want auditLogDisabled", got)
	}
	if _, advanced := store.successes["tenant-1"]; advanced {
		t.Error("watermark must not advance on a degraded tenant")
	}
	if store.summaries[0].Status != models.RunStatusPartial {
		t.Errorf("run status = %q, want partial", store.summaries[0].Status)
	}
}

func TestRunDedupSuppressesRepeats(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	event := riskySignInEvent("alice@contoso.com", now.Add(-time.Minute))
	repeat := riskySignInEvent("alice@contoso.com", now.Add(-time.Minute+30*time.Second))
	store := newFakeConfigStore(models.Tenant{ID: "tenant-1", Name: "Contoso"})
	sources := &fakeSources{
		signIns: map[string][]map[string]any{"tenant-1": {event, repeat}},
	}
	h := newHarness(now, store, sources, riskySignInRule(models.SeverityHigh))

	if err := h.poller.Run(context.Background()); err != nil {
		t.Fatalf("Run returned %v", err)
	}

	if len(h.sink.uploaded) != 1 {
		t.Errorf("uploaded %d alerts, want 1 (repeat suppressed)", len(h.sink.uploaded))
	}
	if store.summaries[0].EventsProcessed != 2 {
		t.Errorf("processed %d events, want 2", store.summaries[0].EventsProcessed)
	}
}

func TestRunThrottleMarksRepeatNotifications(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	store := newFakeConfigStore(models.Tenant{ID: "tenant-1", Name: "Contoso"})
	sources := &fakeSources{
		signIns: map[string][]map[string]any{
			"tenant-1": {
				riskySignInEvent("alice@contoso.com", now.Add(-30*time.Minute)),
				riskySignInEvent("alice@contoso.com", now.Add(-10*time.Minute)),
			},
		},
	}
	h := newHarness(now, store, sources, riskySignInRule(models.SeverityHigh))

	if err := h.poller.Run(context.Background()); err != nil {
		t.Fatalf("Run returned %v", err)
	}

	// Events 20 minutes apart clear dedup but hit the notification throttle.
	if len(h.sink.uploaded) != 2 {
		t.Fatalf("uploaded %d alerts, want 2", len(h.sink.uploaded))
	}
	if !h.sink.uploaded[0].ShouldNotify {
		t.Error("first alert should notify")
	}
	if h.sink.uploaded[1].ShouldNotify {
		t.Error("second alert within the window should be throttled")
	}
}

func TestRunCriticalBypassesThrottle(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	store := newFakeConfigStore(models.Tenant{ID: "tenant-1", Name: "Contoso"})
	sources := &fakeSources{
		signIns: map[string][]map[string]any{
			"tenant-1": {
				riskySignInEvent("alice@contoso.com", now.Add(-30*time.Minute)),
				riskySignInEvent("alice@contoso.com", now.Add(-10*time.Minute)),
			},
		},
	}
	h := newHarness(now, store, sources, riskySignInRule(models.SeverityCritical))

	if err := h.poller.Run(context.Background()); err != nil {
		t.Fatalf("Run returned %v", err)
	}

	if len(h.sink.uploaded) != 2 {
		t.Fatalf("uploaded %d alerts, want 2", len(h.sink.uploaded))
	}
	for i, alert := range h.sink.uploaded {
		if !alert.ShouldNotify {
			t.Errorf("critical alert %d should always notify", i)
		}
	}
}

func TestRunRuleLoadFailureIsFatal(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	store := newFakeConfigStore(models.Tenant{ID: "tenant-1", Name: "Contoso"})
	h := newHarness(now, store, &fakeSources{})
	h.ruleSrc.err = errors.New("catalog unreadable")

	if err := h.poller.Run(context.Background()); err == nil {
		t.Fatal("expected Run to fail")
	}
	if len(store.summaries) != 1 || store.summaries[0].Status != models.RunStatusError {
		t.Errorf("summaries = %+v, want one error summary", store.summaries)
	}
	if len(h.sink.uploaded) != 0 {
		t.Error("no alerts should be uploaded on a failed run")
	}
}

func TestRunSinkFailureDegradesToPartial(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	store := newFakeConfigStore(models.Tenant{ID: "tenant-1", Name: "Contoso"})
	sources := &fakeSources{
		signIns: map[string][]map[string]any{
			"tenant-1": {riskySignInEvent("alice@contoso.com", now.Add(-time.Minute))},
		},
	}
	h := newHarness(now, store, sources, riskySignInRule(models.SeverityHigh))
	h.sink.err = errors.New("ingestion endpoint unavailable")

	if err := h.poller.Run(context.Background()); err != nil {
		t.Fatalf("Run returned %v", err)
	}

	if store.summaries[0].Status != models.RunStatusPartial {
		t.Errorf("run status = %q, want partial", store.summaries[0].Status)
	}
	// The tenant itself still succeeded.
	if got := store.statuses["tenant-1"]; got != models.TenantStatusSuccess {
		t.Errorf("tenant status = %q, want success", got)
	}
}

func TestRunNoTenantsNoAlerts(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	store := newFakeConfigStore()
	h := newHarness(now, store, &fakeSources{}, riskySignInRule(models.SeverityHigh))

	if err := h.poller.Run(context.Background()); err != nil {
		t.Fatalf("Run returned %v", err)
	}
	if store.summaries[0].Status != models.RunStatusSuccess {
		t.Errorf("run status = %q, want success", store.summaries[0].Status)
	}
	if store.summaries[0].ClientsChecked != 0 {
		t.Errorf("clients checked = %d, want 0", store.summaries[0].ClientsChecked)
	}
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/argus-sec/argus/internal/models"
)

// DefaultRunHistoryRetention is how long run summaries are kept. Retention
// below 30 days loses the trail operators rely on for incident review.
const DefaultRunHistoryRetention = 90 * 24 * time.Hour

// rowKeyWidth fits math.MaxInt64 in decimal so inverted keys sort correctly.
const rowKeyWidth = 19

// Store holds engine configuration: the monitored tenants, the alert
// delivery settings, and the run history.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open creates or opens the configuration database under dataDir.
func Open(dataDir string) (*Store, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "argus.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open configuration database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize configuration schema: %w", err)
	}

	log.Info().Str("dbPath", dbPath).Msg("Configuration store opened")
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tenants (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		last_poll INTEGER,
		status TEXT NOT NULL DEFAULT 'unknown',
		status_message TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS alerts_config (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		enabled INTEGER NOT NULL DEFAULT 0,
		webhook_url TEXT NOT NULL DEFAULT '',
		minimum_severity TEXT NOT NULL DEFAULT 'Medium'
	);

	CREATE TABLE IF NOT EXISTS run_history (
		row_key TEXT PRIMARY KEY,
		start_time INTEGER NOT NULL,
		end_time INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		clients_checked INTEGER NOT NULL,
		events_processed INTEGER NOT NULL,
		alerts_generated INTEGER NOT NULL,
		status TEXT NOT NULL,
		error_message TEXT NOT NULL DEFAULT ''
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// ListTenants returns all monitored tenants. Placeholder rows carrying the
// reserved all-zeros tenant id are filtered out.
func (s *Store) ListTenants(ctx context.Context) ([]models.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, last_poll, status, status_message FROM tenants ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []models.Tenant
	for rows.Next() {
		var t models.Tenant
		var lastPoll sql.NullInt64
		var status string
		if err := rows.Scan(&t.ID, &t.Name, &lastPoll, &status, &t.StatusMessage); err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		if t.ID == uuid.Nil.String() {
			continue
		}
		if lastPoll.Valid {
			poll := time.UnixMilli(lastPoll.Int64)
			t.LastPoll = &poll
		}
		t.Status = models.TenantStatus(status)
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

// UpsertTenant adds or renames a monitored tenant. The id must be a UUID.
func (s *Store) UpsertTenant(ctx context.Context, id, name string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("invalid tenant id %q: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenants (id, name, status, created_at)
		VALUES (?, ?, 'unknown', ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name`,
		id, name, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to upsert tenant: %w", err)
	}
	return nil
}

// RemoveTenant deletes a tenant from the monitored set.
func (s *Store) RemoveTenant(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `DELETE FROM tenants WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to remove tenant: %w", err)
	}
	return nil
}

// UpdateTenantStatus records the terminal outcome of a tenant's run.
// The watermark is untouched, so a failing tenant retries the same window.
func (s *Store) UpdateTenantStatus(ctx context.Context, id string, status models.TenantStatus, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`UPDATE tenants SET status = ?, status_message = ? WHERE id = ?`,
		string(status), message, id)
	if err != nil {
		return fmt.Errorf("failed to update tenant status: %w", err)
	}
	return nil
}

// MarkTenantSuccess advances the tenant's watermark and sets status success.
func (s *Store) MarkTenantSuccess(ctx context.Context, id string, lastPoll time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`UPDATE tenants SET last_poll = ?, status = ?, status_message = '' WHERE id = ?`,
		lastPoll.UnixMilli(), string(models.TenantStatusSuccess), id)
	if err != nil {
		return fmt.Errorf("failed to mark tenant success: %w", err)
	}
	return nil
}

// GetAlertsConfig returns the alert delivery configuration, defaulting to
// disabled when none has been stored.
func (s *Store) GetAlertsConfig(ctx context.Context) (models.AlertsConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cfg models.AlertsConfig
	var enabled int
	var severity string
	err := s.db.QueryRowContext(ctx,
		`SELECT enabled, webhook_url, minimum_severity FROM alerts_config WHERE id = 1`,
	).Scan(&enabled, &cfg.WebhookURL, &severity)
	if errors.Is(err, sql.ErrNoRows) {
		return models.AlertsConfig{MinimumSeverity: models.SeverityMedium}, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("failed to read alerts config: %w", err)
	}

	cfg.Enabled = enabled == 1
	if parsed, ok := models.ParseSeverity(severity); ok {
		cfg.MinimumSeverity = parsed
	} else {
		cfg.MinimumSeverity = models.SeverityMedium
	}
	return cfg, nil
}

// SetAlertsConfig stores the alert delivery configuration.
func (s *Store) SetAlertsConfig(ctx context.Context, cfg models.AlertsConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	enabled := 0
	if cfg.Enabled {
		enabled = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alerts_config (id, enabled, webhook_url, minimum_severity)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			enabled = excluded.enabled,
			webhook_url = excluded.webhook_url,
			minimum_severity = excluded.minimum_severity`,
		enabled, cfg.WebhookURL, string(cfg.MinimumSeverity))
	if err != nil {
		return fmt.Errorf("failed to store alerts config: %w", err)
	}
	return nil
}

// RunRowKey inverts the start timestamp and zero-pads it so ascending
// row-key iteration yields newest-first retrieval.
func RunRowKey(startTime time.Time) string {
	return fmt.Sprintf("%0*d", rowKeyWidth, math.MaxInt64-startTime.UnixMilli())
}

// AppendRunSummary persists one run's summary row.
func (s *Store) AppendRunSummary(ctx context.Context, summary models.RunSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO run_history
			(row_key, start_time, end_time, duration_ms, clients_checked, events_processed, alerts_generated, status, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		RunRowKey(summary.StartTime),
		summary.StartTime.UnixMilli(),
		summary.EndTime.UnixMilli(),
		summary.DurationMs,
		summary.ClientsChecked,
		summary.EventsProcessed,
		summary.AlertsGenerated,
		string(summary.Status),
		summary.ErrorMessage)
	if err != nil {
		return fmt.Errorf("failed to append run summary: %w", err)
	}
	return nil
}

// ListRunSummaries returns run summaries newest-first.
func (s *Store) ListRunSummaries(ctx context.Context, limit int) ([]models.RunSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `SELECT start_time, end_time, duration_ms, clients_checked, events_processed, alerts_generated, status, error_message
		FROM run_history ORDER BY row_key ASC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list run history: %w", err)
	}
	defer rows.Close()

	var summaries []models.RunSummary
	for rows.Next() {
		var sum models.RunSummary
		var start, end int64
		var status string
		if err := rows.Scan(&start, &end, &sum.DurationMs, &sum.ClientsChecked,
			&sum.EventsProcessed, &sum.AlertsGenerated, &status, &sum.ErrorMessage); err != nil {
			return nil, fmt.Errorf("failed to scan run summary: %w", err)
		}
		sum.StartTime = time.UnixMilli(start)
		sum.EndTime = time.UnixMilli(end)
		sum.Status = models.RunStatus(status)
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}

// SweepRunHistory removes summaries older than the retention period.
func (s *Store) SweepRunHistory(ctx context.Context, now time.Time, retention time.Duration) (int64, error) {
	if retention <= 0 {
		retention = DefaultRunHistoryRetention
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM run_history WHERE start_time < ?`,
		now.Add(-retention).UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to sweep run history: %w", err)
	}
	removed, _ := res.RowsAffected()
	return removed, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

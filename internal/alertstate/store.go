package alertstate

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Suppression windows. Dedup compares event timestamps by absolute
// difference so out-of-order arrivals collapse symmetrically; the throttle
// compares the last notification against wall-clock now. Both bounds are
// strict: an interval of exactly the window admits the alert.
const (
	DedupWindow  = 5 * time.Minute
	NotifyWindow = 60 * time.Minute
)

// Store persists the two keyed alert-state tables. Entries older than their
// TTL are semantically absent; Sweep removes them eventually but lookups do
// not depend on it running. Safe for concurrent access from other processes
// because reads compare stored timestamps to a window and writes are
// idempotent upserts.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open creates or opens the alert-state database under dataDir.
func Open(dataDir string) (*Store, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "alertstate.db")

	// Pragmas in the DSN so every pool connection is configured
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open alert-state database: %w", err)
	}

	// SQLite works best with a single writer connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize alert-state schema: %w", err)
	}

	log.Info().Str("dbPath", dbPath).Msg("Alert-state store opened")
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS dedup_state (
		tenant_id TEXT NOT NULL,
		key_hash TEXT NOT NULL,
		event_time INTEGER NOT NULL,
		rule_name TEXT NOT NULL,
		actor TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (tenant_id, key_hash)
	);

	CREATE TABLE IF NOT EXISTS notify_state (
		tenant_id TEXT NOT NULL,
		key_hash TEXT NOT NULL,
		last_notified INTEGER NOT NULL,
		alert_count INTEGER NOT NULL DEFAULT 0,
		rule_name TEXT NOT NULL,
		actor TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (tenant_id, key_hash)
	);

	CREATE INDEX IF NOT EXISTS idx_dedup_updated ON dedup_state(updated_at);
	CREATE INDEX IF NOT EXISTS idx_notify_last ON notify_state(last_notified);
	`
	_, err := s.db.Exec(schema)
	return err
}

// StateKey derives the per-entry digest: a truncated cryptographic hash of
// the rule name and the lowercased acting user. An empty user hashes as the
// empty string, giving rules without an actor a single per-tenant slot.
func StateKey(ruleName, user string) string {
	sum := sha256.Sum256([]byte(ruleName + "|" + strings.ToLower(user)))
	return hex.EncodeToString(sum[:])[:32]
}

// IsDuplicate reports whether an alert for the same (tenant, rule, user)
// was recorded with an event timestamp strictly within the dedup window of
// eventTime.
func (s *Store) IsDuplicate(ctx context.Context, tenantID, ruleName, user string, eventTime time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var storedMillis int64
	err := s.db.QueryRowContext(ctx,
		`SELECT event_time FROM dedup_state WHERE tenant_id = ? AND key_hash = ?`,
		tenantID, StateKey(ruleName, user),
	).Scan(&storedMillis)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup lookup failed: %w", err)
	}

	delta := eventTime.Sub(time.UnixMilli(storedMillis))
	if delta < 0 {
		delta = -delta
	}
	return delta < DedupWindow, nil
}

// RecordEvent upserts the dedup entry with the event's timestamp.
func (s *Store) RecordEvent(ctx context.Context, tenantID, ruleName, user string, eventTime time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dedup_state (tenant_id, key_hash, event_time, rule_name, actor, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, key_hash) DO UPDATE SET
			event_time = excluded.event_time,
			updated_at = excluded.updated_at`,
		tenantID, StateKey(ruleName, user), eventTime.UnixMilli(), ruleName, user, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("dedup record failed: %w", err)
	}
	return nil
}

// WasNotifiedRecently reports whether a notification for the same key went
// out strictly within the notification window of now.
func (s *Store) WasNotifiedRecently(ctx context.Context, tenantID, ruleName, user string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lastMillis int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_notified FROM notify_state WHERE tenant_id = ? AND key_hash = ?`,
		tenantID, StateKey(ruleName, user),
	).Scan(&lastMillis)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("notification lookup failed: %w", err)
	}

	return now.Sub(time.UnixMilli(lastMillis)) < NotifyWindow, nil
}

// RecordNotification upserts the throttle entry, setting last_notified to
// now and incrementing the alert counter (1 on first write). Last writer
// wins; intra-run calls are sequential so no contention arises.
func (s *Store) RecordNotification(ctx context.Context, tenantID, ruleName, user string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notify_state (tenant_id, key_hash, last_notified, alert_count, rule_name, actor)
		VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT(tenant_id, key_hash) DO UPDATE SET
			last_notified = excluded.last_notified,
			alert_count = notify_state.alert_count + 1`,
		tenantID, StateKey(ruleName, user), now.UnixMilli(), ruleName, user,
	)
	if err != nil {
		return fmt.Errorf("notification record failed: %w", err)
	}
	return nil
}

// Sweep deletes entries older than their table's TTL. Not required for
// correctness, but bounds storage between runs.
func (s *Store) Sweep(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM dedup_state WHERE updated_at < ?`,
		now.Add(-DedupWindow).UnixMilli(),
	)
	if err != nil {
		return removed, fmt.Errorf("dedup sweep failed: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		removed += n
	}

	res, err = s.db.ExecContext(ctx,
		`DELETE FROM notify_state WHERE last_notified < ?`,
		now.Add(-NotifyWindow).UnixMilli(),
	)
	if err != nil {
		return removed, fmt.Errorf("notification sweep failed: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		removed += n
	}

	if removed > 0 {
		log.Debug().Int64("removed", removed).Msg("Swept expired alert state")
	}
	return removed, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

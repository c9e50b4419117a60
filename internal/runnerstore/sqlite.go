// SPDX-License-Identifier: MIT

package runnerstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver (pure Go, no CGO)
)

// SQLiteStore persists runner snapshots in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath and runs the
// schema migration. WAL mode and a busy timeout keep concurrent webhook and
// sync writers from tripping over each other.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL", dbPath)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tenants (
		tenant_id TEXT PRIMARY KEY,
		org TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS runners (
		tenant_id TEXT NOT NULL,
		external_id TEXT NOT NULL,
		name TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'online' CHECK(status IN ('online', 'offline')),
		busy INTEGER NOT NULL DEFAULT 0,
		labels TEXT NOT NULL DEFAULT '[]',
		last_seen TEXT,
		last_checked TEXT,
		PRIMARY KEY (tenant_id, external_id)
	);

	CREATE INDEX IF NOT EXISTS idx_runners_tenant ON runners(tenant_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) EnsureTenant(ctx context.Context, tenant Tenant) error {
	query := `
	INSERT INTO tenants (tenant_id, org, created_at)
	VALUES (?, ?, ?)
	ON CONFLICT(tenant_id) DO UPDATE SET org = excluded.org
	`
	_, err := s.db.ExecContext(ctx, query, tenant.ID, tenant.Org, time.Now().UTC().Format(time.RFC3339))
	return err
}

func (s *SQLiteStore) Tenants(ctx context.Context) ([]Tenant, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tenant_id, org FROM tenants ORDER BY tenant_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var tenants []Tenant
	for rows.Next() {
		var t Tenant
		if err := rows.Scan(&t.ID, &t.Org); err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

func (s *SQLiteStore) List(ctx context.Context, tenantID string) ([]Snapshot, error) {
	query := `
	SELECT tenant_id, external_id, name, status, busy, labels, last_seen, last_checked
	FROM runners
	WHERE tenant_id = ?
	ORDER BY external_id
	`
	rows, err := s.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var snaps []Snapshot
	for rows.Next() {
		var snap Snapshot
		var busy int
		var labels string
		var lastSeen, lastChecked sql.NullString

		if err := rows.Scan(&snap.TenantID, &snap.ExternalID, &snap.Name, &snap.Status,
			&busy, &labels, &lastSeen, &lastChecked); err != nil {
			return nil, err
		}
		snap.Busy = busy != 0
		if err := json.Unmarshal([]byte(labels), &snap.Labels); err != nil {
			return nil, fmt.Errorf("decode labels for runner %s: %w", snap.ExternalID, err)
		}
		snap.LastSeen = parseTime(lastSeen)
		snap.LastChecked = parseTime(lastChecked)
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

func (s *SQLiteStore) Upsert(ctx context.Context, snap Snapshot) error {
	labels, err := json.Marshal(snap.Labels)
	if err != nil {
		return fmt.Errorf("encode labels: %w", err)
	}
	query := `
	INSERT INTO runners (tenant_id, external_id, name, status, busy, labels, last_seen, last_checked)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(tenant_id, external_id) DO UPDATE SET
		name = excluded.name,
		status = excluded.status,
		busy = excluded.busy,
		labels = excluded.labels,
		last_seen = excluded.last_seen,
		last_checked = excluded.last_checked
	`
	_, err = s.db.ExecContext(ctx, query,
		snap.TenantID, snap.ExternalID, snap.Name, snap.Status,
		boolToInt(snap.Busy), string(labels),
		formatTime(snap.LastSeen), formatTime(snap.LastChecked))
	return err
}

func (s *SQLiteStore) MarkOffline(ctx context.Context, tenantID, externalID string, checkedAt time.Time) error {
	query := `
	UPDATE runners SET status = 'offline', busy = 0, last_checked = ?
	WHERE tenant_id = ? AND external_id = ?
	`
	_, err := s.db.ExecContext(ctx, query, formatTime(checkedAt), tenantID, externalID)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s sql.NullString) time.Time {
	if !s.Valid {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return time.Time{}
	}
	return t
}

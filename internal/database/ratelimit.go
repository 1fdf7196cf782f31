package database

import (
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// GetCurrentWindow returns the open counting window for an identifier, or
// ErrNotFound when no window covers now.
func (db *DB) GetCurrentWindow(identifier, typ, tenantID string, now time.Time) (*RateLimitWindow, error) {
	var w RateLimitWindow
	err := db.conn.QueryRow(
		`SELECT id, identifier, type, tenant_id, requests, window_start, window_end, last_request
		FROM rate_limit_windows
		WHERE identifier = ? AND type = ? AND tenant_id = ? AND window_end > ?
		ORDER BY window_end DESC LIMIT 1`,
		identifier, typ, tenantID, now,
	).Scan(&w.ID, &w.Identifier, &w.Type, &w.TenantID, &w.Requests, &w.WindowStart, &w.WindowEnd, &w.LastRequest)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// CreateWindow opens a new counting window with one request recorded.
func (db *DB) CreateWindow(identifier, typ, tenantID string, start, end time.Time) error {
	_, err := db.conn.Exec(
		`INSERT INTO rate_limit_windows (identifier, type, tenant_id, requests, window_start, window_end, last_request)
		VALUES (?, ?, ?, 1, ?, ?, ?)`,
		identifier, typ, tenantID, start, end, start,
	)
	return err
}

// IncrementWindow bumps the request counter. Read-then-write racing is an
// accepted soft limit.
func (db *DB) IncrementWindow(id int64, now time.Time) error {
	_, err := db.conn.Exec(
		`UPDATE rate_limit_windows SET requests = requests + 1, last_request = ? WHERE id = ?`,
		now, id)
	return err
}

// PruneWindows removes windows that closed before cutoff.
func (db *DB) PruneWindows(cutoff time.Time) error {
	_, err := db.conn.Exec(`DELETE FROM rate_limit_windows WHERE window_end < ?`, cutoff)
	return err
}

func (db *DB) RecordViolation(identifier, typ, tenantID string) error {
	_, err := db.conn.Exec(
		`INSERT INTO rate_limit_violations (identifier, type, tenant_id) VALUES (?, ?, ?)`,
		identifier, typ, tenantID)
	return err
}

// CountRecentViolations counts violations for an identifier since the cutoff.
func (db *DB) CountRecentViolations(identifier, tenantID string, since time.Time) (int, error) {
	var n int
	err := db.conn.QueryRow(
		`SELECT COUNT(*) FROM rate_limit_violations
		WHERE identifier = ? AND tenant_id = ? AND created_at >= ?`,
		identifier, tenantID, since).Scan(&n)
	return n, err
}

// UpsertBlock creates or refreshes a block for an identifier. Repeat offenses
// extend the expiry and bump the attempts counter instead of inserting
// duplicate rows. A zero expiresAt stores NULL: the block is permanent.
func (db *DB) UpsertBlock(ip, tenantID, reason, severity string, expiresAt time.Time) error {
	now := time.Now()
	var expires any
	if !expiresAt.IsZero() {
		expires = expiresAt
	}
	_, err := db.conn.Exec(
		`INSERT INTO blocked_ips (id, ip, tenant_id, reason, severity, attempts, expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT(ip, tenant_id) DO UPDATE SET
			reason = excluded.reason,
			severity = excluded.severity,
			attempts = attempts + 1,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`,
		uuid.New().String(), ip, tenantID, reason, severity, expires, now, now,
	)
	return err
}

// GetActiveBlock returns an unexpired block for ip, checking the tenant row
// and the global (empty tenant) row. ErrNotFound when neither exists.
func (db *DB) GetActiveBlock(ip, tenantID string, now time.Time) (*BlockedIP, error) {
	var b BlockedIP
	var expires sql.NullTime
	err := db.conn.QueryRow(
		`SELECT id, ip, tenant_id, reason, severity, attempts, expires_at, created_at, updated_at
		FROM blocked_ips
		WHERE ip = ? AND (tenant_id = ? OR tenant_id = '')
		AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY tenant_id DESC LIMIT 1`,
		ip, tenantID, now,
	).Scan(&b.ID, &b.IP, &b.TenantID, &b.Reason, &b.Severity, &b.Attempts, &expires, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if expires.Valid {
		b.ExpiresAt = expires.Time
	}
	return &b, nil
}

func (db *DB) RemoveBlock(ip, tenantID string) error {
	_, err := db.conn.Exec(`DELETE FROM blocked_ips WHERE ip = ? AND tenant_id = ?`, ip, tenantID)
	return err
}

func (db *DB) AddWhitelist(w *WhitelistIP) error {
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	w.CreatedAt = time.Now()
	_, err := db.conn.Exec(
		`INSERT INTO whitelist_ips (id, ip, tenant_id, note, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(ip, tenant_id) DO NOTHING`,
		w.ID, w.IP, w.TenantID, w.Note, w.CreatedAt)
	return err
}

// IsWhitelisted reports whether ip is whitelisted globally or for the tenant.
func (db *DB) IsWhitelisted(ip, tenantID string) (bool, error) {
	var n int
	err := db.conn.QueryRow(
		`SELECT COUNT(*) FROM whitelist_ips WHERE ip = ? AND (tenant_id = ? OR tenant_id = '')`,
		ip, tenantID).Scan(&n)
	return n > 0, err
}

// GetTenantConfig resolves a config key for a tenant: the tenant-specific
// value wins over the global (empty tenant) value; ErrNotFound if neither
// row exists.
func (db *DB) GetTenantConfig(tenantID, key string) (string, error) {
	var value string
	err := db.conn.QueryRow(
		`SELECT value FROM tenant_config WHERE key = ? AND (tenant_id = ? OR tenant_id = '')
		ORDER BY tenant_id DESC LIMIT 1`,
		key, tenantID).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return value, err
}

func (db *DB) SetTenantConfig(tenantID, key, value string) error {
	_, err := db.conn.Exec(
		`INSERT INTO tenant_config (tenant_id, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(tenant_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		tenantID, key, value, time.Now())
	return err
}

package database

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

func (db *DB) CreateFingerprint(f *Fingerprint) error {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	now := time.Now()
	f.FirstSeen = now
	f.LastSeen = now
	if f.VisitCount == 0 {
		f.VisitCount = 1
	}

	languages, _ := json.Marshal(f.Languages)
	flags, _ := json.Marshal(f.Flags)
	features, _ := json.Marshal(f.Features)

	_, err := db.conn.Exec(
		`INSERT INTO fingerprints (id, fingerprint_hash, visitor_id,
		screen_width, screen_height, viewport_width, viewport_height, color_depth, pixel_ratio,
		timezone, timezone_offset, language, languages, platform, cores, memory,
		touch_support, cookies_enabled, webgl_vendor, webgl_renderer, webgl_supported,
		canvas_hash, audio_hash, plugin_count,
		mouse_movements, clicks, key_presses, scroll_events, features,
		risk_score, is_suspicious, flags, visit_count, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.Hash, f.VisitorID,
		f.ScreenWidth, f.ScreenHeight, f.ViewportWidth, f.ViewportHeight, f.ColorDepth, f.PixelRatio,
		f.Timezone, f.TimezoneOffset, f.Language, string(languages), f.Platform, f.Cores, f.Memory,
		f.TouchSupport, f.CookiesEnabled, f.WebGLVendor, f.WebGLRenderer, f.WebGLSupported,
		f.CanvasHash, f.AudioHash, f.PluginCount,
		f.MouseMovements, f.Clicks, f.KeyPresses, f.ScrollEvents, string(features),
		f.RiskScore, f.IsSuspicious, string(flags), f.VisitCount, f.FirstSeen, f.LastSeen,
	)
	return err
}

const fingerprintSelect = `SELECT id, fingerprint_hash, visitor_id,
	screen_width, screen_height, viewport_width, viewport_height, color_depth, pixel_ratio,
	timezone, timezone_offset, language, languages, platform, cores, memory,
	touch_support, cookies_enabled, webgl_vendor, webgl_renderer, webgl_supported,
	canvas_hash, audio_hash, plugin_count,
	mouse_movements, clicks, key_presses, scroll_events, features,
	risk_score, is_suspicious, flags, visit_count, first_seen, last_seen FROM fingerprints`

func (db *DB) GetFingerprintByHash(hash string) (*Fingerprint, error) {
	return db.scanFingerprint(db.conn.QueryRow(
		fingerprintSelect+` WHERE fingerprint_hash = ? ORDER BY last_seen DESC LIMIT 1`, hash))
}

func (db *DB) GetFingerprintByVisitorID(visitorID string) (*Fingerprint, error) {
	return db.scanFingerprint(db.conn.QueryRow(
		fingerprintSelect+` WHERE visitor_id = ? ORDER BY last_seen DESC LIMIT 1`, visitorID))
}

func (db *DB) scanFingerprint(row *sql.Row) (*Fingerprint, error) {
	var f Fingerprint
	var languages, flags, features string

	err := row.Scan(
		&f.ID, &f.Hash, &f.VisitorID,
		&f.ScreenWidth, &f.ScreenHeight, &f.ViewportWidth, &f.ViewportHeight, &f.ColorDepth, &f.PixelRatio,
		&f.Timezone, &f.TimezoneOffset, &f.Language, &languages, &f.Platform, &f.Cores, &f.Memory,
		&f.TouchSupport, &f.CookiesEnabled, &f.WebGLVendor, &f.WebGLRenderer, &f.WebGLSupported,
		&f.CanvasHash, &f.AudioHash, &f.PluginCount,
		&f.MouseMovements, &f.Clicks, &f.KeyPresses, &f.ScrollEvents, &features,
		&f.RiskScore, &f.IsSuspicious, &flags, &f.VisitCount, &f.FirstSeen, &f.LastSeen,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	json.Unmarshal([]byte(languages), &f.Languages)
	json.Unmarshal([]byte(flags), &f.Flags)
	json.Unmarshal([]byte(features), &f.Features)

	return &f, nil
}

// TouchFingerprint bumps visit_count and last_seen. Fire-and-forget from the
// request path; lost updates under race are acceptable.
func (db *DB) TouchFingerprint(id string) error {
	_, err := db.conn.Exec(
		`UPDATE fingerprints SET visit_count = visit_count + 1, last_seen = ? WHERE id = ?`,
		time.Now(), id)
	return err
}

// UpdateFingerprintAnalysis stores the risk analyzer's verdict on the row.
func (db *DB) UpdateFingerprintAnalysis(id string, riskScore int, suspicious bool, flagList []string) error {
	flags, _ := json.Marshal(flagList)
	_, err := db.conn.Exec(
		`UPDATE fingerprints SET risk_score = ?, is_suspicious = ?, flags = ? WHERE id = ?`,
		riskScore, suspicious, string(flags), id)
	return err
}

// RecordFingerprintIP remembers that hash was seen from ip.
func (db *DB) RecordFingerprintIP(hash, ip string) error {
	_, err := db.conn.Exec(
		`INSERT INTO fingerprint_ips (fingerprint_hash, ip, last_seen) VALUES (?, ?, ?)
		ON CONFLICT(fingerprint_hash, ip) DO UPDATE SET last_seen = excluded.last_seen`,
		hash, ip, time.Now())
	return err
}

// CountFingerprintIPs returns how many distinct IPs a hash has been seen from.
func (db *DB) CountFingerprintIPs(hash string) (int, error) {
	var n int
	err := db.conn.QueryRow(
		`SELECT COUNT(*) FROM fingerprint_ips WHERE fingerprint_hash = ?`, hash).Scan(&n)
	return n, err
}

// FingerprintVisitCount returns the total visits recorded for a hash.
func (db *DB) FingerprintVisitCount(hash string) (int, error) {
	var n sql.NullInt64
	err := db.conn.QueryRow(
		`SELECT SUM(visit_count) FROM fingerprints WHERE fingerprint_hash = ?`, hash).Scan(&n)
	if err != nil {
		return 0, err
	}
	return int(n.Int64), nil
}

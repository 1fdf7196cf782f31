package database

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/driftlane/cloakd/internal/config"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("database: not found")

// DB wraps the database connection
type DB struct {
	conn   *sql.DB
	config config.DatabaseConfig
}

// New creates a new database connection
func New(cfg config.DatabaseConfig) (*DB, error) {
	// Ensure directory exists for SQLite
	if cfg.Driver == "sqlite3" || cfg.Driver == "sqlite" {
		dir := filepath.Dir(cfg.DSN)
		if dir != "" && dir != "." && cfg.DSN != ":memory:" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	conn, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(cfg.MaxConns)
	conn.SetMaxIdleConns(cfg.MaxConns / 2)
	conn.SetConnMaxLifetime(time.Hour)

	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{conn: conn, config: cfg}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Migrate runs database migrations
func (db *DB) Migrate() error {
	migrations := []string{
		// Campaigns table
		`CREATE TABLE IF NOT EXISTS campaigns (
			id TEXT PRIMARY KEY,
			tenant_id TEXT DEFAULT '',
			name TEXT NOT NULL,
			slug TEXT UNIQUE NOT NULL,
			status TEXT DEFAULT 'draft',
			safe_page TEXT,
			money_page TEXT,
			settings TEXT DEFAULT '{}',
			rules TEXT DEFAULT '{}',
			total_hits INTEGER DEFAULT 0,
			bot_hits INTEGER DEFAULT 0,
			human_hits INTEGER DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		// Custom rule rows
		`CREATE TABLE IF NOT EXISTS rules (
			id TEXT PRIMARY KEY,
			campaign_id TEXT NOT NULL,
			name TEXT,
			type TEXT NOT NULL,
			field TEXT,
			operator TEXT NOT NULL,
			value TEXT,
			action TEXT NOT NULL,
			redirect_url TEXT DEFAULT '',
			priority INTEGER DEFAULT 0,
			active INTEGER DEFAULT 1,
			hits INTEGER DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (campaign_id) REFERENCES campaigns(id) ON DELETE CASCADE
		)`,

		// Fingerprints table
		`CREATE TABLE IF NOT EXISTS fingerprints (
			id TEXT PRIMARY KEY,
			fingerprint_hash TEXT,
			visitor_id TEXT,
			screen_width INTEGER DEFAULT 0,
			screen_height INTEGER DEFAULT 0,
			viewport_width INTEGER DEFAULT 0,
			viewport_height INTEGER DEFAULT 0,
			color_depth INTEGER DEFAULT 0,
			pixel_ratio REAL DEFAULT 0,
			timezone TEXT DEFAULT '',
			timezone_offset INTEGER DEFAULT 0,
			language TEXT DEFAULT '',
			languages TEXT DEFAULT '[]',
			platform TEXT DEFAULT '',
			cores INTEGER DEFAULT 0,
			memory INTEGER DEFAULT 0,
			touch_support INTEGER DEFAULT 0,
			cookies_enabled INTEGER DEFAULT 0,
			webgl_vendor TEXT DEFAULT '',
			webgl_renderer TEXT DEFAULT '',
			webgl_supported INTEGER DEFAULT 0,
			canvas_hash TEXT DEFAULT '',
			audio_hash TEXT DEFAULT '',
			plugin_count INTEGER DEFAULT 0,
			mouse_movements INTEGER DEFAULT 0,
			clicks INTEGER DEFAULT 0,
			key_presses INTEGER DEFAULT 0,
			scroll_events INTEGER DEFAULT 0,
			features TEXT DEFAULT '{}',
			risk_score INTEGER DEFAULT 0,
			is_suspicious INTEGER DEFAULT 0,
			flags TEXT DEFAULT '[]',
			visit_count INTEGER DEFAULT 1,
			first_seen DATETIME DEFAULT CURRENT_TIMESTAMP,
			last_seen DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		// Fingerprint sightings, for distinct-IP farm detection
		`CREATE TABLE IF NOT EXISTS fingerprint_ips (
			fingerprint_hash TEXT NOT NULL,
			ip TEXT NOT NULL,
			last_seen DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (fingerprint_hash, ip)
		)`,

		// Visitor logs
		`CREATE TABLE IF NOT EXISTS visitor_logs (
			id TEXT PRIMARY KEY,
			campaign_id TEXT,
			tenant_id TEXT DEFAULT '',
			ip TEXT,
			user_agent TEXT,
			referer TEXT,
			path TEXT,
			method TEXT,
			country_code TEXT,
			region TEXT,
			city TEXT,
			isp TEXT,
			asn INTEGER DEFAULT 0,
			device_type TEXT,
			os TEXT,
			browser TEXT,
			is_bot INTEGER DEFAULT 0,
			bot_probability REAL DEFAULT 0,
			is_vpn INTEGER DEFAULT 0,
			is_proxy INTEGER DEFAULT 0,
			is_tor INTEGER DEFAULT 0,
			is_datacenter INTEGER DEFAULT 0,
			is_headless INTEGER DEFAULT 0,
			is_scraper INTEGER DEFAULT 0,
			fingerprint_hash TEXT DEFAULT '',
			request_hash TEXT DEFAULT '',
			action TEXT,
			reason TEXT,
			rule_id TEXT DEFAULT '',
			cache_hit INTEGER DEFAULT 0,
			response_time_ms INTEGER DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (campaign_id) REFERENCES campaigns(id) ON DELETE SET NULL
		)`,

		// Rate limit windows
		`CREATE TABLE IF NOT EXISTS rate_limit_windows (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			identifier TEXT NOT NULL,
			type TEXT NOT NULL,
			tenant_id TEXT DEFAULT '',
			requests INTEGER DEFAULT 0,
			window_start DATETIME NOT NULL,
			window_end DATETIME NOT NULL,
			last_request DATETIME NOT NULL
		)`,

		// Rate limit violations
		`CREATE TABLE IF NOT EXISTS rate_limit_violations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			identifier TEXT NOT NULL,
			type TEXT NOT NULL,
			tenant_id TEXT DEFAULT '',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		// Blocked identifiers
		`CREATE TABLE IF NOT EXISTS blocked_ips (
			id TEXT PRIMARY KEY,
			ip TEXT NOT NULL,
			tenant_id TEXT DEFAULT '',
			reason TEXT,
			severity TEXT DEFAULT 'medium',
			attempts INTEGER DEFAULT 1,
			expires_at DATETIME,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (ip, tenant_id)
		)`,

		// Whitelisted identifiers
		`CREATE TABLE IF NOT EXISTS whitelist_ips (
			id TEXT PRIMARY KEY,
			ip TEXT NOT NULL,
			tenant_id TEXT DEFAULT '',
			note TEXT DEFAULT '',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (ip, tenant_id)
		)`,

		// Tenant-scoped key/value config
		`CREATE TABLE IF NOT EXISTS tenant_config (
			tenant_id TEXT DEFAULT '',
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (tenant_id, key)
		)`,

		// Known bot UA patterns with hit counters
		`CREATE TABLE IF NOT EXISTS bot_patterns (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			pattern TEXT UNIQUE NOT NULL,
			name TEXT,
			category TEXT,
			hits INTEGER DEFAULT 0
		)`,

		// TOR exit node list
		`CREATE TABLE IF NOT EXISTS tor_exit_nodes (
			ip TEXT PRIMARY KEY,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		// Datacenter IPv4 ranges, numeric bounds for binary search
		`CREATE TABLE IF NOT EXISTS datacenter_ranges (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			start_ip INTEGER NOT NULL,
			end_ip INTEGER NOT NULL,
			provider TEXT DEFAULT ''
		)`,

		// Indexes
		`CREATE INDEX IF NOT EXISTS idx_campaigns_slug ON campaigns(slug)`,
		`CREATE INDEX IF NOT EXISTS idx_rules_campaign ON rules(campaign_id, active)`,
		`CREATE INDEX IF NOT EXISTS idx_fingerprints_hash ON fingerprints(fingerprint_hash)`,
		`CREATE INDEX IF NOT EXISTS idx_fingerprints_visitor ON fingerprints(visitor_id)`,
		`CREATE INDEX IF NOT EXISTS idx_visitor_logs_campaign ON visitor_logs(campaign_id)`,
		`CREATE INDEX IF NOT EXISTS idx_visitor_logs_created ON visitor_logs(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_visitor_logs_ip ON visitor_logs(ip)`,
		`CREATE INDEX IF NOT EXISTS idx_rlw_identifier ON rate_limit_windows(identifier, type, tenant_id)`,
		`CREATE INDEX IF NOT EXISTS idx_rlv_identifier ON rate_limit_violations(identifier, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_blocked_ip ON blocked_ips(ip)`,
		`CREATE INDEX IF NOT EXISTS idx_whitelist_ip ON whitelist_ips(ip)`,
		`CREATE INDEX IF NOT EXISTS idx_dc_start ON datacenter_ranges(start_ip)`,
	}

	for _, migration := range migrations {
		if _, err := db.conn.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	if err := db.seedBotPatterns(); err != nil {
		return fmt.Errorf("failed to seed bot patterns: %w", err)
	}

	return nil
}

// seedBotPatterns inserts the default known-bot table on first run.
func (db *DB) seedBotPatterns() error {
	var count int
	if err := db.conn.QueryRow("SELECT COUNT(*) FROM bot_patterns").Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	for _, p := range defaultBotPatterns {
		_, err := db.conn.Exec(
			`INSERT INTO bot_patterns (pattern, name, category) VALUES (?, ?, ?)`,
			p.Pattern, p.Name, p.Category,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// defaultBotPatterns is ordered: the detector checks patterns in this order
// and the first substring match wins.
var defaultBotPatterns = []BotPattern{
	{Pattern: "googlebot", Name: "Google Bot", Category: "search_engine"},
	{Pattern: "bingbot", Name: "Bing Bot", Category: "search_engine"},
	{Pattern: "yandexbot", Name: "Yandex Bot", Category: "search_engine"},
	{Pattern: "baiduspider", Name: "Baidu Spider", Category: "search_engine"},
	{Pattern: "duckduckbot", Name: "DuckDuckGo Bot", Category: "search_engine"},
	{Pattern: "slurp", Name: "Yahoo Slurp", Category: "search_engine"},
	{Pattern: "facebookexternalhit", Name: "Facebook Crawler", Category: "social"},
	{Pattern: "facebot", Name: "Facebook Bot", Category: "social"},
	{Pattern: "twitterbot", Name: "Twitter Bot", Category: "social"},
	{Pattern: "linkedinbot", Name: "LinkedIn Bot", Category: "social"},
	{Pattern: "pinterestbot", Name: "Pinterest Bot", Category: "social"},
	{Pattern: "whatsapp", Name: "WhatsApp Preview", Category: "social"},
	{Pattern: "telegrambot", Name: "Telegram Bot", Category: "social"},
	{Pattern: "bytespider", Name: "ByteDance Spider", Category: "social"},
	{Pattern: "adsbot-google", Name: "Google AdsBot", Category: "ads_review"},
	{Pattern: "mediapartners-google", Name: "Google AdSense", Category: "ads_review"},
	{Pattern: "google-adwords", Name: "Google Ads Review", Category: "ads_review"},
	{Pattern: "adidxbot", Name: "Bing Ads Bot", Category: "ads_review"},
	{Pattern: "gptbot", Name: "OpenAI GPTBot", Category: "ai_crawler"},
	{Pattern: "claudebot", Name: "Anthropic Crawler", Category: "ai_crawler"},
	{Pattern: "ccbot", Name: "Common Crawl", Category: "ai_crawler"},
	{Pattern: "perplexitybot", Name: "Perplexity Bot", Category: "ai_crawler"},
	{Pattern: "ahrefsbot", Name: "Ahrefs Bot", Category: "seo"},
	{Pattern: "semrushbot", Name: "Semrush Bot", Category: "seo"},
	{Pattern: "mj12bot", Name: "Majestic Bot", Category: "seo"},
	{Pattern: "dotbot", Name: "Moz DotBot", Category: "seo"},
	{Pattern: "petalbot", Name: "Petal Bot", Category: "seo"},
	{Pattern: "ia_archiver", Name: "Internet Archive", Category: "archiver"},
	{Pattern: "crawler", Name: "Generic Crawler", Category: "generic"},
	{Pattern: "spider", Name: "Generic Spider", Category: "generic"},
	{Pattern: " bot/", Name: "Generic Bot", Category: "generic"},
	{Pattern: "bot;", Name: "Generic Bot", Category: "generic"},
}

package database

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// NewSlug returns a high-entropy campaign slug. Slugs are never derived from
// the campaign name.
func NewSlug() string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return uuid.New().String()
	}
	return hex.EncodeToString(b)
}

func (db *DB) CreateCampaign(c *Campaign) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Slug == "" {
		c.Slug = NewSlug()
	}
	if c.Status == "" {
		c.Status = CampaignDraft
	}
	c.CreatedAt = time.Now()
	c.UpdatedAt = time.Now()

	settings, err := json.Marshal(c.Settings)
	if err != nil {
		return err
	}
	rules, err := json.Marshal(c.Rules)
	if err != nil {
		return err
	}

	_, err = db.conn.Exec(
		`INSERT INTO campaigns (id, tenant_id, name, slug, status, safe_page, money_page,
		settings, rules, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.TenantID, c.Name, c.Slug, c.Status, c.SafePage, c.MoneyPage,
		string(settings), string(rules), c.CreatedAt, c.UpdatedAt,
	)
	return err
}

func (db *DB) GetCampaign(id string) (*Campaign, error) {
	return db.scanCampaign(db.conn.QueryRow(campaignSelect+` WHERE id = ?`, id))
}

func (db *DB) GetCampaignBySlug(slug string) (*Campaign, error) {
	return db.scanCampaign(db.conn.QueryRow(campaignSelect+` WHERE slug = ?`, slug))
}

const campaignSelect = `SELECT id, tenant_id, name, slug, status, safe_page, money_page,
	settings, rules, total_hits, bot_hits, human_hits, created_at, updated_at FROM campaigns`

func (db *DB) scanCampaign(row *sql.Row) (*Campaign, error) {
	var c Campaign
	var settings, rules string

	err := row.Scan(
		&c.ID, &c.TenantID, &c.Name, &c.Slug, &c.Status, &c.SafePage, &c.MoneyPage,
		&settings, &rules, &c.TotalHits, &c.BotHits, &c.HumanHits, &c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	// Malformed JSON leaves the zero-value bag: every filter defaults to off.
	json.Unmarshal([]byte(settings), &c.Settings)
	json.Unmarshal([]byte(rules), &c.Rules)

	return &c, nil
}

func (db *DB) UpdateCampaign(c *Campaign) error {
	c.UpdatedAt = time.Now()

	settings, err := json.Marshal(c.Settings)
	if err != nil {
		return err
	}
	rules, err := json.Marshal(c.Rules)
	if err != nil {
		return err
	}

	_, err = db.conn.Exec(
		`UPDATE campaigns SET name=?, status=?, safe_page=?, money_page=?,
		settings=?, rules=?, updated_at=? WHERE id=?`,
		c.Name, c.Status, c.SafePage, c.MoneyPage,
		string(settings), string(rules), c.UpdatedAt, c.ID,
	)
	return err
}

// IncrementCampaignHits bumps the cached hit counters. Lost updates under
// race are acceptable; these are approximate counters.
func (db *DB) IncrementCampaignHits(id string, isBot bool) error {
	col := "human_hits"
	if isBot {
		col = "bot_hits"
	}
	_, err := db.conn.Exec(
		`UPDATE campaigns SET total_hits = total_hits + 1, `+col+` = `+col+` + 1 WHERE id = ?`, id)
	return err
}

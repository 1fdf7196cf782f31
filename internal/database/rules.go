package database

import (
	"time"

	"github.com/google/uuid"
)

func (db *DB) CreateRule(r *Rule) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	r.CreatedAt = time.Now()
	r.UpdatedAt = time.Now()

	_, err := db.conn.Exec(
		`INSERT INTO rules (id, campaign_id, name, type, field, operator, value, action,
		redirect_url, priority, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.CampaignID, r.Name, r.Type, r.Field, r.Operator, r.Value, r.Action,
		r.RedirectURL, r.Priority, r.Active, r.CreatedAt, r.UpdatedAt,
	)
	return err
}

// ListActiveRules returns the campaign's active rules in evaluation order:
// priority descending, then id ascending for a stable tiebreak.
func (db *DB) ListActiveRules(campaignID string) ([]Rule, error) {
	rows, err := db.conn.Query(
		`SELECT id, campaign_id, name, type, field, operator, value, action,
		redirect_url, priority, active, hits, created_at, updated_at
		FROM rules WHERE campaign_id = ? AND active = 1
		ORDER BY priority DESC, id ASC`, campaignID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []Rule
	for rows.Next() {
		var r Rule
		err := rows.Scan(
			&r.ID, &r.CampaignID, &r.Name, &r.Type, &r.Field, &r.Operator, &r.Value,
			&r.Action, &r.RedirectURL, &r.Priority, &r.Active, &r.Hits,
			&r.CreatedAt, &r.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}

	return rules, rows.Err()
}

// IncrementRuleHits is an approximate counter; lost updates are acceptable.
func (db *DB) IncrementRuleHits(id string) error {
	_, err := db.conn.Exec(`UPDATE rules SET hits = hits + 1 WHERE id = ?`, id)
	return err
}

func (db *DB) DeleteRule(id string) error {
	_, err := db.conn.Exec(`DELETE FROM rules WHERE id = ?`, id)
	return err
}

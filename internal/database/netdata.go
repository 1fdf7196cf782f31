package database

import (
	"time"
)

// ListTorExitNodes returns exit addresses published since the cutoff. Stale
// entries are excluded so a list that stops refreshing ages out.
func (db *DB) ListTorExitNodes(since time.Time) ([]string, error) {
	rows, err := db.conn.Query(
		`SELECT ip FROM tor_exit_nodes WHERE updated_at >= ?`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ips []string
	for rows.Next() {
		var ip string
		if err := rows.Scan(&ip); err != nil {
			return nil, err
		}
		ips = append(ips, ip)
	}
	return ips, rows.Err()
}

func (db *DB) UpsertTorExitNode(ip string) error {
	_, err := db.conn.Exec(
		`INSERT INTO tor_exit_nodes (ip, updated_at) VALUES (?, ?)
		ON CONFLICT(ip) DO UPDATE SET updated_at = excluded.updated_at`,
		ip, time.Now())
	return err
}

// ListDatacenterRanges returns all ranges sorted by start address so the
// caller can binary-search them.
func (db *DB) ListDatacenterRanges() ([]DatacenterRange, error) {
	rows, err := db.conn.Query(
		`SELECT id, start_ip, end_ip, provider FROM datacenter_ranges ORDER BY start_ip ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ranges []DatacenterRange
	for rows.Next() {
		var r DatacenterRange
		if err := rows.Scan(&r.ID, &r.StartIP, &r.EndIP, &r.Provider); err != nil {
			return nil, err
		}
		ranges = append(ranges, r)
	}
	return ranges, rows.Err()
}

func (db *DB) AddDatacenterRange(startIP, endIP uint32, provider string) error {
	_, err := db.conn.Exec(
		`INSERT INTO datacenter_ranges (start_ip, end_ip, provider) VALUES (?, ?, ?)`,
		startIP, endIP, provider)
	return err
}

// ListBotPatterns returns the known-bot table in insertion order; the
// detector matches them in this order.
func (db *DB) ListBotPatterns() ([]BotPattern, error) {
	rows, err := db.conn.Query(
		`SELECT id, pattern, name, category, hits FROM bot_patterns ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var patterns []BotPattern
	for rows.Next() {
		var p BotPattern
		if err := rows.Scan(&p.ID, &p.Pattern, &p.Name, &p.Category, &p.Hits); err != nil {
			return nil, err
		}
		patterns = append(patterns, p)
	}
	return patterns, rows.Err()
}

// IncrementBotPatternHits is an approximate counter.
func (db *DB) IncrementBotPatternHits(id int64) error {
	_, err := db.conn.Exec(`UPDATE bot_patterns SET hits = hits + 1 WHERE id = ?`, id)
	return err
}

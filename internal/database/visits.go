package database

import (
	"time"

	"github.com/google/uuid"
)

func (db *DB) CreateVisitorLog(v *VisitorLog) error {
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	v.CreatedAt = time.Now()

	_, err := db.conn.Exec(
		`INSERT INTO visitor_logs (id, campaign_id, tenant_id, ip, user_agent, referer, path, method,
		country_code, region, city, isp, asn, device_type, os, browser,
		is_bot, bot_probability, is_vpn, is_proxy, is_tor, is_datacenter, is_headless, is_scraper,
		fingerprint_hash, request_hash, action, reason, rule_id, cache_hit, response_time_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.CampaignID, v.TenantID, v.IP, v.UserAgent, v.Referer, v.Path, v.Method,
		v.CountryCode, v.Region, v.City, v.ISP, v.ASN, v.DeviceType, v.OS, v.Browser,
		v.IsBot, v.BotProbability, v.IsVPN, v.IsProxy, v.IsTor, v.IsDatacenter, v.IsHeadless, v.IsScraper,
		v.FingerprintHash, v.RequestHash, v.Action, v.Reason, v.RuleID, v.CacheHit, v.ResponseTimeMs, v.CreatedAt,
	)
	return err
}

func (db *DB) ListVisitorLogs(campaignID string, limit, offset int) ([]VisitorLog, error) {
	query := `SELECT id, campaign_id, tenant_id, ip, user_agent, referer, path, method,
		country_code, region, city, isp, asn, device_type, os, browser,
		is_bot, bot_probability, is_vpn, is_proxy, is_tor, is_datacenter, is_headless, is_scraper,
		fingerprint_hash, request_hash, action, reason, rule_id, cache_hit, response_time_ms, created_at
		FROM visitor_logs`
	args := []interface{}{}

	if campaignID != "" {
		query += " WHERE campaign_id = ?"
		args = append(args, campaignID)
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []VisitorLog
	for rows.Next() {
		var v VisitorLog
		err := rows.Scan(
			&v.ID, &v.CampaignID, &v.TenantID, &v.IP, &v.UserAgent, &v.Referer, &v.Path, &v.Method,
			&v.CountryCode, &v.Region, &v.City, &v.ISP, &v.ASN, &v.DeviceType, &v.OS, &v.Browser,
			&v.IsBot, &v.BotProbability, &v.IsVPN, &v.IsProxy, &v.IsTor, &v.IsDatacenter, &v.IsHeadless, &v.IsScraper,
			&v.FingerprintHash, &v.RequestHash, &v.Action, &v.Reason, &v.RuleID, &v.CacheHit, &v.ResponseTimeMs, &v.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		logs = append(logs, v)
	}

	return logs, rows.Err()
}

package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftlane/cloakd/internal/config"
)

// Event is one decision outcome pushed to the configured webhook.
type Event struct {
	Type       string    `json:"type"`
	CampaignID string    `json:"campaign_id"`
	TenantID   string    `json:"tenant_id,omitempty"`
	IP         string    `json:"ip"`
	Action     string    `json:"action"`
	Reason     string    `json:"reason"`
	IsBot      bool      `json:"is_bot"`
	Country    string    `json:"country,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Notifier posts decision events to an external webhook. Delivery is
// best-effort and asynchronous; a slow or dead endpoint never delays a
// decision.
type Notifier struct {
	cfg    config.EventsConfig
	client *http.Client
	log    zerolog.Logger
}

func NewNotifier(cfg config.EventsConfig, log zerolog.Logger) *Notifier {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Notifier{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		log:    log.With().Str("component", "events").Logger(),
	}
}

// Publish queues the event for delivery. No-op when events are disabled.
func (n *Notifier) Publish(ev Event) {
	if !n.cfg.Enabled || n.cfg.WebhookURL == "" {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	go func() {
		if err := n.send(ev); err != nil {
			n.log.Warn().Err(err).Str("campaign_id", ev.CampaignID).Msg("event delivery failed")
		}
	}()
}

func (n *Notifier) send(ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), n.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// SlackDispatcher posts operator alerts to a Slack incoming webhook. It
// only handles alert_operator commands; other actions are silently
// skipped so the dispatcher can sit behind a fanout.
type SlackDispatcher struct {
	webhookURL string
	channel    string
	client     *http.Client
}

// SlackConfig configures the Slack dispatcher.
type SlackConfig struct {
	// WebhookURL is the Slack incoming webhook URL
	WebhookURL string

	// Channel overrides the default channel (optional)
	Channel string
}

// NewSlackDispatcher creates a Slack dispatcher.
func NewSlackDispatcher(cfg SlackConfig) (*SlackDispatcher, error) {
	if cfg.WebhookURL == "" {
		return nil, fmt.Errorf("webhook URL is required")
	}

	return &SlackDispatcher{
		webhookURL: cfg.WebhookURL,
		channel:    cfg.Channel,
		client:     &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Dispatch sends an operator alert for the command.
func (s *SlackDispatcher) Dispatch(ctx context.Context, cmd Command) error {
	if cmd.Action != ActionAlertOperator {
		return nil
	}

	text := cmd.Reason
	if cmd.Metric != "" && cmd.CurrentValue != nil {
		text = fmt.Sprintf("%s (%s = %.4g)", cmd.Reason, cmd.Metric, *cmd.CurrentValue)
	}

	payload := map[string]interface{}{
		"username":   "Beacon",
		"icon_emoji": ":satellite_antenna:",
		"attachments": []map[string]interface{}{
			{
				"color":  "#FF0000",
				"title":  ":rotating_light: validation session needs attention",
				"text":   text,
				"footer": fmt.Sprintf("Session: %s", cmd.SessionID),
				"ts":     time.Now().Unix(),
			},
		},
	}
	if s.channel != "" {
		payload["channel"] = s.channel
	}

	return s.sendWebhook(ctx, payload)
}

func (s *SlackDispatcher) sendWebhook(ctx context.Context, payload map[string]interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("slack webhook error: %s", string(body))
	}

	return nil
}

// Close closes the dispatcher.
func (s *SlackDispatcher) Close() error {
	return nil
}

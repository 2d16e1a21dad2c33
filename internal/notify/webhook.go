package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"cookline/internal/config"
)

const defaultWebhookTimeout = 5 * time.Second

// Webhook posts notifications as Slack-style incoming-webhook JSON.
type Webhook struct {
	URL    string
	Secret string
	Filter EventFilter
	Client *http.Client
}

// NewWebhook builds a webhook sink from team config; it returns nil when no URL is set.
func NewWebhook(cfg config.NotificationsConfig) *Webhook {
	if strings.TrimSpace(cfg.WebhookURL) == "" {
		return nil
	}
	timeout := defaultWebhookTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	return &Webhook{
		URL:    cfg.WebhookURL,
		Secret: cfg.Secret,
		Filter: NewEventFilter(cfg.Events),
		Client: &http.Client{Timeout: timeout},
	}
}

type webhookBody struct {
	Text         string       `json:"text"`
	Notification Notification `json:"notification"`
}

func (w *Webhook) Notify(ctx context.Context, n Notification) error {
	if !w.Filter.Match(n.EventType) {
		return nil
	}
	text := n.Title
	if n.Message != "" {
		text += ": " + n.Message
	}
	if n.ActionURL != "" {
		text += " <" + n.ActionURL + ">"
	}
	data, err := json.Marshal(webhookBody{Text: text, Notification: n})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Cookline-Event", n.EventType)
	req.Header.Set("X-Cookline-Team", n.TeamID)
	if id := n.Metadata["event_id"]; id != "" {
		req.Header.Set("X-Cookline-Delivery", id)
	}
	if strings.TrimSpace(w.Secret) != "" {
		req.Header.Set("X-Cookline-Secret", w.Secret)
	}
	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	res, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", w.URL, err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("webhook %s: status %d: %s", w.URL, res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// Package notify delivers alert notifications to external receivers.
// Delivery is fire and forget: the detection path never blocks or fails on
// a notification problem.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"aegis/core"

	"go.uber.org/zap"
)

// Notifier pushes a newly created alert to an external receiver.
type Notifier interface {
	Notify(ctx context.Context, alert *core.Alert) error
}

// WebhookNotifier posts alerts as JSON to a fixed URL.
type WebhookNotifier struct {
	url    string
	client *http.Client
	logger *zap.SugaredLogger
}

// NewWebhookNotifier creates a webhook notifier. The timeout bounds the
// whole request including body read.
func NewWebhookNotifier(url string, timeout time.Duration, logger *zap.SugaredLogger) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

func (n *WebhookNotifier) Notify(ctx context.Context, alert *core.Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert %s: %w", alert.AlertID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver alert %s: %w", alert.AlertID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d for alert %s", resp.StatusCode, alert.AlertID)
	}
	return nil
}

// NopNotifier discards every notification. Used when no receiver is
// configured.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, *core.Alert) error { return nil }

package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/presagestack/presage-engine/internal/models"
)

// Notifier delivers alerts to one external channel. Delivery is best-effort;
// alert tracking inside the manager stays authoritative regardless of the
// delivery outcome.
type Notifier interface {
	Name() string
	Send(ctx context.Context, alert models.Alert) error
}

// NoopNotifier implements Notifier but delivers nothing.
type NoopNotifier struct{}

// Name identifies the channel.
func (NoopNotifier) Name() string { return "noop" }

// Send discards the alert and reports success.
func (NoopNotifier) Send(context.Context, models.Alert) error { return nil }

// WebhookNotifier posts alerts as JSON to a configured endpoint.
type WebhookNotifier struct {
	name       string
	url        string
	httpClient *http.Client
}

// NewWebhookNotifier constructs a webhook channel with the given timeout.
func NewWebhookNotifier(name, url string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		name: name,
		url:  url,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Name identifies the channel.
func (n *WebhookNotifier) Name() string { return n.name }

// Send posts the alert payload, treating any non-2xx response as failure.
func (n *WebhookNotifier) Send(ctx context.Context, alert models.Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook %s returned %s", n.name, resp.Status)
	}
	return nil
}

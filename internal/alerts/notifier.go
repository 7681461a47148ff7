package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/kitescan/trading-assistant-backend/pkg/observability"
)

// Notifier posts alerts to configured webhooks. It implements Sink; a
// notifier with no URLs is a no-op.
type Notifier struct {
	httpClient  *http.Client
	webhookURLs []string
	metrics     *observability.MetricsCollector
	logger      zerolog.Logger
}

// NewNotifier creates a webhook notifier.
func NewNotifier(webhookURLs []string, logger zerolog.Logger) *Notifier {
	return &Notifier{
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		webhookURLs: webhookURLs,
		metrics:     observability.GetCollector(),
		logger:      logger.With().Str("component", "notifier").Logger(),
	}
}

// Notify sends the alert to every webhook. Individual webhook failures are
// logged and do not stop delivery to the others.
func (n *Notifier) Notify(ctx context.Context, alert *Alert) error {
	for _, webhookURL := range n.webhookURLs {
		if err := n.send(ctx, webhookURL, alert); err != nil {
			n.metrics.Counter(observability.MetricWebhooksFailed).Inc()
			n.logger.Error().
				Err(err).
				Str("webhook", webhookURL).
				Str("instrument", alert.InstrumentName).
				Msg("failed to send webhook")
			continue
		}
		n.metrics.Counter(observability.MetricWebhooksSent).Inc()
	}
	return nil
}

func (n *Notifier) send(ctx context.Context, webhookURL string, alert *Alert) error {
	payload, err := json.Marshal(n.formatPayload(alert))
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// formatPayload builds a Discord-style embed, which most webhook receivers
// also understand.
func (n *Notifier) formatPayload(alert *Alert) map[string]interface{} {
	fields := []map[string]interface{}{
		{"name": "Price", "value": fmt.Sprintf("₹%.2f", alert.CurrentPrice), "inline": true},
		{"name": "5m Change", "value": fmt.Sprintf("+%.2f%%", alert.PriceChange5m), "inline": true},
		{"name": "Distance from High", "value": fmt.Sprintf("%.2f%%", alert.DistanceFromHigh), "inline": true},
		{"name": "Weekly Movement", "value": fmt.Sprintf("%.2f%%", alert.WeeklyMovement), "inline": true},
		{"name": "Valid Until", "value": alert.ExpiresAt.Format("15:04:05"), "inline": true},
	}

	return map[string]interface{}{
		"embeds": []map[string]interface{}{
			{
				"title":       fmt.Sprintf("🚨 Short Sell: %s", alert.InstrumentName),
				"description": "Short-sell opportunity detected",
				"color":       0xFF0000,
				"fields":      fields,
				"timestamp":   alert.CreatedAt.Format(time.RFC3339),
				"footer": map[string]interface{}{
					"text": "Trading Assistant Alert",
				},
			},
		},
	}
}

// Package alerts sends best-effort operator notifications when the system
// needs attention: a job hit dead-letter, or a node has gone unreachable
// repeatedly. It is ambient observability, not a dashboard.
package alerts

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/skylapse/brain/pkg/events"
)

// WebhookNotifier posts a JSON envelope to a single configured webhook URL,
// optionally HMAC-signed, whenever it is asked to notify on an event.
type WebhookNotifier struct {
	url    string
	secret string
	client *http.Client
	log    *zap.Logger
}

// webhookPayload is the envelope delivered to the webhook.
type webhookPayload struct {
	EventID    string                 `json:"event_id"`
	EventType  string                 `json:"event_type"`
	Timestamp  string                 `json:"timestamp"`
	ScheduleID string                 `json:"schedule_id,omitempty"`
	Data       map[string]interface{} `json:"data"`
}

// NewWebhookNotifier returns a notifier that posts to url. secret may be
// empty, in which case requests are sent unsigned.
func NewWebhookNotifier(url, secret string, log *zap.Logger) *WebhookNotifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &WebhookNotifier{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log,
	}
}

// Notify delivers one event to the configured webhook. Failures are
// returned to the caller (typically logged and otherwise ignored, since
// alerting must never block the scheduler or worker loops).
func (w *WebhookNotifier) Notify(ctx context.Context, event events.Event) error {
	payload := webhookPayload{
		EventID:    event.ID,
		EventType:  string(event.Type),
		Timestamp:  event.Timestamp.Format(time.RFC3339),
		ScheduleID: event.ScheduleID,
		Data:       event.Payload,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("alerts: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("alerts: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "skylapse-brain-alerts/1.0")

	if w.secret != "" {
		req.Header.Set("X-Brain-Signature", w.sign(body))
		req.Header.Set("X-Brain-Event-Type", string(event.Type))
		req.Header.Set("X-Brain-Event-ID", event.ID)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("alerts: sending webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("alerts: webhook returned status %d", resp.StatusCode)
	}

	w.log.Debug("alert webhook delivered",
		zap.String("url", w.url),
		zap.String("event_id", event.ID),
		zap.Int("status_code", resp.StatusCode))
	return nil
}

func (w *WebhookNotifier) sign(payload []byte) string {
	mac := hmac.New(sha256.New, []byte(w.secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

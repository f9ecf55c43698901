package notify

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

	"github.com/google/uuid"

	"github.com/platinummonkey/slotkeeper/pkg/observability"
)

// Webhook headers
const (
	HeaderEvent     = "X-Slotkeeper-Event"
	HeaderEventID   = "X-Slotkeeper-Event-ID"
	HeaderSignature = "X-Slotkeeper-Signature"
	HeaderDelivery  = "X-Slotkeeper-Delivery"
)

// WebhookConfig configures the webhook dispatcher
type WebhookConfig struct {
	URL     string
	Secret  string
	Timeout time.Duration
	Retry   RetryConfig
}

// WebhookDispatcher posts signed JSON events to a single endpoint, retrying
// transient failures with exponential backoff.
type WebhookDispatcher struct {
	url        string
	secret     string
	client     *http.Client
	retry      *RetryPolicy
	deliveries *DeliveryLogStore
	logger     *observability.Logger
	metrics    *observability.Metrics
}

// NewWebhookDispatcher creates a webhook dispatcher
func NewWebhookDispatcher(config WebhookConfig, logger *observability.Logger, metrics *observability.Metrics) *WebhookDispatcher {
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &WebhookDispatcher{
		url:        config.URL,
		secret:     config.Secret,
		client:     &http.Client{Timeout: config.Timeout},
		retry:      NewRetryPolicy(config.Retry),
		deliveries: NewDeliveryLogStore(1000),
		logger:     logger.WithField("component", "webhook"),
		metrics:    metrics,
	}
}

// Deliveries returns the delivery log store
func (d *WebhookDispatcher) Deliveries() *DeliveryLogStore {
	return d.deliveries
}

// Send delivers the event, retrying until the policy gives up
func (d *WebhookDispatcher) Send(ctx context.Context, eventType EventType, payload Payload) SendResult {
	event := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	body, err := json.Marshal(event)
	if err != nil {
		return SendResult{Error: fmt.Sprintf("failed to marshal event: %v", err)}
	}

	delivery := &DeliveryLog{
		EventID:      event.ID,
		EventType:    eventType,
		SubscriberID: payload.SubscriberID,
		URL:          d.url,
		CreatedAt:    event.Timestamp,
	}
	start := time.Now()

	for {
		delivery.Attempts++
		status, err := d.post(ctx, event, body)
		delivery.StatusCode = status
		if err == nil {
			delivery.Status = DeliveryStatusSuccess
			delivery.ErrorMessage = ""
			break
		}
		delivery.Status = DeliveryStatusFailed
		delivery.ErrorMessage = err.Error()

		if !d.retry.ShouldRetry(delivery.Attempts, err) {
			break
		}
		if waitErr := d.retry.Wait(ctx, delivery.Attempts); waitErr != nil {
			delivery.ErrorMessage = fmt.Sprintf("%s (gave up: %v)", err, waitErr)
			break
		}
	}
	delivery.Duration = time.Since(start)
	d.deliveries.Add(delivery)

	delivered := delivery.Status == DeliveryStatusSuccess
	d.metrics.Notification(string(eventType), delivered)
	if !delivered {
		d.logger.WithFields(map[string]interface{}{
			"event":         string(eventType),
			"event_id":      event.ID,
			"subscriber_id": payload.SubscriberID,
			"attempts":      delivery.Attempts,
		}).WithField("error", delivery.ErrorMessage).Warn("webhook delivery failed")
	}

	return SendResult{Delivered: delivered, Attempts: delivery.Attempts, Error: delivery.ErrorMessage}
}

func (d *WebhookDispatcher) post(ctx context.Context, event Event, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return 0, &permanentError{fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(event.Type))
	req.Header.Set(HeaderEventID, event.ID)
	req.Header.Set(HeaderDelivery, time.Now().UTC().Format(time.RFC3339))
	if d.secret != "" {
		req.Header.Set(HeaderSignature, Sign(body, d.secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return resp.StatusCode, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return resp.StatusCode, &permanentError{fmt.Errorf("webhook rejected event: status %d", resp.StatusCode)}
	default:
		return resp.StatusCode, fmt.Errorf("webhook returned non-2xx status: %d", resp.StatusCode)
	}
}

// Sign returns the HMAC-SHA256 signature header value for payload
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature verifies a webhook signature
func VerifySignature(payload []byte, signature, secret string) bool {
	return hmac.Equal([]byte(Sign(payload, secret)), []byte(signature))
}

package domain

import "time"

// WebhookDeliveryStatus is the lifecycle state of a Webhook Delivery row.
type WebhookDeliveryStatus string

const (
	WebhookPending   WebhookDeliveryStatus = "pending"
	WebhookDelivered WebhookDeliveryStatus = "delivered"
	WebhookFailed    WebhookDeliveryStatus = "failed"
	WebhookDead      WebhookDeliveryStatus = "dead"
)

// RetrySchedule is the fixed backoff ladder for webhook delivery attempts
// (spec §4.6): 5 attempts total at 0, 30s, 2m, 10m, 1h.
var RetrySchedule = []time.Duration{
	0,
	30 * time.Second,
	2 * time.Minute,
	10 * time.Minute,
	time.Hour,
}

// MaxWebhookAttempts bounds total delivery attempts (P7).
var MaxWebhookAttempts = len(RetrySchedule)

// WebhookDelivery is a durable row tracking at-least-once delivery of a
// single lifecycle event to a registered endpoint (spec §3, §4.6).
type WebhookDelivery struct {
	ID             string                `json:"id"`
	TenantID       string                `json:"tenant_id"`
	EndpointID     string                `json:"endpoint_id,omitempty"`
	URL            string                `json:"url"`
	EventType      string                `json:"event_type"`
	Payload        []byte                `json:"payload"`
	Status         WebhookDeliveryStatus `json:"status"`
	Attempts       int                   `json:"attempts"`
	NextRetryAt    time.Time             `json:"next_retry_at"`
	LastStatusCode int                   `json:"last_status_code,omitempty"`
	LastError      string                `json:"last_error,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
	UpdatedAt      time.Time             `json:"updated_at"`
}

// GetID implements storage.Entity.
func (w WebhookDelivery) GetID() string { return w.ID }

// GetAccountID implements storage.Entity.
func (w WebhookDelivery) GetAccountID() string { return w.TenantID }

// SetCreatedAt implements storage.Entity.
func (w *WebhookDelivery) SetCreatedAt(t time.Time) { w.CreatedAt = t }

// SetUpdatedAt implements storage.Entity.
func (w *WebhookDelivery) SetUpdatedAt(t time.Time) { w.UpdatedAt = t }

// NextDelay returns the wait duration before the given attempt number
// (1-indexed) per RetrySchedule, clamped to the final entry once attempts
// exceed the schedule's length.
func NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	idx := attempt - 1
	if idx >= len(RetrySchedule) {
		idx = len(RetrySchedule) - 1
	}
	return RetrySchedule[idx]
}

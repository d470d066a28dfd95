// Package webhook implements the Webhook Dispatcher (C10): claims due
// deliveries, signs and POSTs them, and records the outcome against the
// fixed retry schedule (spec §4.6). The POST itself follows automation's
// dispatchAction shape (http.NewRequestWithContext + status-code check);
// claiming, signing, and per-endpoint scheduling are new.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/r3e-network/scribeflow/infrastructure/logging"
	"github.com/r3e-network/scribeflow/internal/domain"
	"github.com/r3e-network/scribeflow/internal/kv"
	"github.com/r3e-network/scribeflow/internal/store"
)

// Config tunes dispatcher timing and throughput.
type Config struct {
	ClaimBatchSize int
	PollInterval   time.Duration
	RequestTimeout time.Duration
	RatePerSecond  float64
	RateBurst      int
}

// endpointRecord is the durable-in-KV registration for a webhook endpoint:
// its delivery URL and the HMAC secret shown to the caller once, at
// registration time (spec §4.6).
type endpointRecord struct {
	TenantID string `json:"tenant_id"`
	URL      string `json:"url"`
	Secret   string `json:"secret"`
}

func endpointKey(id string) string { return "webhook:endpoint:" + id }

// Dispatcher delivers webhook events and applies the retry schedule
// (spec §4.6). Endpoint registration lives alongside the hot delivery
// path in the KV Coordinator, the way realtime worker state does,
// because an endpoint record is just a secret and a URL keyed by ID —
// it does not need the Durable Store's transactional claim semantics
// that WebhookDelivery rows require.
type Dispatcher struct {
	cfg    Config
	store  store.Store
	kv     kv.Coordinator
	client *http.Client
	newID  func() string
	log    *logging.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New constructs a Dispatcher.
func New(cfg Config, st store.Store, coordinator kv.Coordinator, newID func() string, log *logging.Logger) *Dispatcher {
	if cfg.ClaimBatchSize <= 0 {
		cfg.ClaimBatchSize = 20
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 5
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 10
	}
	return &Dispatcher{
		cfg:      cfg,
		store:    st,
		kv:       coordinator,
		client:   &http.Client{Timeout: cfg.RequestTimeout},
		newID:    newID,
		log:      log,
		limiters: make(map[string]*rate.Limiter),
	}
}

// RegisterEndpoint creates a new webhook endpoint and returns its ID and
// plaintext secret. The secret is never retrievable again after this
// call returns (spec §4.6: "a secret shown once at endpoint creation").
func (d *Dispatcher) RegisterEndpoint(ctx context.Context, tenantID, url string) (id, secret string, err error) {
	id = d.newID()
	secret, err = randomSecret()
	if err != nil {
		return "", "", fmt.Errorf("generate endpoint secret: %w", err)
	}
	rec := endpointRecord{TenantID: tenantID, URL: url, Secret: secret}
	raw, err := json.Marshal(rec)
	if err != nil {
		return "", "", err
	}
	if err := d.kv.Set(ctx, endpointKey(id), string(raw), 0); err != nil {
		return "", "", fmt.Errorf("persist endpoint: %w", err)
	}
	return id, secret, nil
}

func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func (d *Dispatcher) loadEndpoint(ctx context.Context, id string) (endpointRecord, bool, error) {
	raw, ok, err := d.kv.Get(ctx, endpointKey(id))
	if err != nil || !ok {
		return endpointRecord{}, ok, err
	}
	var rec endpointRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return endpointRecord{}, false, err
	}
	return rec, true, nil
}

func (d *Dispatcher) limiterFor(key string) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Limit(d.cfg.RatePerSecond), d.cfg.RateBurst)
		d.limiters[key] = l
	}
	return l
}

// Run polls for due deliveries until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := d.dispatchDue(ctx); err != nil {
				d.log.WithContext(ctx).WithError(err).Warn("webhook dispatch pass failed")
			}
		}
	}
}

func (d *Dispatcher) dispatchDue(ctx context.Context) error {
	due, err := d.store.Webhooks().ClaimDue(ctx, time.Now(), d.cfg.ClaimBatchSize)
	if err != nil {
		return fmt.Errorf("claim due webhook deliveries: %w", err)
	}
	for _, delivery := range due {
		rateKey := delivery.EndpointID
		if rateKey == "" {
			rateKey = delivery.URL
		}
		if err := d.limiterFor(rateKey).Wait(ctx); err != nil {
			return err
		}
		d.attempt(ctx, delivery)
	}
	return nil
}

// attempt signs and POSTs one delivery, then records the outcome: success
// marks it delivered; failure schedules the next attempt per
// domain.NextDelay, or marks it dead once attempts are exhausted (spec
// §4.6, P7).
func (d *Dispatcher) attempt(ctx context.Context, delivery domain.WebhookDelivery) {
	delivery.Attempts++

	statusCode, attemptErr := d.send(ctx, delivery)
	delivery.LastStatusCode = statusCode

	if attemptErr == nil && statusCode >= 200 && statusCode < 300 {
		delivery.Status = domain.WebhookDelivered
		delivery.LastError = ""
	} else {
		if attemptErr != nil {
			delivery.LastError = attemptErr.Error()
		} else {
			delivery.LastError = fmt.Sprintf("endpoint returned status %d", statusCode)
		}
		if delivery.Attempts >= domain.MaxWebhookAttempts {
			delivery.Status = domain.WebhookDead
		} else {
			// Stays pending so the next ClaimDue pass picks it back up once
			// next_retry_at elapses (domain.WebhookFailed is not queryable
			// by ClaimDue in either store implementation).
			delivery.Status = domain.WebhookPending
			delivery.NextRetryAt = time.Now().Add(domain.NextDelay(delivery.Attempts + 1))
		}
	}

	if _, err := d.store.Webhooks().Update(ctx, delivery); err != nil {
		d.log.WithContext(ctx).WithError(err).Warnf("persist webhook delivery outcome failed for %s", delivery.ID)
	}

	if delivery.Status == domain.WebhookDead {
		entry := domain.AuditEntry{
			ID:         d.newID(),
			TenantID:   delivery.TenantID,
			Action:     "webhook.dead",
			Resource:   "webhook_delivery",
			ResourceID: delivery.ID,
			Result:     "failed",
			Detail:     delivery.LastError,
		}
		if err := d.store.Audit().Append(ctx, entry); err != nil {
			d.log.WithContext(ctx).WithError(err).Warnf("audit append failed for webhook delivery %s", delivery.ID)
		}
	}
}

// send signs the payload and POSTs it, returning the HTTP status code (0
// if the request never got a response).
func (d *Dispatcher) send(ctx context.Context, delivery domain.WebhookDelivery) (int, error) {
	secret := ""
	if delivery.EndpointID != "" {
		rec, ok, err := d.loadEndpoint(ctx, delivery.EndpointID)
		if err != nil {
			return 0, fmt.Errorf("load endpoint secret: %w", err)
		}
		if ok {
			secret = rec.Secret
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, delivery.URL, bytes.NewReader(delivery.Payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Scribeflow-Event", delivery.EventType)
	req.Header.Set("X-Scribeflow-Delivery", delivery.ID)

	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set("X-Scribeflow-Timestamp", timestamp)
	req.Header.Set("X-Scribeflow-Signature", Sign(secret, timestamp, delivery.Payload))

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return resp.StatusCode, fmt.Errorf("webhook endpoint returned status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// Sign computes the HMAC-SHA256 signature over "timestamp.payload" (spec
// §4.6: the receiving endpoint recomputes this with the secret it was
// shown once at creation).
func Sign(secret, timestamp string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

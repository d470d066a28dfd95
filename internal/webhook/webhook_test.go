package webhook

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/scribeflow/infrastructure/logging"
	"github.com/r3e-network/scribeflow/internal/domain"
	"github.com/r3e-network/scribeflow/internal/kv/kvtest"
	"github.com/r3e-network/scribeflow/internal/store/storetest"
)

func newIDs() func() string { return uuid.NewString }

func TestDispatchDueDeliversAndSignsWithRegisteredSecret(t *testing.T) {
	var gotSig, gotTimestamp string
	var calls int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		gotSig = r.Header.Get("X-Scribeflow-Signature")
		gotTimestamp = r.Header.Get("X-Scribeflow-Timestamp")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	st := storetest.New()
	coord := kvtest.New()
	log := logging.New("webhook-test", "error", "text")
	d := New(Config{PollInterval: time.Hour}, st, coord, newIDs(), log)
	ctx := context.Background()

	endpointID, secret, err := d.RegisterEndpoint(ctx, "tenant-1", srv.URL)
	require.NoError(t, err)
	assert.Len(t, secret, 64) // 32 random bytes, hex-encoded

	payload := []byte(`{"job_id":"job-1","status":"completed"}`)
	delivery, err := st.Webhooks().Create(ctx, domain.WebhookDelivery{
		TenantID:   "tenant-1",
		EndpointID: endpointID,
		URL:        srv.URL,
		EventType:  "transcription.completed",
		Payload:    payload,
		Status:     domain.WebhookPending,
		NextRetryAt: time.Now(),
	})
	require.NoError(t, err)

	require.NoError(t, d.dispatchDue(ctx))

	assert.EqualValues(t, 1, calls)
	assert.Equal(t, Sign(secret, gotTimestamp, payload), gotSig)

	stored, err := st.Webhooks().Get(ctx, delivery.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookDelivered, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	assert.Equal(t, http.StatusOK, stored.LastStatusCode)
}

func TestDispatchDueRetainsPendingOnFailureUntilMaxAttemptsThenDead(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	st := storetest.New()
	coord := kvtest.New()
	log := logging.New("webhook-test", "error", "text")
	d := New(Config{PollInterval: time.Hour, RatePerSecond: 1000, RateBurst: 1000}, st, coord, newIDs(), log)
	ctx := context.Background()

	delivery, err := st.Webhooks().Create(ctx, domain.WebhookDelivery{
		TenantID:    "tenant-1",
		URL:         srv.URL,
		EventType:   "transcription.failed",
		Payload:     []byte(`{}`),
		Status:      domain.WebhookPending,
		NextRetryAt: time.Now(),
	})
	require.NoError(t, err)

	for i := 1; i < domain.MaxWebhookAttempts; i++ {
		require.NoError(t, d.dispatchDue(ctx))

		stored, err := st.Webhooks().Get(ctx, delivery.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.WebhookPending, stored.Status, "attempt %d should stay pending for retry", i)
		assert.Equal(t, i, stored.Attempts)
		assert.Equal(t, http.StatusInternalServerError, stored.LastStatusCode)

		// Force the next claim window open immediately instead of waiting
		// out the real backoff.
		stored.NextRetryAt = time.Now()
		_, err = st.Webhooks().Update(ctx, stored)
		require.NoError(t, err)
	}

	require.NoError(t, d.dispatchDue(ctx))
	stored, err := st.Webhooks().Get(ctx, delivery.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookDead, stored.Status)
	assert.Equal(t, domain.MaxWebhookAttempts, stored.Attempts)
}

package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/scribeflow/internal/domain"
)

func TestClaimReadyIsExclusiveAndOrdered(t *testing.T) {
	s := New()
	ctx := context.Background()

	early := time.Now().Add(-time.Minute)
	late := time.Now()
	_, err := s.Tasks().Create(ctx, domain.Task{ID: "t-late", Stage: domain.StageTranscribe, Status: domain.TaskReady, QueuedAt: &late})
	require.NoError(t, err)
	_, err = s.Tasks().Create(ctx, domain.Task{ID: "t-early", Stage: domain.StageTranscribe, Status: domain.TaskReady, QueuedAt: &early})
	require.NoError(t, err)

	claimed, err := s.Tasks().ClaimReady(ctx, domain.StageTranscribe, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "t-early", claimed[0].ID)
	assert.Equal(t, domain.TaskRunning, claimed[0].Status)

	again, err := s.Tasks().ClaimReady(ctx, domain.StageTranscribe, 5)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, "t-late", again[0].ID)
}

func TestClaimDuePushesClaimWindowForward(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.Webhooks().Create(ctx, domain.WebhookDelivery{
		ID: "wh-1", Status: domain.WebhookPending, NextRetryAt: time.Now().Add(-time.Second),
	})
	require.NoError(t, err)

	claimed, err := s.Webhooks().ClaimDue(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	again, err := s.Webhooks().ClaimDue(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, again, "delivery should be invisible until its new claim window elapses")
}

package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/scribeflow/infrastructure/logging"
	"github.com/r3e-network/scribeflow/internal/domain"
	"github.com/r3e-network/scribeflow/internal/kv/kvtest"
)

func newTestRegistry() *Registry {
	return New(kvtest.New(), 100*time.Millisecond, logging.New("registry-test", "error", "text"))
}

func TestRegisterHeartbeatIsAvailable(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, "engine-1", domain.StageTranscribe, "q-transcribe", 4))

	available, err := r.IsAvailable(ctx, "engine-1")
	require.NoError(t, err)
	assert.True(t, available)

	require.NoError(t, r.Heartbeat(ctx, "engine-1", domain.EngineProcessing, "task-9"))

	states, err := r.ListEnginesForStage(ctx, domain.StageTranscribe)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, "task-9", states[0].CurrentTask)
	assert.Equal(t, domain.EngineProcessing, states[0].Status)
}

func TestIsAvailableFalseAfterStaleness(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, "engine-2", domain.StageAlign, "q-align", 2))
	time.Sleep(150 * time.Millisecond)

	available, err := r.IsAvailable(ctx, "engine-2")
	require.NoError(t, err)
	assert.False(t, available)
}

func TestUnregisterRemovesFromStageListing(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, "engine-3", domain.StageDiarize, "q-diarize", 1))
	require.NoError(t, r.Unregister(ctx, "engine-3"))

	states, err := r.ListEnginesForStage(ctx, domain.StageDiarize)
	require.NoError(t, err)
	assert.Empty(t, states)

	available, err := r.IsAvailable(ctx, "engine-3")
	require.NoError(t, err)
	assert.False(t, available)
}

func TestSweepStaleMarksOfflineAndPublishes(t *testing.T) {
	r := newTestRegistry()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	sub, err := r.kv.Subscribe(ctx, "engine.offline")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, r.Register(ctx, "engine-4", domain.StagePrepare, "q-prepare", 1))
	time.Sleep(150 * time.Millisecond)

	require.NoError(t, r.SweepStale(ctx))

	select {
	case msg := <-sub.Channel():
		assert.Equal(t, "engine-4", msg.Payload)
	case <-ctx.Done():
		t.Fatal("timed out waiting for engine.offline event")
	}

	states, err := r.ListEnginesForStage(ctx, domain.StagePrepare)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, domain.EngineOffline, states[0].Status)
}

func TestHeartbeatForUnknownEngineCreatesRecord(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	require.NoError(t, r.Heartbeat(ctx, "engine-5", domain.EngineIdle, ""))

	available, err := r.IsAvailable(ctx, "engine-5")
	require.NoError(t, err)
	assert.True(t, available)
}

package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/scribeflow/infrastructure/logging"
	"github.com/r3e-network/scribeflow/internal/domain"
	"github.com/r3e-network/scribeflow/internal/kv/kvtest"
	"github.com/r3e-network/scribeflow/internal/store/storetest"
)

func sequentialSessionIDs() func() string {
	n := 0
	return func() string {
		n++
		return "session-" + string(rune('0'+n))
	}
}

func TestAllocatePrefersMoreAvailableSlots(t *testing.T) {
	coord := kvtest.New()
	st := storetest.New()
	log := logging.New("realtime-test", "error", "text")
	r := New(coord, st, time.Minute, sequentialSessionIDs(), log)
	ctx := context.Background()

	require.NoError(t, r.RegisterWorker(ctx, "worker-tight", "ws://tight", 1, []string{"base"}, []string{"en"}))
	require.NoError(t, r.RegisterWorker(ctx, "worker-roomy", "ws://roomy", 4, []string{"base"}, []string{"en"}))

	alloc, err := r.Allocate(ctx, AllocationRequest{TenantID: "t", Model: "base", Language: "en"})
	require.NoError(t, err)
	assert.Equal(t, "worker-roomy", alloc.WorkerID)
	assert.Equal(t, "session-1", alloc.SessionID)

	session, err := st.Sessions().Get(ctx, alloc.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionActive, session.Status)
}

func TestAllocateReturnsNoCapacityWhenAllFull(t *testing.T) {
	coord := kvtest.New()
	st := storetest.New()
	log := logging.New("realtime-test", "error", "text")
	r := New(coord, st, time.Minute, sequentialSessionIDs(), log)
	ctx := context.Background()

	require.NoError(t, r.RegisterWorker(ctx, "worker-1", "ws://w1", 1, []string{"base"}, []string{"en"}))
	_, err := r.Allocate(ctx, AllocationRequest{TenantID: "t", Model: "base", Language: "en"})
	require.NoError(t, err)

	_, err = r.Allocate(ctx, AllocationRequest{TenantID: "t", Model: "base", Language: "en"})
	require.Error(t, err)
	var noCap *ErrNoCapacity
	assert.ErrorAs(t, err, &noCap)
}

func TestReleaseFreesSlotForNextAllocation(t *testing.T) {
	coord := kvtest.New()
	st := storetest.New()
	log := logging.New("realtime-test", "error", "text")
	r := New(coord, st, time.Minute, sequentialSessionIDs(), log)
	ctx := context.Background()

	require.NoError(t, r.RegisterWorker(ctx, "worker-1", "ws://w1", 1, []string{"base"}, []string{"en"}))
	alloc, err := r.Allocate(ctx, AllocationRequest{TenantID: "t", Model: "base", Language: "en"})
	require.NoError(t, err)

	require.NoError(t, r.Release(ctx, alloc.SessionID, domain.SessionCompleted, domain.SessionStats{WordCount: 10}, "file:///audio", "file:///transcript"))

	session, err := st.Sessions().Get(ctx, alloc.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCompleted, session.Status)
	assert.Equal(t, 10, session.Stats.WordCount)

	alloc2, err := r.Allocate(ctx, AllocationRequest{TenantID: "t", Model: "base", Language: "en"})
	require.NoError(t, err)
	assert.Equal(t, "worker-1", alloc2.WorkerID)
}

func TestHealthLoopInterruptsSessionsOnStaleWorker(t *testing.T) {
	coord := kvtest.New()
	st := storetest.New()
	log := logging.New("realtime-test", "error", "text")
	r := New(coord, st, 50*time.Millisecond, sequentialSessionIDs(), log)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, r.RegisterWorker(ctx, "worker-1", "ws://w1", 2, []string{"base"}, []string{"en"}))
	alloc, err := r.Allocate(ctx, AllocationRequest{TenantID: "t", Model: "base", Language: "en"})
	require.NoError(t, err)

	sub, err := coord.Subscribe(ctx, "worker.offline:"+alloc.SessionID)
	require.NoError(t, err)
	defer sub.Close()

	time.Sleep(60 * time.Millisecond)
	require.NoError(t, r.sweepOfflineWorkers(ctx))

	select {
	case msg := <-sub.Channel():
		assert.Equal(t, alloc.SessionID, msg.Payload)
	case <-ctx.Done():
		t.Fatal("expected worker.offline publish")
	}

	session, err := st.Sessions().Get(ctx, alloc.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionInterrupted, session.Status)
}

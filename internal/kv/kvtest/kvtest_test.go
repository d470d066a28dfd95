package kvtest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueuePopAckReclaim(t *testing.T) {
	c := New()
	ctx := context.Background()

	require.NoError(t, c.QueuePush(ctx, "transcribe", "payload-1"))

	item, ok, err := c.QueuePop(ctx, "transcribe", 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "payload-1", item.Payload)

	time.Sleep(20 * time.Millisecond)
	reclaimed, err := c.ReclaimExpiredLeases(ctx, "transcribe")
	require.NoError(t, err)
	assert.Equal(t, 1, reclaimed)

	again, ok, err := c.QueuePop(ctx, "transcribe", time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "payload-1", again.Payload)
	require.NoError(t, c.QueueAck(ctx, "transcribe", again))

	reclaimed, err = c.ReclaimExpiredLeases(ctx, "transcribe")
	require.NoError(t, err)
	assert.Equal(t, 0, reclaimed)
}

func TestIncrDecrAtomicCounter(t *testing.T) {
	c := New()
	ctx := context.Background()

	n, err := c.Incr(ctx, "worker:active_sessions")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = c.Incr(ctx, "worker:active_sessions")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = c.Decr(ctx, "worker:active_sessions")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestPubSub(t *testing.T) {
	c := New()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	sub, err := c.Subscribe(ctx, "job.created")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, c.Publish(ctx, "job.created", `{"job_id":"j-1"}`))

	select {
	case msg := <-sub.Channel():
		assert.Equal(t, "job.created", msg.Channel)
		assert.Contains(t, msg.Payload, "j-1")
	case <-ctx.Done():
		t.Fatal("timed out waiting for pub/sub message")
	}
}

func TestSetNXActsAsLease(t *testing.T) {
	c := New()
	ctx := context.Background()

	ok, err := c.SetNX(ctx, "shard:0:lease", "scheduler-a", 50*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.SetNX(ctx, "shard:0:lease", "scheduler-b", 50*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok, "lease already held")

	time.Sleep(60 * time.Millisecond)
	ok, err = c.SetNX(ctx, "shard:0:lease", "scheduler-b", 50*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok, "lease should be acquirable after expiry")
}

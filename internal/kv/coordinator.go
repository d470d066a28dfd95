// Package kv defines the Key-Value Coordinator contract (C1): a durable-ish,
// low-latency store providing atomic counters, hashes, sets, FIFO queues
// with leased pop, pub/sub, and key TTL (spec §6).
package kv

import (
	"context"
	"time"
)

// Message is a single pub/sub delivery.
type Message struct {
	Channel string
	Payload string
}

// Subscription is a live pub/sub subscription; callers range over Channel
// until ctx is cancelled or Close is called.
type Subscription interface {
	Channel() <-chan Message
	Close() error
}

// LeasedItem is a FIFO queue entry popped under a visibility lease: it
// stays invisible to other consumers until Ack, or until the lease
// duration elapses and it is returned to the queue automatically (spec
// §4.4's crash-recovery requirement).
type LeasedItem struct {
	Payload string
	// token identifies this specific pop so Ack only removes the leased
	// copy, never a redelivery that raced it.
	token string
}

// Token returns the opaque lease token for this item.
func (i LeasedItem) Token() string { return i.token }

// NewLeasedItem builds a LeasedItem; exported for backends outside this
// package (e.g. kvtest) that need to construct one.
func NewLeasedItem(payload, token string) LeasedItem {
	return LeasedItem{Payload: payload, token: token}
}

// Coordinator is the C1 contract consumed by the Engine Registry, the
// Orchestrator Scheduler, the Engine Worker Harness, the Realtime Session
// Router, and the Progress Bus.
type Coordinator interface {
	// Hash operations back Engine State / Realtime Worker State records.
	HashSet(ctx context.Context, key, field, value string) error
	HashGet(ctx context.Context, key, field string) (string, bool, error)
	HashGetAll(ctx context.Context, key string) (map[string]string, error)
	HashDelete(ctx context.Context, key string, fields ...string) error

	// Set operations back engine/worker membership indexes.
	SetAdd(ctx context.Context, key string, members ...string) error
	SetRemove(ctx context.Context, key string, members ...string) error
	SetMembers(ctx context.Context, key string) ([]string, error)

	// Queue operations back per-engine FIFO work queues.
	QueuePush(ctx context.Context, queue, payload string) error
	// QueuePop blocks (honoring ctx) until an item is available or ctx is
	// done, leasing it for leaseDuration. The item remains invisible to
	// other consumers until Ack or lease expiry.
	QueuePop(ctx context.Context, queue string, leaseDuration time.Duration) (LeasedItem, bool, error)
	// QueueAck removes a leased item permanently; calling Ack with a stale
	// token (the lease already expired and the item was redelivered) is a
	// no-op, not an error.
	QueueAck(ctx context.Context, queue string, item LeasedItem) error

	// Atomic counters back Realtime Worker active_sessions (I5).
	Incr(ctx context.Context, key string) (int64, error)
	Decr(ctx context.Context, key string) (int64, error)

	// Key/value with TTL backs Progress Records and scheduler-shard leases.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, bool, error)
	Delete(ctx context.Context, key string) error
	// SetNX sets key only if absent, returning whether it was set; used
	// for the scheduler's per-shard lease acquisition (spec §4.3).
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Pub/sub backs cancellation signals, progress fan-out, and lifecycle
	// events (job.created, task.completed, engine.offline, ...).
	Publish(ctx context.Context, channel, payload string) error
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)
}

// LeaseReclaimer is implemented by Coordinator backends that track queue
// leases explicitly and can requeue items whose engine crashed before Ack
// (spec §4.4, §8 "engine disappears while holding a task"). Callers type-
// assert for it rather than requiring it of every Coordinator, since an
// in-memory test double may reclaim synchronously inside QueuePop instead.
type LeaseReclaimer interface {
	ReclaimExpiredLeases(ctx context.Context, queue string) (int, error)
}

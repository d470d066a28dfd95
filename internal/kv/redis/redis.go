// Package redis implements the kv.Coordinator contract (C1) against a
// Redis (or Redis-compatible) server: hashes for engine/session state,
// sets for membership indexes, lists for per-stage FIFO queues with a
// leased-pop pattern built from a processing hash + a deadline sorted
// set, INCR/DECR for atomic capacity counters, and native pub/sub.
//
// The teacher's own services never wired go.mod's go-redis dependency to
// anything; this adapts the teacher's infrastructure/cache TTL-map
// contract (Get/Set/Delete/TTL) onto a real Redis client instead of an
// in-memory map.
package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/r3e-network/scribeflow/internal/kv"
)

// Coordinator implements kv.Coordinator backed by a go-redis client.
type Coordinator struct {
	client *goredis.Client
	prefix string
}

// New wraps an established go-redis client. prefix namespaces every key
// this coordinator touches, so multiple environments can share one Redis
// instance safely.
func New(client *goredis.Client, prefix string) *Coordinator {
	return &Coordinator{client: client, prefix: prefix}
}

// Dial opens a new client from addr/password/db, matching the shape of
// the teacher's other storage constructors (explicit handles, no global
// singleton per spec §9).
func Dial(addr, password string, db int, prefix string) *Coordinator {
	client := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return New(client, prefix)
}

func (c *Coordinator) key(parts ...string) string {
	k := c.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

// Close releases the underlying connection pool.
func (c *Coordinator) Close() error {
	return c.client.Close()
}

func (c *Coordinator) HashSet(ctx context.Context, key, field, value string) error {
	return c.client.HSet(ctx, c.key(key), field, value).Err()
}

func (c *Coordinator) HashGet(ctx context.Context, key, field string) (string, bool, error) {
	v, err := c.client.HGet(ctx, c.key(key), field).Result()
	if err == goredis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (c *Coordinator) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	return c.client.HGetAll(ctx, c.key(key)).Result()
}

func (c *Coordinator) HashDelete(ctx context.Context, key string, fields ...string) error {
	return c.client.HDel(ctx, c.key(key), fields...).Err()
}

func (c *Coordinator) SetAdd(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return c.client.SAdd(ctx, c.key(key), args...).Err()
}

func (c *Coordinator) SetRemove(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return c.client.SRem(ctx, c.key(key), args...).Err()
}

func (c *Coordinator) SetMembers(ctx context.Context, key string) ([]string, error) {
	return c.client.SMembers(ctx, c.key(key)).Result()
}

func (c *Coordinator) QueuePush(ctx context.Context, queue, payload string) error {
	return c.client.LPush(ctx, c.key("queue", queue), payload).Err()
}

// processingHash and leaseSet hold the in-flight copy and its deadline for
// every leased-but-unacked item in a queue.
func (c *Coordinator) processingHash(queue string) string { return c.key("queue", queue, "processing") }
func (c *Coordinator) leaseSet(queue string) string       { return c.key("queue", queue, "leases") }

// QueuePop blocks via BRPOP until an item is available or ctx is done,
// then moves it into the processing hash under a fresh token and records
// its lease deadline in the lease set so ReclaimExpiredLeases can requeue
// it if the popping engine crashes before Ack (spec §4.4).
func (c *Coordinator) QueuePop(ctx context.Context, queue string, leaseDuration time.Duration) (kv.LeasedItem, bool, error) {
	res, err := c.client.BRPop(ctx, 0, c.key("queue", queue)).Result()
	if err == goredis.Nil {
		return kv.LeasedItem{}, false, nil
	}
	if err != nil {
		return kv.LeasedItem{}, false, err
	}
	// res is [key, value]
	payload := res[1]
	token := uuid.NewString()

	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, c.processingHash(queue), token, payload)
	pipe.ZAdd(ctx, c.leaseSet(queue), &goredis.Z{
		Score:  float64(time.Now().Add(leaseDuration).Unix()),
		Member: token,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return kv.LeasedItem{}, false, fmt.Errorf("record lease: %w", err)
	}

	return kv.NewLeasedItem(payload, token), true, nil
}

// QueueAck removes a leased item permanently. Acking a token whose lease
// already expired and was reclaimed is a harmless no-op.
func (c *Coordinator) QueueAck(ctx context.Context, queue string, item kv.LeasedItem) error {
	pipe := c.client.TxPipeline()
	pipe.HDel(ctx, c.processingHash(queue), item.Token())
	pipe.ZRem(ctx, c.leaseSet(queue), item.Token())
	_, err := pipe.Exec(ctx)
	return err
}

// ReclaimExpiredLeases requeues every item whose lease deadline has
// passed without an Ack, implementing the automatic recovery boundary
// behavior from spec §8 ("engine disappears while holding a task").
func (c *Coordinator) ReclaimExpiredLeases(ctx context.Context, queue string) (int, error) {
	now := float64(time.Now().Unix())
	tokens, err := c.client.ZRangeByScore(ctx, c.leaseSet(queue), &goredis.ZRangeBy{
		Min: "0", Max: fmt.Sprintf("%f", now),
	}).Result()
	if err != nil {
		return 0, err
	}

	reclaimed := 0
	for _, token := range tokens {
		payload, err := c.client.HGet(ctx, c.processingHash(queue), token).Result()
		if err == goredis.Nil {
			// Already acked; just drop the stale lease entry.
			c.client.ZRem(ctx, c.leaseSet(queue), token)
			continue
		}
		if err != nil {
			return reclaimed, err
		}

		pipe := c.client.TxPipeline()
		pipe.LPush(ctx, c.key("queue", queue), payload)
		pipe.HDel(ctx, c.processingHash(queue), token)
		pipe.ZRem(ctx, c.leaseSet(queue), token)
		if _, err := pipe.Exec(ctx); err != nil {
			return reclaimed, err
		}
		reclaimed++
	}
	return reclaimed, nil
}

func (c *Coordinator) Incr(ctx context.Context, key string) (int64, error) {
	return c.client.Incr(ctx, c.key(key)).Result()
}

func (c *Coordinator) Decr(ctx context.Context, key string) (int64, error) {
	return c.client.Decr(ctx, c.key(key)).Result()
}

func (c *Coordinator) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.client.Set(ctx, c.key(key), value, ttl).Err()
}

func (c *Coordinator) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := c.client.Get(ctx, c.key(key)).Result()
	if err == goredis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (c *Coordinator) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.key(key)).Err()
}

func (c *Coordinator) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, c.key(key), value, ttl).Result()
}

func (c *Coordinator) Publish(ctx context.Context, channel, payload string) error {
	return c.client.Publish(ctx, c.key("channel", channel), payload).Err()
}

type subscription struct {
	pubsub *goredis.PubSub
	ch     chan kv.Message
	cancel context.CancelFunc
}

func (s *subscription) Channel() <-chan kv.Message { return s.ch }

func (s *subscription) Close() error {
	s.cancel()
	return s.pubsub.Close()
}

func (c *Coordinator) Subscribe(ctx context.Context, channels ...string) (kv.Subscription, error) {
	prefixed := make([]string, len(channels))
	for i, ch := range channels {
		prefixed[i] = c.key("channel", ch)
	}

	pubsub := c.client.Subscribe(ctx, prefixed...)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	out := make(chan kv.Message)
	sub := &subscription{pubsub: pubsub, ch: out, cancel: cancel}

	go func() {
		defer close(out)
		redisCh := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-redisCh:
				if !ok {
					return
				}
				select {
				case out <- kv.Message{Channel: msg.Channel, Payload: msg.Payload}:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return sub, nil
}

var _ kv.Coordinator = (*Coordinator)(nil)

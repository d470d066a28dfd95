// Package kvtest is an in-memory kv.Coordinator double for unit tests.
// Structured the same way as the teacher's infrastructure/cache TTL map
// (mutex-guarded map, lazy expiry check on read), since the pack carries
// no Redis test-double library for this teacher.
package kvtest

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/r3e-network/scribeflow/internal/kv"
)

type entry struct {
	value    string
	deadline time.Time // zero means no expiry
}

func (e entry) expired(now time.Time) bool {
	return !e.deadline.IsZero() && now.After(e.deadline)
}

type leasedEntry struct {
	payload  string
	queue    string
	deadline time.Time
}

// Coordinator is an in-memory kv.Coordinator.
type Coordinator struct {
	mu sync.Mutex

	kv     map[string]entry
	hashes map[string]map[string]string
	sets   map[string]map[string]struct{}
	queues map[string][]string
	leases map[string]leasedEntry // token -> leased entry

	subscribers map[string][]chan kv.Message
}

// New builds an empty Coordinator.
func New() *Coordinator {
	return &Coordinator{
		kv:          make(map[string]entry),
		hashes:      make(map[string]map[string]string),
		sets:        make(map[string]map[string]struct{}),
		queues:      make(map[string][]string),
		leases:      make(map[string]leasedEntry),
		subscribers: make(map[string][]chan kv.Message),
	}
}

func (c *Coordinator) HashSet(_ context.Context, key, field, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.hashes[key]
	if !ok {
		h = make(map[string]string)
		c.hashes[key] = h
	}
	h[field] = value
	return nil
}

func (c *Coordinator) HashGet(_ context.Context, key, field string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.hashes[key]
	if !ok {
		return "", false, nil
	}
	v, ok := h[field]
	return v, ok, nil
}

func (c *Coordinator) HashGetAll(_ context.Context, key string) (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string)
	for k, v := range c.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (c *Coordinator) HashDelete(_ context.Context, key string, fields ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.hashes[key]
	if !ok {
		return nil
	}
	for _, f := range fields {
		delete(h, f)
	}
	return nil
}

func (c *Coordinator) SetAdd(_ context.Context, key string, members ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sets[key]
	if !ok {
		s = make(map[string]struct{})
		c.sets[key] = s
	}
	for _, m := range members {
		s[m] = struct{}{}
	}
	return nil
}

func (c *Coordinator) SetRemove(_ context.Context, key string, members ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sets[key]
	if !ok {
		return nil
	}
	for _, m := range members {
		delete(s, m)
	}
	return nil
}

func (c *Coordinator) SetMembers(_ context.Context, key string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.sets[key]))
	for m := range c.sets[key] {
		out = append(out, m)
	}
	return out, nil
}

func (c *Coordinator) QueuePush(_ context.Context, queue, payload string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queues[queue] = append(c.queues[queue], payload)
	return nil
}

func (c *Coordinator) QueuePop(ctx context.Context, queue string, leaseDuration time.Duration) (kv.LeasedItem, bool, error) {
	for {
		c.mu.Lock()
		q := c.queues[queue]
		if len(q) > 0 {
			payload := q[0]
			c.queues[queue] = q[1:]
			token := uuid.NewString()
			c.leases[token] = leasedEntry{payload: payload, queue: queue, deadline: time.Now().Add(leaseDuration)}
			c.mu.Unlock()
			return kv.NewLeasedItem(payload, token), true, nil
		}
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return kv.LeasedItem{}, false, nil
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (c *Coordinator) QueueAck(_ context.Context, _ string, item kv.LeasedItem) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.leases, item.Token())
	return nil
}

// ReclaimExpiredLeases requeues any leased item whose deadline has passed,
// implementing kv.LeaseReclaimer for tests that exercise crash recovery.
func (c *Coordinator) ReclaimExpiredLeases(_ context.Context, queue string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	reclaimed := 0
	for token, l := range c.leases {
		if l.queue != queue || now.Before(l.deadline) {
			continue
		}
		c.queues[queue] = append(c.queues[queue], l.payload)
		delete(c.leases, token)
		reclaimed++
	}
	return reclaimed, nil
}

func (c *Coordinator) Incr(_ context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.adjustLocked(key, 1), nil
}

func (c *Coordinator) Decr(_ context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.adjustLocked(key, -1), nil
}

func (c *Coordinator) adjustLocked(key string, delta int64) int64 {
	e, ok := c.kv[key]
	var n int64
	if ok && !e.expired(time.Now()) {
		n, _ = strconv.ParseInt(e.value, 10, 64)
	}
	n += delta
	c.kv[key] = entry{value: strconv.FormatInt(n, 10)}
	return n
}

func (c *Coordinator) Set(_ context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := entry{value: value}
	if ttl > 0 {
		e.deadline = time.Now().Add(ttl)
	}
	c.kv[key] = e
	return nil
}

func (c *Coordinator) Get(_ context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.kv[key]
	if !ok || e.expired(time.Now()) {
		return "", false, nil
	}
	return e.value, true, nil
}

func (c *Coordinator) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.kv, key)
	return nil
}

func (c *Coordinator) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.kv[key]; ok && !e.expired(time.Now()) {
		return false, nil
	}
	e := entry{value: value}
	if ttl > 0 {
		e.deadline = time.Now().Add(ttl)
	}
	c.kv[key] = e
	return true, nil
}

func (c *Coordinator) Publish(_ context.Context, channel, payload string) error {
	c.mu.Lock()
	subs := append([]chan kv.Message(nil), c.subscribers[channel]...)
	c.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- kv.Message{Channel: channel, Payload: payload}:
		default:
		}
	}
	return nil
}

type subscription struct {
	ch     chan kv.Message
	close  func()
}

func (s *subscription) Channel() <-chan kv.Message { return s.ch }
func (s *subscription) Close() error                { s.close(); return nil }

func (c *Coordinator) Subscribe(_ context.Context, channels ...string) (kv.Subscription, error) {
	ch := make(chan kv.Message, 16)

	c.mu.Lock()
	for _, name := range channels {
		c.subscribers[name] = append(c.subscribers[name], ch)
	}
	c.mu.Unlock()

	closed := false
	closer := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if closed {
			return
		}
		closed = true
		for _, name := range channels {
			subs := c.subscribers[name]
			for i, s := range subs {
				if s == ch {
					c.subscribers[name] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
		}
		close(ch)
	}

	return &subscription{ch: ch, close: closer}, nil
}

var _ kv.Coordinator = (*Coordinator)(nil)
var _ kv.LeaseReclaimer = (*Coordinator)(nil)

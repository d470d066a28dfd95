// Package storetest is an in-memory store.Store double, mirroring the
// mutex+map idiom used by internal/kv/kvtest for the same reason: no
// sqlmock-based fixture is expressive enough for the scheduler and
// dispatcher's multi-row claim semantics.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/r3e-network/scribeflow/internal/domain"
	"github.com/r3e-network/scribeflow/internal/store"
)

// Store is an in-memory store.Store.
type Store struct {
	mu sync.Mutex

	jobs     map[string]domain.Job
	tasks    map[string]domain.Task
	webhooks map[string]domain.WebhookDelivery
	progress map[string]domain.ProgressRecord
	audit    []domain.AuditEntry
	sessions map[string]domain.RealtimeSession
}

// New builds an empty Store.
func New() *Store {
	return &Store{
		jobs:     make(map[string]domain.Job),
		tasks:    make(map[string]domain.Task),
		webhooks: make(map[string]domain.WebhookDelivery),
		progress: make(map[string]domain.ProgressRecord),
		sessions: make(map[string]domain.RealtimeSession),
	}
}

func (s *Store) Jobs() store.JobStore         { return (*jobStore)(s) }
func (s *Store) Tasks() store.TaskStore       { return (*taskStore)(s) }
func (s *Store) Webhooks() store.WebhookStore { return (*webhookStore)(s) }
func (s *Store) Progress() store.ProgressStore { return (*progressStore)(s) }
func (s *Store) Audit() store.AuditStore       { return (*auditStore)(s) }
func (s *Store) Sessions() store.SessionStore  { return (*sessionStore)(s) }

// No real transactions in-memory: each op is already atomic under mu, so
// WithTx just runs fn directly, matching how the teacher's in-memory
// doubles treat transactions as a no-op boundary.
func (s *Store) BeginTx(ctx context.Context) (context.Context, error) { return ctx, nil }
func (s *Store) CommitTx(ctx context.Context) error                   { return nil }
func (s *Store) RollbackTx(ctx context.Context) error                 { return nil }
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type jobStore Store

func (s *jobStore) Create(_ context.Context, job domain.Job) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	job.CreatedAt, job.UpdatedAt = now, now
	s.jobs[job.ID] = job
	return job, nil
}

func (s *jobStore) Get(_ context.Context, id string) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("job %s not found", id)
	}
	return j, nil
}

func (s *jobStore) Update(_ context.Context, job domain.Job) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job.UpdatedAt = time.Now()
	s.jobs[job.ID] = job
	return job, nil
}

func (s *jobStore) ListByTenant(_ context.Context, tenantID string, limit, offset int) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Job
	for _, j := range s.jobs {
		if j.TenantID == tenantID {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	return paginate(out, limit, offset), nil
}

func (s *jobStore) ListStale(_ context.Context, cutoff time.Time, limit int) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Job
	for _, j := range s.jobs {
		if !j.State.IsTerminal() && j.UpdatedAt.Before(cutoff) {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].UpdatedAt.Before(out[k].UpdatedAt) })
	return paginate(out, limit, 0), nil
}

func (s *jobStore) ListTerminal(_ context.Context, limit int) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Job
	for _, j := range s.jobs {
		if j.State.IsTerminal() {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].UpdatedAt.Before(out[k].UpdatedAt) })
	return paginate(out, limit, 0), nil
}

func (s *jobStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return nil
}

type taskStore Store

func (s *taskStore) Create(_ context.Context, t domain.Task) (domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = t
	return t, nil
}

func (s *taskStore) Get(_ context.Context, id string) (domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return domain.Task{}, fmt.Errorf("task %s not found", id)
	}
	return t, nil
}

func (s *taskStore) Update(_ context.Context, t domain.Task) (domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = t
	return t, nil
}

func (s *taskStore) ListByJob(_ context.Context, jobID string) ([]domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Task
	for _, t := range s.tasks {
		if t.JobID == jobID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (s *taskStore) ClaimReady(_ context.Context, stage domain.Stage, limit int) ([]domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var candidates []domain.Task
	for _, t := range s.tasks {
		if t.Stage == stage && t.Status == domain.TaskReady {
			candidates = append(candidates, t)
		}
	}
	sort.Slice(candidates, func(i, k int) bool {
		qi, qk := candidates[i].QueuedAt, candidates[k].QueuedAt
		if qi == nil {
			return true
		}
		if qk == nil {
			return false
		}
		return qi.Before(*qk)
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	now := time.Now()
	for i := range candidates {
		candidates[i].Status = domain.TaskRunning
		candidates[i].StartedAt = &now
		s.tasks[candidates[i].ID] = candidates[i]
	}
	return candidates, nil
}

func (s *taskStore) ListByState(_ context.Context, state domain.TaskState, olderThan time.Time, limit int) ([]domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Task
	for _, t := range s.tasks {
		if t.Status != state {
			continue
		}
		ref := t.StartedAt
		if ref == nil {
			ref = t.QueuedAt
		}
		if ref != nil && !ref.Before(olderThan) {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return paginate(out, limit, 0), nil
}

type webhookStore Store

func (s *webhookStore) Create(_ context.Context, d domain.WebhookDelivery) (domain.WebhookDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	d.CreatedAt, d.UpdatedAt = now, now
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	s.webhooks[d.ID] = d
	return d, nil
}

func (s *webhookStore) Update(_ context.Context, d domain.WebhookDelivery) (domain.WebhookDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d.UpdatedAt = time.Now()
	s.webhooks[d.ID] = d
	return d, nil
}

func (s *webhookStore) Get(_ context.Context, id string) (domain.WebhookDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.webhooks[id]
	if !ok {
		return domain.WebhookDelivery{}, fmt.Errorf("webhook delivery %s not found", id)
	}
	return d, nil
}

func (s *webhookStore) ClaimDue(_ context.Context, now time.Time, limit int) ([]domain.WebhookDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var candidates []domain.WebhookDelivery
	for _, d := range s.webhooks {
		if d.Status == domain.WebhookPending && !d.NextRetryAt.After(now) {
			candidates = append(candidates, d)
		}
	}
	sort.Slice(candidates, func(i, k int) bool { return candidates[i].NextRetryAt.Before(candidates[k].NextRetryAt) })
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	claimUntil := now.Add(5 * time.Minute)
	for i := range candidates {
		candidates[i].NextRetryAt = claimUntil
		s.webhooks[candidates[i].ID] = candidates[i]
	}
	return candidates, nil
}

func (s *webhookStore) ListByTenant(_ context.Context, tenantID string, limit, offset int) ([]domain.WebhookDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []domain.WebhookDelivery
	for _, d := range s.webhooks {
		if d.TenantID == tenantID {
			matched = append(matched, d)
		}
	}
	sort.Slice(matched, func(i, k int) bool { return matched[i].CreatedAt.After(matched[k].CreatedAt) })
	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

type progressStore Store

func (s *progressStore) Upsert(_ context.Context, rec domain.ProgressRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress[rec.TaskID] = rec
	return nil
}

func (s *progressStore) Get(_ context.Context, taskID string) (domain.ProgressRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.progress[taskID]
	return rec, ok, nil
}

func (s *progressStore) ListByJob(_ context.Context, jobID string) ([]domain.ProgressRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ProgressRecord
	for _, rec := range s.progress {
		if rec.JobID == jobID {
			out = append(out, rec)
		}
	}
	return out, nil
}

type auditStore Store

func (s *auditStore) Append(_ context.Context, e domain.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.CreatedAt = time.Now()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	s.audit = append(s.audit, e)
	return nil
}

func (s *auditStore) ListByTenant(_ context.Context, tenantID string, limit, offset int) ([]domain.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.AuditEntry
	for _, e := range s.audit {
		if e.TenantID == tenantID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	return paginate(out, limit, offset), nil
}

type sessionStore Store

func (s *sessionStore) Create(_ context.Context, sess domain.RealtimeSession) (domain.RealtimeSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	return sess, nil
}

func (s *sessionStore) Update(_ context.Context, sess domain.RealtimeSession) (domain.RealtimeSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	return sess, nil
}

func (s *sessionStore) Get(_ context.Context, id string) (domain.RealtimeSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return domain.RealtimeSession{}, fmt.Errorf("realtime session %s not found", id)
	}
	return sess, nil
}

func (s *sessionStore) ListTerminal(_ context.Context, limit int) ([]domain.RealtimeSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.RealtimeSession
	for _, sess := range s.sessions {
		if sess.Status.IsTerminal() {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].StartedAt.Before(out[k].StartedAt) })
	return paginate(out, limit, 0), nil
}

func (s *sessionStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

var _ store.Store = (*Store)(nil)

// Package store defines the Durable Store contract (C2): the system of
// record for jobs, tasks, webhook deliveries, progress records, and audit
// entries. Unlike the KV Coordinator, this store is the source of truth
// used for recovery after a process restart (spec §6).
package store

import (
	"context"
	"time"

	"github.com/r3e-network/scribeflow/internal/domain"
)

// JobStore persists Job rows and the single most-recent terminal state
// transition for each.
type JobStore interface {
	Create(ctx context.Context, job domain.Job) (domain.Job, error)
	Get(ctx context.Context, id string) (domain.Job, error)
	Update(ctx context.Context, job domain.Job) (domain.Job, error)
	ListByTenant(ctx context.Context, tenantID string, limit, offset int) ([]domain.Job, error)
	// ListStale returns jobs still non-terminal whose updated_at predates
	// cutoff, oldest first.
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]domain.Job, error)
	// ListTerminal returns jobs that have reached a final state, for the
	// retention sweeper to evaluate against each job's own retention
	// snapshot (I6, P9).
	ListTerminal(ctx context.Context, limit int) ([]domain.Job, error)
	// Delete permanently removes a job row once its retention policy says
	// so. Object storage cleanup is the sweeper's job, not the store's.
	Delete(ctx context.Context, id string) error
}

// TaskStore persists Task rows and supports the scheduler's dispatch and
// retry queries.
type TaskStore interface {
	Create(ctx context.Context, task domain.Task) (domain.Task, error)
	Get(ctx context.Context, id string) (domain.Task, error)
	Update(ctx context.Context, task domain.Task) (domain.Task, error)
	ListByJob(ctx context.Context, jobID string) ([]domain.Task, error)
	// ClaimReady locks up to limit tasks in state ready for the given
	// stage using SELECT ... FOR UPDATE SKIP LOCKED, flips them to
	// running, and returns the claimed rows in one transaction — so two
	// scheduler replicas never dispatch the same task twice (spec §4.3,
	// §5 HA dispatch-serialization requirement).
	ClaimReady(ctx context.Context, stage domain.Stage, limit int) ([]domain.Task, error)
	// ListByState returns tasks in a given state across all jobs whose
	// started_at (or, if unset, queued_at) predates olderThan.
	ListByState(ctx context.Context, state domain.TaskState, olderThan time.Time, limit int) ([]domain.Task, error)
}

// WebhookStore persists WebhookDelivery rows and supports the dispatcher's
// due-delivery claim query.
type WebhookStore interface {
	Create(ctx context.Context, d domain.WebhookDelivery) (domain.WebhookDelivery, error)
	Update(ctx context.Context, d domain.WebhookDelivery) (domain.WebhookDelivery, error)
	Get(ctx context.Context, id string) (domain.WebhookDelivery, error)
	// ClaimDue locks up to limit pending deliveries whose next_retry_at
	// has passed using SELECT ... FOR UPDATE SKIP LOCKED (spec §4.6).
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]domain.WebhookDelivery, error)
	// ListByTenant returns deliveries for the admin surface's
	// "webhooks deliveries list" operation (spec §6 CLI surface), newest
	// first.
	ListByTenant(ctx context.Context, tenantID string, limit, offset int) ([]domain.WebhookDelivery, error)
}

// ProgressStore persists the latest ProgressRecord per task for the poll
// surface of the Progress Bus (C8).
type ProgressStore interface {
	Upsert(ctx context.Context, rec domain.ProgressRecord) error
	Get(ctx context.Context, taskID string) (domain.ProgressRecord, bool, error)
	ListByJob(ctx context.Context, jobID string) ([]domain.ProgressRecord, error)
}

// AuditStore persists append-only AuditEntry rows (I7: never updated or
// deleted by application code).
type AuditStore interface {
	Append(ctx context.Context, entry domain.AuditEntry) error
	ListByTenant(ctx context.Context, tenantID string, limit, offset int) ([]domain.AuditEntry, error)
}

// SessionStore persists RealtimeSession rows for C9's post-hoc audit
// trail (not the hot allocation path, which lives in the KV Coordinator).
type SessionStore interface {
	Create(ctx context.Context, s domain.RealtimeSession) (domain.RealtimeSession, error)
	Update(ctx context.Context, s domain.RealtimeSession) (domain.RealtimeSession, error)
	Get(ctx context.Context, id string) (domain.RealtimeSession, error)
	// ListTerminal returns sessions that have ended, for the retention
	// sweeper.
	ListTerminal(ctx context.Context, limit int) ([]domain.RealtimeSession, error)
	// Delete permanently removes a session row once retention expires.
	Delete(ctx context.Context, id string) error
}

// Store aggregates every sub-store the control plane needs, mirroring
// the way the teacher's service layer composes per-entity stores behind
// one handle.
type Store interface {
	Jobs() JobStore
	Tasks() TaskStore
	Webhooks() WebhookStore
	Progress() ProgressStore
	Audit() AuditStore
	Sessions() SessionStore

	// BeginTx/CommitTx/RollbackTx/WithTx let callers that must write to
	// more than one sub-store in a single job/task transition do so
	// atomically (e.g. task.Update + job.Update on final-task completion).
	BeginTx(ctx context.Context) (context.Context, error)
	CommitTx(ctx context.Context) error
	RollbackTx(ctx context.Context) error
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

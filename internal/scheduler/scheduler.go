// Package scheduler implements the Orchestrator Scheduler (C7): a
// single-writer, event-driven reducer over Jobs and Tasks (spec §4.3).
// The event loop and ticker-driven sweeps follow the same shape as the
// teacher's automation service's runScheduler/runChainTriggerChecker
// pair, generalized from trigger polling to DAG dispatch.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/r3e-network/scribeflow/infrastructure/errors"
	"github.com/r3e-network/scribeflow/infrastructure/logging"
	"github.com/r3e-network/scribeflow/infrastructure/metrics"
	"github.com/r3e-network/scribeflow/internal/dag"
	"github.com/r3e-network/scribeflow/internal/domain"
	"github.com/r3e-network/scribeflow/internal/kv"
	"github.com/r3e-network/scribeflow/internal/registry"
	"github.com/r3e-network/scribeflow/internal/store"
)

// Config tunes dispatch, retry, and HA timing (spec §6 defaults table).
type Config struct {
	HeartbeatStaleAfter time.Duration
	DispatchRetryWait   time.Duration
	DispatchDeadline    time.Duration
	MaxTaskRetries      int
	TickInterval        time.Duration
	ShardCount          int
	ShardID             int
	ShardLeaseTTL       time.Duration
}

// Scheduler reduces job/task lifecycle events into Task/Job state
// transitions. Exactly one replica holds the lease for a given shard
// (job_id mod ShardCount) at a time; other replicas idle on that shard
// (spec §4.3 HA note).
type Scheduler struct {
	cfg      Config
	store    store.Store
	kv       kv.Coordinator
	registry *registry.Registry
	variants dag.VariantTable
	newID    func() string
	log      *logging.Logger

	mu              sync.Mutex
	dispatchWaiters map[string]time.Time // task_id -> first-seen-undispatchable time
}

// New wires a Scheduler.
func New(cfg Config, st store.Store, coordinator kv.Coordinator, reg *registry.Registry, variants dag.VariantTable, newID func() string, log *logging.Logger) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.ShardCount <= 0 {
		cfg.ShardCount = 1
	}
	if cfg.ShardLeaseTTL <= 0 {
		cfg.ShardLeaseTTL = 30 * time.Second
	}
	return &Scheduler{
		cfg:             cfg,
		store:           st,
		kv:              coordinator,
		registry:        reg,
		variants:        variants,
		newID:           newID,
		log:             log,
		dispatchWaiters: make(map[string]time.Time),
	}
}

// Run subscribes to the four lifecycle channels and starts the event loop,
// the dispatch ticker and the shard lease renewal; it blocks until ctx is
// cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	sub, err := s.kv.Subscribe(ctx, "job.created", "task.completed", "job.cancel_requested", "engine.offline")
	if err != nil {
		return fmt.Errorf("subscribe lifecycle events: %w", err)
	}
	defer sub.Close()

	go s.runEventLoop(ctx, sub)
	go s.runDispatchTicker(ctx)
	go s.runShardLeaseRenewal(ctx)

	<-ctx.Done()
	return nil
}

func (s *Scheduler) runEventLoop(ctx context.Context, sub kv.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Channel():
			if !ok {
				return
			}
			if !s.ownsShardFor(ctx, shardKeyFromMessage(msg)) {
				continue
			}
			if err := s.dispatchEvent(ctx, msg); err != nil {
				s.log.WithContext(ctx).WithError(err).Warnf("event handling failed for channel %s", msg.Channel)
			}
		}
	}
}

func (s *Scheduler) dispatchEvent(ctx context.Context, msg kv.Message) error {
	switch msg.Channel {
	case "job.created":
		var evt jobCreatedEvent
		if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
			return fmt.Errorf("decode job.created: %w", err)
		}
		return s.handleJobCreated(ctx, evt)
	case "task.completed":
		var evt taskCompletedEvent
		if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
			return fmt.Errorf("decode task.completed: %w", err)
		}
		return s.handleTaskCompleted(ctx, evt)
	case "job.cancel_requested":
		var evt jobCancelEvent
		if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
			return fmt.Errorf("decode job.cancel_requested: %w", err)
		}
		return s.handleJobCancelRequested(ctx, evt)
	case "engine.offline":
		return s.handleEngineOffline(ctx, msg.Payload)
	default:
		return nil
	}
}

type jobCreatedEvent struct {
	JobID string `json:"job_id"`
}

type taskCompletedEvent struct {
	TaskID     string               `json:"task_id"`
	JobID      string               `json:"job_id"`
	Status     domain.TaskState     `json:"status"`
	OutputURI  string               `json:"output_uri,omitempty"`
	DurationMS int64                `json:"duration_ms,omitempty"`
	Error      *domain.TaskErrorInfo `json:"error,omitempty"`
}

type jobCancelEvent struct {
	JobID string `json:"job_id"`
}

// handleJobCreated builds the Task DAG for a newly accepted job and
// writes every task row as pending, then immediately re-evaluates
// schedulability so roots with no dependencies become ready (spec §4.1,
// §4.3).
func (s *Scheduler) handleJobCreated(ctx context.Context, evt jobCreatedEvent) error {
	job, err := s.store.Jobs().Get(ctx, evt.JobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", evt.JobID, err)
	}

	tasks, err := dag.Build(job.ID, job.Parameters, s.variants, s.newID)
	if err != nil {
		taskErr := errors.GetTaskError(err)
		job.State = domain.JobFailed
		if taskErr != nil {
			job.Error = taskErr.Error()
		} else {
			job.Error = err.Error()
		}
		_, updateErr := s.store.Jobs().Update(ctx, job)
		return updateErr
	}

	for _, t := range tasks {
		if _, err := s.store.Tasks().Create(ctx, t); err != nil {
			return fmt.Errorf("create task %s: %w", t.ID, err)
		}
	}

	job.State = domain.JobRunning
	if _, err := s.store.Jobs().Update(ctx, job); err != nil {
		return fmt.Errorf("mark job running: %w", err)
	}

	return s.reevaluateJob(ctx, job.ID)
}

// reevaluateJob loads every task for a job and promotes any pending task
// whose dependencies are all satisfied (completed, or skipped when the
// dependent declared it non-required) to ready (spec §4.3 step 3, §4.1
// partial-failure resolution).
func (s *Scheduler) reevaluateJob(ctx context.Context, jobID string) error {
	tasks, err := s.store.Tasks().ListByJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("list tasks for job %s: %w", jobID, err)
	}

	byID := make(map[string]domain.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	allTerminal := true
	anyRequiredFailed := false
	for _, t := range tasks {
		if !t.Status.IsTerminal() {
			allTerminal = false
		}
		if t.Status == domain.TaskFailed && t.Required {
			anyRequiredFailed = true
		}
	}

	if anyRequiredFailed {
		return s.failJobAndCancelRemaining(ctx, jobID, tasks)
	}

	for _, t := range tasks {
		if t.Status != domain.TaskPending {
			continue
		}
		ready, blocked := dependenciesSatisfied(t, byID)
		if blocked {
			continue
		}
		if !ready {
			continue
		}
		t.Status = domain.TaskReady
		now := time.Now()
		t.QueuedAt = &now
		if _, err := s.store.Tasks().Update(ctx, t); err != nil {
			return fmt.Errorf("promote task %s to ready: %w", t.ID, err)
		}
	}

	if allTerminal {
		return s.completeJob(ctx, jobID, tasks)
	}
	return nil
}

// dependenciesSatisfied reports whether every dependency of t has reached
// a state that lets t proceed. A completed dependency always satisfies;
// a skipped/cancelled dependency satisfies only if t did not mark it
// required_for_downstream. blocked is true if a required dependency
// terminally failed (caller should not promote, job is failing).
func dependenciesSatisfied(t domain.Task, byID map[string]domain.Task) (ready, blocked bool) {
	ready = true
	for _, depID := range t.DependsOn {
		dep, ok := byID[depID]
		if !ok {
			ready = false
			continue
		}
		switch dep.Status {
		case domain.TaskCompleted:
			continue
		case domain.TaskSkipped, domain.TaskCancelled:
			if t.RequiredForDownstream {
				blocked = true
			}
			continue
		case domain.TaskFailed:
			blocked = true
		default:
			ready = false
		}
	}
	return ready, blocked
}

func (s *Scheduler) failJobAndCancelRemaining(ctx context.Context, jobID string, tasks []domain.Task) error {
	for _, t := range tasks {
		if t.Status.IsTerminal() {
			continue
		}
		t.Status = domain.TaskCancelled
		if _, err := s.store.Tasks().Update(ctx, t); err != nil {
			return fmt.Errorf("cancel task %s: %w", t.ID, err)
		}
	}

	job, err := s.store.Jobs().Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.State.IsTerminal() {
		return nil
	}
	job.State = domain.JobFailed
	job.Error = "required task failed"
	now := time.Now()
	job.CompletedAt = &now
	if _, err := s.store.Jobs().Update(ctx, job); err != nil {
		return err
	}
	s.appendAudit(ctx, job.TenantID, "job.failed", "job", jobID, job.Error)
	return s.kv.Publish(ctx, "job.failed", jobID)
}

func (s *Scheduler) completeJob(ctx context.Context, jobID string, tasks []domain.Task) error {
	job, err := s.store.Jobs().Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.State.IsTerminal() {
		return nil
	}

	for _, t := range tasks {
		if t.Stage == domain.StageMerge && t.Status == domain.TaskCompleted {
			job.TranscriptURI = t.OutputURI
		}
	}

	job.State = domain.JobCompleted
	now := time.Now()
	job.CompletedAt = &now
	_, err = s.store.Jobs().Update(ctx, job)
	if err != nil {
		return err
	}
	s.appendAudit(ctx, job.TenantID, "job.completed", "job", jobID, "")
	return s.kv.Publish(ctx, "job.completed", jobID)
}

// appendAudit records a lifecycle transition (I7: append-only, never
// mutated). Failures are logged, not propagated — the audit trail is
// best-effort bookkeeping, not the source of truth for job state.
func (s *Scheduler) appendAudit(ctx context.Context, tenantID, action, resource, resourceID, detail string) {
	entry := domain.AuditEntry{
		ID:         s.newID(),
		TenantID:   tenantID,
		Action:     action,
		Resource:   resource,
		ResourceID: resourceID,
		Result:     "ok",
		Detail:     detail,
	}
	if err := s.store.Audit().Append(ctx, entry); err != nil {
		s.log.WithContext(ctx).WithError(err).Warnf("audit append failed for %s %s", resource, resourceID)
	}
}

// handleTaskCompleted applies a completion/failure event idempotently
// (spec §4.3 completion-event steps).
func (s *Scheduler) handleTaskCompleted(ctx context.Context, evt taskCompletedEvent) error {
	t, err := s.store.Tasks().Get(ctx, evt.TaskID)
	if err != nil {
		return fmt.Errorf("load task %s: %w", evt.TaskID, err)
	}
	if t.Status.IsTerminal() {
		return nil // idempotency: ignore a duplicate or stale completion
	}

	if evt.Status == domain.TaskCompleted {
		t.Status = domain.TaskCompleted
		t.OutputURI = evt.OutputURI
		now := time.Now()
		t.CompletedAt = &now
		if _, err := s.store.Tasks().Update(ctx, t); err != nil {
			return err
		}
		return s.reevaluateJob(ctx, t.JobID)
	}

	return s.handleTaskFailure(ctx, t, evt.Error)
}

// handleTaskFailure classifies the failure and either schedules a retry
// with exponential backoff, or marks the task terminally failed/skipped
// (spec §4.3 step 4, retry classification).
func (s *Scheduler) handleTaskFailure(ctx context.Context, t domain.Task, errInfo *domain.TaskErrorInfo) error {
	t.Attempts++
	t.Error = errInfo

	retryable := errInfo != nil && errInfo.Retryable
	maxRetries := s.cfg.MaxTaskRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	if retryable && t.Attempts < maxRetries {
		if _, err := s.store.Tasks().Update(ctx, t); err != nil {
			return err
		}
		// Exponential backoff (1s, 2s, 4s, capped) before the task is
		// eligible for claim again; enforced by delaying the requeue
		// rather than the claim query itself.
		delay := backoffFor(t.Attempts)
		go func() {
			time.Sleep(delay)
			bg := context.Background()
			if cur, err := s.store.Tasks().Get(bg, t.ID); err == nil && !cur.Status.IsTerminal() {
				cur.Status = domain.TaskReady
				now := time.Now()
				cur.QueuedAt = &now
				if _, err := s.store.Tasks().Update(bg, cur); err != nil {
					s.log.WithContext(bg).WithError(err).Warnf("requeue task %s after backoff failed", t.ID)
				}
			}
		}()
		return nil
	}

	if t.Required {
		t.Status = domain.TaskFailed
		now := time.Now()
		t.CompletedAt = &now
		if _, err := s.store.Tasks().Update(ctx, t); err != nil {
			return err
		}
		return s.reevaluateJob(ctx, t.JobID)
	}

	t.Status = domain.TaskSkipped
	now := time.Now()
	t.CompletedAt = &now
	if _, err := s.store.Tasks().Update(ctx, t); err != nil {
		return err
	}
	return s.reevaluateJob(ctx, t.JobID)
}

func backoffFor(attempt int) time.Duration {
	d := time.Second << uint(attempt-1)
	if d > 4*time.Second {
		d = 4 * time.Second
	}
	return d
}

// handleJobCancelRequested transitions every non-terminal task to
// cancelled and best-effort-signals any currently running task (spec
// §4.3 cancellation).
func (s *Scheduler) handleJobCancelRequested(ctx context.Context, evt jobCancelEvent) error {
	tasks, err := s.store.Tasks().ListByJob(ctx, evt.JobID)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.Status.IsTerminal() {
			continue
		}
		if t.Status == domain.TaskRunning {
			if err := s.kv.Publish(ctx, "cancel:"+t.ID, "1"); err != nil {
				s.log.WithContext(ctx).WithError(err).Warnf("cancel signal publish failed for task %s", t.ID)
			}
		}
		t.Status = domain.TaskCancelled
		if _, err := s.store.Tasks().Update(ctx, t); err != nil {
			return err
		}
	}

	job, err := s.store.Jobs().Get(ctx, evt.JobID)
	if err != nil {
		return err
	}
	if !job.State.IsTerminal() {
		job.State = domain.JobCancelled
		now := time.Now()
		job.CompletedAt = &now
		_, err = s.store.Jobs().Update(ctx, job)
		if err == nil {
			s.appendAudit(ctx, job.TenantID, "job.cancelled", "job", evt.JobID, "")
		}
	}
	return err
}

// RetryTask reopens one terminally-failed task for another attempt, the
// admin-surface equivalent of "jobs retry-task <job> <task>" (spec §6).
// It only applies to a task that actually failed; a job already
// terminal from some other task's failure is reopened back to running
// so the dispatch ticker picks the retried task up.
func (s *Scheduler) RetryTask(ctx context.Context, jobID, taskID string) error {
	t, err := s.store.Tasks().Get(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load task %s: %w", taskID, err)
	}
	if t.JobID != jobID {
		return fmt.Errorf("task %s does not belong to job %s", taskID, jobID)
	}
	if t.Status != domain.TaskFailed {
		return fmt.Errorf("task %s is not in a failed state (currently %s)", taskID, t.Status)
	}

	t.Status = domain.TaskReady
	t.Error = nil
	now := time.Now()
	t.QueuedAt = &now
	t.CompletedAt = nil
	if _, err := s.store.Tasks().Update(ctx, t); err != nil {
		return fmt.Errorf("reopen task %s: %w", taskID, err)
	}

	job, err := s.store.Jobs().Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job.State.IsTerminal() {
		job.State = domain.JobRunning
		job.Error = ""
		job.CompletedAt = nil
		if _, err := s.store.Jobs().Update(ctx, job); err != nil {
			return fmt.Errorf("reopen job %s: %w", jobID, err)
		}
	}
	s.appendAudit(ctx, job.TenantID, "task.retry_requested", "task", taskID, "")
	return nil
}

// handleEngineOffline is a hook point for eagerly re-evaluating tasks
// dispatched to an engine that just went offline; the lease-reclaim path
// in the KV Coordinator already recovers the queue entry, so this mainly
// exists to let the dispatch ticker's availability check react promptly
// rather than waiting out T_dispatch_retry.
func (s *Scheduler) handleEngineOffline(ctx context.Context, engineID string) error {
	s.log.WithContext(ctx).Infof("engine %s reported offline", engineID)
	return nil
}

// runDispatchTicker periodically claims ready tasks per stage and pushes
// their payload onto the target engine's queue (spec §4.3 Dispatch).
func (s *Scheduler) runDispatchTicker(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, stage := range domain.StageOrder {
				if err := s.dispatchStage(ctx, stage); err != nil {
					s.log.WithContext(ctx).WithError(err).Warnf("dispatch stage %s failed", string(stage))
				}
			}
		}
	}
}

func (s *Scheduler) dispatchStage(ctx context.Context, stage domain.Stage) error {
	tasks, err := s.store.Tasks().ClaimReady(ctx, stage, 50)
	if err != nil {
		return fmt.Errorf("claim ready tasks for stage %s: %w", string(stage), err)
	}
	metrics.Global().SetQueueDepth(string(stage), len(tasks))
	for _, t := range tasks {
		s.dispatchOne(ctx, t)
	}
	return nil
}

// dispatchOne checks engine availability and pushes the task payload, or
// defers the task back to ready and tracks how long it has been
// undispatchable, failing it with EngineUnavailable past the dispatch
// deadline (spec §4.3 Dispatch).
func (s *Scheduler) dispatchOne(ctx context.Context, t domain.Task) {
	claimedAt := time.Now()
	engines, err := s.registry.ListEnginesForStage(ctx, t.Stage)
	staleAfter := s.cfg.HeartbeatStaleAfter
	if staleAfter <= 0 {
		staleAfter = 60 * time.Second
	}

	var live *domain.EngineState
	if err == nil {
		now := time.Now()
		for i := range engines {
			if engines[i].Fresh(now, staleAfter) && engines[i].Status != domain.EngineOffline && engines[i].Status != domain.EngineDraining {
				live = &engines[i]
				break
			}
		}
	}

	if live == nil {
		s.deferDispatch(ctx, t)
		return
	}

	s.mu.Lock()
	delete(s.dispatchWaiters, t.ID)
	s.mu.Unlock()

	payload, encErr := json.Marshal(queuePayload{
		TaskID:     t.ID,
		JobID:      t.JobID,
		Stage:      t.Stage,
		EngineID:   live.EngineID,
		InputURI:   t.InputURI,
		EnqueuedAt: time.Now(),
		Correlation: correlation{RequestID: t.RequestID, TraceID: t.TraceID},
	})
	if encErr != nil {
		s.log.WithContext(ctx).WithError(encErr).Warnf("encode task payload failed for %s", t.ID)
		return
	}

	queueName := "queue:" + string(t.Stage) + ":" + live.EngineID
	if err := s.kv.QueuePush(ctx, queueName, string(payload)); err != nil {
		s.log.WithContext(ctx).WithError(err).Warnf("queue push failed for task %s", t.ID)
		return
	}

	metrics.Global().ObserveDispatchLatency(string(t.Stage), time.Since(claimedAt))

	// Fed to the Progress Bus's push surface so an SSE subscriber learns a
	// task left the queue without having to poll (spec §4.7).
	if startedRaw, err := json.Marshal(taskLifecycleEvent{TaskID: t.ID, JobID: t.JobID, Stage: t.Stage}); err == nil {
		_ = s.kv.Publish(ctx, "task.started", string(startedRaw))
	}
}

type taskLifecycleEvent struct {
	TaskID string      `json:"task_id"`
	JobID  string      `json:"job_id"`
	Stage  domain.Stage `json:"stage"`
}

func (s *Scheduler) deferDispatch(ctx context.Context, t domain.Task) {
	s.mu.Lock()
	firstSeen, tracked := s.dispatchWaiters[t.ID]
	if !tracked {
		firstSeen = time.Now()
		s.dispatchWaiters[t.ID] = firstSeen
	}
	s.mu.Unlock()

	deadline := s.cfg.DispatchDeadline
	if deadline <= 0 {
		deadline = 10 * time.Minute
	}
	if time.Since(firstSeen) < deadline {
		// Put it back to ready for the next tick; ClaimReady already
		// advanced it to running, so revert.
		t.Status = domain.TaskReady
		if _, err := s.store.Tasks().Update(ctx, t); err != nil {
			s.log.WithContext(ctx).WithError(err).Warnf("revert undispatchable task %s to ready failed", t.ID)
		}
		return
	}

	t.Status = domain.TaskFailed
	t.Error = &domain.TaskErrorInfo{Kind: string(errors.KindEngineUnavailable), Message: "no live engine for stage", Retryable: false}
	now := time.Now()
	t.CompletedAt = &now
	if _, err := s.store.Tasks().Update(ctx, t); err != nil {
		s.log.WithContext(ctx).WithError(err).Warnf("fail undispatchable task %s failed", t.ID)
		return
	}
	s.mu.Lock()
	delete(s.dispatchWaiters, t.ID)
	s.mu.Unlock()
	if err := s.reevaluateJob(ctx, t.JobID); err != nil {
		s.log.WithContext(ctx).WithError(err).Warnf("reevaluate job after dispatch-deadline failure failed for %s", t.JobID)
	}
}

type queuePayload struct {
	TaskID      string      `json:"task_id"`
	JobID       string      `json:"job_id"`
	Stage       domain.Stage `json:"stage"`
	EngineID    string      `json:"engine_id"`
	InputURI    string      `json:"audio_uri"`
	EnqueuedAt  time.Time   `json:"enqueued_at"`
	Correlation correlation `json:"correlation"`
}

type correlation struct {
	RequestID string `json:"request_id"`
	TraceID   string `json:"trace_id"`
}

// runShardLeaseRenewal acquires and periodically renews this replica's
// shard lease, letting multiple scheduler replicas run for HA with
// exactly one writing a given job_id mod ShardCount at a time (spec
// §4.3 ordering guarantees).
func (s *Scheduler) runShardLeaseRenewal(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ShardLeaseTTL / 2)
	defer ticker.Stop()

	renew := func() {
		key := fmt.Sprintf("scheduler:shard:%d:lease", s.cfg.ShardID)
		if _, err := s.kv.SetNX(ctx, key, "held", s.cfg.ShardLeaseTTL); err != nil {
			s.log.WithContext(ctx).WithError(err).Warn("shard lease renewal failed")
		}
	}
	renew()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			renew()
		}
	}
}

// ownsShardFor is a best-effort check: with ShardCount=1 (the default
// single-replica deployment) it always returns true.
func (s *Scheduler) ownsShardFor(ctx context.Context, shardKey string) bool {
	if s.cfg.ShardCount <= 1 {
		return true
	}
	key := fmt.Sprintf("scheduler:shard:%d:lease", s.cfg.ShardID)
	_, held, err := s.kv.Get(ctx, key)
	return err == nil && held
}

func shardKeyFromMessage(msg kv.Message) string {
	return msg.Payload
}

// Package retention implements the retention sweeper: a cron-scheduled
// pass that deletes Job and Realtime Session artifacts and rows once each
// one's own retention snapshot says they are due (spec §3 "destroyed by
// retention sweeper at policy-determined time", I6, P9). The teacher
// hand-rolls a 5-field cron parser in automation_triggers.go and leaves
// the real robfig/cron/v3 dependency in go.mod unused; here the sweeper
// uses that dependency for real instead of reimplementing cron parsing.
package retention

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/r3e-network/scribeflow/infrastructure/logging"
	"github.com/r3e-network/scribeflow/internal/domain"
	"github.com/r3e-network/scribeflow/internal/objectstore"
	"github.com/r3e-network/scribeflow/internal/store"
)

// Config tunes the sweeper's schedule and batch size.
type Config struct {
	// Schedule is a standard 5-field cron expression, e.g. "*/5 * * * *".
	Schedule  string
	BatchSize int
}

// Sweeper periodically evaluates terminal jobs and sessions against their
// own retention snapshots and deletes what is due.
type Sweeper struct {
	cfg     Config
	store   store.Store
	objects objectstore.Store
	log     *logging.Logger
	cron    *cron.Cron
}

// New constructs a Sweeper.
func New(cfg Config, st store.Store, objects objectstore.Store, log *logging.Logger) *Sweeper {
	if cfg.Schedule == "" {
		cfg.Schedule = "*/5 * * * *"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Sweeper{cfg: cfg, store: st, objects: objects, log: log}
}

// Run installs the cron schedule and blocks until ctx is cancelled.
func (sw *Sweeper) Run(ctx context.Context) error {
	sw.cron = cron.New()
	_, err := sw.cron.AddFunc(sw.cfg.Schedule, func() {
		if err := sw.SweepOnce(ctx); err != nil {
			sw.log.WithContext(ctx).WithError(err).Warn("retention sweep failed")
		}
	})
	if err != nil {
		return err
	}
	sw.cron.Start()
	defer sw.cron.Stop()

	<-ctx.Done()
	return nil
}

// SweepOnce evaluates one batch of terminal jobs and sessions. Exported so
// callers (and tests) can drive a single pass deterministically instead of
// waiting on the cron schedule.
func (sw *Sweeper) SweepOnce(ctx context.Context) error {
	if err := sw.sweepJobs(ctx); err != nil {
		return err
	}
	return sw.sweepSessions(ctx)
}

func (sw *Sweeper) sweepJobs(ctx context.Context) error {
	jobs, err := sw.store.Jobs().ListTerminal(ctx, sw.cfg.BatchSize)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, job := range jobs {
		sw.sweepJob(ctx, job, now)
	}
	return nil
}

// sweepJob deletes the job's audio and transcript objects once each one's
// own delete-after window (a per-job snapshot, not the current policy —
// I6/P9) has elapsed, then deletes the row itself once both windows have
// passed and the policy does not ask to retain artifacts.
func (sw *Sweeper) sweepJob(ctx context.Context, job domain.Job, now time.Time) {
	anchor := job.CreatedAt
	if job.CompletedAt != nil {
		anchor = *job.CompletedAt
	}
	policy := job.Parameters.Retention

	audioDue := policy.DeleteAudioAfter > 0 && now.Sub(anchor) >= policy.DeleteAudioAfter
	if audioDue && job.AudioURI != "" {
		if err := sw.objects.Delete(ctx, job.AudioURI); err != nil {
			sw.log.WithContext(ctx).WithError(err).Warnf("delete audio object failed for job %s", job.ID)
			return
		}
		job.AudioURI = ""
	}

	transcriptDue := policy.DeleteTranscriptAfter > 0 && now.Sub(anchor) >= policy.DeleteTranscriptAfter
	if transcriptDue && job.TranscriptURI != "" {
		if err := sw.objects.Delete(ctx, job.TranscriptURI); err != nil {
			sw.log.WithContext(ctx).WithError(err).Warnf("delete transcript object failed for job %s", job.ID)
			return
		}
		job.TranscriptURI = ""
	}

	if policy.RetainArtifacts {
		if audioDue || transcriptDue {
			if _, err := sw.store.Jobs().Update(ctx, job); err != nil {
				sw.log.WithContext(ctx).WithError(err).Warnf("persist job artifact cleanup failed for %s", job.ID)
			}
		}
		return
	}

	if audioDue && transcriptDue {
		if err := sw.store.Jobs().Delete(ctx, job.ID); err != nil {
			sw.log.WithContext(ctx).WithError(err).Warnf("delete job row failed for %s", job.ID)
			return
		}
		sw.appendAudit(ctx, job.TenantID, "job.retention_deleted", "job", job.ID)
		return
	}
	if audioDue || transcriptDue {
		if _, err := sw.store.Jobs().Update(ctx, job); err != nil {
			sw.log.WithContext(ctx).WithError(err).Warnf("persist job artifact cleanup failed for %s", job.ID)
		}
	}
}

func (sw *Sweeper) sweepSessions(ctx context.Context) error {
	sessions, err := sw.store.Sessions().ListTerminal(ctx, sw.cfg.BatchSize)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, sess := range sessions {
		sw.sweepSession(ctx, sess, now)
	}
	return nil
}

// sweepSession uses the same delete-then-drop-row shape as sweepJob,
// against the session's own StoredAudioURI/TranscriptURI. Realtime
// Sessions carry no retention snapshot of their own in the spec, so a
// fixed window stands in for a per-session policy field.
func (sw *Sweeper) sweepSession(ctx context.Context, sess domain.RealtimeSession, now time.Time) {
	if sess.EndedAt == nil {
		return
	}
	const sweepAfter = 30 * 24 * time.Hour
	if now.Sub(*sess.EndedAt) < sweepAfter {
		return
	}
	if sess.StoredAudioURI != "" {
		if err := sw.objects.Delete(ctx, sess.StoredAudioURI); err != nil {
			sw.log.WithContext(ctx).WithError(err).Warnf("delete session audio failed for %s", sess.ID)
			return
		}
	}
	if sess.TranscriptURI != "" {
		if err := sw.objects.Delete(ctx, sess.TranscriptURI); err != nil {
			sw.log.WithContext(ctx).WithError(err).Warnf("delete session transcript failed for %s", sess.ID)
			return
		}
	}
	if err := sw.store.Sessions().Delete(ctx, sess.ID); err != nil {
		sw.log.WithContext(ctx).WithError(err).Warnf("delete session row failed for %s", sess.ID)
		return
	}
	sw.appendAudit(ctx, sess.TenantID, "session.retention_deleted", "realtime_session", sess.ID)
}

// appendAudit records a retention deletion (I7: append-only). Failures are
// logged, not propagated — the object and row are already gone by the
// time this runs.
func (sw *Sweeper) appendAudit(ctx context.Context, tenantID, action, resource, resourceID string) {
	entry := domain.AuditEntry{
		ID:         uuid.NewString(),
		TenantID:   tenantID,
		Action:     action,
		Resource:   resource,
		ResourceID: resourceID,
		Result:     "ok",
	}
	if err := sw.store.Audit().Append(ctx, entry); err != nil {
		sw.log.WithContext(ctx).WithError(err).Warnf("audit append failed for %s %s", resource, resourceID)
	}
}

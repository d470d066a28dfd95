// Package realtime implements the Realtime Session Router (C9): worker
// liveness tracking, the session-allocation algorithm, and session
// release/audit persistence. Liveness state lives in the KV Coordinator
// for the same reason as the Engine Registry (high-churn, recoverable);
// grounded on registry.Registry's load/save/sweep shape, generalized
// from EngineState to RealtimeWorkerState and from a single capacity
// slot to an atomically-counted session pool.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/r3e-network/scribeflow/infrastructure/logging"
	"github.com/r3e-network/scribeflow/infrastructure/metrics"
	"github.com/r3e-network/scribeflow/internal/domain"
	"github.com/r3e-network/scribeflow/internal/kv"
	"github.com/r3e-network/scribeflow/internal/store"
)

const workersSetKey = "realtime:workers:all"

func workerHashKey(workerID string) string     { return "realtime:worker:" + workerID }
func workerSessionsKey(workerID string) string { return "realtime:worker:" + workerID + ":active_sessions" }
func workerSessionsSetKey(workerID string) string { return "realtime:worker:" + workerID + ":sessions" }

// ErrNoCapacity is returned by Allocate when no worker has a free slot
// matching the request (spec §4.5).
type ErrNoCapacity struct {
	RetryAfter time.Duration
}

func (e *ErrNoCapacity) Error() string {
	return fmt.Sprintf("no realtime worker capacity available, retry after %s", e.RetryAfter)
}

// AllocationRequest is what a realtime session begin negotiates against
// the worker pool.
type AllocationRequest struct {
	TenantID  string
	Model     string
	Language  string
	Encoding  string
	SampleRate int
	// ResumeSessionID, if set, links the new session to a prior one for
	// audit purposes only; no state is transferred (spec §4.5 soft resume).
	ResumeSessionID string
}

// Allocation is the result handed back to the protocol layer to open the
// actual WebSocket connection.
type Allocation struct {
	WorkerID  string
	Endpoint  string
	SessionID string
}

// Router implements C9's allocation/release/health-loop operations.
type Router struct {
	kv         kv.Coordinator
	store      store.Store
	staleAfter time.Duration
	newID      func() string
	log        *logging.Logger
}

// New constructs a Router.
func New(coordinator kv.Coordinator, st store.Store, staleAfter time.Duration, newID func() string, log *logging.Logger) *Router {
	return &Router{kv: coordinator, store: st, staleAfter: staleAfter, newID: newID, log: log}
}

type workerRecord struct {
	WorkerID           string   `json:"worker_id"`
	Endpoint           string   `json:"endpoint"`
	Status             domain.RealtimeWorkerStatus `json:"status"`
	Capacity           int      `json:"capacity"`
	LoadedModels       []string `json:"loaded_models"`
	SupportedLanguages []string `json:"supported_languages"`
	LastHeartbeat      time.Time `json:"last_heartbeat"`
	RegisteredAt       time.Time `json:"registered_at"`
}

func (r *Router) loadRecord(ctx context.Context, workerID string) (*workerRecord, bool, error) {
	raw, ok, err := r.kv.HashGet(ctx, workerHashKey(workerID), "state")
	if err != nil || !ok {
		return nil, ok, err
	}
	var rec workerRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, false, fmt.Errorf("decode worker state %s: %w", workerID, err)
	}
	return &rec, true, nil
}

func (r *Router) saveRecord(ctx context.Context, rec workerRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode worker state %s: %w", rec.WorkerID, err)
	}
	return r.kv.HashSet(ctx, workerHashKey(rec.WorkerID), "state", string(raw))
}

// activeSessions reads the live atomic counter for a worker, falling
// back to 0 if never incremented.
func (r *Router) activeSessions(ctx context.Context, workerID string) (int, error) {
	raw, ok, err := r.kv.Get(ctx, workerSessionsKey(workerID))
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	var n int
	_, err = fmt.Sscanf(raw, "%d", &n)
	return n, err
}

// RegisterWorker upserts a worker's liveness and capability record
// (spec §4.5's worker-side registration, mirroring C4's Register).
func (r *Router) RegisterWorker(ctx context.Context, workerID, endpoint string, capacity int, loadedModels, supportedLanguages []string) error {
	now := time.Now()
	rec, exists, err := r.loadRecord(ctx, workerID)
	if err != nil {
		return err
	}
	if !exists {
		rec = &workerRecord{WorkerID: workerID, RegisteredAt: now}
	}
	rec.Endpoint = endpoint
	rec.Status = domain.RealtimeWorkerReady
	rec.Capacity = capacity
	rec.LoadedModels = loadedModels
	rec.SupportedLanguages = supportedLanguages
	rec.LastHeartbeat = now

	if err := r.saveRecord(ctx, *rec); err != nil {
		return err
	}
	return r.kv.SetAdd(ctx, workersSetKey, workerID)
}

// Heartbeat refreshes a worker's liveness timestamp.
func (r *Router) Heartbeat(ctx context.Context, workerID string, status domain.RealtimeWorkerStatus) error {
	rec, exists, err := r.loadRecord(ctx, workerID)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("heartbeat for unregistered realtime worker %s", workerID)
	}
	rec.Status = status
	rec.LastHeartbeat = time.Now()
	return r.saveRecord(ctx, *rec)
}

func (r *Router) listCandidates(ctx context.Context) ([]domain.RealtimeWorkerState, error) {
	ids, err := r.kv.SetMembers(ctx, workersSetKey)
	if err != nil {
		return nil, err
	}

	states := make([]domain.RealtimeWorkerState, 0, len(ids))
	for _, id := range ids {
		rec, ok, err := r.loadRecord(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		active, err := r.activeSessions(ctx, id)
		if err != nil {
			return nil, err
		}
		states = append(states, domain.RealtimeWorkerState{
			WorkerID:           rec.WorkerID,
			Endpoint:           rec.Endpoint,
			Status:             rec.Status,
			Capacity:           rec.Capacity,
			ActiveSessions:     active,
			LoadedModels:       rec.LoadedModels,
			SupportedLanguages: rec.SupportedLanguages,
			LastHeartbeat:      rec.LastHeartbeat,
			RegisteredAt:       rec.RegisteredAt,
		})
	}
	return states, nil
}

// Allocate runs the candidate-filter → max-available-slots → earliest-
// registered_at selection algorithm, atomically reserves a slot, and
// creates the Session row (spec §4.5 Allocation).
func (r *Router) Allocate(ctx context.Context, req AllocationRequest) (Allocation, error) {
	candidates, err := r.listCandidates(ctx)
	if err != nil {
		return Allocation{}, fmt.Errorf("list realtime workers: %w", err)
	}

	now := time.Now()
	var eligible []domain.RealtimeWorkerState
	for _, w := range candidates {
		if w.Status != domain.RealtimeWorkerReady && w.Status != domain.RealtimeWorkerBusy {
			continue
		}
		if !w.Fresh(now, r.staleAfter) {
			continue
		}
		if !w.HasSlot() {
			continue
		}
		if !w.SupportsModel(req.Model) {
			continue
		}
		if !w.SupportsLanguage(req.Language) {
			continue
		}
		eligible = append(eligible, w)
	}

	if len(eligible) == 0 {
		return Allocation{}, &ErrNoCapacity{RetryAfter: 5 * time.Second}
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		slotsI := eligible[i].Capacity - eligible[i].ActiveSessions
		slotsJ := eligible[j].Capacity - eligible[j].ActiveSessions
		if slotsI != slotsJ {
			return slotsI > slotsJ
		}
		if !eligible[i].RegisteredAt.Equal(eligible[j].RegisteredAt) {
			return eligible[i].RegisteredAt.Before(eligible[j].RegisteredAt)
		}
		return eligible[i].WorkerID < eligible[j].WorkerID
	})
	chosen := eligible[0]

	if _, err := r.kv.Incr(ctx, workerSessionsKey(chosen.WorkerID)); err != nil {
		return Allocation{}, fmt.Errorf("reserve slot on worker %s: %w", chosen.WorkerID, err)
	}

	sessionID := r.newID()
	session := domain.RealtimeSession{
		ID:                sessionID,
		TenantID:          req.TenantID,
		WorkerID:          chosen.WorkerID,
		Language:          req.Language,
		ModelTier:         req.Model,
		Encoding:          req.Encoding,
		SampleRate:        req.SampleRate,
		Status:            domain.SessionActive,
		PreviousSessionID: req.ResumeSessionID,
		StartedAt:         now,
	}
	if _, err := r.store.Sessions().Create(ctx, session); err != nil {
		if _, decErr := r.kv.Decr(ctx, workerSessionsKey(chosen.WorkerID)); decErr != nil {
			r.log.WithContext(ctx).WithError(decErr).Warnf("rollback slot reservation failed for worker %s", chosen.WorkerID)
		}
		return Allocation{}, fmt.Errorf("create session: %w", err)
	}
	if err := r.kv.SetAdd(ctx, workerSessionsSetKey(chosen.WorkerID), sessionID); err != nil {
		r.log.WithContext(ctx).WithError(err).Warnf("track session %s on worker %s failed", sessionID, chosen.WorkerID)
	}
	metrics.Global().IncrementActiveSessions()

	return Allocation{WorkerID: chosen.WorkerID, Endpoint: chosen.Endpoint, SessionID: sessionID}, nil
}

// Release atomically frees the worker's slot and persists the session's
// terminal status and stats (spec §4.5 Release).
func (r *Router) Release(ctx context.Context, sessionID string, status domain.SessionStatus, stats domain.SessionStats, storedAudioURI, transcriptURI string) error {
	session, err := r.store.Sessions().Get(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if session.Status.IsTerminal() {
		return nil
	}

	if _, err := r.kv.Decr(ctx, workerSessionsKey(session.WorkerID)); err != nil {
		r.log.WithContext(ctx).WithError(err).Warnf("release slot decrement failed for worker %s", session.WorkerID)
	}
	if err := r.kv.SetRemove(ctx, workerSessionsSetKey(session.WorkerID), sessionID); err != nil {
		r.log.WithContext(ctx).WithError(err).Warnf("untrack session %s on worker %s failed", sessionID, session.WorkerID)
	}
	metrics.Global().DecrementActiveSessions()

	now := time.Now()
	session.Status = status
	session.EndedAt = &now
	session.Stats = stats
	session.StoredAudioURI = storedAudioURI
	session.TranscriptURI = transcriptURI
	_, err = r.store.Sessions().Update(ctx, session)
	return err
}

// ListWorkers exposes listCandidates for the admin surface ("workers
// list"-style introspection); it carries no side effects beyond the
// reads listCandidates already performs.
func (r *Router) ListWorkers(ctx context.Context) ([]domain.RealtimeWorkerState, error) {
	return r.listCandidates(ctx)
}

// ListActiveSessions returns every session currently bound to a live
// worker, for the admin surface's "sessions list" operation (spec §6 CLI
// surface). It walks the same per-worker session-set index the health
// loop uses rather than adding a new SessionStore list method, since the
// active set is inherently a KV-side concept (§5 shared-resource note).
func (r *Router) ListActiveSessions(ctx context.Context) ([]domain.RealtimeSession, error) {
	workerIDs, err := r.kv.SetMembers(ctx, workersSetKey)
	if err != nil {
		return nil, fmt.Errorf("list realtime workers: %w", err)
	}

	var sessions []domain.RealtimeSession
	for _, workerID := range workerIDs {
		sessionIDs, err := r.kv.SetMembers(ctx, workerSessionsSetKey(workerID))
		if err != nil {
			return nil, fmt.Errorf("list sessions for worker %s: %w", workerID, err)
		}
		for _, sessionID := range sessionIDs {
			session, err := r.store.Sessions().Get(ctx, sessionID)
			if err != nil {
				continue
			}
			sessions = append(sessions, session)
		}
	}
	return sessions, nil
}

// Terminate ends an active session administratively ("sessions terminate
// <id>", spec §6 CLI surface), distinct from a worker-reported Release in
// that the operator, not the worker, chose to end it.
func (r *Router) Terminate(ctx context.Context, sessionID string) error {
	return r.Release(ctx, sessionID, domain.SessionInterrupted, domain.SessionStats{}, "", "")
}

// RunHealthLoop marks workers whose heartbeat has gone stale offline,
// interrupts every session bound to them, and publishes worker.offline
// per interrupted session (spec §4.5 health loop, every 10s by default).
func (r *Router) RunHealthLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.sweepOfflineWorkers(ctx); err != nil {
				r.log.WithContext(ctx).WithError(err).Warn("realtime health sweep failed")
			}
		}
	}
}

func (r *Router) sweepOfflineWorkers(ctx context.Context) error {
	ids, err := r.kv.SetMembers(ctx, workersSetKey)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, id := range ids {
		rec, ok, err := r.loadRecord(ctx, id)
		if err != nil || !ok {
			continue
		}
		if rec.Status == domain.RealtimeWorkerOffline {
			continue
		}
		if now.Sub(rec.LastHeartbeat) <= r.staleAfter {
			continue
		}

		fresh, _, err := r.loadRecord(ctx, id)
		if err != nil || fresh == nil || fresh.LastHeartbeat.After(rec.LastHeartbeat) {
			continue
		}
		fresh.Status = domain.RealtimeWorkerOffline
		if err := r.saveRecord(ctx, *fresh); err != nil {
			return err
		}

		if err := r.interruptSessionsForWorker(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (r *Router) interruptSessionsForWorker(ctx context.Context, workerID string) error {
	// The session store doesn't index by worker_id directly (spec §6 only
	// requires tenant_id/status/created_at indexes); the KV layer tracks
	// which sessions are currently bound to a worker via a parallel set so
	// the health loop can find them without a full scan.
	sessionIDs, err := r.kv.SetMembers(ctx, workerSessionsSetKey(workerID))
	if err != nil {
		return err
	}
	for _, sessionID := range sessionIDs {
		session, err := r.store.Sessions().Get(ctx, sessionID)
		if err != nil {
			continue
		}
		if session.Status.IsTerminal() {
			continue
		}
		now := time.Now()
		session.Status = domain.SessionInterrupted
		session.EndedAt = &now
		if _, err := r.store.Sessions().Update(ctx, session); err != nil {
			return err
		}
		if err := r.kv.SetRemove(ctx, workerSessionsSetKey(workerID), sessionID); err != nil {
			r.log.WithContext(ctx).WithError(err).Warnf("untrack interrupted session %s failed", sessionID)
		}
		if err := r.kv.Publish(ctx, "worker.offline:"+sessionID, sessionID); err != nil {
			return err
		}
	}
	return nil
}

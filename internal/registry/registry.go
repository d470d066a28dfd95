// Package registry implements the Engine Registry (C4): tracks liveness,
// capability, and capacity of all engine processes, batch and realtime
// alike. State lives in the KV Coordinator because it is high-churn and
// recoverable (spec §4.2); engine identities (names, stages, capabilities)
// remain configuration, authored once and never mutated here.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/r3e-network/scribeflow/infrastructure/logging"
	"github.com/r3e-network/scribeflow/internal/domain"
	"github.com/r3e-network/scribeflow/internal/kv"
)

// legacyHeartbeatPrefix is the pre-migration key format that is_available
// falls back to, per spec §4.2's migration affordance. It is read-only
// here: nothing in this registry writes to it going forward.
const legacyHeartbeatPrefix = "heartbeat"

const enginesSetKey = "engines:all"

func stageSetKey(stage domain.Stage) string { return "engines:stage:" + string(stage) }
func engineHashKey(engineID string) string  { return "engine:state:" + engineID }

// Registry implements the Engine Registry operations (spec §4.2). All
// operations are idempotent.
type Registry struct {
	kv         kv.Coordinator
	staleAfter time.Duration
	log        *logging.Logger
}

// New constructs a Registry against the given KV Coordinator.
func New(coordinator kv.Coordinator, staleAfter time.Duration, log *logging.Logger) *Registry {
	return &Registry{kv: coordinator, staleAfter: staleAfter, log: log}
}

type stateRecord struct {
	EngineID      string          `json:"engine_id"`
	Stage         domain.Stage    `json:"stage"`
	Status        domain.EngineStatus `json:"status"`
	CurrentTask   string          `json:"current_task,omitempty"`
	LastHeartbeat time.Time       `json:"last_heartbeat"`
	RegisteredAt  time.Time       `json:"registered_at"`
	Capacity      int             `json:"capacity,omitempty"`
}

func (r *Registry) load(ctx context.Context, engineID string) (*stateRecord, bool, error) {
	raw, ok, err := r.kv.HashGet(ctx, engineHashKey(engineID), "state")
	if err != nil || !ok {
		return nil, ok, err
	}
	var rec stateRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, false, fmt.Errorf("decode engine state %s: %w", engineID, err)
	}
	return &rec, true, nil
}

func (r *Registry) save(ctx context.Context, rec stateRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode engine state %s: %w", rec.EngineID, err)
	}
	return r.kv.HashSet(ctx, engineHashKey(rec.EngineID), "state", string(raw))
}

// Register upserts a liveness record and adds the engine to the global
// and per-stage membership sets (spec §4.2).
func (r *Registry) Register(ctx context.Context, engineID string, stage domain.Stage, queueName string, capacity int) error {
	now := time.Now()
	rec, exists, err := r.load(ctx, engineID)
	if err != nil {
		return err
	}
	if !exists {
		rec = &stateRecord{EngineID: engineID, RegisteredAt: now}
	}
	rec.Stage = stage
	rec.Status = domain.EngineIdle
	rec.LastHeartbeat = now
	rec.Capacity = capacity

	if err := r.save(ctx, *rec); err != nil {
		return err
	}
	if err := r.kv.SetAdd(ctx, enginesSetKey, engineID); err != nil {
		return err
	}
	if err := r.kv.SetAdd(ctx, stageSetKey(stage), engineID); err != nil {
		return err
	}
	r.log.LogEngineEvent(ctx, engineID, "register", map[string]interface{}{"stage": string(stage), "queue": queueName})
	return nil
}

// Heartbeat refreshes last_heartbeat; if the record is absent it is
// created with a warning, tolerating restart-ordering races where a
// heartbeat arrives before register is observed (spec §4.2).
func (r *Registry) Heartbeat(ctx context.Context, engineID string, status domain.EngineStatus, currentTask string) error {
	now := time.Now()
	rec, exists, err := r.load(ctx, engineID)
	if err != nil {
		return err
	}
	if !exists {
		r.log.WithContext(ctx).Warnf("heartbeat for unknown engine %s; creating record", engineID)
		rec = &stateRecord{EngineID: engineID, RegisteredAt: now}
		if err := r.kv.SetAdd(ctx, enginesSetKey, engineID); err != nil {
			return err
		}
	}
	rec.Status = status
	rec.CurrentTask = currentTask
	rec.LastHeartbeat = now
	return r.save(ctx, *rec)
}

// Unregister removes the engine from membership sets and marks it
// offline; it is not deleted outright so a late completion event can
// still resolve the engine's stage for logging purposes.
func (r *Registry) Unregister(ctx context.Context, engineID string) error {
	rec, exists, err := r.load(ctx, engineID)
	if err != nil {
		return err
	}
	if exists {
		rec.Status = domain.EngineOffline
		if err := r.save(ctx, *rec); err != nil {
			return err
		}
		if err := r.kv.SetRemove(ctx, stageSetKey(rec.Stage), engineID); err != nil {
			return err
		}
	}
	if err := r.kv.SetRemove(ctx, enginesSetKey, engineID); err != nil {
		return err
	}
	r.log.LogEngineEvent(ctx, engineID, "unregister", nil)
	return nil
}

// Drain marks a registered engine as draining: it keeps its heartbeat and
// stage membership (so in-flight dispatch still resolves it for logging)
// but IsAvailable now reports it unavailable, so the scheduler stops
// assigning it new tasks while whatever it is currently processing
// finishes naturally. This is the admin-surface "engines drain <id>"
// operation (spec §6 CLI surface); there is no "undrain" — an operator
// restarts the engine process to rejoin via a fresh register call.
func (r *Registry) Drain(ctx context.Context, engineID string) error {
	rec, exists, err := r.load(ctx, engineID)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("engine %s is not registered", engineID)
	}
	rec.Status = domain.EngineDraining
	if err := r.save(ctx, *rec); err != nil {
		return err
	}
	r.log.LogEngineEvent(ctx, engineID, "drain", nil)
	return nil
}

// ListEnginesForStage returns all engine states registered for a stage,
// regardless of freshness; callers apply IsAvailable/Fresh as needed.
func (r *Registry) ListEnginesForStage(ctx context.Context, stage domain.Stage) ([]domain.EngineState, error) {
	ids, err := r.kv.SetMembers(ctx, stageSetKey(stage))
	if err != nil {
		return nil, err
	}

	states := make([]domain.EngineState, 0, len(ids))
	for _, id := range ids {
		rec, ok, err := r.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		states = append(states, toDomain(*rec))
	}
	return states, nil
}

// IsAvailable returns true iff a fresh heartbeat exists and the engine is
// neither offline nor draining. It falls back to
// a legacy heartbeat key during migration, logging a deprecation warning
// — a time-bounded compatibility shim, never steady-state behavior (spec
// §4.2, §9 open question).
func (r *Registry) IsAvailable(ctx context.Context, engineID string) (bool, error) {
	rec, ok, err := r.load(ctx, engineID)
	if err != nil {
		return false, err
	}
	if ok {
		fresh := toDomain(*rec).Fresh(time.Now(), r.staleAfter)
		return fresh && rec.Status != domain.EngineOffline && rec.Status != domain.EngineDraining, nil
	}

	legacyRaw, ok, err := r.kv.Get(ctx, legacyHeartbeatPrefix+":"+engineID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	r.log.WithContext(ctx).Warnf("engine %s resolved via legacy heartbeat key; migrate this engine's harness", engineID)

	var ts time.Time
	if err := ts.UnmarshalText([]byte(legacyRaw)); err != nil {
		return false, nil
	}
	return time.Since(ts) <= r.staleAfter, nil
}

// SweepStale marks any engine whose last heartbeat is older than
// staleAfter as offline and publishes engine.offline, using a conditional
// set so a resurrected engine mid-sweep is never raced (spec §5 shared-
// resource policy).
func (r *Registry) SweepStale(ctx context.Context) error {
	ids, err := r.kv.SetMembers(ctx, enginesSetKey)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, id := range ids {
		rec, ok, err := r.load(ctx, id)
		if err != nil || !ok {
			continue
		}
		if rec.Status == domain.EngineOffline {
			continue
		}
		if now.Sub(rec.LastHeartbeat) <= r.staleAfter {
			continue
		}

		// Re-read and compare before writing to avoid clobbering a
		// heartbeat that landed between the scan and this write.
		fresh, _, err := r.load(ctx, id)
		if err != nil || fresh == nil || fresh.LastHeartbeat.After(rec.LastHeartbeat) {
			continue
		}
		fresh.Status = domain.EngineOffline
		if err := r.save(ctx, *fresh); err != nil {
			return err
		}
		if err := r.kv.Publish(ctx, "engine.offline", id); err != nil {
			return err
		}
		r.log.LogEngineEvent(ctx, id, "offline", map[string]interface{}{"reason": "heartbeat_stale"})
	}
	return nil
}

func toDomain(rec stateRecord) domain.EngineState {
	return domain.EngineState{
		EngineID:      rec.EngineID,
		Stage:         rec.Stage,
		Status:        rec.Status,
		CurrentTask:   rec.CurrentTask,
		LastHeartbeat: rec.LastHeartbeat,
		RegisteredAt:  rec.RegisteredAt,
		Capacity:      rec.Capacity,
	}
}

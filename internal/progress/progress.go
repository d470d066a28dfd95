// Package progress implements the Progress Bus (C8): a poll surface over
// the Durable Store's latest-per-task ProgressRecord, and a push surface
// that streams lifecycle events for one job over Server-Sent Events.
// Routing follows the teacher's marble.Service shape (a *mux.Router plus
// small per-route handler funcs), generalized from JSON-RPC-style
// request/response to a long-lived SSE connection.
package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/r3e-network/scribeflow/infrastructure/logging"
	"github.com/r3e-network/scribeflow/internal/domain"
	"github.com/r3e-network/scribeflow/internal/kv"
	"github.com/r3e-network/scribeflow/internal/store"
)

// Bus serves both surfaces of C8.
type Bus struct {
	store store.Store
	kv    kv.Coordinator
	log   *logging.Logger
}

// New constructs a Bus.
func New(st store.Store, coordinator kv.Coordinator, log *logging.Logger) *Bus {
	return &Bus{store: st, kv: coordinator, log: log}
}

// Router builds the HTTP routes for both surfaces (spec §4.7).
func (b *Bus) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/jobs/{id}/progress", b.handlePoll).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{id}/events", b.handleStream).Methods(http.MethodGet)
	return r
}

// jobSnapshot is the poll-surface response: the job's own state plus the
// latest progress record for every stage that has reported one (spec
// §4.7 poll surface). Stages with no record are absent from the map,
// not present as null.
type jobSnapshot struct {
	JobID    string                             `json:"job_id"`
	State    domain.JobState                    `json:"state"`
	Progress map[domain.Stage]*domain.ProgressRecord `json:"progress"`
}

func (b *Bus) snapshot(ctx context.Context, jobID string) (jobSnapshot, error) {
	job, err := b.store.Jobs().Get(ctx, jobID)
	if err != nil {
		return jobSnapshot{}, fmt.Errorf("load job %s: %w", jobID, err)
	}

	records, err := b.store.Progress().ListByJob(ctx, jobID)
	if err != nil {
		return jobSnapshot{}, fmt.Errorf("list progress for job %s: %w", jobID, err)
	}

	byStage := make(map[domain.Stage]*domain.ProgressRecord, len(records))
	for i := range records {
		rec := records[i]
		byStage[rec.Stage] = &rec
	}

	return jobSnapshot{JobID: jobID, State: job.State, Progress: byStage}, nil
}

func (b *Bus) handlePoll(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	snap, err := b.snapshot(r.Context(), jobID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(snap)
}

// handleStream serves the SSE push surface: a synthetic snapshot event on
// connect, then every subsequent lifecycle event for this job forwarded
// as it arrives. Reconnecting clients simply reconnect and re-receive a
// fresh snapshot; there is no replay cursor (spec §4.7).
func (b *Bus) handleStream(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	ctx := r.Context()

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub, err := b.kv.Subscribe(ctx, "progress."+jobID, "task.started", "task.completed", "job.completed", "job.failed")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	snap, err := b.snapshot(ctx, jobID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeSSE(w, "snapshot", snap)
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Channel():
			if !ok {
				return
			}
			if !belongsToJob(msg, jobID) {
				continue
			}
			writeSSERaw(w, eventNameFor(msg.Channel), msg.Payload)
			flusher.Flush()
		}
	}
}

// belongsToJob reports whether a global-channel message's payload
// references this job; channels already scoped per job (progress.<id>)
// always belong.
func belongsToJob(msg kv.Message, jobID string) bool {
	if msg.Channel == "progress."+jobID {
		return true
	}
	switch msg.Channel {
	case "job.completed", "job.failed":
		return msg.Payload == jobID
	default:
		var withJobID struct {
			JobID string `json:"job_id"`
		}
		if err := json.Unmarshal([]byte(msg.Payload), &withJobID); err != nil {
			return false
		}
		return withJobID.JobID == jobID
	}
}

func eventNameFor(channel string) string {
	switch {
	case len(channel) >= len("progress.") && channel[:len("progress.")] == "progress.":
		return "task.progress"
	default:
		return channel
	}
}

func writeSSE(w http.ResponseWriter, event string, data interface{}) {
	raw, err := json.Marshal(data)
	if err != nil {
		return
	}
	writeSSERaw(w, event, string(raw))
}

func writeSSERaw(w http.ResponseWriter, event, data string) {
	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", data)
}

// PollTimeout bounds how long a poll-surface client should expect an
// individual request to take; exported so callers can set a consistent
// http.Client timeout.
const PollTimeout = 5 * time.Second

// Package apihttp implements the control plane's admin/operator HTTP
// surface: the same operations spec.md §6's CLI surface exposes
// (engines list/drain, jobs cancel/retry-task, webhook delivery listing,
// sessions list/terminate), reachable over HTTP so cmd/scribeflowctl and
// any other operator tooling share one implementation. Routing follows
// internal/progress.Bus's shape (a *mux.Router plus small per-route
// handler funcs), generalized from one resource to the full admin set.
package apihttp

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	serviceerrors "github.com/r3e-network/scribeflow/infrastructure/errors"
	"github.com/r3e-network/scribeflow/infrastructure/logging"
	"github.com/r3e-network/scribeflow/internal/domain"
	"github.com/r3e-network/scribeflow/internal/kv"
	"github.com/r3e-network/scribeflow/internal/realtime"
	"github.com/r3e-network/scribeflow/internal/registry"
	"github.com/r3e-network/scribeflow/internal/scheduler"
	"github.com/r3e-network/scribeflow/internal/store"
	"github.com/r3e-network/scribeflow/internal/webhook"
)

// Server binds the control plane's components to the admin HTTP surface.
type Server struct {
	store     store.Store
	kv        kv.Coordinator
	registry  *registry.Registry
	scheduler *scheduler.Scheduler
	realtime  *realtime.Router
	webhooks  *webhook.Dispatcher
	log       *logging.Logger
}

// New constructs a Server. scheduler and webhooks may be nil in tests that
// only exercise routes not backed by them; a live orchestrator always
// supplies all six.
func New(st store.Store, coordinator kv.Coordinator, reg *registry.Registry, sched *scheduler.Scheduler, rt *realtime.Router, wh *webhook.Dispatcher, log *logging.Logger) *Server {
	return &Server{store: st, kv: coordinator, registry: reg, scheduler: sched, realtime: rt, webhooks: wh, log: log}
}

// Router builds the admin HTTP routes (spec §6 CLI surface, HTTP form).
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/admin/engines", s.handleEnginesList).Methods(http.MethodGet)
	r.HandleFunc("/admin/engines/{id}/drain", s.handleEngineDrain).Methods(http.MethodPost)
	r.HandleFunc("/admin/jobs/{id}/cancel", s.handleJobCancel).Methods(http.MethodPost)
	r.HandleFunc("/admin/jobs/{jobID}/tasks/{taskID}/retry", s.handleTaskRetry).Methods(http.MethodPost)
	r.HandleFunc("/admin/webhooks/deliveries", s.handleWebhookDeliveriesList).Methods(http.MethodGet)
	r.HandleFunc("/admin/sessions", s.handleSessionsList).Methods(http.MethodGet)
	r.HandleFunc("/admin/sessions/{id}/terminate", s.handleSessionTerminate).Methods(http.MethodPost)
	return r
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps an error to its HTTP status via the ServiceError chain,
// falling back to 500 for anything that never wrapped one. The response
// body carries err.Error() as is, wrapped cause included.
func writeError(w http.ResponseWriter, err error) {
	status := serviceerrors.GetHTTPStatus(err)
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func queryLimitOffset(r *http.Request) (limit, offset int) {
	limit, offset = 50, 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

// handleEnginesList returns every engine known to the batch registry
// across every stage, for "engines list" (spec §6).
func (s *Server) handleEnginesList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var all []domain.EngineState
	for _, stage := range domain.StageOrder {
		states, err := s.registry.ListEnginesForStage(ctx, stage)
		if err != nil {
			writeError(w, serviceerrors.Internal("list engines for stage "+string(stage), err))
			return
		}
		all = append(all, states...)
	}
	writeJSON(w, http.StatusOK, all)
}

// handleEngineDrain marks an engine draining so the scheduler stops
// assigning it new work, for "engines drain <id>" (spec §6).
func (s *Server) handleEngineDrain(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.registry.Drain(r.Context(), id); err != nil {
		writeError(w, serviceerrors.NotFound("engine", id).WithDetails("cause", err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"engine_id": id, "status": string(domain.EngineDraining)})
}

// handleJobCancel publishes the same job.cancel_requested event the
// scheduler already subscribes to (spec §4.3), for "jobs cancel <id>".
// No direct scheduler call is needed: the scheduler and this surface
// share the KV Coordinator's pub/sub bus.
func (s *Server) handleJobCancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.store.Jobs().Get(r.Context(), id); err != nil {
		writeError(w, serviceerrors.NotFound("job", id))
		return
	}
	payload, _ := json.Marshal(map[string]string{"job_id": id})
	if err := s.kv.Publish(r.Context(), "job.cancel_requested", string(payload)); err != nil {
		writeError(w, serviceerrors.Internal("publish cancel request", err))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id, "status": "cancel_requested"})
}

// handleTaskRetry reopens one failed task via Scheduler.RetryTask, for
// "jobs retry-task <job> <task>" (spec §6). Unlike cancellation this
// needs a synchronous success/failure result, so it calls the scheduler
// directly rather than publishing an event.
func (s *Server) handleTaskRetry(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	jobID, taskID := vars["jobID"], vars["taskID"]
	if err := s.scheduler.RetryTask(r.Context(), jobID, taskID); err != nil {
		writeError(w, serviceerrors.InvalidInput("task", err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID, "task_id": taskID, "status": "retry_requested"})
}

// handleWebhookDeliveriesList lists deliveries for a tenant, newest
// first, for "webhooks deliveries list" (spec §6). tenant_id is required:
// there is no cross-tenant listing on an admin surface that otherwise
// never needs platform-operator-only visibility (spec §1 multi-tenancy).
func (s *Server) handleWebhookDeliveriesList(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		writeError(w, serviceerrors.MissingParameter("tenant_id"))
		return
	}
	limit, offset := queryLimitOffset(r)
	deliveries, err := s.store.Webhooks().ListByTenant(r.Context(), tenantID, limit, offset)
	if err != nil {
		writeError(w, serviceerrors.Internal("list webhook deliveries", err))
		return
	}
	writeJSON(w, http.StatusOK, deliveries)
}

// handleSessionsList lists every session currently bound to a live
// realtime worker, for "sessions list" (spec §6).
func (s *Server) handleSessionsList(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.realtime.ListActiveSessions(r.Context())
	if err != nil {
		writeError(w, serviceerrors.Internal("list active sessions", err))
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

// handleSessionTerminate ends an active session administratively, for
// "sessions terminate <id>" (spec §6).
func (s *Server) handleSessionTerminate(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.realtime.Terminate(r.Context(), id); err != nil {
		writeError(w, serviceerrors.NotFound("session", id).WithDetails("cause", err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": id, "status": "terminated"})
}

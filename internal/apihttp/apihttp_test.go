package apihttp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/scribeflow/infrastructure/logging"
	"github.com/r3e-network/scribeflow/internal/dag"
	"github.com/r3e-network/scribeflow/internal/domain"
	"github.com/r3e-network/scribeflow/internal/kv/kvtest"
	"github.com/r3e-network/scribeflow/internal/realtime"
	"github.com/r3e-network/scribeflow/internal/registry"
	"github.com/r3e-network/scribeflow/internal/scheduler"
	"github.com/r3e-network/scribeflow/internal/store"
	"github.com/r3e-network/scribeflow/internal/store/storetest"
	"github.com/r3e-network/scribeflow/internal/webhook"
)

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return "id-" + string(rune('a'+n-1))
	}
}

func newTestServer(t *testing.T) (*Server, store.Store, *registry.Registry) {
	t.Helper()
	st := storetest.New()
	coord := kvtest.New()
	log := logging.New("apihttp-test", "error", "text")
	reg := registry.New(coord, time.Minute, log)
	rt := realtime.New(coord, st, time.Minute, sequentialIDs(), log)
	wh := webhook.New(webhook.Config{}, st, coord, sequentialIDs(), log)

	variants := dag.StaticVariantTable{
		{Stage: domain.StagePrepare, Model: "*", EngineID: "engine-prepare"},
	}
	sched := scheduler.New(scheduler.Config{
		HeartbeatStaleAfter: time.Minute,
		DispatchDeadline:    time.Minute,
		MaxTaskRetries:      3,
		TickInterval:        time.Hour,
		ShardCount:          1,
	}, st, coord, reg, variants, sequentialIDs(), log)

	return New(st, coord, reg, sched, rt, wh, log), st, reg
}

func TestHandleEnginesList(t *testing.T) {
	s, _, reg := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, reg.Register(ctx, "engine-1", domain.StagePrepare, "q-prepare", 2))

	req := httptest.NewRequest(http.MethodGet, "/admin/engines", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "engine-1")
}

func TestHandleEngineDrainSetsDrainingStatus(t *testing.T) {
	s, _, reg := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, reg.Register(ctx, "engine-1", domain.StagePrepare, "q-prepare", 2))

	req := httptest.NewRequest(http.MethodPost, "/admin/engines/engine-1/drain", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	available, err := reg.IsAvailable(ctx, "engine-1")
	require.NoError(t, err)
	assert.False(t, available)
}

func TestHandleEngineDrainUnknownEngineReturns404(t *testing.T) {
	s, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/admin/engines/ghost/drain", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleJobCancelPublishesEvent(t *testing.T) {
	s, st, _ := newTestServer(t)
	ctx := context.Background()
	job, err := st.Jobs().Create(ctx, domain.Job{ID: "job-1", TenantID: "tenant-1", State: domain.JobRunning})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/admin/jobs/"+job.ID+"/cancel", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestHandleJobCancelUnknownJobReturns404(t *testing.T) {
	s, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/admin/jobs/ghost/cancel", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleTaskRetryReopensFailedTask(t *testing.T) {
	s, st, _ := newTestServer(t)
	ctx := context.Background()
	_, err := st.Jobs().Create(ctx, domain.Job{ID: "job-1", TenantID: "tenant-1", State: domain.JobFailed})
	require.NoError(t, err)
	_, err = st.Tasks().Create(ctx, domain.Task{ID: "task-1", JobID: "job-1", Stage: domain.StagePrepare, Status: domain.TaskFailed})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/admin/jobs/job-1/tasks/task-1/retry", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	task, err := st.Tasks().Get(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskReady, task.Status)
}

func TestHandleTaskRetryNonFailedTaskReturns400(t *testing.T) {
	s, st, _ := newTestServer(t)
	ctx := context.Background()
	_, err := st.Jobs().Create(ctx, domain.Job{ID: "job-1", TenantID: "tenant-1", State: domain.JobRunning})
	require.NoError(t, err)
	_, err = st.Tasks().Create(ctx, domain.Task{ID: "task-1", JobID: "job-1", Stage: domain.StagePrepare, Status: domain.TaskRunning})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/admin/jobs/job-1/tasks/task-1/retry", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleWebhookDeliveriesListRequiresTenantID(t *testing.T) {
	s, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/admin/webhooks/deliveries", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleWebhookDeliveriesListReturnsTenantRows(t *testing.T) {
	s, st, _ := newTestServer(t)
	ctx := context.Background()
	_, err := st.Webhooks().Create(ctx, domain.WebhookDelivery{
		ID: "delivery-1", TenantID: "tenant-1", URL: "https://example.com/hook",
		EventType: "job.completed", Status: domain.WebhookPending,
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/admin/webhooks/deliveries?tenant_id=tenant-1", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "delivery-1")
}

func TestHandleSessionsListAndTerminate(t *testing.T) {
	s, _, _ := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, s.realtime.RegisterWorker(ctx, "worker-1", "ws://worker-1", 2, []string{"base"}, []string{"en"}))
	alloc, err := s.realtime.Allocate(ctx, realtime.AllocationRequest{TenantID: "tenant-1", Model: "base", Language: "en"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/admin/sessions", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), alloc.SessionID)

	termReq := httptest.NewRequest(http.MethodPost, "/admin/sessions/"+alloc.SessionID+"/terminate", nil)
	termRec := httptest.NewRecorder()
	s.Router().ServeHTTP(termRec, termReq)
	assert.Equal(t, http.StatusOK, termRec.Code)
}

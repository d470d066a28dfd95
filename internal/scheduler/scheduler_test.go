package scheduler

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/scribeflow/infrastructure/logging"
	"github.com/r3e-network/scribeflow/internal/dag"
	"github.com/r3e-network/scribeflow/internal/domain"
	"github.com/r3e-network/scribeflow/internal/kv/kvtest"
	"github.com/r3e-network/scribeflow/internal/registry"
	"github.com/r3e-network/scribeflow/internal/store/storetest"
)

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return "task-" + string(rune('a'+n-1))
	}
}

func newTestScheduler(t *testing.T) (*Scheduler, *storetest.Store, *kvtest.Coordinator, *registry.Registry) {
	t.Helper()
	st := storetest.New()
	coord := kvtest.New()
	log := logging.New("scheduler-test", "error", "text")
	reg := registry.New(coord, time.Minute, log)

	variants := dag.StaticVariantTable{
		{Stage: domain.StagePrepare, Model: "*", EngineID: "engine-prepare"},
		{Stage: domain.StageTranscribe, Model: "*", EngineID: "engine-transcribe"},
		{Stage: domain.StageMerge, Model: "*", EngineID: "engine-merge"},
	}

	cfg := Config{
		HeartbeatStaleAfter: time.Minute,
		DispatchDeadline:    time.Minute,
		MaxTaskRetries:      3,
		TickInterval:        20 * time.Millisecond,
		ShardCount:          1,
	}

	s := New(cfg, st, coord, reg, variants, sequentialIDs(), log)
	return s, st, coord, reg
}

func TestJobCreatedBuildsDAGAndDispatchesRootTask(t *testing.T) {
	s, st, coord, reg := newTestScheduler(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, reg.Register(ctx, "engine-prepare", domain.StagePrepare, "q-prepare", 1))
	require.NoError(t, reg.Register(ctx, "engine-transcribe", domain.StageTranscribe, "q-transcribe", 1))
	require.NoError(t, reg.Register(ctx, "engine-merge", domain.StageMerge, "q-merge", 1))

	job := domain.Job{
		ID:       "job-1",
		TenantID: "tenant-1",
		Parameters: domain.JobParameters{
			ModelChoice:           "*",
			TimestampsGranularity: domain.TimestampNone,
			PIIDetection:          domain.PIINone,
			RedactionMode:         domain.RedactNone,
		},
		State: domain.JobPending,
	}
	_, err := st.Jobs().Create(ctx, job)
	require.NoError(t, err)

	require.NoError(t, s.handleJobCreated(ctx, jobCreatedEvent{JobID: "job-1"}))

	tasks, err := st.Tasks().ListByJob(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, tasks, 3) // prepare, transcribe, merge

	var prepareTask domain.Task
	for _, tk := range tasks {
		if tk.Stage == domain.StagePrepare {
			prepareTask = tk
		}
	}
	require.Equal(t, domain.TaskReady, prepareTask.Status)

	require.NoError(t, s.dispatchStage(ctx, domain.StagePrepare))

	claimed, err := st.Tasks().Get(ctx, prepareTask.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskRunning, claimed.Status)

	item, ok, err := coord.QueuePop(ctx, "queue:prepare:engine-prepare", time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	var payload queuePayload
	require.NoError(t, json.Unmarshal([]byte(item.Payload), &payload))
	assert.Equal(t, prepareTask.ID, payload.TaskID)
	assert.Equal(t, "engine-prepare", payload.EngineID)
}

func TestTaskCompletedCascadesToDependentAndJobCompletion(t *testing.T) {
	s, st, _, reg := newTestScheduler(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, reg.Register(ctx, "engine-prepare", domain.StagePrepare, "q-prepare", 1))
	require.NoError(t, reg.Register(ctx, "engine-transcribe", domain.StageTranscribe, "q-transcribe", 1))
	require.NoError(t, reg.Register(ctx, "engine-merge", domain.StageMerge, "q-merge", 1))

	job := domain.Job{ID: "job-2", TenantID: "t", Parameters: domain.JobParameters{ModelChoice: "*"}, State: domain.JobPending}
	_, err := st.Jobs().Create(ctx, job)
	require.NoError(t, err)
	require.NoError(t, s.handleJobCreated(ctx, jobCreatedEvent{JobID: "job-2"}))

	tasks, err := st.Tasks().ListByJob(ctx, "job-2")
	require.NoError(t, err)
	byStage := map[domain.Stage]domain.Task{}
	for _, tk := range tasks {
		byStage[tk.Stage] = tk
	}

	require.NoError(t, s.handleTaskCompleted(ctx, taskCompletedEvent{
		TaskID: byStage[domain.StagePrepare].ID, JobID: "job-2", Status: domain.TaskCompleted, OutputURI: "file:///prepare-out",
	}))

	transcribe, err := st.Tasks().Get(ctx, byStage[domain.StageTranscribe].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskReady, transcribe.Status)

	require.NoError(t, s.handleTaskCompleted(ctx, taskCompletedEvent{
		TaskID: transcribe.ID, JobID: "job-2", Status: domain.TaskCompleted, OutputURI: "file:///transcribe-out",
	}))

	merge, err := st.Tasks().Get(ctx, byStage[domain.StageMerge].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskReady, merge.Status)

	require.NoError(t, s.handleTaskCompleted(ctx, taskCompletedEvent{
		TaskID: merge.ID, JobID: "job-2", Status: domain.TaskCompleted, OutputURI: "file:///final.json",
	}))

	gotJob, err := st.Jobs().Get(ctx, "job-2")
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, gotJob.State)
	assert.Equal(t, "file:///final.json", gotJob.TranscriptURI)
}

func TestRequiredTaskFailureCancelsRemainingTasksAndFailsJob(t *testing.T) {
	s, st, _, reg := newTestScheduler(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, reg.Register(ctx, "engine-prepare", domain.StagePrepare, "q-prepare", 1))
	require.NoError(t, reg.Register(ctx, "engine-transcribe", domain.StageTranscribe, "q-transcribe", 1))
	require.NoError(t, reg.Register(ctx, "engine-merge", domain.StageMerge, "q-merge", 1))

	job := domain.Job{ID: "job-3", TenantID: "t", Parameters: domain.JobParameters{ModelChoice: "*"}, State: domain.JobPending}
	_, err := st.Jobs().Create(ctx, job)
	require.NoError(t, err)
	require.NoError(t, s.handleJobCreated(ctx, jobCreatedEvent{JobID: "job-3"}))

	tasks, err := st.Tasks().ListByJob(ctx, "job-3")
	require.NoError(t, err)
	var prepareID string
	for _, tk := range tasks {
		if tk.Stage == domain.StagePrepare {
			prepareID = tk.ID
		}
	}

	require.NoError(t, s.handleTaskCompleted(ctx, taskCompletedEvent{
		TaskID: prepareID, JobID: "job-3", Status: domain.TaskFailed,
		Error: &domain.TaskErrorInfo{Kind: "configuration_error", Message: "bad input", Retryable: false},
	}))

	gotJob, err := st.Jobs().Get(ctx, "job-3")
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, gotJob.State)

	remaining, err := st.Tasks().ListByJob(ctx, "job-3")
	require.NoError(t, err)
	for _, tk := range remaining {
		if tk.ID == prepareID {
			assert.Equal(t, domain.TaskFailed, tk.Status)
			continue
		}
		assert.Equal(t, domain.TaskCancelled, tk.Status)
	}
}

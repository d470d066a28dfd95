package domain

import "time"

// Stage is one logical processing step in the fixed pipeline ordering
// prepare → transcribe → align → diarize → pii_detect → audio_redact → merge.
type Stage string

const (
	StagePrepare     Stage = "prepare"
	StageTranscribe  Stage = "transcribe"
	StageAlign       Stage = "align"
	StageDiarize     Stage = "diarize"
	StagePIIDetect   Stage = "pii_detect"
	StageAudioRedact Stage = "audio_redact"
	StageMerge       Stage = "merge"
)

// StageOrder is the fixed total order of stages (spec §4.1). Index is used
// to validate a task's dependency edges never point forward.
var StageOrder = []Stage{
	StagePrepare, StageTranscribe, StageAlign, StageDiarize,
	StagePIIDetect, StageAudioRedact, StageMerge,
}

// TaskState is a task's position in the state machine (spec §4.3).
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskReady     TaskState = "ready"
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
	TaskSkipped   TaskState = "skipped"
	TaskCancelled TaskState = "cancelled"
)

// IsTerminal reports whether a task has reached a state I1 forbids leaving.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskSkipped, TaskCancelled:
		return true
	default:
		return false
	}
}

// terminalRank gives each non-terminal state an ordinal so monotonic
// advancement (I1) can be checked without enumerating every legal edge.
var terminalRank = map[TaskState]int{
	TaskPending:   0,
	TaskReady:     1,
	TaskRunning:   2,
	TaskCompleted: 3,
	TaskFailed:    3,
	TaskSkipped:   3,
	TaskCancelled: 3,
}

// CanAdvance reports whether transitioning from 'from' to 'to' is legal
// under the state machine: a 'failed' task may re-enter 'ready' via a
// retry; other terminal states never move (I1), and otherwise state only
// advances forward.
func CanAdvance(from, to TaskState) bool {
	if from == TaskFailed && to == TaskReady {
		return true // retry
	}
	if from.IsTerminal() {
		return false
	}
	if to == TaskCancelled {
		return true
	}
	return terminalRank[to] >= terminalRank[from]
}

// TaskErrorInfo captures a failed task's classified cause (spec §6 wire
// shape for task completion events).
type TaskErrorInfo struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// Task is one node of a Job's DAG. Created when the DAG is built, advanced
// by the Scheduler (C7) and Worker Harness (C5), never deleted while the
// Job exists.
type Task struct {
	ID                    string          `json:"id"`
	JobID                 string          `json:"job_id"`
	Stage                 Stage           `json:"stage"`
	EngineID              string          `json:"engine_id"`
	Status                TaskState       `json:"status"`
	Required              bool            `json:"required"`
	RequiredForDownstream bool            `json:"required_for_downstream"`
	Attempts              int             `json:"attempts"`
	DependsOn             []string        `json:"depends_on"`
	InputURI              string          `json:"input_uri,omitempty"`
	OutputURI             string          `json:"output_uri,omitempty"`
	QueuedAt              *time.Time      `json:"queued_at,omitempty"`
	StartedAt             *time.Time      `json:"started_at,omitempty"`
	CompletedAt           *time.Time      `json:"completed_at,omitempty"`
	Error                 *TaskErrorInfo  `json:"error,omitempty"`
	RequestID             string          `json:"request_id"`
	TraceID               string          `json:"trace_id"`
}

// GetID implements storage.Entity.
func (t Task) GetID() string { return t.ID }

// GetAccountID implements storage.Entity; tasks are partitioned by job.
func (t Task) GetAccountID() string { return t.JobID }

// SetCreatedAt is a no-op: Task has no CreatedAt field distinct from
// QueuedAt/StartedAt, which the Scheduler sets explicitly on transition.
func (t *Task) SetCreatedAt(time.Time) {}

// SetUpdatedAt is a no-op for the same reason as SetCreatedAt.
func (t *Task) SetUpdatedAt(time.Time) {}

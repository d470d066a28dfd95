// Package domain holds the entities and state-machine constants shared by
// the batch orchestrator, engine registry, and realtime session router.
package domain

import "time"

// JobState is the lifecycle state of a Job (spec §3, §4.3).
type JobState string

const (
	JobPending   JobState = "pending"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

// IsTerminal reports whether the job has reached a final state.
func (s JobState) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// TimestampGranularity selects word- vs segment-level timestamps, driving
// whether the DAG builder includes the align stage.
type TimestampGranularity string

const (
	TimestampNone    TimestampGranularity = "none"
	TimestampSegment TimestampGranularity = "segment"
	TimestampWord    TimestampGranularity = "word"
)

// PIIDetectionTier selects the strength of PII scrubbing requested.
type PIIDetectionTier string

const (
	PIINone     PIIDetectionTier = "none"
	PIIStandard PIIDetectionTier = "standard"
	PIIStrict   PIIDetectionTier = "strict"
)

// RedactionMode controls how detected PII is handled in the final audio.
type RedactionMode string

const (
	RedactNone   RedactionMode = "none"
	RedactBeep   RedactionMode = "beep"
	RedactSilent RedactionMode = "silence"
)

// RetentionPolicy is snapshotted onto the Job at creation time (I6); later
// edits to the account-level policy never mutate existing jobs.
type RetentionPolicy struct {
	DeleteAudioAfter      time.Duration `json:"delete_audio_after"`
	DeleteTranscriptAfter time.Duration `json:"delete_transcript_after"`
	RetainArtifacts       bool          `json:"retain_artifacts"`
}

// JobParameters is the submission-time configuration that the DAG builder
// (C6) consumes to expand a Job into its task graph.
type JobParameters struct {
	Language             string               `json:"language"`
	DiarizationMode       string               `json:"diarization_mode"`
	PIIDetection          PIIDetectionTier     `json:"pii_detection"`
	RedactionMode         RedactionMode        `json:"redaction_mode"`
	TimestampsGranularity TimestampGranularity `json:"timestamps_granularity"`
	ModelChoice           string               `json:"model_choice"`
	Retention             RetentionPolicy      `json:"retention"`
	WebhookURL            string               `json:"webhook_url,omitempty"`
}

// Job is the top-level unit of work submitted to the batch orchestrator.
// Created when a submission is accepted; mutated only by the Scheduler
// (C7); destroyed by the retention sweeper at a policy-determined time.
type Job struct {
	ID              string          `json:"id"`
	TenantID        string          `json:"tenant_id"`
	SubmitterID     string          `json:"submitter_id"`
	Parameters      JobParameters   `json:"parameters"`
	AudioURI        string          `json:"audio_uri"`
	AudioDuration   time.Duration   `json:"audio_duration"`
	RequestID       string          `json:"request_id"`
	TraceID         string          `json:"trace_id"`
	State           JobState        `json:"state"`
	Error           string          `json:"error,omitempty"`
	TranscriptURI   string          `json:"transcript_uri,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

// GetID implements storage.Entity.
func (j Job) GetID() string { return j.ID }

// GetAccountID implements storage.Entity; jobs are partitioned by tenant.
func (j Job) GetAccountID() string { return j.TenantID }

// SetCreatedAt implements storage.Entity.
func (j *Job) SetCreatedAt(t time.Time) { j.CreatedAt = t }

// SetUpdatedAt implements storage.Entity.
func (j *Job) SetUpdatedAt(t time.Time) { j.UpdatedAt = t }

// Package harness implements the Engine Worker Harness (C5): the loop
// every batch engine process runs to register, heartbeat, claim work,
// invoke the engine-specific processing hook, and report completion.
// High-frequency loop logging uses zap rather than the logrus-based
// infrastructure/logging package, grounded on the same split the teacher
// draws between its request-path logger and latency-sensitive internals.
package harness

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/r3e-network/scribeflow/infrastructure/errors"
	"github.com/r3e-network/scribeflow/infrastructure/metrics"
	"github.com/r3e-network/scribeflow/internal/domain"
	"github.com/r3e-network/scribeflow/internal/kv"
	"github.com/r3e-network/scribeflow/internal/objectstore"
	"github.com/r3e-network/scribeflow/internal/registry"
)

// TaskInput is the payload handed to an engine's Process hook: the task's
// record, the URI of its input object, and the job parameters. The
// harness does not download the input; the engine reads it itself.
type TaskInput struct {
	Task      domain.Task
	InputKey  string
	Parameters domain.JobParameters
}

// TaskOutput is what Process returns on success: the key the engine
// stored its output under and that output's content type, both carried
// in the published task.completed result.
type TaskOutput struct {
	OutputKey   string
	ContentType string
}

// Engine is the interface every engine binary implements; the harness
// supplies everything else (spec §5 Worker SDK contract).
type Engine interface {
	// Stage is the pipeline stage this engine handles.
	Stage() domain.Stage
	// Process runs the engine's actual work. ctx is the context passed to
	// Harness.Run; it is cancelled only when Run's context is. The harness
	// does not cancel a single task, neither on a job cancellation nor
	// when the task's lease runs out.
	Process(ctx context.Context, in TaskInput, report ProgressReporter) (TaskOutput, error)
}

// ProgressReporter lets an engine emit incremental progress without
// knowing about the KV Coordinator directly.
type ProgressReporter interface {
	Report(ctx context.Context, percent int, message string)
}

// Config tunes harness timing.
type Config struct {
	QueueName        string
	Concurrency      int
	LeaseDuration    time.Duration
	HeartbeatPeriod  time.Duration
	ProgressPerSecond float64
}

// Harness runs the register → heartbeat → pop → process → ack loop for
// one engine instance (spec §5).
type Harness struct {
	engineID string
	engine   Engine
	cfg      Config

	kv       kv.Coordinator
	registry *registry.Registry
	objects  objectstore.Store
	log      *zap.Logger

	limiter *rate.Limiter
}

// New wires a Harness. log is typically zap's production or development
// logger depending on environment, matching the teacher's other
// high-throughput loops.
func New(engineID string, engine Engine, cfg Config, coordinator kv.Coordinator, reg *registry.Registry, objects objectstore.Store, log *zap.Logger) *Harness {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.ProgressPerSecond <= 0 {
		cfg.ProgressPerSecond = 1
	}
	return &Harness{
		engineID: engineID,
		engine:   engine,
		cfg:      cfg,
		kv:       coordinator,
		registry: reg,
		objects:  objects,
		log:      log,
		limiter:  rate.NewLimiter(rate.Limit(cfg.ProgressPerSecond), 1),
	}
}

// Run registers the engine, starts the heartbeat loop, and processes
// tasks until ctx is cancelled, then unregisters on the way out (spec §5
// "drain" lifecycle point).
func (h *Harness) Run(ctx context.Context) error {
	if err := h.registry.Register(ctx, h.engineID, h.engine.Stage(), h.cfg.QueueName, h.cfg.Concurrency); err != nil {
		return fmt.Errorf("register engine: %w", err)
	}
	defer func() {
		unregCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.registry.Unregister(unregCtx, h.engineID); err != nil {
			h.log.Warn("unregister on shutdown failed", zap.Error(err))
		}
	}()

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go h.runHeartbeat(heartbeatCtx)

	slots := make(chan struct{}, h.cfg.Concurrency)
	for i := 0; i < h.cfg.Concurrency; i++ {
		slots <- struct{}{}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-slots:
		}

		item, ok, err := h.kv.QueuePop(ctx, h.cfg.QueueName, h.cfg.LeaseDuration)
		if err != nil {
			h.log.Error("queue pop failed", zap.Error(err))
			slots <- struct{}{}
			continue
		}
		if !ok {
			slots <- struct{}{}
			continue
		}

		go func() {
			defer func() { slots <- struct{}{} }()
			h.handle(ctx, item)
		}()
	}
}

func (h *Harness) runHeartbeat(ctx context.Context) {
	period := h.cfg.HeartbeatPeriod
	if period <= 0 {
		period = 10 * time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.registry.Heartbeat(ctx, h.engineID, domain.EngineIdle, ""); err != nil {
				h.log.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}

type taskPayload struct {
	TaskID     string               `json:"task_id"`
	JobID      string               `json:"job_id"`
	InputURI   string               `json:"audio_uri"`
	Parameters domain.JobParameters
}

func (h *Harness) handle(ctx context.Context, item kv.LeasedItem) {
	var payload taskPayload
	if err := decodePayload(item.Payload, &payload); err != nil {
		h.log.Error("decode task payload failed", zap.Error(err))
		return
	}

	if err := h.registry.Heartbeat(ctx, h.engineID, domain.EngineProcessing, payload.TaskID); err != nil {
		h.log.Warn("heartbeat on claim failed", zap.Error(err))
	}

	reporter := &limitedReporter{harness: h, taskID: payload.TaskID, jobID: payload.JobID}

	startedAt := time.Now()
	out, procErr := h.engine.Process(ctx, TaskInput{
		Task:       domain.Task{ID: payload.TaskID, JobID: payload.JobID, Stage: h.engine.Stage()},
		InputKey:   payload.InputURI,
		Parameters: payload.Parameters,
	}, reporter)

	outcome := "success"
	if procErr != nil {
		outcome = "error"
	}
	metrics.Global().ObserveTaskDuration(string(h.engine.Stage()), outcome, time.Since(startedAt))

	result := taskResult{TaskID: payload.TaskID, JobID: payload.JobID}
	if procErr != nil {
		taskErr := errors.GetTaskError(procErr)
		if taskErr == nil {
			taskErr = errors.NewTaskError(errors.KindProcessing, procErr.Error(), procErr)
		}
		result.ErrorKind = string(taskErr.Kind)
		result.ErrorMessage = taskErr.Error()
		result.Retryable = taskErr.Kind.IsRetryable()
	} else {
		result.OutputKey = out.OutputKey
		result.ContentType = out.ContentType
		result.Success = true
	}

	if err := h.publishResult(ctx, result); err != nil {
		h.log.Error("publish task result failed", zap.Error(err))
		return
	}

	if err := h.kv.QueueAck(ctx, h.cfg.QueueName, item); err != nil {
		h.log.Warn("queue ack failed", zap.Error(err))
	}
}

type taskResult struct {
	TaskID       string
	JobID        string
	Success      bool
	OutputKey    string
	ContentType  string
	ErrorKind    string
	ErrorMessage string
	Retryable    bool
}

func (h *Harness) publishResult(ctx context.Context, result taskResult) error {
	raw, err := encodePayload(result)
	if err != nil {
		return fmt.Errorf("encode task result: %w", err)
	}
	return h.kv.Publish(ctx, "task.completed", raw)
}

type limitedReporter struct {
	harness *Harness
	taskID  string
	jobID   string
}

// Report throttles itself to the harness's configured progress rate so a
// chatty engine cannot flood the KV Coordinator with writes.
func (r *limitedReporter) Report(ctx context.Context, percent int, message string) {
	if !r.harness.limiter.Allow() {
		return
	}
	rec := domain.ProgressRecord{
		TaskID:    r.taskID,
		JobID:     r.jobID,
		Stage:     r.harness.engine.Stage(),
		Percent:   percent,
		Message:   message,
		UpdatedAt: time.Now(),
	}
	raw, err := encodePayload(rec)
	if err != nil {
		return
	}
	if err := r.harness.kv.Set(ctx, "progress:"+r.taskID, raw, time.Hour); err != nil {
		r.harness.log.Warn("progress write failed", zap.String("task_id", r.taskID), zap.Error(err))
	}
	_ = r.harness.kv.Publish(ctx, "progress."+r.jobID, raw)
}

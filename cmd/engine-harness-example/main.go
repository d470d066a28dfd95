// Command engine-harness-example is a minimal Prepare-stage engine: it
// validates a submitted audio URI via the Object Store's Stat and copies
// it unchanged to an output key, so an operator can run a full job
// through the pipeline without a real transcription backend installed.
// A production engine replaces only copyEngine.Process; everything
// else here (registration, heartbeat, queue draining) is the Worker SDK
// contract (spec §5) every engine binary shares via internal/harness.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/r3e-network/scribeflow/infrastructure/logging"
	"github.com/r3e-network/scribeflow/internal/domain"
	"github.com/r3e-network/scribeflow/internal/harness"
	"github.com/r3e-network/scribeflow/internal/kv/redis"
	"github.com/r3e-network/scribeflow/internal/objectstore"
	"github.com/r3e-network/scribeflow/internal/objectstore/localdisk"
	"github.com/r3e-network/scribeflow/internal/registry"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("engine-harness-example: %v", err)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engineID := envOr("ENGINE_ID", "prepare-example-"+uuid.NewString()[:8])
	queueName := envOr("QUEUE_NAME", "q-prepare")

	zapLogger, err := newZapLogger()
	if err != nil {
		return fmt.Errorf("build zap logger: %w", err)
	}
	defer zapLogger.Sync() //nolint:errcheck

	coordinator := redis.Dial(
		envOr("REDIS_ADDR", "localhost:6379"),
		os.Getenv("REDIS_PASSWORD"),
		envIntOr("REDIS_DB", 0),
		envOr("REDIS_PREFIX", "scribeflow:"),
	)
	defer coordinator.Close()

	objects, err := localdisk.New(
		envOr("OBJECTSTORE_BASE_DIR", "./data/objects"),
		envOr("OBJECTSTORE_URL_PREFIX", "http://localhost:8080/blobs"),
		os.Getenv("OBJECTSTORE_SIGNING_SALT"),
	)
	if err != nil {
		return fmt.Errorf("open object store: %w", err)
	}

	reg := registry.New(coordinator, envDurationOr("HEARTBEAT_STALE_AFTER", 60*time.Second), logging.NewFromEnv("engine-harness-example"))

	h := harness.New(engineID, &copyEngine{objects: objects}, harness.Config{
		QueueName:         queueName,
		Concurrency:       envIntOr("ENGINE_CONCURRENCY", 2),
		LeaseDuration:     envDurationOr("ENGINE_LEASE_DURATION", 5*time.Minute),
		HeartbeatPeriod:   envDurationOr("ENGINE_HEARTBEAT_PERIOD", 10*time.Second),
		ProgressPerSecond: 1,
	}, coordinator, reg, objects, zapLogger)

	zapLogger.Info("engine starting", zap.String("engine_id", engineID), zap.String("queue", queueName))
	return h.Run(ctx)
}

// copyEngine implements harness.Engine for the Prepare stage (spec §4.1):
// it stats the input to confirm it is readable, streams it to a new
// output key unchanged, and reports two progress checkpoints. Real
// engines replace this with ffmpeg normalization, a model invocation,
// forced alignment, or diarization, depending on Stage().
type copyEngine struct {
	objects objectstore.Store
}

func (e *copyEngine) Stage() domain.Stage { return domain.StagePrepare }

func (e *copyEngine) Process(ctx context.Context, in harness.TaskInput, report harness.ProgressReporter) (harness.TaskOutput, error) {
	meta, err := e.objects.Stat(ctx, in.InputKey)
	if err != nil {
		return harness.TaskOutput{}, fmt.Errorf("stat input %s: %w", in.InputKey, err)
	}
	report.Report(ctx, 10, "input validated")

	body, _, err := e.objects.Get(ctx, in.InputKey)
	if err != nil {
		return harness.TaskOutput{}, fmt.Errorf("open input %s: %w", in.InputKey, err)
	}
	defer body.Close()

	outputKey := "prepared/" + in.Task.JobID + "/" + in.Task.ID
	if _, err := e.objects.Put(ctx, outputKey, body, meta.ContentType); err != nil {
		return harness.TaskOutput{}, fmt.Errorf("put output %s: %w", outputKey, err)
	}
	report.Report(ctx, 100, "prepared audio uploaded")

	return harness.TaskOutput{OutputKey: outputKey, ContentType: meta.ContentType}, nil
}

func newZapLogger() (*zap.Logger, error) {
	if envOr("APP_ENV", "development") == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

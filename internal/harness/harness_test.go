package harness

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/r3e-network/scribeflow/infrastructure/logging"
	"github.com/r3e-network/scribeflow/internal/domain"
	"github.com/r3e-network/scribeflow/internal/kv/kvtest"
	"github.com/r3e-network/scribeflow/internal/registry"
)

type fakeEngine struct {
	stage   domain.Stage
	process func(ctx context.Context, in TaskInput, report ProgressReporter) (TaskOutput, error)
}

func (e *fakeEngine) Stage() domain.Stage { return e.stage }
func (e *fakeEngine) Process(ctx context.Context, in TaskInput, report ProgressReporter) (TaskOutput, error) {
	return e.process(ctx, in, report)
}

func TestHarnessProcessesOneTaskAndPublishesResult(t *testing.T) {
	coord := kvtest.New()
	reg := registry.New(coord, time.Second, logging.New("harness-test", "error", "text"))

	processed := make(chan struct{}, 1)
	engine := &fakeEngine{
		stage: domain.StageTranscribe,
		process: func(ctx context.Context, in TaskInput, report ProgressReporter) (TaskOutput, error) {
			report.Report(ctx, 50, "halfway")
			processed <- struct{}{}
			return TaskOutput{OutputKey: "out/key", ContentType: "application/json"}, nil
		},
	}

	h := New("engine-1", engine, Config{QueueName: "q-transcribe", Concurrency: 1, LeaseDuration: time.Second}, coord, reg, nil, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sub, err := coord.Subscribe(ctx, "task.completed")
	require.NoError(t, err)
	defer sub.Close()

	go h.Run(ctx)

	payload, err := encodePayload(taskPayload{TaskID: "t-1", JobID: "j-1", InputURI: "file:///in"})
	require.NoError(t, err)
	require.NoError(t, coord.QueuePush(ctx, "q-transcribe", payload))

	select {
	case <-processed:
	case <-ctx.Done():
		t.Fatal("engine never invoked")
	}

	select {
	case msg := <-sub.Channel():
		assert.Contains(t, msg.Payload, "t-1")
		assert.Contains(t, msg.Payload, "out/key")
	case <-ctx.Done():
		t.Fatal("timed out waiting for task.completed")
	}
}

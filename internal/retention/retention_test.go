package retention

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/scribeflow/infrastructure/logging"
	"github.com/r3e-network/scribeflow/internal/domain"
	"github.com/r3e-network/scribeflow/internal/objectstore/localdisk"
	"github.com/r3e-network/scribeflow/internal/store/storetest"
)

func TestSweepJobDeletesArtifactsAndRowOncePolicyWindowsElapse(t *testing.T) {
	st := storetest.New()
	objects, err := localdisk.New(t.TempDir(), "http://localhost/blobs", "test-salt")
	require.NoError(t, err)
	log := logging.New("retention-test", "error", "text")
	ctx := context.Background()

	audioURI, err := objects.Put(ctx, "jobs/j-1/audio.wav", strings.NewReader("audio"), "audio/wav")
	require.NoError(t, err)
	transcriptURI, err := objects.Put(ctx, "jobs/j-1/transcript.json", strings.NewReader("{}"), "application/json")
	require.NoError(t, err)

	completedAt := time.Now().Add(-2 * time.Hour)
	job, err := st.Jobs().Create(ctx, domain.Job{
		ID:            "j-1",
		TenantID:      "t",
		State:         domain.JobCompleted,
		AudioURI:      audioURI,
		TranscriptURI: transcriptURI,
		CompletedAt:   &completedAt,
		Parameters: domain.JobParameters{
			Retention: domain.RetentionPolicy{
				DeleteAudioAfter:      time.Hour,
				DeleteTranscriptAfter: time.Hour,
				RetainArtifacts:       false,
			},
		},
	})
	require.NoError(t, err)

	sw := New(Config{BatchSize: 10}, st, objects, log)
	require.NoError(t, sw.SweepOnce(ctx))

	_, err = objects.Stat(ctx, audioURI)
	assert.Error(t, err, "audio object should have been deleted")
	_, err = objects.Stat(ctx, transcriptURI)
	assert.Error(t, err, "transcript object should have been deleted")

	_, err = st.Jobs().Get(ctx, job.ID)
	assert.Error(t, err, "job row should have been deleted once both windows elapsed")
}

func TestSweepJobRetainsArtifactsWhenPolicySaysSo(t *testing.T) {
	st := storetest.New()
	objects, err := localdisk.New(t.TempDir(), "http://localhost/blobs", "test-salt")
	require.NoError(t, err)
	log := logging.New("retention-test", "error", "text")
	ctx := context.Background()

	audioURI, err := objects.Put(ctx, "jobs/j-2/audio.wav", strings.NewReader("audio"), "audio/wav")
	require.NoError(t, err)

	completedAt := time.Now().Add(-2 * time.Hour)
	job, err := st.Jobs().Create(ctx, domain.Job{
		ID:          "j-2",
		TenantID:    "t",
		State:       domain.JobCompleted,
		AudioURI:    audioURI,
		CompletedAt: &completedAt,
		Parameters: domain.JobParameters{
			Retention: domain.RetentionPolicy{
				DeleteAudioAfter: time.Hour,
				RetainArtifacts:  true,
			},
		},
	})
	require.NoError(t, err)

	sw := New(Config{BatchSize: 10}, st, objects, log)
	require.NoError(t, sw.SweepOnce(ctx))

	_, err = objects.Stat(ctx, audioURI)
	assert.Error(t, err, "audio object is still deleted once its window elapses")

	stored, err := st.Jobs().Get(ctx, job.ID)
	require.NoError(t, err, "row must survive because RetainArtifacts is set")
	assert.Empty(t, stored.AudioURI)
}

func TestSweepJobSkipsRowsWithinRetentionWindow(t *testing.T) {
	st := storetest.New()
	objects, err := localdisk.New(t.TempDir(), "http://localhost/blobs", "test-salt")
	require.NoError(t, err)
	log := logging.New("retention-test", "error", "text")
	ctx := context.Background()

	audioURI, err := objects.Put(ctx, "jobs/j-3/audio.wav", strings.NewReader("audio"), "audio/wav")
	require.NoError(t, err)

	completedAt := time.Now()
	_, err = st.Jobs().Create(ctx, domain.Job{
		ID:          "j-3",
		TenantID:    "t",
		State:       domain.JobCompleted,
		AudioURI:    audioURI,
		CompletedAt: &completedAt,
		Parameters: domain.JobParameters{
			Retention: domain.RetentionPolicy{DeleteAudioAfter: 24 * time.Hour},
		},
	})
	require.NoError(t, err)

	sw := New(Config{BatchSize: 10}, st, objects, log)
	require.NoError(t, sw.SweepOnce(ctx))

	_, err = objects.Stat(ctx, audioURI)
	assert.NoError(t, err, "audio object must survive, its window has not elapsed")
}

package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/r3e-network/scribeflow/internal/domain"
	pgbase "github.com/r3e-network/scribeflow/pkg/storage/postgres"
)

// SessionStore persists domain.RealtimeSession rows for C9's audit trail.
type SessionStore struct {
	base *pgbase.BaseStore
}

const sessionColumns = `id, tenant_id, worker_id, language, model_tier, encoding, sample_rate,
	status, previous_session_id, audio_duration_ms, utterance_count, word_count,
	started_at, ended_at, stored_audio_uri, transcript_uri, enhancement_job_id`

func (s *SessionStore) scanRow(row interface{ Scan(...any) error }) (domain.RealtimeSession, error) {
	var sess domain.RealtimeSession
	var audioMS int64
	var endedAt sql.NullTime

	if err := row.Scan(&sess.ID, &sess.TenantID, &sess.WorkerID, &sess.Language, &sess.ModelTier,
		&sess.Encoding, &sess.SampleRate, &sess.Status, &sess.PreviousSessionID, &audioMS,
		&sess.Stats.UtteranceCount, &sess.Stats.WordCount, &sess.StartedAt, &endedAt,
		&sess.StoredAudioURI, &sess.TranscriptURI, &sess.EnhancementJobID); err != nil {
		return domain.RealtimeSession{}, err
	}
	sess.Stats.AudioDuration = durationFromMillis(audioMS)
	sess.EndedAt = pgbase.NullTimeToPtr(endedAt)
	return sess, nil
}

func (s *SessionStore) Create(ctx context.Context, sess domain.RealtimeSession) (domain.RealtimeSession, error) {
	_, err := s.base.ExecContext(ctx, `
		INSERT INTO realtime_sessions (`+sessionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		sess.ID, sess.TenantID, sess.WorkerID, sess.Language, sess.ModelTier, sess.Encoding,
		sess.SampleRate, sess.Status, sess.PreviousSessionID, sess.Stats.AudioDuration.Milliseconds(),
		sess.Stats.UtteranceCount, sess.Stats.WordCount, sess.StartedAt,
		pgbase.PtrToNullTime(sess.EndedAt), sess.StoredAudioURI, sess.TranscriptURI, sess.EnhancementJobID)
	if err != nil {
		return domain.RealtimeSession{}, fmt.Errorf("insert realtime session: %w", err)
	}
	return sess, nil
}

func (s *SessionStore) Update(ctx context.Context, sess domain.RealtimeSession) (domain.RealtimeSession, error) {
	_, err := s.base.ExecContext(ctx, `
		UPDATE realtime_sessions SET status=$2, audio_duration_ms=$3, utterance_count=$4,
			word_count=$5, ended_at=$6, stored_audio_uri=$7, transcript_uri=$8, enhancement_job_id=$9
		WHERE id=$1`,
		sess.ID, sess.Status, sess.Stats.AudioDuration.Milliseconds(), sess.Stats.UtteranceCount,
		sess.Stats.WordCount, pgbase.PtrToNullTime(sess.EndedAt), sess.StoredAudioURI,
		sess.TranscriptURI, sess.EnhancementJobID)
	if err != nil {
		return domain.RealtimeSession{}, fmt.Errorf("update realtime session: %w", err)
	}
	return sess, nil
}

func (s *SessionStore) Get(ctx context.Context, id string) (domain.RealtimeSession, error) {
	row := s.base.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM realtime_sessions WHERE id = $1`, id)
	return s.scanRow(row)
}

func (s *SessionStore) ListTerminal(ctx context.Context, limit int) ([]domain.RealtimeSession, error) {
	rows, err := s.base.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM realtime_sessions
		WHERE status IN ('completed','interrupted','error')
		ORDER BY ended_at ASC NULLS FIRST LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list terminal sessions: %w", err)
	}
	defer rows.Close()

	var out []domain.RealtimeSession
	for rows.Next() {
		sess, err := s.scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *SessionStore) Delete(ctx context.Context, id string) error {
	_, err := s.base.ExecContext(ctx, `DELETE FROM realtime_sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

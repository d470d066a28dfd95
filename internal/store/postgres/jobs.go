package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/r3e-network/scribeflow/internal/domain"
	pgbase "github.com/r3e-network/scribeflow/pkg/storage/postgres"
)

// JobStore persists domain.Job rows.
type JobStore struct {
	base *pgbase.BaseStore
}

func (s *JobStore) Create(ctx context.Context, job domain.Job) (domain.Job, error) {
	params, err := json.Marshal(job.Parameters)
	if err != nil {
		return domain.Job{}, fmt.Errorf("encode parameters: %w", err)
	}
	now := time.Now()
	job.CreatedAt, job.UpdatedAt = now, now

	_, err = s.base.ExecContext(ctx, `
		INSERT INTO jobs (id, tenant_id, submitter_id, parameters, audio_uri, audio_duration_ms,
			request_id, trace_id, state, error, transcript_uri, created_at, updated_at, completed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		job.ID, job.TenantID, job.SubmitterID, params, job.AudioURI, job.AudioDuration.Milliseconds(),
		job.RequestID, job.TraceID, job.State, job.Error, job.TranscriptURI, job.CreatedAt, job.UpdatedAt,
		pgbase.PtrToNullTime(job.CompletedAt))
	if err != nil {
		return domain.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

func (s *JobStore) scanRow(row interface{ Scan(...any) error }) (domain.Job, error) {
	var job domain.Job
	var params []byte
	var audioMS int64
	var completedAt sql.NullTime

	if err := row.Scan(&job.ID, &job.TenantID, &job.SubmitterID, &params, &job.AudioURI, &audioMS,
		&job.RequestID, &job.TraceID, &job.State, &job.Error, &job.TranscriptURI,
		&job.CreatedAt, &job.UpdatedAt, &completedAt); err != nil {
		return domain.Job{}, err
	}
	job.AudioDuration = time.Duration(audioMS) * time.Millisecond
	job.CompletedAt = pgbase.NullTimeToPtr(completedAt)
	if err := json.Unmarshal(params, &job.Parameters); err != nil {
		return domain.Job{}, fmt.Errorf("decode parameters: %w", err)
	}
	return job, nil
}

const jobColumns = `id, tenant_id, submitter_id, parameters, audio_uri, audio_duration_ms,
	request_id, trace_id, state, error, transcript_uri, created_at, updated_at, completed_at`

func (s *JobStore) Get(ctx context.Context, id string) (domain.Job, error) {
	row := s.base.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := s.scanRow(row)
	if err == sql.ErrNoRows {
		return domain.Job{}, fmt.Errorf("job %s: %w", id, err)
	}
	return job, err
}

func (s *JobStore) Update(ctx context.Context, job domain.Job) (domain.Job, error) {
	params, err := json.Marshal(job.Parameters)
	if err != nil {
		return domain.Job{}, fmt.Errorf("encode parameters: %w", err)
	}
	job.UpdatedAt = time.Now()

	_, err = s.base.ExecContext(ctx, `
		UPDATE jobs SET parameters=$2, state=$3, error=$4, transcript_uri=$5, updated_at=$6, completed_at=$7
		WHERE id=$1`,
		job.ID, params, job.State, job.Error, job.TranscriptURI, job.UpdatedAt,
		pgbase.PtrToNullTime(job.CompletedAt))
	if err != nil {
		return domain.Job{}, fmt.Errorf("update job: %w", err)
	}
	return job, nil
}

func (s *JobStore) ListByTenant(ctx context.Context, tenantID string, limit, offset int) ([]domain.Job, error) {
	rows, err := s.base.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE tenant_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []domain.Job
	for rows.Next() {
		job, err := s.scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *JobStore) ListTerminal(ctx context.Context, limit int) ([]domain.Job, error) {
	rows, err := s.base.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE state IN ('completed','failed','cancelled')
		ORDER BY completed_at ASC NULLS FIRST LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list terminal jobs: %w", err)
	}
	defer rows.Close()

	var out []domain.Job
	for rows.Next() {
		job, err := s.scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *JobStore) Delete(ctx context.Context, id string) error {
	_, err := s.base.ExecContext(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	return nil
}

func (s *JobStore) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]domain.Job, error) {
	rows, err := s.base.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE state NOT IN ('completed','failed','cancelled') AND updated_at < $1
		ORDER BY updated_at ASC LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale jobs: %w", err)
	}
	defer rows.Close()

	var out []domain.Job
	for rows.Next() {
		job, err := s.scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

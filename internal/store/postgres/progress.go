package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/r3e-network/scribeflow/internal/domain"
	pgbase "github.com/r3e-network/scribeflow/pkg/storage/postgres"
)

// ProgressStore persists the latest domain.ProgressRecord per task, an
// upsert-only table backing the Progress Bus's poll surface (C8).
type ProgressStore struct {
	base *pgbase.BaseStore
}

func (s *ProgressStore) Upsert(ctx context.Context, rec domain.ProgressRecord) error {
	_, err := s.base.ExecContext(ctx, `
		INSERT INTO progress_records (task_id, job_id, stage, percent, message, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (task_id) DO UPDATE SET
			stage = EXCLUDED.stage, percent = EXCLUDED.percent,
			message = EXCLUDED.message, updated_at = EXCLUDED.updated_at`,
		rec.TaskID, rec.JobID, rec.Stage, rec.Percent, rec.Message, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert progress record: %w", err)
	}
	return nil
}

func (s *ProgressStore) Get(ctx context.Context, taskID string) (domain.ProgressRecord, bool, error) {
	var rec domain.ProgressRecord
	row := s.base.QueryRowContext(ctx, `
		SELECT task_id, job_id, stage, percent, message, updated_at
		FROM progress_records WHERE task_id = $1`, taskID)
	if err := row.Scan(&rec.TaskID, &rec.JobID, &rec.Stage, &rec.Percent, &rec.Message, &rec.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return domain.ProgressRecord{}, false, nil
		}
		return domain.ProgressRecord{}, false, err
	}
	return rec, true, nil
}

func (s *ProgressStore) ListByJob(ctx context.Context, jobID string) ([]domain.ProgressRecord, error) {
	rows, err := s.base.QueryContext(ctx, `
		SELECT task_id, job_id, stage, percent, message, updated_at
		FROM progress_records WHERE job_id = $1`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list progress records: %w", err)
	}
	defer rows.Close()

	var out []domain.ProgressRecord
	for rows.Next() {
		var rec domain.ProgressRecord
		if err := rows.Scan(&rec.TaskID, &rec.JobID, &rec.Stage, &rec.Percent, &rec.Message, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

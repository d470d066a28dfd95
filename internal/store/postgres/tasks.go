package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/r3e-network/scribeflow/internal/domain"
	pgbase "github.com/r3e-network/scribeflow/pkg/storage/postgres"
)

// TaskStore persists domain.Task rows.
type TaskStore struct {
	base *pgbase.BaseStore
}

const taskColumns = `id, job_id, stage, engine_id, status, required, required_for_downstream,
	attempts, depends_on, input_uri, output_uri, queued_at, started_at, completed_at,
	error_kind, error_message, error_retryable, request_id, trace_id`

func (s *TaskStore) scanRow(row interface{ Scan(...any) error }) (domain.Task, error) {
	var t domain.Task
	var dependsOn pq.StringArray
	var queuedAt, startedAt, completedAt sql.NullTime
	var errKind, errMessage sql.NullString
	var errRetryable sql.NullBool

	if err := row.Scan(&t.ID, &t.JobID, &t.Stage, &t.EngineID, &t.Status, &t.Required,
		&t.RequiredForDownstream, &t.Attempts, &dependsOn, &t.InputURI, &t.OutputURI,
		&queuedAt, &startedAt, &completedAt, &errKind, &errMessage, &errRetryable,
		&t.RequestID, &t.TraceID); err != nil {
		return domain.Task{}, err
	}
	t.DependsOn = []string(dependsOn)
	t.QueuedAt = pgbase.NullTimeToPtr(queuedAt)
	t.StartedAt = pgbase.NullTimeToPtr(startedAt)
	t.CompletedAt = pgbase.NullTimeToPtr(completedAt)
	if errKind.Valid {
		t.Error = &domain.TaskErrorInfo{Kind: errKind.String, Message: errMessage.String, Retryable: errRetryable.Bool}
	}
	return t, nil
}

func (s *TaskStore) Create(ctx context.Context, t domain.Task) (domain.Task, error) {
	kind, msg, retryable := errorColumns(t.Error)
	_, err := s.base.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		t.ID, t.JobID, t.Stage, t.EngineID, t.Status, t.Required, t.RequiredForDownstream,
		t.Attempts, pq.Array(t.DependsOn), t.InputURI, t.OutputURI,
		pgbase.PtrToNullTime(t.QueuedAt), pgbase.PtrToNullTime(t.StartedAt), pgbase.PtrToNullTime(t.CompletedAt),
		kind, msg, retryable, t.RequestID, t.TraceID)
	if err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	return t, nil
}

func (s *TaskStore) Get(ctx context.Context, id string) (domain.Task, error) {
	row := s.base.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	return s.scanRow(row)
}

func (s *TaskStore) Update(ctx context.Context, t domain.Task) (domain.Task, error) {
	kind, msg, retryable := errorColumns(t.Error)
	_, err := s.base.ExecContext(ctx, `
		UPDATE tasks SET engine_id=$2, status=$3, attempts=$4, input_uri=$5, output_uri=$6,
			queued_at=$7, started_at=$8, completed_at=$9, error_kind=$10, error_message=$11,
			error_retryable=$12
		WHERE id=$1`,
		t.ID, t.EngineID, t.Status, t.Attempts, t.InputURI, t.OutputURI,
		pgbase.PtrToNullTime(t.QueuedAt), pgbase.PtrToNullTime(t.StartedAt), pgbase.PtrToNullTime(t.CompletedAt),
		kind, msg, retryable)
	if err != nil {
		return domain.Task{}, fmt.Errorf("update task: %w", err)
	}
	return t, nil
}

func (s *TaskStore) ListByJob(ctx context.Context, jobID string) ([]domain.Task, error) {
	rows, err := s.base.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE job_id = $1 ORDER BY id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []domain.Task
	for rows.Next() {
		t, err := s.scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ClaimReady locks up to limit ready tasks for stage with FOR UPDATE SKIP
// LOCKED and flips them to running in the same transaction, so a second
// scheduler replica racing this call never observes the same row (spec
// §4.3, §5).
func (s *TaskStore) ClaimReady(ctx context.Context, stage domain.Stage, limit int) ([]domain.Task, error) {
	var claimed []domain.Task
	err := s.base.WithTx(ctx, func(ctx context.Context) error {
		rows, err := s.base.QueryContext(ctx, `
			SELECT `+taskColumns+` FROM tasks
			WHERE stage = $1 AND status = 'ready'
			ORDER BY queued_at ASC NULLS FIRST
			LIMIT $2
			FOR UPDATE SKIP LOCKED`, stage, limit)
		if err != nil {
			return fmt.Errorf("select ready tasks: %w", err)
		}
		var ids []string
		for rows.Next() {
			t, err := s.scanRow(rows)
			if err != nil {
				rows.Close()
				return err
			}
			claimed = append(claimed, t)
			ids = append(ids, t.ID)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		now := time.Now()
		_, err = s.base.ExecContext(ctx, `
			UPDATE tasks SET status = 'running', started_at = $2 WHERE id = ANY($1)`,
			pq.Array(ids), now)
		if err != nil {
			return fmt.Errorf("mark claimed running: %w", err)
		}
		for i := range claimed {
			claimed[i].Status = domain.TaskRunning
			claimed[i].StartedAt = &now
		}
		return nil
	})
	return claimed, err
}

func (s *TaskStore) ListByState(ctx context.Context, state domain.TaskState, olderThan time.Time, limit int) ([]domain.Task, error) {
	rows, err := s.base.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = $1 AND COALESCE(started_at, queued_at, now()) < $2
		ORDER BY queued_at ASC NULLS FIRST LIMIT $3`, state, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks by state: %w", err)
	}
	defer rows.Close()

	var out []domain.Task
	for rows.Next() {
		t, err := s.scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func errorColumns(e *domain.TaskErrorInfo) (kind, message sql.NullString, retryable sql.NullBool) {
	if e == nil {
		return
	}
	kind = sql.NullString{String: e.Kind, Valid: true}
	message = sql.NullString{String: e.Message, Valid: true}
	retryable = sql.NullBool{Bool: e.Retryable, Valid: true}
	return
}

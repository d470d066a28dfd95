// Package postgres implements the Durable Store contract (C2) against
// PostgreSQL, grounded on pkg/storage/postgres.BaseStore's querier-from-
// context transaction pattern and lib/pq as the driver.
package postgres

import (
	"context"
	"database/sql"

	_ "github.com/lib/pq"

	"github.com/r3e-network/scribeflow/internal/store"
	pgbase "github.com/r3e-network/scribeflow/pkg/storage/postgres"
)

// Store aggregates every sub-store behind one *sql.DB handle, the same
// composition shape the teacher uses for its service-level stores.
type Store struct {
	db *sql.DB

	jobs     *JobStore
	tasks    *TaskStore
	webhooks *WebhookStore
	progress *ProgressStore
	audit    *AuditStore
	sessions *SessionStore

	tx *pgbase.BaseStore // arbitrary table name; only used for its tx helpers
}

// Open connects to PostgreSQL via lib/pq and wires every sub-store.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	return New(db), nil
}

// New wraps an already-open *sql.DB.
func New(db *sql.DB) *Store {
	return &Store{
		db:       db,
		jobs:     &JobStore{base: pgbase.NewBaseStore(db, "jobs")},
		tasks:    &TaskStore{base: pgbase.NewBaseStore(db, "tasks")},
		webhooks: &WebhookStore{base: pgbase.NewBaseStore(db, "webhook_deliveries")},
		progress: &ProgressStore{base: pgbase.NewBaseStore(db, "progress_records")},
		audit:    &AuditStore{base: pgbase.NewBaseStore(db, "audit_entries")},
		sessions: &SessionStore{base: pgbase.NewBaseStore(db, "realtime_sessions")},
		tx:       pgbase.NewBaseStore(db, "jobs"),
	}
}

func (s *Store) DB() *sql.DB { return s.db }
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Jobs() store.JobStore         { return s.jobs }
func (s *Store) Tasks() store.TaskStore       { return s.tasks }
func (s *Store) Webhooks() store.WebhookStore { return s.webhooks }
func (s *Store) Progress() store.ProgressStore { return s.progress }
func (s *Store) Audit() store.AuditStore       { return s.audit }
func (s *Store) Sessions() store.SessionStore  { return s.sessions }

func (s *Store) BeginTx(ctx context.Context) (context.Context, error) { return s.tx.BeginTx(ctx) }
func (s *Store) CommitTx(ctx context.Context) error                   { return s.tx.CommitTx(ctx) }
func (s *Store) RollbackTx(ctx context.Context) error                 { return s.tx.RollbackTx(ctx) }
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.tx.WithTx(ctx, fn)
}

var _ store.Store = (*Store)(nil)

package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/r3e-network/scribeflow/internal/domain"
	pgbase "github.com/r3e-network/scribeflow/pkg/storage/postgres"
)

// AuditStore persists append-only domain.AuditEntry rows (I7).
type AuditStore struct {
	base *pgbase.BaseStore
}

func (s *AuditStore) Append(ctx context.Context, e domain.AuditEntry) error {
	e.CreatedAt = time.Now()
	_, err := s.base.ExecContext(ctx, `
		INSERT INTO audit_entries (id, tenant_id, action, resource, resource_id, result, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		e.ID, e.TenantID, e.Action, e.Resource, e.ResourceID, e.Result, e.Detail, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

func (s *AuditStore) ListByTenant(ctx context.Context, tenantID string, limit, offset int) ([]domain.AuditEntry, error) {
	rows, err := s.base.QueryContext(ctx, `
		SELECT id, tenant_id, action, resource, resource_id, result, detail, created_at
		FROM audit_entries WHERE tenant_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var out []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Action, &e.Resource, &e.ResourceID, &e.Result, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

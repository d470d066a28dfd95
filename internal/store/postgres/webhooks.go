package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/r3e-network/scribeflow/internal/domain"
	pgbase "github.com/r3e-network/scribeflow/pkg/storage/postgres"
)

// WebhookStore persists domain.WebhookDelivery rows.
type WebhookStore struct {
	base *pgbase.BaseStore
}

const webhookColumns = `id, tenant_id, endpoint_id, url, event_type, payload, status, attempts,
	next_retry_at, last_status_code, last_error, created_at, updated_at`

func (s *WebhookStore) scanRow(row interface{ Scan(...any) error }) (domain.WebhookDelivery, error) {
	var d domain.WebhookDelivery
	if err := row.Scan(&d.ID, &d.TenantID, &d.EndpointID, &d.URL, &d.EventType, &d.Payload,
		&d.Status, &d.Attempts, &d.NextRetryAt, &d.LastStatusCode, &d.LastError,
		&d.CreatedAt, &d.UpdatedAt); err != nil {
		return domain.WebhookDelivery{}, err
	}
	return d, nil
}

func (s *WebhookStore) Create(ctx context.Context, d domain.WebhookDelivery) (domain.WebhookDelivery, error) {
	now := time.Now()
	d.CreatedAt, d.UpdatedAt = now, now
	_, err := s.base.ExecContext(ctx, `
		INSERT INTO webhook_deliveries (`+webhookColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		d.ID, d.TenantID, d.EndpointID, d.URL, d.EventType, d.Payload, d.Status, d.Attempts,
		d.NextRetryAt, d.LastStatusCode, d.LastError, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return domain.WebhookDelivery{}, fmt.Errorf("insert webhook delivery: %w", err)
	}
	return d, nil
}

func (s *WebhookStore) Update(ctx context.Context, d domain.WebhookDelivery) (domain.WebhookDelivery, error) {
	d.UpdatedAt = time.Now()
	_, err := s.base.ExecContext(ctx, `
		UPDATE webhook_deliveries SET status=$2, attempts=$3, next_retry_at=$4,
			last_status_code=$5, last_error=$6, updated_at=$7
		WHERE id=$1`,
		d.ID, d.Status, d.Attempts, d.NextRetryAt, d.LastStatusCode, d.LastError, d.UpdatedAt)
	if err != nil {
		return domain.WebhookDelivery{}, fmt.Errorf("update webhook delivery: %w", err)
	}
	return d, nil
}

func (s *WebhookStore) Get(ctx context.Context, id string) (domain.WebhookDelivery, error) {
	row := s.base.QueryRowContext(ctx, `SELECT `+webhookColumns+` FROM webhook_deliveries WHERE id = $1`, id)
	return s.scanRow(row)
}

func (s *WebhookStore) ListByTenant(ctx context.Context, tenantID string, limit, offset int) ([]domain.WebhookDelivery, error) {
	rows, err := s.base.QueryContext(ctx, `
		SELECT `+webhookColumns+` FROM webhook_deliveries
		WHERE tenant_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list webhook deliveries: %w", err)
	}
	defer rows.Close()

	var out []domain.WebhookDelivery
	for rows.Next() {
		d, err := s.scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ClaimDue locks due pending deliveries with SKIP LOCKED and pushes their
// next_retry_at 5 minutes out (attempts are left unchanged) so a second
// dispatcher replica racing this call never double-sends (spec §4.6).
func (s *WebhookStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]domain.WebhookDelivery, error) {
	var claimed []domain.WebhookDelivery
	err := s.base.WithTx(ctx, func(ctx context.Context) error {
		rows, err := s.base.QueryContext(ctx, `
			SELECT `+webhookColumns+` FROM webhook_deliveries
			WHERE status = 'pending' AND next_retry_at <= $1
			ORDER BY next_retry_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED`, now, limit)
		if err != nil {
			return fmt.Errorf("select due deliveries: %w", err)
		}
		var ids []string
		for rows.Next() {
			d, err := s.scanRow(rows)
			if err != nil {
				rows.Close()
				return err
			}
			claimed = append(claimed, d)
			ids = append(ids, d.ID)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		// Push next_retry_at out to a 5-minute claim deadline; the
		// dispatcher overwrites it with the real retry schedule value
		// after attempting delivery. If the dispatcher crashes first, the
		// delivery becomes due again once the deadline passes.
		claimUntil := now.Add(5 * time.Minute)
		_, err = s.base.ExecContext(ctx, `
			UPDATE webhook_deliveries SET next_retry_at = $2 WHERE id = ANY($1)`,
			pq.Array(ids), claimUntil)
		return err
	})
	return claimed, err
}

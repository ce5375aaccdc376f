package database

import (
	"context"
	"fmt"

	"github.com/dialdesk/dialdesk/internal/database/models"
)

// relayCallRepo implements RelayCallRepository.
type relayCallRepo struct {
	db *DB
}

// NewRelayCallRepository creates a new RelayCallRepository.
func NewRelayCallRepository(db *DB) RelayCallRepository {
	return &relayCallRepo{db: db}
}

// Create records a call originated through the relay.
func (r *relayCallRepo) Create(ctx context.Context, c *models.RelayCall) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO relay_calls (tenant_id, call_id, extension, phone_number, started_at)
		 VALUES (?, ?, ?, ?, datetime('now'))`,
		c.TenantID, c.CallID, c.Extension, c.PhoneNumber,
	)
	if err != nil {
		return fmt.Errorf("inserting relay call: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	c.ID = id
	return nil
}

// MarkEnded stamps the call's end time. Unknown call ids are a no-op so
// teardown stays idempotent.
func (r *relayCallRepo) MarkEnded(ctx context.Context, tenantID int64, callID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE relay_calls SET ended_at = datetime('now')
		 WHERE tenant_id = ? AND call_id = ? AND ended_at IS NULL`,
		tenantID, callID,
	)
	if err != nil {
		return fmt.Errorf("marking relay call ended: %w", err)
	}
	return nil
}

// ListByTenant returns the tenant's most recent calls, newest first.
func (r *relayCallRepo) ListByTenant(ctx context.Context, tenantID int64, limit int) ([]models.RelayCall, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, tenant_id, call_id, extension, phone_number, started_at, ended_at
		 FROM relay_calls WHERE tenant_id = ?
		 ORDER BY started_at DESC LIMIT ?`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying relay calls: %w", err)
	}
	defer rows.Close()

	var calls []models.RelayCall
	for rows.Next() {
		var c models.RelayCall
		if err := rows.Scan(&c.ID, &c.TenantID, &c.CallID, &c.Extension,
			&c.PhoneNumber, &c.StartedAt, &c.EndedAt); err != nil {
			return nil, fmt.Errorf("scanning relay call row: %w", err)
		}
		calls = append(calls, c)
	}
	return calls, rows.Err()
}

// CountActive returns the number of calls without an end stamp.
func (r *relayCallRepo) CountActive(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM relay_calls WHERE ended_at IS NULL`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting active relay calls: %w", err)
	}
	return count, nil
}

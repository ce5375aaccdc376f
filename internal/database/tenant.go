package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dialdesk/dialdesk/internal/database/models"
)

// tenantRepo implements TenantRepository.
type tenantRepo struct {
	db *DB
}

// NewTenantRepository creates a new TenantRepository.
func NewTenantRepository(db *DB) TenantRepository {
	return &tenantRepo{db: db}
}

// Create inserts a new tenant.
func (r *tenantRepo) Create(ctx context.Context, t *models.Tenant) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO tenants (slug, name, pbx_id, api_endpoint, api_key_encrypted,
		 relay_secret_hash, rate_limit_per_minute, enabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, datetime('now'), datetime('now'))`,
		t.Slug, t.Name, t.PBXID, t.APIEndpoint, t.APIKeyEncrypted,
		t.RelaySecretHash, t.RateLimitPerMinute, t.Enabled,
	)
	if err != nil {
		return fmt.Errorf("inserting tenant: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	t.ID = id
	return nil
}

// GetByID returns a tenant by ID, or nil when absent.
func (r *tenantRepo) GetByID(ctx context.Context, id int64) (*models.Tenant, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT id, slug, name, pbx_id, api_endpoint, api_key_encrypted,
		 relay_secret_hash, rate_limit_per_minute, enabled, created_at, updated_at
		 FROM tenants WHERE id = ?`, id,
	))
}

// GetBySlug returns a tenant by its slug, or nil when absent.
func (r *tenantRepo) GetBySlug(ctx context.Context, slug string) (*models.Tenant, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT id, slug, name, pbx_id, api_endpoint, api_key_encrypted,
		 relay_secret_hash, rate_limit_per_minute, enabled, created_at, updated_at
		 FROM tenants WHERE slug = ?`, slug,
	))
}

// List returns all tenants ordered by slug.
func (r *tenantRepo) List(ctx context.Context) ([]models.Tenant, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, slug, name, pbx_id, api_endpoint, api_key_encrypted,
		 relay_secret_hash, rate_limit_per_minute, enabled, created_at, updated_at
		 FROM tenants ORDER BY slug`)
	if err != nil {
		return nil, fmt.Errorf("querying tenants: %w", err)
	}
	defer rows.Close()

	var tenants []models.Tenant
	for rows.Next() {
		var t models.Tenant
		if err := rows.Scan(&t.ID, &t.Slug, &t.Name, &t.PBXID, &t.APIEndpoint,
			&t.APIKeyEncrypted, &t.RelaySecretHash, &t.RateLimitPerMinute,
			&t.Enabled, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning tenant row: %w", err)
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

// Update modifies an existing tenant.
func (r *tenantRepo) Update(ctx context.Context, t *models.Tenant) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE tenants SET slug = ?, name = ?, pbx_id = ?, api_endpoint = ?,
		 api_key_encrypted = ?, relay_secret_hash = ?, rate_limit_per_minute = ?,
		 enabled = ?, updated_at = datetime('now')
		 WHERE id = ?`,
		t.Slug, t.Name, t.PBXID, t.APIEndpoint, t.APIKeyEncrypted,
		t.RelaySecretHash, t.RateLimitPerMinute, t.Enabled, t.ID,
	)
	if err != nil {
		return fmt.Errorf("updating tenant: %w", err)
	}
	return nil
}

// Delete removes a tenant by ID.
func (r *tenantRepo) Delete(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM tenants WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting tenant: %w", err)
	}
	return nil
}

// Count returns the number of tenants.
func (r *tenantRepo) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tenants`).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting tenants: %w", err)
	}
	return count, nil
}

func (r *tenantRepo) scanOne(row *sql.Row) (*models.Tenant, error) {
	var t models.Tenant
	err := row.Scan(&t.ID, &t.Slug, &t.Name, &t.PBXID, &t.APIEndpoint,
		&t.APIKeyEncrypted, &t.RelaySecretHash, &t.RateLimitPerMinute,
		&t.Enabled, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning tenant: %w", err)
	}
	return &t, nil
}

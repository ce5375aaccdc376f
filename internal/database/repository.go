package database

import (
	"context"

	"github.com/dialdesk/dialdesk/internal/database/models"
)

// TenantRepository manages relay tenant accounts.
type TenantRepository interface {
	Create(ctx context.Context, t *models.Tenant) error
	GetByID(ctx context.Context, id int64) (*models.Tenant, error)
	GetBySlug(ctx context.Context, slug string) (*models.Tenant, error)
	List(ctx context.Context) ([]models.Tenant, error)
	Update(ctx context.Context, t *models.Tenant) error
	Delete(ctx context.Context, id int64) error
	Count(ctx context.Context) (int64, error)
}

// RelayCallRepository records calls placed through the relay.
type RelayCallRepository interface {
	Create(ctx context.Context, c *models.RelayCall) error
	MarkEnded(ctx context.Context, tenantID int64, callID string) error
	ListByTenant(ctx context.Context, tenantID int64, limit int) ([]models.RelayCall, error)
	CountActive(ctx context.Context) (int64, error)
}

// Package connections stores tenant database credentials and opens scoped
// sessions against tenant databases.
package connections

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/varunguleriaCodes/blockchain-indexing-platform/internal/models"
)

var (
	// ErrConnectionNotFound is returned when a tenant has no connection with the given id.
	ErrConnectionNotFound = errors.New("connection not found")
	// ErrDuplicateName is returned when a tenant already has a connection with the same name.
	ErrDuplicateName = errors.New("connection name already exists")
)

// AllowedSortFields lists the columns connections can be ordered by.
var AllowedSortFields = map[string]bool{
	"name":       true,
	"created_at": true,
	"updated_at": true,
}

// ListOptions controls pagination of List.
type ListOptions struct {
	Limit     int
	Offset    int
	SortBy    string
	SortOrder string
}

// Store is the gorm-backed credential store. It is also the Resolver used by
// ingestion.
type Store struct {
	db *gorm.DB
}

// NewStore wraps an opened, migrated gorm database.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Create saves conn. A name clash within the tenant yields ErrDuplicateName.
func (s *Store) Create(ctx context.Context, conn *models.TenantConnection) error {
	if err := s.db.WithContext(ctx).Create(conn).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateName
		}
		return fmt.Errorf("failed to create connection: %w", err)
	}
	return nil
}

// Get returns the tenant's connection with the given id.
func (s *Store) Get(ctx context.Context, tenantID string, id uint) (*models.TenantConnection, error) {
	var conn models.TenantConnection
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantID, id).
		First(&conn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrConnectionNotFound
		}
		return nil, fmt.Errorf("failed to fetch connection %d: %w", id, err)
	}
	return &conn, nil
}

// Resolve implements the ingestion resolver.
func (s *Store) Resolve(ctx context.Context, tenantID string, connectionID uint) (*models.TenantConnection, error) {
	return s.Get(ctx, tenantID, connectionID)
}

// List returns one page of the tenant's connections.
func (s *Store) List(ctx context.Context, tenantID string, opts ListOptions) ([]models.TenantConnection, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.TenantConnection{}).Where("tenant_id = ?", tenantID)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count connections: %w", err)
	}

	sortBy := opts.SortBy
	if !AllowedSortFields[sortBy] {
		sortBy = "created_at"
	}
	order := "asc"
	if opts.SortOrder == "desc" {
		order = "desc"
	}

	var conns []models.TenantConnection
	err := query.
		Order(fmt.Sprintf("%s %s", sortBy, order)).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Find(&conns).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list connections: %w", err)
	}
	return conns, total, nil
}

// All returns every stored connection across tenants.
func (s *Store) All(ctx context.Context) ([]models.TenantConnection, error) {
	var conns []models.TenantConnection
	if err := s.db.WithContext(ctx).Order("id").Find(&conns).Error; err != nil {
		return nil, fmt.Errorf("failed to load connections: %w", err)
	}
	return conns, nil
}

// Delete removes the tenant's connection.
func (s *Store) Delete(ctx context.Context, tenantID string, id uint) error {
	res := s.db.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantID, id).
		Delete(&models.TenantConnection{})
	if res.Error != nil {
		return fmt.Errorf("failed to delete connection %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrConnectionNotFound
	}
	return nil
}

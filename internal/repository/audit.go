package repository

import (
	"context"

	"fieldsync/internal/model"

	"gorm.io/gorm"
)

// AuditInterface defines the interface for action audit persistence
type AuditInterface interface {
	Create(ctx context.Context, audit *model.ActionAudit) error
	ListByAction(ctx context.Context, actionID string) ([]model.ActionAudit, error)
	ListByEntity(ctx context.Context, entityKey string, limit int) ([]model.ActionAudit, error)
	PingContext(ctx context.Context) error
	WithTx(tx *gorm.DB) AuditInterface
}

// AuditRepository is the domain repository that wraps the storage
type AuditRepository struct {
	db *gorm.DB
}

// NewAuditRepository creates a new instance of AuditRepository
func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

func (r *AuditRepository) Create(ctx context.Context, audit *model.ActionAudit) error {
	return r.db.WithContext(ctx).Create(audit).Error
}

func (r *AuditRepository) ListByAction(ctx context.Context, actionID string) ([]model.ActionAudit, error) {
	var audits []model.ActionAudit
	err := r.db.WithContext(ctx).
		Where("action_id = ?", actionID).
		Order("created_at ASC").
		Find(&audits).Error
	return audits, err
}

func (r *AuditRepository) ListByEntity(ctx context.Context, entityKey string, limit int) ([]model.ActionAudit, error) {
	var audits []model.ActionAudit
	query := r.db.WithContext(ctx).Where("entity_key = ?", entityKey).Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&audits).Error
	return audits, err
}

func (r *AuditRepository) WithTx(tx *gorm.DB) AuditInterface {
	return &AuditRepository{db: tx}
}

func (r *AuditRepository) PingContext(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

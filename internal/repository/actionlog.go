package repository

import (
	"context"
	"fmt"
	"time"

	"fieldsync/internal/model"

	"gorm.io/gorm"
)

// ActionLogInterface is the durable, ordered store of pending actions.
// The in-memory queue is always reconstructible from it.
type ActionLogInterface interface {
	Append(ctx context.Context, action *model.Action) error
	Remove(ctx context.Context, actionID string) error
	UpdateStatus(ctx context.Context, actionID, status string, attempts int, lastError string, nextRetryAt time.Time) error
	ListAll(ctx context.Context) ([]model.Action, error)
	WithTx(tx *gorm.DB) ActionLogInterface
}

// ActionLogRepository implements ActionLogInterface on SQLite. SQLite
// commits the transaction to disk before Create returns, which gives the
// append durability the enqueue contract requires.
type ActionLogRepository struct {
	db *gorm.DB
}

func NewActionLogRepository(db *gorm.DB) *ActionLogRepository {
	return &ActionLogRepository{db: db}
}

func (r *ActionLogRepository) Append(ctx context.Context, action *model.Action) error {
	if err := r.db.WithContext(ctx).Create(action).Error; err != nil {
		return fmt.Errorf("action log append: %w", err)
	}
	return nil
}

func (r *ActionLogRepository) Remove(ctx context.Context, actionID string) error {
	if err := r.db.WithContext(ctx).Delete(&model.Action{}, "id = ?", actionID).Error; err != nil {
		return fmt.Errorf("action log remove: %w", err)
	}
	return nil
}

func (r *ActionLogRepository) UpdateStatus(ctx context.Context, actionID, status string, attempts int, lastError string, nextRetryAt time.Time) error {
	err := r.db.WithContext(ctx).Model(&model.Action{}).Where("id = ?", actionID).Updates(map[string]any{
		"status":        status,
		"attempts":      attempts,
		"last_error":    lastError,
		"next_retry_at": nextRetryAt,
	}).Error
	if err != nil {
		return fmt.Errorf("action log update: %w", err)
	}
	return nil
}

// ListAll returns every logged action in created_at order, oldest first.
// Ties are broken by id so the ordering is stable across restarts.
func (r *ActionLogRepository) ListAll(ctx context.Context) ([]model.Action, error) {
	var actions []model.Action
	if err := r.db.WithContext(ctx).Order("created_at ASC, id ASC").Find(&actions).Error; err != nil {
		return nil, fmt.Errorf("action log list: %w", err)
	}
	return actions, nil
}

func (r *ActionLogRepository) WithTx(tx *gorm.DB) ActionLogInterface {
	return &ActionLogRepository{db: tx}
}

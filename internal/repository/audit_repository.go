package repository

import (
	"context"

	"gallery-gateway/internal/model"

	"gorm.io/gorm"
)

// AuditRepository 接口定义了审计日志的持久化操作。
type AuditRepository interface {
	Create(ctx context.Context, record *model.AuditLog) error
	FindByResource(ctx context.Context, resourceType, resourceID string) ([]model.AuditLog, error)
}

type auditRepository struct {
	db *gorm.DB
}

// NewAuditRepository 创建一个新的 AuditRepository 实例。
func NewAuditRepository(db *gorm.DB) AuditRepository {
	return &auditRepository{db: db}
}

// Create 写入一条审计日志。同一 EventID 重复投递时忽略，Kafka 的至少一次语义下可能出现重复。
func (r *auditRepository) Create(ctx context.Context, record *model.AuditLog) error {
	var count int64
	if err := r.db.WithContext(ctx).Model(&model.AuditLog{}).Where("event_id = ?", record.EventID).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	return r.db.WithContext(ctx).Create(record).Error
}

// FindByResource 按资源类型与 ID 查询审计记录，按时间倒序。
func (r *auditRepository) FindByResource(ctx context.Context, resourceType, resourceID string) ([]model.AuditLog, error) {
	var logs []model.AuditLog
	err := r.db.WithContext(ctx).
		Where("resource_type = ? AND resource_id = ?", resourceType, resourceID).
		Order("id desc").
		Find(&logs).Error
	return logs, err
}

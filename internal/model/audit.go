package model

import "time"

// AuditLog 对应 audit_logs 表，记录经网关成功执行的写操作。
type AuditLog struct {
	ID           uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	EventID      string    `gorm:"type:varchar(36);uniqueIndex;not null" json:"eventId"`
	Actor        string    `gorm:"type:varchar(255);not null" json:"actor"`
	Action       string    `gorm:"type:varchar(20);not null" json:"action"`
	ResourceType string    `gorm:"type:varchar(50);index" json:"resourceType"`
	ResourceID   string    `gorm:"type:varchar(64);index" json:"resourceId"`
	Details      string    `gorm:"type:text" json:"details"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

func (AuditLog) TableName() string {
	return "audit_logs"
}

// Package model 定义了与数据库表对应的 Go 结构体以及网关内部使用的 DTO。
package model

// 相册可见性取值。网关只读这张表，不负责写入。
const (
	VisibilityPrivate       = "private"
	VisibilityAuthenticated = "authenticated"
	VisibilityUnlisted      = "unlisted"
)

// Album 对应本地库中的 albums 表，只映射网关关心的列。
type Album struct {
	ID         string `gorm:"type:varchar(64);primaryKey" json:"id"`
	Title      string `gorm:"type:varchar(255)" json:"title"`
	Visibility string `gorm:"type:varchar(20);not null;default:private;index" json:"visibility"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (Album) TableName() string {
	return "albums"
}

// Package repository 定义了与数据库进行数据交换的接口和实现。
package repository

import (
	"context"

	"gallery-gateway/internal/model"

	"gorm.io/gorm"
)

// AlbumRepository 是本地库 albums 表的只读访问接口。
type AlbumRepository interface {
	FindUnlistedAlbumIDs(ctx context.Context, ids []string) ([]string, error)
}

// albumRepository 是 AlbumRepository 接口的 GORM 实现。
type albumRepository struct {
	db *gorm.DB
}

// NewAlbumRepository 创建一个新的 AlbumRepository 实例。
func NewAlbumRepository(db *gorm.DB) AlbumRepository {
	return &albumRepository{db: db}
}

// FindUnlistedAlbumIDs 从给定的相册 ID 中筛出 visibility = unlisted 的那些。
func (r *albumRepository) FindUnlistedAlbumIDs(ctx context.Context, ids []string) ([]string, error) {
	out := make([]string, 0)
	if len(ids) == 0 {
		return out, nil
	}
	err := r.db.WithContext(ctx).
		Model(&model.Album{}).
		Where("id IN ? AND visibility = ?", ids, model.VisibilityUnlisted).
		Pluck("id", &out).Error
	return out, err
}

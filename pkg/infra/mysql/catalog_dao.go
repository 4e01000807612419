package mysql

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"dop/fulfill/internal/entity"
	"dop/fulfill/internal/features"
)

// 目录解析翻页大小
const catalogPageSize = 1000

// CatalogDAO 目录特征解析器（features.Resolver 的默认实现）
// 基于本地目录投影表翻页查询，按选择条件过滤。
type CatalogDAO struct {
	db *gorm.DB
}

// NewCatalogDAO 创建 CatalogDAO 实例
func NewCatalogDAO(db *gorm.DB) *CatalogDAO {
	return &CatalogDAO{db: db}
}

// ResolvePage 按页解析一个数据集选择对应的文件描述符
func (dao *CatalogDAO) ResolvePage(ctx context.Context, sel features.Selection, page int) ([]features.FileDescriptor, error) {
	query := dao.db.WithContext(ctx).
		Model(&entity.CatalogFeature{}).
		Where("dataset = ?", sel.Dataset)

	if sel.Query != "" {
		query = query.Where("file_id LIKE ?", sel.Query+"%")
	}
	if len(sel.FileTypes) > 0 {
		query = query.Where("mime_type IN ?", sel.FileTypes)
	}
	if sel.MinSize != nil {
		query = query.Where("byte_size >= ?", *sel.MinSize)
	}
	if sel.MaxSize != nil {
		query = query.Where("byte_size <= ?", *sel.MaxSize)
	}

	var rows []*entity.CatalogFeature
	result := query.
		Order("id ASC").
		Offset(page * catalogPageSize).
		Limit(catalogPageSize).
		Find(&rows)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to resolve catalog page: %w", result.Error)
	}

	descriptors := make([]features.FileDescriptor, 0, len(rows))
	for _, row := range rows {
		descriptors = append(descriptors, features.FileDescriptor{
			ID:        row.FileID,
			Checksum:  row.Checksum,
			ByteSize:  row.ByteSize,
			Reference: row.Reference,
			MimeType:  row.MimeType,
		})
	}
	return descriptors, nil
}

package entity

import "time"

// CatalogFeature 目录特征（默认 feature 解析器的数据来源）
// 目录检索本身属于外部协作方，这里只保留解析文件列表所需的最小投影。
type CatalogFeature struct {
	ID      int64  `gorm:"column:id;primaryKey;autoIncrement"`
	Dataset string `gorm:"column:dataset;type:varchar(128);not null;index:idx_feature_dataset"`

	FileID   string `gorm:"column:file_id;type:varchar(128);not null"`
	Checksum string `gorm:"column:checksum;type:varchar(128)"`
	// ByteSize 为 NULL 表示大小未知，这类文件不可订购
	ByteSize  *int64 `gorm:"column:byte_size"`
	Reference bool   `gorm:"column:reference;not null;default:false"`
	MimeType  string `gorm:"column:mime_type;type:varchar(64)"`

	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

// TableName 指定表名
func (CatalogFeature) TableName() string {
	return "catalog_features"
}

package entity

import (
	"time"

	"gorm.io/datatypes"
)

// DatasetTask 数据集任务
// 篮子中每个产生了子订单的数据集对应一条记录，保存原始检索请求和该数据集的聚合统计。
type DatasetTask struct {
	ID      string `gorm:"column:id;primaryKey;type:varchar(64)"`
	OrderID string `gorm:"column:order_id;type:varchar(64);not null;index:idx_dataset_order"`
	Dataset string `gorm:"column:dataset;type:varchar(128);not null"`

	// 原始检索请求（查询 + 过滤条件）
	Request datatypes.JSON `gorm:"column:request;type:json"`

	// 聚合统计
	FileCount  int   `gorm:"column:file_count;not null;default:0"`
	TotalBytes int64 `gorm:"column:total_bytes;not null;default:0"`

	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

// TableName 指定表名
func (DatasetTask) TableName() string {
	return "dataset_tasks"
}

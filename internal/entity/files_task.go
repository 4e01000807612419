package entity

import "time"

// FilesTask 子订单
// 一个子订单要么关联一个内部取回 Job（internal），要么不关联 Job、
// 文件立即可下载（external）。子订单永远不为空。
type FilesTask struct {
	ID            string `gorm:"column:id;primaryKey;type:varchar(64)"`
	OrderID       string `gorm:"column:order_id;type:varchar(64);not null;index:idx_task_order"`
	DatasetTaskID string `gorm:"column:dataset_task_id;type:varchar(64);not null"`
	Owner         string `gorm:"column:owner;type:varchar(128);not null;index:idx_task_owner"`

	// external 子订单没有取回 Job，JobID 为 nil
	External bool    `gorm:"column:external;not null;default:false"`
	JobID    *string `gorm:"column:job_id;type:varchar(64);index:idx_task_job"`

	FileCount  int   `gorm:"column:file_count;not null;default:0"`
	TotalBytes int64 `gorm:"column:total_bytes;not null;default:0"`

	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

// TableName 指定表名
func (FilesTask) TableName() string {
	return "files_tasks"
}

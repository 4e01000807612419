package entity

import "time"

// 取回 Job 状态常量
const (
	// JobStatusPending 等待准入（未达到配额前不进入队列）
	JobStatusPending = "PENDING"
	// JobStatusPlanned 已准入并投递到取回队列
	JobStatusPlanned = "PLANNED"
	// JobStatusRunning 取回子系统正在执行
	JobStatusRunning = "RUNNING"
	JobStatusDone    = "DONE"
	JobStatusFailed  = "FAILED"
	JobStatusAborted = "ABORTED"
)

// RetrievalJob 内部文件取回 Job，与 internal 子订单一一对应。
type RetrievalJob struct {
	ID          string `gorm:"column:id;primaryKey;type:varchar(64)"`
	Owner       string `gorm:"column:owner;type:varchar(128);not null;index:idx_job_owner_status"`
	Role        string `gorm:"column:role;type:varchar(32);not null;default:'user'"`
	OrderID     string `gorm:"column:order_id;type:varchar(64);not null;index:idx_job_order"`
	FilesTaskID string `gorm:"column:files_task_id;type:varchar(64);not null"`

	Status   string `gorm:"column:status;type:varchar(16);not null;default:'PENDING';index:idx_job_owner_status"`
	Priority int    `gorm:"column:priority;not null;default:0"`

	ExpiresAt *time.Time `gorm:"column:expires_at"`
	CreatedAt time.Time  `gorm:"column:created_at;not null"`
	UpdatedAt time.Time  `gorm:"column:updated_at;not null"`
}

// TableName 指定表名
func (RetrievalJob) TableName() string {
	return "retrieval_jobs"
}

// IsFinished Job 是否已结束
func (j *RetrievalJob) IsFinished() bool {
	switch j.Status {
	case JobStatusDone, JobStatusFailed, JobStatusAborted:
		return true
	}
	return false
}

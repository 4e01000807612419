package entity

import "time"

// 文件条目状态常量
const (
	FileStatePending         = "PENDING"
	FileStateAvailable       = "AVAILABLE"
	FileStateError           = "ERROR"
	FileStateDownloaded      = "DOWNLOADED"
	FileStateDownloadError   = "DOWNLOAD_ERROR"
	FileStateProcessingError = "PROCESSING_ERROR"
)

// OrderDataFile 订单文件条目
// 在分桶时创建，由取回/下载结果和 Retry Engine 修改，
// 只有订单删除或过期清理时才被删除。
type OrderDataFile struct {
	ID          string `gorm:"column:id;primaryKey;type:varchar(64)"`
	OrderID     string `gorm:"column:order_id;type:varchar(64);not null;index:idx_file_order"`
	FilesTaskID string `gorm:"column:files_task_id;type:varchar(64);not null;index:idx_file_task"`

	// 目录系统中的文件标识
	FileID   string `gorm:"column:file_id;type:varchar(128);not null"`
	Checksum string `gorm:"column:checksum;type:varchar(128)"`
	ByteSize int64  `gorm:"column:byte_size;not null;default:0"`
	// Reference 为 true 表示外部引用文件，无需取回 Job 即可下载
	Reference bool `gorm:"column:reference;not null;default:false"`
	MimeType  string `gorm:"column:mime_type;type:varchar(64)"`

	State     string `gorm:"column:state;type:varchar(24);not null;default:'PENDING';index:idx_file_state"`
	LastError string `gorm:"column:last_error;type:varchar(512)"`

	CreatedAt time.Time `gorm:"column:created_at;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

// TableName 指定表名
func (OrderDataFile) TableName() string {
	return "order_data_files"
}

// ErrorStates 可被 Retry Engine 重置的状态
func ErrorStates() []string {
	return []string{FileStateError, FileStateDownloadError}
}

// ResolvedStates 已有结果（无论成败）的状态，用于进度计算
func ResolvedStates() []string {
	return []string{
		FileStateAvailable,
		FileStateDownloaded,
		FileStateError,
		FileStateDownloadError,
		FileStateProcessingError,
	}
}

// FailureStates 记录了错误的状态
func FailureStates() []string {
	return []string{FileStateError, FileStateDownloadError, FileStateProcessingError}
}

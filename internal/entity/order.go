package entity

import (
	"errors"
	"time"
)

// 错误定义
var (
	ErrInvalidOrderID = errors.New("order ID cannot be empty")
	ErrInvalidOwner   = errors.New("order owner cannot be empty")
	ErrOrderTerminal  = errors.New("order is already in a terminal state")
)

// 订单状态常量
const (
	OrderStatusPending         = "PENDING"
	OrderStatusRunning         = "RUNNING"
	OrderStatusDone            = "DONE"
	OrderStatusDoneWithWarning = "DONE_WITH_WARNING"
	OrderStatusFailed          = "FAILED"
	OrderStatusPaused          = "PAUSED"
	OrderStatusExpired         = "EXPIRED"
	OrderStatusDeleted         = "DELETED"
)

// Order 订单实体（聚合根）
// 由 Completion Orchestrator、Retry Engine 和 Maintenance Sweep 修改，
// 其余组件只读。
type Order struct {
	ID            string `gorm:"column:id;primaryKey;type:varchar(64)"`
	Owner         string `gorm:"column:owner;type:varchar(128);not null;index:idx_owner_status"`
	Role          string `gorm:"column:role;type:varchar(32);not null;default:'user'"`
	CorrelationID string `gorm:"column:correlation_id;type:varchar(64)"`

	// 状态与消息
	Status  string `gorm:"column:status;type:varchar(24);not null;default:'PENDING';index:idx_owner_status"`
	Message string `gorm:"column:message;type:varchar(512)"`

	// 聚合统计
	ObjectCount     int  `gorm:"column:object_count;not null;default:0"`
	AvailableFiles  int  `gorm:"column:available_files;not null;default:0"`
	PercentComplete int  `gorm:"column:percent_complete;not null;default:0"`
	WaitingForUser  bool `gorm:"column:waiting_for_user;not null;default:false"`

	// 时间戳
	ExpiresAt         *time.Time `gorm:"column:expires_at;index:idx_expires_at"`
	ProgressUpdatedAt time.Time  `gorm:"column:progress_updated_at"`
	AsideNotifiedAt   *time.Time `gorm:"column:aside_notified_at"`
	CreatedAt         time.Time  `gorm:"column:created_at;not null"`
	UpdatedAt         time.Time  `gorm:"column:updated_at;not null"`
}

// TableName 指定表名
func (Order) TableName() string {
	return "orders"
}

// NewOrder 创建订单（工厂方法）
func NewOrder(id, owner, role string) (*Order, error) {
	if id == "" {
		return nil, ErrInvalidOrderID
	}
	if owner == "" {
		return nil, ErrInvalidOwner
	}
	now := time.Now()
	return &Order{
		ID:                id,
		Owner:             owner,
		Role:              role,
		Status:            OrderStatusPending,
		ProgressUpdatedAt: now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

// IsTerminal 是否处于不可再推进的状态
func (o *Order) IsTerminal() bool {
	switch o.Status {
	case OrderStatusExpired, OrderStatusDeleted:
		return true
	}
	return false
}

// MarkRunning 进入处理中状态
func (o *Order) MarkRunning() {
	o.Status = OrderStatusRunning
	o.UpdatedAt = time.Now()
}

// MarkFailed 标记为失败并记录原因
func (o *Order) MarkFailed(message string) {
	o.Status = OrderStatusFailed
	o.Message = message
	o.UpdatedAt = time.Now()
}

// MarkExpired 标记为过期（文件已清理）
func (o *Order) MarkExpired() {
	o.Status = OrderStatusExpired
	o.WaitingForUser = false
	o.UpdatedAt = time.Now()
}

// IsExpired 是否已过期
func (o *Order) IsExpired(now time.Time) bool {
	return o.ExpiresAt != nil && o.ExpiresAt.Before(now)
}

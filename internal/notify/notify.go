package notify

import "context"

// Notification 订单/子订单终态通知载荷
type Notification struct {
	OrderID       string `json:"order_id"`
	CorrelationID string `json:"correlation_id"`
	Status        string `json:"status"`
	Message       string `json:"message,omitempty"`
	DownloadLink  string `json:"download_link,omitempty"`
	ErrorCount    int    `json:"error_count,omitempty"`
	SubOrderTotal int    `json:"sub_order_total"`
	// SubOrderID 非空表示子订单级通知
	SubOrderID string `json:"sub_order_id,omitempty"`
}

// Notifier 通知发射器接口
// 实现在 pkg/infra/redis。
type Notifier interface {
	// Publish 向订单归属用户发送通知
	Publish(ctx context.Context, owner string, n *Notification) error

	// OperatorWarning 发送运维侧告警（面向操作员，不面向用户）
	OperatorWarning(ctx context.Context, message string) error
}

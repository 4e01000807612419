package completion

import (
	"context"

	"dop/fulfill/internal/entity"
	"dop/fulfill/internal/notify"
)

// DeriveFinalStatus 按子订单数、完成度与错误数推导订单状态
// 零子订单（没有匹配或没有可订购内容）或 100% 完成但带错误 → DONE_WITH_WARNING；
// 100% 无错误 → DONE；否则仍在等待异步 Job 完成 → RUNNING。
func DeriveFinalStatus(subOrderTotal, percent, errorCount int) string {
	if subOrderTotal == 0 {
		return entity.OrderStatusDoneWithWarning
	}
	if percent >= 100 {
		if errorCount > 0 {
			return entity.OrderStatusDoneWithWarning
		}
		return entity.OrderStatusDone
	}
	return entity.OrderStatusRunning
}

// IsTerminalStatus 订单状态是否应触发订单级通知
func IsTerminalStatus(status string) bool {
	switch status {
	case entity.OrderStatusDone, entity.OrderStatusDoneWithWarning, entity.OrderStatusFailed:
		return true
	}
	return false
}

// Percent 完成度百分比（total 为 0 视为 100%）
func Percent(resolved, total int64) int {
	if total <= 0 {
		return 100
	}
	return int(100 * resolved / total)
}

// notifyOrder 发出订单级通知
func (o *Orchestrator) notifyOrder(ctx context.Context, order *entity.Order, subOrderTotal int) {
	n := &notify.Notification{
		OrderID:       order.ID,
		CorrelationID: order.CorrelationID,
		Status:        order.Status,
		Message:       order.Message,
		SubOrderTotal: subOrderTotal,
	}
	if err := o.notifier.Publish(ctx, order.Owner, n); err != nil {
		// 通知失败不影响订单状态（DB 已更新成功），只记录日志
		o.log.Warnf(ctx, "[Completion] Order notification failed: %v", err)
	}
}

// notifySubOrder 发出子订单级通知
func (o *Orchestrator) notifySubOrder(ctx context.Context, order *entity.Order, task *entity.FilesTask, subOrderTotal int) {
	n := &notify.Notification{
		OrderID:       order.ID,
		CorrelationID: order.CorrelationID,
		Status:        order.Status,
		SubOrderTotal: subOrderTotal,
		SubOrderID:    task.ID,
	}
	if err := o.notifier.Publish(ctx, order.Owner, n); err != nil {
		o.log.Warnf(ctx, "[Completion] Sub-order notification failed: %v", err)
	}
}

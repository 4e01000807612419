package domains

import (
	"context"
	"encoding/json"
	"fmt"

	"dop/fulfill/internal/business/completion"
	"dop/fulfill/internal/business/retry"
	"dop/fulfill/pkg/errorutil"
)

// Services Handler 依赖的业务服务
type Services struct {
	Orchestrator *completion.Orchestrator
	Retry        *retry.Engine
}

// HandlerFunc 业务处理函数类型
// 返回的 error 经 errorutil 判定重试性：可重试 → Release，不可重试 → Bury。
type HandlerFunc func(ctx context.Context, svc *Services, meta *Meta, raw json.RawMessage) error

// HandlerMap 路由表（ActionType → Handler 映射）
var HandlerMap = map[string]HandlerFunc{
	"order_fulfill": handleOrderFulfill,
	"order_retry":   handleOrderRetry,
	"order_pause":   handleOrderPause,
	"order_resume":  handleOrderResume,
	"order_delete":  handleOrderDelete,
	"job_finished":  handleJobFinished,
}

// handleOrderFulfill 驱动订单完成流程
func handleOrderFulfill(ctx context.Context, svc *Services, meta *Meta, raw json.RawMessage) error {
	var data OrderFulfillData
	if err := json.Unmarshal(raw, &data); err != nil {
		return errorutil.NonRetriable(fmt.Sprintf("invalid order_fulfill payload: %v", err))
	}
	if data.OrderID == "" {
		data.OrderID = meta.ID
	}
	if data.OrderID == "" {
		return errorutil.NonRetriable("order_fulfill payload missing order_id")
	}
	return svc.Orchestrator.Complete(ctx, data.OrderID, data.Selections)
}

// handleOrderRetry 重新分桶失败文件
func handleOrderRetry(ctx context.Context, svc *Services, meta *Meta, raw json.RawMessage) error {
	var data OrderRetryData
	if err := json.Unmarshal(raw, &data); err != nil {
		return errorutil.NonRetriable(fmt.Sprintf("invalid order_retry payload: %v", err))
	}
	if data.OrderID == "" {
		data.OrderID = meta.ID
	}
	return svc.Retry.Retry(ctx, data.OrderID)
}

// handleOrderPause 暂停订单
func handleOrderPause(ctx context.Context, svc *Services, meta *Meta, raw json.RawMessage) error {
	var data OrderPauseData
	if err := json.Unmarshal(raw, &data); err != nil {
		return errorutil.NonRetriable(fmt.Sprintf("invalid order_pause payload: %v", err))
	}
	if data.OrderID == "" {
		data.OrderID = meta.ID
	}
	return svc.Orchestrator.Pause(ctx, data.OrderID)
}

// handleOrderResume 恢复订单
func handleOrderResume(ctx context.Context, svc *Services, meta *Meta, raw json.RawMessage) error {
	var data OrderResumeData
	if err := json.Unmarshal(raw, &data); err != nil {
		return errorutil.NonRetriable(fmt.Sprintf("invalid order_resume payload: %v", err))
	}
	if data.OrderID == "" {
		data.OrderID = meta.ID
	}
	return svc.Orchestrator.Resume(ctx, data.OrderID)
}

// handleOrderDelete 删除订单
func handleOrderDelete(ctx context.Context, svc *Services, meta *Meta, raw json.RawMessage) error {
	var data OrderDeleteData
	if err := json.Unmarshal(raw, &data); err != nil {
		return errorutil.NonRetriable(fmt.Sprintf("invalid order_delete payload: %v", err))
	}
	if data.OrderID == "" {
		data.OrderID = meta.ID
	}
	return svc.Orchestrator.Delete(ctx, data.OrderID)
}

// handleJobFinished 取回 Job 终态回调
func handleJobFinished(ctx context.Context, svc *Services, meta *Meta, raw json.RawMessage) error {
	var data JobFinishedData
	if err := json.Unmarshal(raw, &data); err != nil {
		return errorutil.NonRetriable(fmt.Sprintf("invalid job_finished payload: %v", err))
	}
	if data.JobID == "" {
		return errorutil.NonRetriable("job_finished payload missing job_id")
	}
	return svc.Orchestrator.OnJobFinished(ctx, data.JobID, data.FinalState, data.Error)
}

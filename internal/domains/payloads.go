package domains

import "dop/fulfill/internal/features"

// OrderFulfillData 订单完成请求（篮子已结算）
type OrderFulfillData struct {
	OrderID    string               `json:"order_id"`
	Selections []features.Selection `json:"selections"`
}

// OrderRetryData 订单重试请求
type OrderRetryData struct {
	OrderID string `json:"order_id"`
}

// OrderPauseData 订单暂停请求
type OrderPauseData struct {
	OrderID string `json:"order_id"`
}

// OrderResumeData 订单恢复请求
type OrderResumeData struct {
	OrderID string `json:"order_id"`
}

// OrderDeleteData 订单删除请求
type OrderDeleteData struct {
	OrderID string `json:"order_id"`
}

// JobFinishedData 取回子系统回调：Job 到达终态
type JobFinishedData struct {
	JobID      string `json:"job_id"`
	FinalState string `json:"final_state"`
	Error      string `json:"error,omitempty"`
}

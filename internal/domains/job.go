package domains

import "encoding/json"

// Job 标准 Job 结构（队列消息信封）
type Job struct {
	Payload *JobPayload `json:"payload"`
}

// JobPayload Job 负载
type JobPayload struct {
	Data *JobPayloadData `json:"data"`
}

// JobPayloadData Job 数据
type JobPayloadData struct {
	// 元信息
	RequestID  string `json:"request_id"`  // 请求 ID（TraceID）
	Owner      string `json:"owner"`       // 订单归属用户
	ActionType string `json:"action_type"` // 动作类型（路由键）
	ID         string `json:"id"`          // 业务 ID（通常为订单 ID）

	// 业务数据，由各 Handler 自行反序列化
	Data json.RawMessage `json:"data"`

	// 扩展
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Meta 元数据
type Meta struct {
	RequestID  string // 请求 ID
	Owner      string // 订单归属用户
	ActionType string // 动作类型
	ID         string // 业务 ID
}

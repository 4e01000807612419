package framework

// Message 框架内部流转的事件信封
// Data 为原始队列消息体，解析（订单事件结构）由 Processor 注入的业务函数完成。
type Message struct {
	ID    string                 // 队列消息 ID
	Queue string                 // 来源队列
	Data  []byte                 // 原始消息体
	Extra map[string]interface{} // 消息源附带的扩展字段
}

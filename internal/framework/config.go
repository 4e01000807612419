package framework

import "time"

// SubscriberConfig 订阅端配置（订单事件队列的拉取侧）
type SubscriberConfig struct {
	QueueName    string        // 拉取的事件队列
	Concurrency  int           // 并发拉取协程数
	Timeout      time.Duration // 单次拉取的阻塞上限
	TTR          time.Duration // 消息处理时限，超时未确认由队列重投
	Rate         time.Duration // 两次拉取之间的最小间隔
	ErrorBackoff time.Duration // 拉取出错后的退避时间
}

// ProcessorConfig 处理端配置
type ProcessorConfig struct {
	Concurrency int           // 并发处理协程数
	BufferSize  int           // 订阅端与处理端之间的缓冲深度
	Timeout     time.Duration // 单条事件的处理超时
}

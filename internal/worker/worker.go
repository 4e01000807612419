package worker

import (
	"context"

	"dop/fulfill/internal/framework"
	"dop/fulfill/pkg/lmstfyx"
	"dop/fulfill/pkg/logger"
)

// Worker 一条事件队列的消费单元（Subscriber + Processor 对）
type Worker interface {
	Start()
	Shutdown()
	GetName() string
}

// WorkerInstance Worker 实例
type WorkerInstance struct {
	ctx        context.Context
	name       string
	subscriber *framework.Subscriber
	processor  *framework.Processor
	inputChan  chan *framework.Message
	shutdownCh chan struct{}
	logger     logger.Logger
}

// NewWorkerInstance 创建 Worker：订阅端与处理端共享一条缓冲通道
func NewWorkerInstance(
	ctx context.Context,
	name string,
	subscriberCfg *framework.SubscriberConfig,
	processorCfg *framework.ProcessorConfig,
	source framework.MessageSource,
	proc lmstfyx.Proc,
	log logger.Logger,
) (Worker, error) {
	inputChan := make(chan *framework.Message, processorCfg.BufferSize)

	subscriber := framework.NewSubscriber(subscriberCfg, source, log)

	// Ack/Release/Bury 经由同一个消息源执行
	processor := framework.NewProcessor(processorCfg, proc, source, log)

	return &WorkerInstance{
		ctx:        ctx,
		name:       name,
		subscriber: subscriber,
		processor:  processor,
		inputChan:  inputChan,
		shutdownCh: make(chan struct{}),
		logger:     log,
	}, nil
}

// Start 启动 Worker，阻塞直到 Shutdown
func (w *WorkerInstance) Start() {
	w.logger.Infof(w.ctx, "[Worker] %s started", w.name)

	w.processor.Start(w.ctx, w.inputChan)
	w.subscriber.Start(w.ctx, w.inputChan)

	<-w.shutdownCh
}

// Shutdown 优雅退出
// 顺序不可调换：先停拉取，等订阅端清场，再让处理端排干缓冲中的事件。
func (w *WorkerInstance) Shutdown() {
	w.logger.Infof(w.ctx, "[Worker] %s began to close", w.name)

	w.subscriber.Stop()
	w.subscriber.Wait()
	w.processor.SignalShutdown()
	w.processor.Wait()

	close(w.shutdownCh)
	w.logger.Infof(w.ctx, "[Worker] %s shutdown complete", w.name)
}

// GetName 获取 Worker 名称
func (w *WorkerInstance) GetName() string {
	return w.name
}

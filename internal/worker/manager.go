package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
	"gorm.io/gorm"

	"dop/fulfill/internal/business/admission"
	"dop/fulfill/internal/business/bucketing"
	"dop/fulfill/internal/business/completion"
	"dop/fulfill/internal/business/priority"
	"dop/fulfill/internal/business/retry"
	"dop/fulfill/internal/business/suborder"
	"dop/fulfill/internal/business/sweep"
	"dop/fulfill/internal/domains"
	"dop/fulfill/internal/framework"
	"dop/fulfill/pkg/config"
	"dop/fulfill/pkg/infra/mysql"
	infraredis "dop/fulfill/pkg/infra/redis"
	"dop/fulfill/pkg/lmstfy"
	"dop/fulfill/pkg/logger"
)

// Manager 接口
type Manager interface {
	Start() error
	Shutdown()
}

// ManagerInstance Manager 实例
type ManagerInstance struct {
	ctx          context.Context
	cfg          *config.Config
	db           *gorm.DB
	lmstfyClient *lmstfy.Client
	locker       *infraredis.LockClient
	notifier     *infraredis.Notifier
	services     *domains.Services
	sweeper      *sweep.Sweep
	workers      []Worker
	closing      *atomic.Bool
	shutdownCh   chan struct{}
	sweepStopCh  chan struct{}
	wg           sync.WaitGroup
	logger       logger.Logger
}

// NewManagerInstance 创建 Manager 并完成全部依赖装配
func NewManagerInstance(cfg *config.Config, log logger.Logger) (Manager, error) {
	ctx := context.Background()

	// 1. 数据库与 DAO
	db, err := mysql.Open(cfg.MySQL.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	orderDAO := mysql.NewOrderDAO(db)
	datasetDAO := mysql.NewDatasetTaskDAO(db)
	filesTaskDAO := mysql.NewFilesTaskDAO(db)
	dataFileDAO := mysql.NewDataFileDAO(db)
	jobDAO := mysql.NewJobDAO(db)
	catalogDAO := mysql.NewCatalogDAO(db)

	// 2. Redis：分布式用户锁 + 通知发射器
	locker, err := infraredis.NewLockClient(
		cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Fulfillment.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to create lock client: %w", err)
	}
	notifier, err := infraredis.NewNotifier(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, fmt.Errorf("failed to create notifier: %w", err)
	}

	// 3. Lmstfy 客户端（事件队列消费 + 取回子系统投递）
	lmstfyClient, err := lmstfy.NewClient(
		cfg.Lmstfy.Host, cfg.Lmstfy.Port, cfg.Lmstfy.Namespace, cfg.Lmstfy.Token,
		cfg.Lmstfy.RetrievalQueue, cfg.Lmstfy.AbortQueue)
	if err != nil {
		return nil, fmt.Errorf("failed to create lmstfy client: %w", err)
	}

	// 4. 业务服务装配
	f := cfg.Fulfillment
	thresholds := bucketing.Thresholds{
		MaxFiles:         f.MaxBucketFiles,
		MaxInternalBytes: f.MaxInternalBucketSize,
		MaxExternalBytes: f.MaxExternalBucketSize,
	}

	prio := priority.NewCalculator(jobDAO)
	factory := suborder.NewFactory(filesTaskDAO, dataFileDAO, jobDAO, notifier, f.SubOrderDuration, log)
	adm := admission.NewController(jobDAO, orderDAO, dataFileDAO, lmstfyClient, locker,
		f.MaxJobsPerUser, f.SubOrderDuration, f.LockWait, log)

	orchestrator := completion.NewOrchestrator(
		orderDAO, datasetDAO, filesTaskDAO, dataFileDAO, jobDAO,
		catalogDAO, factory, prio, adm, lmstfyClient, locker, notifier,
		completion.Config{
			LockWait:         f.LockWait,
			SubOrderDuration: f.SubOrderDuration,
			Thresholds:       thresholds,
		}, log)

	retryEngine := retry.NewEngine(
		orderDAO, datasetDAO, dataFileDAO, factory, prio, adm, locker,
		retry.Config{
			LockWait:         f.LockWait,
			SubOrderDuration: f.SubOrderDuration,
			Thresholds:       thresholds,
			PageSize:         f.RetryPageSize,
		}, log)

	sweeper := sweep.NewSweep(
		orderDAO, dataFileDAO, filesTaskDAO, datasetDAO, jobDAO,
		adm, lmstfyClient, locker, notifier,
		sweep.Config{
			AsideNotificationDelay: f.AsideOrderNotificationDelay,
			LockWait:               f.LockWait,
			AbortPollRetries:       f.AbortPollRetries,
			AbortPollInterval:      f.AbortPollInterval,
		}, log)

	log.Infof(ctx, "[Manager] Initialized: queue=%s, max_jobs_per_user=%d",
		cfg.Lmstfy.FulfillmentQueue, f.MaxJobsPerUser)

	return &ManagerInstance{
		ctx:          ctx,
		cfg:          cfg,
		db:           db,
		lmstfyClient: lmstfyClient,
		locker:       locker,
		notifier:     notifier,
		services: &domains.Services{
			Orchestrator: orchestrator,
			Retry:        retryEngine,
		},
		sweeper:     sweeper,
		closing:     atomic.NewBool(false),
		shutdownCh:  make(chan struct{}),
		sweepStopCh: make(chan struct{}),
		workers:     make([]Worker, 0),
		logger:      log,
	}, nil
}

// Start 启动 Manager
func (m *ManagerInstance) Start() error {
	m.logger.Infof(m.ctx, "[Manager] Starting...")

	// 1. 加载所有 Worker
	if err := m.loadWorkers(); err != nil {
		return fmt.Errorf("failed to load workers: %w", err)
	}

	m.logger.Infof(m.ctx, "[Manager] All workers loaded, count: %d", len(m.workers))

	// 2. 启动所有 Worker（每个 Worker 在独立 goroutine）
	for _, worker := range m.workers {
		w := worker
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			w.Start()
		}()
		m.logger.Infof(m.ctx, "[Manager] Worker started: %s", w.GetName())
	}

	// 3. 启动维护扫描
	m.wg.Add(1)
	go m.sweepLoop()

	m.logger.Infof(m.ctx, "[Manager] Start success")

	// 4. 阻塞等待退出信号
	<-m.shutdownCh

	return nil
}

// Shutdown 优雅退出
func (m *ManagerInstance) Shutdown() {
	m.logger.Infof(m.ctx, "[Manager] Began to close")

	// 原子操作，保证并发安全
	if m.closing.CAS(false, true) {
		// 1. 停止维护扫描
		close(m.sweepStopCh)

		// 2. 所有 Worker 安全退出
		for _, worker := range m.workers {
			m.logger.Infof(m.ctx, "[Manager] Shutting down worker: %s", worker.GetName())
			worker.Shutdown()
		}

		// 3. 等待所有协程退出
		m.wg.Wait()

		// 4. 释放基础设施连接
		if err := m.locker.Close(); err != nil {
			m.logger.Warnf(m.ctx, "[Manager] Close lock client failed: %v", err)
		}
		if err := m.notifier.Close(); err != nil {
			m.logger.Warnf(m.ctx, "[Manager] Close notifier failed: %v", err)
		}
		if err := mysql.Close(m.db); err != nil {
			m.logger.Warnf(m.ctx, "[Manager] Close database failed: %v", err)
		}

		// 5. 关闭信号通道
		close(m.shutdownCh)

		m.logger.Infof(m.ctx, "[Manager] Shutdown complete")
	}
}

// loadWorkers 加载所有 Worker
func (m *ManagerInstance) loadWorkers() error {
	for _, workerCfg := range m.cfg.Workers {
		// 创建 Subscriber 配置
		subCfg := &framework.SubscriberConfig{
			QueueName:    workerCfg.QueueName,
			Concurrency:  workerCfg.Subscriber.Threads,
			Rate:         workerCfg.Subscriber.Rate,
			Timeout:      workerCfg.Subscriber.Timeout,
			TTR:          workerCfg.Subscriber.TTR,
			ErrorBackoff: workerCfg.Subscriber.ErrorBackoff,
		}

		// 创建 Processor 配置
		procCfg := &framework.ProcessorConfig{
			Concurrency: workerCfg.Processor.Threads,
			BufferSize:  workerCfg.Processor.BufferSize,
			Timeout:     workerCfg.Processor.Timeout,
		}

		// 获取 GetProcess 函数
		getProcess := domains.GetProcess(m.logger, m.services)

		// 创建 Worker 实例
		worker, err := NewWorkerInstance(
			m.ctx,
			workerCfg.Name,
			subCfg,
			procCfg,
			m.lmstfyClient, // MessageSource
			getProcess,     // lmstfyx.Proc
			m.logger,
		)
		if err != nil {
			return fmt.Errorf("failed to create worker %s: %w", workerCfg.Name, err)
		}

		m.workers = append(m.workers, worker)
	}

	return nil
}

// sweepLoop 周期执行维护扫描直到收到退出信号
func (m *ManagerInstance) sweepLoop() {
	defer m.wg.Done()

	interval := m.cfg.Fulfillment.ExpirationSweepInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Infof(m.ctx, "[Manager] Maintenance sweep started, interval: %v", interval)

	for {
		select {
		case <-ticker.C:
			if err := m.sweeper.Run(m.ctx); err != nil {
				m.logger.Errorf(m.ctx, "[Manager] Sweep run failed: %v", err)
			}
		case <-m.sweepStopCh:
			m.logger.Infof(m.ctx, "[Manager] Maintenance sweep stopped")
			return
		}
	}
}

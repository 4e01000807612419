package sweep

import (
	"context"
	"fmt"
	"time"

	"dop/fulfill/internal/business/admission"
	"dop/fulfill/internal/business/completion"
	"dop/fulfill/internal/entity"
	"dop/fulfill/internal/notify"
	"dop/fulfill/pkg/logger"
)

// OrderStore 订单仓储接口（只定义，实现在 pkg/infra/mysql）
type OrderStore interface {
	GetByID(ctx context.Context, orderID string) (*entity.Order, error)
	ListRunning(ctx context.Context) ([]*entity.Order, error)
	// ListStale 进度更新时间早于 before 且尚未通知过的 RUNNING 订单
	ListStale(ctx context.Context, before time.Time) ([]*entity.Order, error)
	// ListExpired 过期时间早于 now 且未进入 EXPIRED/DELETED 的订单
	ListExpired(ctx context.Context, now time.Time) ([]*entity.Order, error)
	Update(ctx context.Context, order *entity.Order) error
}

// DataFileStore 文件条目仓储接口
type DataFileStore interface {
	CountByOrder(ctx context.Context, orderID string) (int64, error)
	CountByOrderAndStates(ctx context.Context, orderID string, states []string) (int64, error)
	DeleteByOrder(ctx context.Context, orderID string) error
}

// FilesTaskStore 子订单仓储接口
type FilesTaskStore interface {
	ListByOrder(ctx context.Context, orderID string) ([]*entity.FilesTask, error)
	CountByOrder(ctx context.Context, orderID string) (int64, error)
	DeleteByOrder(ctx context.Context, orderID string) error
}

// DatasetTaskStore 数据集任务仓储接口
type DatasetTaskStore interface {
	DeleteByOrder(ctx context.Context, orderID string) error
}

// JobStore 取回 Job 仓储接口
type JobStore interface {
	GetByID(ctx context.Context, jobID string) (*entity.RetrievalJob, error)
	ListActiveByOrder(ctx context.Context, orderID string) ([]*entity.RetrievalJob, error)
	UpdateStatus(ctx context.Context, jobID, status string) error
}

// AbortQueue 取回 Job 中止请求投递接口
type AbortQueue interface {
	PublishAbort(ctx context.Context, jobID string) error
}

// Locker 用户互斥锁
type Locker interface {
	Acquire(ctx context.Context, key string, wait time.Duration) (func(), error)
}

// Admission 准入重算接口（过期释放配额后晋升等待中的 Job）
type Admission interface {
	Recompute(ctx context.Context, owner string) error
}

// Config 维护扫描配置
type Config struct {
	AsideNotificationDelay time.Duration
	LockWait               time.Duration
	AbortPollRetries       int
	AbortPollInterval      time.Duration
}

// Sweep 周期性维护任务
// (a) 重算 RUNNING 订单的进度；(b) 长时间无进展的订单按用户聚合发一次提醒；
// (c) 过期订单：请求中止 Job、有界等待、清理文件并置 EXPIRED。
type Sweep struct {
	orders   OrderStore
	files    DataFileStore
	tasks    FilesTaskStore
	datasets DatasetTaskStore
	jobs      JobStore
	admission Admission
	aborts    AbortQueue
	locker    Locker
	notifier  notify.Notifier

	cfg Config
	log logger.Logger
}

// NewSweep 创建维护扫描
func NewSweep(
	orders OrderStore,
	files DataFileStore,
	tasks FilesTaskStore,
	datasets DatasetTaskStore,
	jobs JobStore,
	adm Admission,
	aborts AbortQueue,
	locker Locker,
	notifier notify.Notifier,
	cfg Config,
	log logger.Logger,
) *Sweep {
	return &Sweep{
		orders:    orders,
		files:     files,
		tasks:     tasks,
		datasets:  datasets,
		jobs:      jobs,
		admission: adm,
		aborts:    aborts,
		locker:    locker,
		notifier:  notifier,
		cfg:       cfg,
		log:       log,
	}
}

// Run 执行一轮扫描
func (s *Sweep) Run(ctx context.Context) error {
	if err := s.refreshProgress(ctx); err != nil {
		s.log.Errorf(ctx, "[Sweep] Progress refresh failed: %v", err)
	}
	if err := s.notifyAsideOrders(ctx); err != nil {
		s.log.Errorf(ctx, "[Sweep] Aside notification failed: %v", err)
	}
	if err := s.expireOrders(ctx); err != nil {
		s.log.Errorf(ctx, "[Sweep] Expiration failed: %v", err)
	}
	return nil
}

// refreshProgress 从文件条目状态重算所有 RUNNING 订单的进度
func (s *Sweep) refreshProgress(ctx context.Context) error {
	orders, err := s.orders.ListRunning(ctx)
	if err != nil {
		return fmt.Errorf("list running orders failed: %w", err)
	}

	for _, order := range orders {
		if err := s.refreshOne(ctx, order); err != nil {
			return err
		}
	}

	return nil
}

// refreshOne 重算单个订单的进度（持用户锁，锁内重读）
// 与完成事件共用同一把锁，不会覆盖事件刚写入的状态。
func (s *Sweep) refreshOne(ctx context.Context, candidate *entity.Order) error {
	unlock, err := s.locker.Acquire(ctx, admission.OwnerLockKey(candidate.Owner), s.cfg.LockWait)
	if err != nil {
		s.log.Debugf(ctx, "[Sweep] Owner lock busy, skipping progress refresh of %s", candidate.ID)
		return nil
	}
	defer unlock()

	order, err := s.orders.GetByID(ctx, candidate.ID)
	if err != nil {
		return fmt.Errorf("reload order %s failed: %w", candidate.ID, err)
	}
	if order.Status != entity.OrderStatusRunning {
		return nil
	}

	total, err := s.files.CountByOrder(ctx, order.ID)
	if err != nil {
		return err
	}
	resolved, err := s.files.CountByOrderAndStates(ctx, order.ID, entity.ResolvedStates())
	if err != nil {
		return err
	}
	available, err := s.files.CountByOrderAndStates(ctx, order.ID,
		[]string{entity.FileStateAvailable, entity.FileStateDownloaded})
	if err != nil {
		return err
	}

	percent := completion.Percent(resolved, total)
	if percent == order.PercentComplete && int(available) == order.AvailableFiles {
		return nil
	}

	now := time.Now()
	order.PercentComplete = percent
	order.AvailableFiles = int(available)
	order.ProgressUpdatedAt = now
	order.UpdatedAt = now

	if percent >= 100 {
		errored, err := s.files.CountByOrderAndStates(ctx, order.ID, entity.FailureStates())
		if err != nil {
			return err
		}
		subTotal, err := s.tasks.CountByOrder(ctx, order.ID)
		if err != nil {
			return err
		}
		order.Status = completion.DeriveFinalStatus(int(subTotal), percent, int(errored))
		order.WaitingForUser = true
	}

	if err := s.orders.Update(ctx, order); err != nil {
		return err
	}

	if completion.IsTerminalStatus(order.Status) {
		s.publish(ctx, order.Owner, &notify.Notification{
			OrderID:       order.ID,
			CorrelationID: order.CorrelationID,
			Status:        order.Status,
		})
	}

	return nil
}

// notifyAsideOrders 长时间无进展的订单按用户聚合提醒，每个用户一条
// 打 already-notified 时间戳，避免并发实例重复发送。
func (s *Sweep) notifyAsideOrders(ctx context.Context) error {
	before := time.Now().Add(-s.cfg.AsideNotificationDelay)
	stale, err := s.orders.ListStale(ctx, before)
	if err != nil {
		return fmt.Errorf("list stale orders failed: %w", err)
	}

	byOwner := make(map[string][]*entity.Order)
	for _, order := range stale {
		byOwner[order.Owner] = append(byOwner[order.Owner], order)
	}

	now := time.Now()
	for owner, orders := range byOwner {
		s.publish(ctx, owner, &notify.Notification{
			Status:  entity.OrderStatusRunning,
			Message: fmt.Sprintf("%d order(s) have made no progress recently", len(orders)),
		})
		for _, order := range orders {
			order.AsideNotifiedAt = &now
			order.UpdatedAt = now
			if err := s.orders.Update(ctx, order); err != nil {
				return err
			}
		}
	}

	return nil
}

// expireOrders 清理过期订单
// 过期必须是有损安全的：有界等待耗尽后强制推进，绝不无限阻塞。
func (s *Sweep) expireOrders(ctx context.Context) error {
	expired, err := s.orders.ListExpired(ctx, time.Now())
	if err != nil {
		return fmt.Errorf("list expired orders failed: %w", err)
	}

	for _, order := range expired {
		done, err := s.expireOne(ctx, order)
		if err != nil {
			s.log.Errorf(ctx, "[Sweep] Expire order %s failed: %v", order.ID, err)
			continue
		}
		if !done {
			continue
		}
		// 过期释放了该用户的配额，晋升其等待中的 Job
		if err := s.admission.Recompute(ctx, order.Owner); err != nil {
			s.log.Warnf(ctx, "[Sweep] Admission recompute for %s failed: %v", order.Owner, err)
		}
	}

	return nil
}

// expireOne 过期处理单个订单（持用户锁）；返回是否完成了过期
func (s *Sweep) expireOne(ctx context.Context, order *entity.Order) (bool, error) {
	ctx = context.WithValue(ctx, "order_id", order.ID)
	ctx = context.WithValue(ctx, "owner", order.Owner)

	unlock, err := s.locker.Acquire(ctx, admission.OwnerLockKey(order.Owner), s.cfg.LockWait)
	if err != nil {
		// 本轮跳过，下一轮扫描重试
		s.log.Warnf(ctx, "[Sweep] Owner lock busy, postponing expiration of %s", order.ID)
		return false, nil
	}
	defer unlock()

	// 1. 请求中止所有仍关联的 Job
	active, err := s.jobs.ListActiveByOrder(ctx, order.ID)
	if err != nil {
		return false, fmt.Errorf("list active jobs failed: %w", err)
	}
	for _, job := range active {
		if aerr := s.aborts.PublishAbort(ctx, job.ID); aerr != nil {
			s.log.Warnf(ctx, "[Sweep] Abort request for job %s failed: %v", job.ID, aerr)
		}
	}

	// 2. 有界轮询，等待所有子订单结束或无 Job
	if !s.waitTasksFinished(ctx, order.ID) {
		s.log.Warnf(ctx, "[Sweep] Forced expiration of order %s: jobs did not stop within bounded wait", order.ID)
	}

	// 3. 残留的活动 Job 本地置 ABORTED，保证准入计数一致
	remaining, err := s.jobs.ListActiveByOrder(ctx, order.ID)
	if err != nil {
		return false, fmt.Errorf("list remaining jobs failed: %w", err)
	}
	for _, job := range remaining {
		if uerr := s.jobs.UpdateStatus(ctx, job.ID, entity.JobStatusAborted); uerr != nil {
			return false, fmt.Errorf("abort job %s failed: %w", job.ID, uerr)
		}
	}

	// 4. 清空文件条目与子订单集合，状态置 EXPIRED
	if err := s.files.DeleteByOrder(ctx, order.ID); err != nil {
		return false, fmt.Errorf("purge file entries failed: %w", err)
	}
	if err := s.tasks.DeleteByOrder(ctx, order.ID); err != nil {
		return false, fmt.Errorf("purge sub-orders failed: %w", err)
	}
	if err := s.datasets.DeleteByOrder(ctx, order.ID); err != nil {
		return false, fmt.Errorf("purge dataset tasks failed: %w", err)
	}

	order.MarkExpired()
	if err := s.orders.Update(ctx, order); err != nil {
		return false, fmt.Errorf("persist expired order failed: %w", err)
	}

	s.publish(ctx, order.Owner, &notify.Notification{
		OrderID:       order.ID,
		CorrelationID: order.CorrelationID,
		Status:        entity.OrderStatusExpired,
	})

	s.log.Infof(ctx, "[Sweep] Order %s expired and purged", order.ID)
	return true, nil
}

// waitTasksFinished 有界轮询直到所有子订单结束或无 Job；返回是否全部结束
func (s *Sweep) waitTasksFinished(ctx context.Context, orderID string) bool {
	for i := 0; i < s.cfg.AbortPollRetries; i++ {
		done, err := s.tasksFinished(ctx, orderID)
		if err != nil {
			s.log.Warnf(ctx, "[Sweep] Poll tasks of %s failed: %v", orderID, err)
		} else if done {
			return true
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(s.cfg.AbortPollInterval):
		}
	}
	return false
}

// tasksFinished 所有子订单是否已结束（Job 终态或无 Job）
func (s *Sweep) tasksFinished(ctx context.Context, orderID string) (bool, error) {
	tasks, err := s.tasks.ListByOrder(ctx, orderID)
	if err != nil {
		return false, err
	}
	for _, task := range tasks {
		if task.JobID == nil {
			continue
		}
		job, err := s.jobs.GetByID(ctx, *task.JobID)
		if err != nil {
			return false, err
		}
		if !job.IsFinished() {
			return false, nil
		}
	}
	return true, nil
}

// publish 发送通知，失败只记日志
func (s *Sweep) publish(ctx context.Context, owner string, n *notify.Notification) {
	if err := s.notifier.Publish(ctx, owner, n); err != nil {
		s.log.Warnf(ctx, "[Sweep] Notification to %s failed: %v", owner, err)
	}
}

package admission

import (
	"context"
	"fmt"
	"time"

	"dop/fulfill/internal/entity"
	"dop/fulfill/pkg/logger"
)

// JobStore 取回 Job 仓储接口
type JobStore interface {
	// CountActiveOrPlannedByOwner PLANNED/RUNNING 状态的 Job 数
	CountActiveOrPlannedByOwner(ctx context.Context, owner string) (int64, error)
	// CountWaitingForUserByOwner 已完成但结果仍待用户取走的 Job 数
	// （订单 waiting_for_user 置位期间仍占用准入配额）
	CountWaitingForUserByOwner(ctx context.Context, owner string) (int64, error)
	// ListPendingByOwner 等待准入的 Job，按创建时间升序
	ListPendingByOwner(ctx context.Context, owner string) ([]*entity.RetrievalJob, error)
	UpdateStatus(ctx context.Context, jobID, status string) error
}

// OrderStore 订单只读接口（检查暂停状态）
type OrderStore interface {
	GetByID(ctx context.Context, orderID string) (*entity.Order, error)
}

// DataFileStore 文件条目仓储接口
type DataFileStore interface {
	ListFileIDsByTask(ctx context.Context, filesTaskID string) ([]string, error)
	// MarkTaskFiles 批量设置某子订单全部文件的状态与错误信息
	MarkTaskFiles(ctx context.Context, filesTaskID, state, message string) error
}

// JobQueue 取回队列投递接口
type JobQueue interface {
	PublishRetrieval(ctx context.Context, job *entity.RetrievalJob, fileIDs []string, duration time.Duration) error
}

// Locker 用户互斥锁
type Locker interface {
	Acquire(ctx context.Context, key string, wait time.Duration) (func(), error)
}

// Controller 取回 Job 准入控制器
// 维持单用户同时处于"运行或即将运行"状态的 Job 数不超过 maxJobsPerUser，
// 配额释放时按最早优先晋升等待中的 Job。
type Controller struct {
	jobs   JobStore
	orders OrderStore
	files  DataFileStore
	queue  JobQueue
	locker Locker

	maxJobsPerUser   int
	subOrderDuration time.Duration
	lockWait         time.Duration
	log              logger.Logger
}

// NewController 创建准入控制器
func NewController(
	jobs JobStore,
	orders OrderStore,
	files DataFileStore,
	queue JobQueue,
	locker Locker,
	maxJobsPerUser int,
	subOrderDuration time.Duration,
	lockWait time.Duration,
	log logger.Logger,
) *Controller {
	return &Controller{
		jobs:             jobs,
		orders:           orders,
		files:            files,
		queue:            queue,
		locker:           locker,
		maxJobsPerUser:   maxJobsPerUser,
		subOrderDuration: subOrderDuration,
		lockWait:         lockWait,
		log:              log,
	}
}

// OwnerLockKey 用户互斥锁的 key
func OwnerLockKey(owner string) string {
	return "fulfill:owner:" + owner
}

// Recompute 获取用户锁后重算准入
// 用于锁外调用方（如独立的事件处理）；已持锁的调用方使用 RecomputeLocked。
func (c *Controller) Recompute(ctx context.Context, owner string) error {
	unlock, err := c.locker.Acquire(ctx, OwnerLockKey(owner), c.lockWait)
	if err != nil {
		return fmt.Errorf("acquire owner lock failed: %w", err)
	}
	defer unlock()

	return c.RecomputeLocked(ctx, owner)
}

// RecomputeLocked 重算准入并晋升等待中的 Job
// 必须在持有用户锁的前提下调用，否则并发的完成事件可能导致超额准入。
func (c *Controller) RecomputeLocked(ctx context.Context, owner string) error {
	active, err := c.jobs.CountActiveOrPlannedByOwner(ctx, owner)
	if err != nil {
		return fmt.Errorf("count active jobs failed: %w", err)
	}
	waiting, err := c.jobs.CountWaitingForUserByOwner(ctx, owner)
	if err != nil {
		return fmt.Errorf("count waiting jobs failed: %w", err)
	}

	headroom := int64(c.maxJobsPerUser) - active - waiting
	if headroom <= 0 {
		c.log.Debugf(ctx, "[Admission] No headroom for %s: active=%d, waiting=%d", owner, active, waiting)
		return nil
	}

	pending, err := c.jobs.ListPendingByOwner(ctx, owner)
	if err != nil {
		return fmt.Errorf("list pending jobs failed: %w", err)
	}

	promoted := int64(0)
	for _, job := range pending {
		if promoted >= headroom {
			break
		}

		// 暂停中的订单不参与晋升
		order, err := c.orders.GetByID(ctx, job.OrderID)
		if err != nil {
			return fmt.Errorf("load order %s failed: %w", job.OrderID, err)
		}
		if order.Status == entity.OrderStatusPaused {
			c.log.Debugf(ctx, "[Admission] Skipping job %s: order %s is paused", job.ID, job.OrderID)
			continue
		}

		if err := c.promote(ctx, job); err != nil {
			return err
		}
		promoted++
	}

	if promoted > 0 {
		c.log.Infof(ctx, "[Admission] Promoted %d jobs for %s (headroom %d)", promoted, owner, headroom)
	}

	return nil
}

// promote 将一个等待中的 Job 投递到取回队列
func (c *Controller) promote(ctx context.Context, job *entity.RetrievalJob) error {
	fileIDs, err := c.files.ListFileIDsByTask(ctx, job.FilesTaskID)
	if err != nil {
		return fmt.Errorf("list files for task %s failed: %w", job.FilesTaskID, err)
	}

	if err := c.queue.PublishRetrieval(ctx, job, fileIDs, c.subOrderDuration); err != nil {
		return fmt.Errorf("publish retrieval job %s failed: %w", job.ID, err)
	}

	if err := c.jobs.UpdateStatus(ctx, job.ID, entity.JobStatusPlanned); err != nil {
		return fmt.Errorf("mark job %s planned failed: %w", job.ID, err)
	}

	return nil
}

// HandleJobFailure 处理 Job 失败：全部文件置 ERROR 并持久化
// 持久化本身也是解锁同订单后续子订单的触发点，由调用方随后重算准入。
func (c *Controller) HandleJobFailure(ctx context.Context, job *entity.RetrievalJob, message string) error {
	if err := c.files.MarkTaskFiles(ctx, job.FilesTaskID, entity.FileStateError, message); err != nil {
		return fmt.Errorf("mark task files failed: %w", err)
	}
	c.log.Warnf(ctx, "[Admission] Job %s failed, files of task %s marked ERROR: %s",
		job.ID, job.FilesTaskID, message)
	return nil
}

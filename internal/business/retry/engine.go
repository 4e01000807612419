package retry

import (
	"context"
	"fmt"
	"time"

	"dop/fulfill/internal/business/admission"
	"dop/fulfill/internal/business/bucketing"
	"dop/fulfill/internal/business/priority"
	"dop/fulfill/internal/business/suborder"
	"dop/fulfill/internal/entity"
	"dop/fulfill/pkg/errorutil"
	"dop/fulfill/pkg/logger"
)

// OrderStore 订单仓储接口（只定义，实现在 pkg/infra/mysql）
type OrderStore interface {
	GetByID(ctx context.Context, orderID string) (*entity.Order, error)
	Update(ctx context.Context, order *entity.Order) error
}

// DatasetTaskStore 数据集任务仓储接口
type DatasetTaskStore interface {
	ListByOrder(ctx context.Context, orderID string) ([]*entity.DatasetTask, error)
}

// DataFileStore 文件条目仓储接口
type DataFileStore interface {
	// ListErrorFiles 取数据集下 ERROR/DOWNLOAD_ERROR 状态的文件（最多 limit 条）
	// 调用方重置状态后重复调用即可翻完整个集合。
	ListErrorFiles(ctx context.Context, datasetTaskID string, limit int) ([]*entity.OrderDataFile, error)
	ResetToPending(ctx context.Context, entryIDs []string) error
}

// Locker 用户互斥锁
type Locker interface {
	Acquire(ctx context.Context, key string, wait time.Duration) (func(), error)
}

// Config Retry Engine 配置
type Config struct {
	LockWait         time.Duration
	SubOrderDuration time.Duration
	Thresholds       bucketing.Thresholds
	PageSize         int
}

// Engine 重试引擎
// 只触碰 ERROR 态的文件条目：重置为 PENDING 后送回同一套
// 分桶/子订单流程。干净订单上的重复重试是空操作。
type Engine struct {
	orders    OrderStore
	datasets  DatasetTaskStore
	files     DataFileStore
	factory   *suborder.Factory
	prio      *priority.Calculator
	admission *admission.Controller
	locker    Locker

	cfg Config
	log logger.Logger
}

// NewEngine 创建重试引擎
func NewEngine(
	orders OrderStore,
	datasets DatasetTaskStore,
	files DataFileStore,
	factory *suborder.Factory,
	prio *priority.Calculator,
	adm *admission.Controller,
	locker Locker,
	cfg Config,
	log logger.Logger,
) *Engine {
	return &Engine{
		orders:    orders,
		datasets:  datasets,
		files:     files,
		factory:   factory,
		prio:      prio,
		admission: adm,
		locker:    locker,
		cfg:       cfg,
		log:       log,
	}
}

// Retry 重新分桶一个已完成订单中的失败文件
func (e *Engine) Retry(ctx context.Context, orderID string) error {
	order, err := e.orders.GetByID(ctx, orderID)
	if err != nil {
		return errorutil.NonRetriable(fmt.Sprintf("order %s not found: %v", orderID, err))
	}
	if order.IsTerminal() {
		return errorutil.NonRetriable(fmt.Sprintf("order %s is %s, cannot retry", orderID, order.Status))
	}

	ctx = context.WithValue(ctx, "order_id", order.ID)
	ctx = context.WithValue(ctx, "owner", order.Owner)

	unlock, err := e.locker.Acquire(ctx, admission.OwnerLockKey(order.Owner), e.cfg.LockWait)
	if err != nil {
		return errorutil.Retriable(fmt.Sprintf("owner %s busy, retry deferred: %v", order.Owner, err))
	}
	defer unlock()

	prio, err := e.prio.Compute(ctx, order.Owner, order.Role)
	if err != nil {
		return fmt.Errorf("compute priority failed: %w", err)
	}

	datasets, err := e.datasets.ListByOrder(ctx, order.ID)
	if err != nil {
		return fmt.Errorf("list dataset tasks failed: %w", err)
	}

	added := 0
	for _, dsTask := range datasets {
		n, derr := e.retryDataset(ctx, order, dsTask, prio)
		if derr != nil {
			return derr
		}
		added += n
	}

	// 没有可重试的文件：干净订单上的重复重试是空操作
	if added == 0 {
		e.log.Infof(ctx, "[Retry] Order %s has no failed files, nothing to do", order.ID)
		return nil
	}

	// 过期时间只延长、绝不缩短
	now := time.Now()
	base := now
	if order.ExpiresAt != nil && order.ExpiresAt.After(now) {
		base = *order.ExpiresAt
	}
	expiresAt := base.Add(time.Duration(added+2) * e.cfg.SubOrderDuration)
	order.ExpiresAt = &expiresAt

	order.Status = entity.OrderStatusRunning
	order.WaitingForUser = false
	order.ProgressUpdatedAt = now
	order.UpdatedAt = now

	if err := e.orders.Update(ctx, order); err != nil {
		return fmt.Errorf("persist retried order failed: %w", err)
	}

	if err := e.admission.RecomputeLocked(ctx, order.Owner); err != nil {
		return fmt.Errorf("admission recompute failed: %w", err)
	}

	e.log.Infof(ctx, "[Retry] Order %s: %d sub-orders recreated, expires %s",
		order.ID, added, expiresAt.Format(time.RFC3339))
	return nil
}

// retryDataset 翻页重置一个数据集下的失败文件并重新分桶
func (e *Engine) retryDataset(ctx context.Context, order *entity.Order, dsTask *entity.DatasetTask, prio int) (int, error) {
	added := 0
	partitioner := bucketing.NewPartitioner(e.cfg.Thresholds, func(fctx context.Context, b *bucketing.Bucket) error {
		if _, ferr := e.factory.Create(fctx, order, dsTask.ID, b, prio); ferr != nil {
			return ferr
		}
		added++
		return nil
	}, e.log)

	for {
		files, err := e.files.ListErrorFiles(ctx, dsTask.ID, e.cfg.PageSize)
		if err != nil {
			return added, fmt.Errorf("list error files for dataset %s failed: %w", dsTask.ID, err)
		}
		if len(files) == 0 {
			break
		}

		entryIDs := make([]string, 0, len(files))
		for _, f := range files {
			entryIDs = append(entryIDs, f.ID)
		}
		if err := e.files.ResetToPending(ctx, entryIDs); err != nil {
			return added, fmt.Errorf("reset files to pending failed: %w", err)
		}

		for _, f := range files {
			size := f.ByteSize
			if err := partitioner.Add(ctx, bucketing.File{
				EntryID:   f.ID,
				FileID:    f.FileID,
				Checksum:  f.Checksum,
				ByteSize:  &size,
				Reference: f.Reference,
				MimeType:  f.MimeType,
			}); err != nil {
				return added, err
			}
		}
	}

	return added, partitioner.Finish(ctx)
}

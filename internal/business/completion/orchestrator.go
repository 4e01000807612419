package completion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"dop/fulfill/internal/business/admission"
	"dop/fulfill/internal/business/bucketing"
	"dop/fulfill/internal/business/priority"
	"dop/fulfill/internal/business/suborder"
	"dop/fulfill/internal/entity"
	"dop/fulfill/internal/features"
	"dop/fulfill/internal/notify"
	"dop/fulfill/pkg/logger"
)

// OrderStore 订单仓储接口（只定义，实现在 pkg/infra/mysql）
type OrderStore interface {
	GetByID(ctx context.Context, orderID string) (*entity.Order, error)
	Update(ctx context.Context, order *entity.Order) error
}

// DatasetTaskStore 数据集任务仓储接口
type DatasetTaskStore interface {
	Create(ctx context.Context, task *entity.DatasetTask) error
	Update(ctx context.Context, task *entity.DatasetTask) error
}

// FilesTaskStore 子订单仓储接口
type FilesTaskStore interface {
	CountByOrder(ctx context.Context, orderID string) (int64, error)
	GetByJobID(ctx context.Context, jobID string) (*entity.FilesTask, error)
	DeleteByOrder(ctx context.Context, orderID string) error
}

// DataFileStore 文件条目仓储接口
type DataFileStore interface {
	CountByOrder(ctx context.Context, orderID string) (int64, error)
	CountByOrderAndStates(ctx context.Context, orderID string, states []string) (int64, error)
	MarkTaskFiles(ctx context.Context, filesTaskID, state, message string) error
	DeleteByOrder(ctx context.Context, orderID string) error
}

// JobStore 取回 Job 仓储接口
type JobStore interface {
	GetByID(ctx context.Context, jobID string) (*entity.RetrievalJob, error)
	UpdateStatus(ctx context.Context, jobID, status string) error
	// ListActiveByOrder PENDING/PLANNED/RUNNING 状态的 Job
	ListActiveByOrder(ctx context.Context, orderID string) ([]*entity.RetrievalJob, error)
	// ListAbortedByOrder ABORTED 状态的 Job（恢复订单时重新排队）
	ListAbortedByOrder(ctx context.Context, orderID string) ([]*entity.RetrievalJob, error)
}

// AbortQueue 取回 Job 中止请求投递接口
type AbortQueue interface {
	PublishAbort(ctx context.Context, jobID string) error
}

// Locker 用户互斥锁
type Locker interface {
	Acquire(ctx context.Context, key string, wait time.Duration) (func(), error)
}

// Config 编排器配置
type Config struct {
	LockWait         time.Duration
	SubOrderDuration time.Duration
	Thresholds       bucketing.Thresholds
}

// Orchestrator 订单完成编排器
// 以订单归属用户为粒度串行化：同一用户的两个订单绝不并发完成，
// 因为两者都会触碰该用户共享的准入计数。跨用户完全并行。
type Orchestrator struct {
	orders   OrderStore
	datasets DatasetTaskStore
	tasks    FilesTaskStore
	files    DataFileStore
	jobs     JobStore

	resolver  features.Resolver
	factory   *suborder.Factory
	prio      *priority.Calculator
	admission *admission.Controller
	aborts    AbortQueue
	locker    Locker
	notifier  notify.Notifier

	cfg Config
	log logger.Logger
}

// NewOrchestrator 创建完成编排器
func NewOrchestrator(
	orders OrderStore,
	datasets DatasetTaskStore,
	tasks FilesTaskStore,
	files DataFileStore,
	jobs JobStore,
	resolver features.Resolver,
	factory *suborder.Factory,
	prio *priority.Calculator,
	adm *admission.Controller,
	aborts AbortQueue,
	locker Locker,
	notifier notify.Notifier,
	cfg Config,
	log logger.Logger,
) *Orchestrator {
	return &Orchestrator{
		orders:    orders,
		datasets:  datasets,
		tasks:     tasks,
		files:     files,
		jobs:      jobs,
		resolver:  resolver,
		factory:   factory,
		prio:      prio,
		admission: adm,
		aborts:    aborts,
		locker:    locker,
		notifier:  notifier,
		cfg:       cfg,
		log:       log,
	}
}

// Complete 驱动一个订单走完分桶/子订单创建流程
// 在异步边界之内运行：所有失败都被捕获进订单状态与通知，不向上传播。
func (o *Orchestrator) Complete(ctx context.Context, orderID string, selections []features.Selection) error {
	order, err := o.orders.GetByID(ctx, orderID)
	if err != nil {
		return fmt.Errorf("load order %s failed: %w", orderID, err)
	}

	ctx = context.WithValue(ctx, "order_id", order.ID)
	ctx = context.WithValue(ctx, "owner", order.Owner)

	// 锁以 owner 为 key 而非订单 ID：同一用户的订单共享准入状态
	unlock, err := o.locker.Acquire(ctx, admission.OwnerLockKey(order.Owner), o.cfg.LockWait)
	if err != nil {
		o.log.Warnf(ctx, "[Completion] Owner lock not acquired for %s: %v", order.Owner, err)
		order.MarkFailed("another fulfillment is already running for this user, try again later")
		if uerr := o.orders.Update(ctx, order); uerr != nil {
			return fmt.Errorf("persist lock-timeout failure failed: %w", uerr)
		}
		o.notifyOrder(ctx, order, 0)
		return nil
	}
	defer unlock()

	order.MarkRunning()
	if err := o.orders.Update(ctx, order); err != nil {
		return fmt.Errorf("mark order running failed: %w", err)
	}

	counts := bucketing.NewOrderCounts()
	var created []*suborder.Result

	for _, sel := range selections {
		if err := o.processDataset(ctx, order, sel, counts, &created); err != nil {
			// 单数据集失败终止整个订单，之前数据集已创建的子订单保留
			o.log.Errorf(ctx, "[Completion] Dataset %s failed: %v", sel.Dataset, err)
			order.MarkFailed(err.Error())
			if uerr := o.orders.Update(ctx, order); uerr != nil {
				return fmt.Errorf("persist dataset failure failed: %w", uerr)
			}
			o.notifyOrder(ctx, order, counts.SubOrderTotal())
			return nil
		}
	}

	o.finalize(ctx, order, counts, created)
	return nil
}

// processDataset 处理一个数据集选择：解析 → 分桶 → 子订单
// 每个数据集是一个独立的提交单元，处理完即落库。
func (o *Orchestrator) processDataset(
	ctx context.Context,
	order *entity.Order,
	sel features.Selection,
	counts *bucketing.OrderCounts,
	created *[]*suborder.Result,
) error {
	request, err := json.Marshal(sel)
	if err != nil {
		return fmt.Errorf("marshal selection failed: %w", err)
	}

	dsTask := &entity.DatasetTask{
		ID:        uuid.New().String(),
		OrderID:   order.ID,
		Dataset:   sel.Dataset,
		Request:   request,
		CreatedAt: time.Now(),
	}
	if err := o.datasets.Create(ctx, dsTask); err != nil {
		return fmt.Errorf("create dataset task failed: %w", err)
	}

	prio, err := o.prio.Compute(ctx, order.Owner, order.Role)
	if err != nil {
		return fmt.Errorf("compute priority failed: %w", err)
	}

	dsCounts := bucketing.NewOrderCounts()
	partitioner := bucketing.NewPartitioner(o.cfg.Thresholds, func(fctx context.Context, b *bucketing.Bucket) error {
		res, ferr := o.factory.Create(fctx, order, dsTask.ID, b, prio)
		if ferr != nil {
			return ferr
		}
		if b.External {
			dsCounts.AddExternalSubOrder(res.FileCount, res.TotalBytes)
		} else {
			dsCounts.AddInternalSubOrder(res.FileCount, res.TotalBytes, res.JobID)
		}
		*created = append(*created, res)
		return nil
	}, o.log)

	for page := 0; ; page++ {
		descriptors, rerr := o.resolver.ResolvePage(ctx, sel, page)
		if rerr != nil {
			return fmt.Errorf("resolve dataset %s page %d failed: %w", sel.Dataset, page, rerr)
		}
		if len(descriptors) == 0 {
			break
		}
		for _, fd := range descriptors {
			dsCounts.AddFeature()
			if aerr := partitioner.Add(ctx, bucketing.File{
				FileID:    fd.ID,
				Checksum:  fd.Checksum,
				ByteSize:  fd.ByteSize,
				Reference: fd.Reference,
				MimeType:  fd.MimeType,
			}); aerr != nil {
				return aerr
			}
		}
	}

	if err := partitioner.Finish(ctx); err != nil {
		return err
	}

	dsTask.FileCount = dsCounts.InternalFiles + dsCounts.ExternalFiles
	dsTask.TotalBytes = dsCounts.TotalBytes
	if err := o.datasets.Update(ctx, dsTask); err != nil {
		return fmt.Errorf("update dataset task failed: %w", err)
	}

	counts.Merge(dsCounts)
	return nil
}

// finalize 推导终态、计算过期时间并发出通知
func (o *Orchestrator) finalize(ctx context.Context, order *entity.Order, counts *bucketing.OrderCounts, created []*suborder.Result) {
	now := time.Now()
	subTotal := counts.SubOrderTotal()

	// 过期时间按子订单数量推算：没有子订单也保留一个基础时长
	factor := 1
	if subTotal > 0 {
		factor = subTotal + 2
	}
	expiresAt := now.Add(time.Duration(factor) * o.cfg.SubOrderDuration)
	order.ExpiresAt = &expiresAt

	totalFiles := counts.InternalFiles + counts.ExternalFiles
	percent := 0
	if counts.OnlyExternal() {
		// 纯 external 订单：没有取回 Job 把关，立即 100% 并等待用户取走
		percent = 100
		order.WaitingForUser = true
	} else if totalFiles > 0 {
		percent = int(100 * int64(counts.ExternalFiles) / int64(totalFiles))
	}

	errCount, err := o.files.CountByOrderAndStates(ctx, order.ID, entity.FailureStates())
	if err != nil {
		o.log.Warnf(ctx, "[Completion] Count failed files failed: %v", err)
	}

	order.ObjectCount = counts.FeatureCount
	order.AvailableFiles = counts.ExternalFiles
	order.PercentComplete = percent
	order.ProgressUpdatedAt = now
	order.Status = DeriveFinalStatus(subTotal, percent, int(errCount))
	if subTotal == 0 {
		order.Message = "no orderable files matched the basket selections"
	}
	order.UpdatedAt = now

	if err := o.orders.Update(ctx, order); err != nil {
		o.log.Errorf(ctx, "[Completion] Persist finalized order failed: %v", err)
		return
	}

	// external 子订单创建即终态，逐个发出子订单级通知
	for _, res := range created {
		if res.Task.External {
			o.notifySubOrder(ctx, order, res.Task, subTotal)
		}
	}
	if IsTerminalStatus(order.Status) {
		o.notifyOrder(ctx, order, subTotal)
	}

	// 新子订单可能立即占用配额
	if err := o.admission.RecomputeLocked(ctx, order.Owner); err != nil {
		o.log.Errorf(ctx, "[Completion] Admission recompute failed: %v", err)
	}

	o.log.Infof(ctx, "[Completion] Order finalized: status=%s, sub_orders=%d, files=%d, expires=%s",
		order.Status, subTotal, totalFiles, expiresAt.Format(time.RFC3339))
}

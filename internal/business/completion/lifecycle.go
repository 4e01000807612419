package completion

import (
	"context"
	"fmt"
	"time"

	"dop/fulfill/internal/business/admission"
	"dop/fulfill/internal/entity"
)

// ownerLockKey 用户互斥锁 key（与准入控制器共用）
func ownerLockKey(owner string) string {
	return admission.OwnerLockKey(owner)
}

// Pause 暂停订单：请求中止其 Job 但不阻塞等待
// 实际"完全暂停"由调用方通过轮询 Job 状态异步观察。
func (o *Orchestrator) Pause(ctx context.Context, orderID string) error {
	return o.withOrderLocked(ctx, orderID, func(ctx context.Context, order *entity.Order) error {
		if order.IsTerminal() {
			return entity.ErrOrderTerminal
		}

		jobs, err := o.jobs.ListActiveByOrder(ctx, order.ID)
		if err != nil {
			return fmt.Errorf("list active jobs failed: %w", err)
		}
		for _, job := range jobs {
			if err := o.aborts.PublishAbort(ctx, job.ID); err != nil {
				o.log.Warnf(ctx, "[Completion] Abort request for job %s failed: %v", job.ID, err)
			}
		}

		order.Status = entity.OrderStatusPaused
		order.UpdatedAt = time.Now()
		return o.orders.Update(ctx, order)
	})
}

// Resume 恢复订单并重算准入（被暂停跳过的 Job 重新参与晋升）
func (o *Orchestrator) Resume(ctx context.Context, orderID string) error {
	return o.withOrderLocked(ctx, orderID, func(ctx context.Context, order *entity.Order) error {
		if order.Status != entity.OrderStatusPaused {
			return fmt.Errorf("order %s is not paused (status %s)", order.ID, order.Status)
		}

		order.Status = entity.OrderStatusRunning
		order.UpdatedAt = time.Now()
		if err := o.orders.Update(ctx, order); err != nil {
			return err
		}

		// 暂停期间被中止的 Job 重新排队，文件条目保持 PENDING 原样
		aborted, err := o.jobs.ListAbortedByOrder(ctx, order.ID)
		if err != nil {
			return fmt.Errorf("list aborted jobs failed: %w", err)
		}
		for _, job := range aborted {
			if err := o.jobs.UpdateStatus(ctx, job.ID, entity.JobStatusPending); err != nil {
				return fmt.Errorf("requeue job %s failed: %w", job.ID, err)
			}
			o.log.Infof(ctx, "[Completion] Job %s requeued after resume", job.ID)
		}

		return o.admission.RecomputeLocked(ctx, order.Owner)
	})
}

// Delete 删除订单（软删除）：中止 Job、清空文件条目、状态置 DELETED
func (o *Orchestrator) Delete(ctx context.Context, orderID string) error {
	return o.withOrderLocked(ctx, orderID, func(ctx context.Context, order *entity.Order) error {
		jobs, err := o.jobs.ListActiveByOrder(ctx, order.ID)
		if err != nil {
			return fmt.Errorf("list active jobs failed: %w", err)
		}
		for _, job := range jobs {
			if err := o.aborts.PublishAbort(ctx, job.ID); err != nil {
				o.log.Warnf(ctx, "[Completion] Abort request for job %s failed: %v", job.ID, err)
			}
			if err := o.jobs.UpdateStatus(ctx, job.ID, entity.JobStatusAborted); err != nil {
				return fmt.Errorf("abort job %s failed: %w", job.ID, err)
			}
		}

		if err := o.files.DeleteByOrder(ctx, order.ID); err != nil {
			return fmt.Errorf("purge file entries failed: %w", err)
		}
		if err := o.tasks.DeleteByOrder(ctx, order.ID); err != nil {
			return fmt.Errorf("purge sub-orders failed: %w", err)
		}

		order.Status = entity.OrderStatusDeleted
		order.WaitingForUser = false
		order.UpdatedAt = time.Now()
		return o.orders.Update(ctx, order)
	})
}

// withOrderLocked 在用户锁内执行订单级操作
func (o *Orchestrator) withOrderLocked(ctx context.Context, orderID string, fn func(context.Context, *entity.Order) error) error {
	order, err := o.orders.GetByID(ctx, orderID)
	if err != nil {
		return fmt.Errorf("load order %s failed: %w", orderID, err)
	}

	ctx = context.WithValue(ctx, "order_id", order.ID)
	ctx = context.WithValue(ctx, "owner", order.Owner)

	unlock, err := o.locker.Acquire(ctx, ownerLockKey(order.Owner), o.cfg.LockWait)
	if err != nil {
		return fmt.Errorf("acquire owner lock failed: %w", err)
	}
	defer unlock()

	return fn(ctx, order)
}

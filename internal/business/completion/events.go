package completion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"dop/fulfill/internal/entity"
	"dop/fulfill/pkg/errorutil"
)

// OnJobFinished 处理取回 Job 的终态事件（成功或失败）
// 与 Complete 共用同一把用户锁：事件处理与完成流程绝不交错。
func (o *Orchestrator) OnJobFinished(ctx context.Context, jobID, finalState, errMsg string) error {
	job, err := o.jobs.GetByID(ctx, jobID)
	if err != nil {
		return errorutil.NonRetriable(fmt.Sprintf("retrieval job %s not found: %v", jobID, err))
	}

	status, err := mapJobFinalState(finalState)
	if err != nil {
		return err
	}

	ctx = context.WithValue(ctx, "order_id", job.OrderID)
	ctx = context.WithValue(ctx, "owner", job.Owner)

	unlock, err := o.locker.Acquire(ctx, ownerLockKey(job.Owner), o.cfg.LockWait)
	if err != nil {
		// 锁竞争：事件延后重投，不丢失
		return errorutil.Retriable(fmt.Sprintf("owner %s busy, job event deferred: %v", job.Owner, err))
	}
	defer unlock()

	if err := o.jobs.UpdateStatus(ctx, job.ID, status); err != nil {
		return fmt.Errorf("update job status failed: %w", err)
	}

	task, err := o.tasks.GetByJobID(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("load files task for job %s failed: %w", job.ID, err)
	}

	switch status {
	case entity.JobStatusDone:
		if err := o.files.MarkTaskFiles(ctx, task.ID, entity.FileStateAvailable, ""); err != nil {
			return fmt.Errorf("mark task files available failed: %w", err)
		}
	case entity.JobStatusFailed:
		if errMsg == "" {
			errMsg = "retrieval job failed"
		}
		if err := o.admission.HandleJobFailure(ctx, job, errMsg); err != nil {
			return err
		}
	}

	order, err := o.orders.GetByID(ctx, job.OrderID)
	if err != nil {
		return fmt.Errorf("load order %s failed: %w", job.OrderID, err)
	}

	subTotal, becameTerminal, err := o.refreshProgressLocked(ctx, order)
	if err != nil {
		return err
	}

	// 子订单到达终态，发出子订单级通知；中止不是面向用户的终态
	if status != entity.JobStatusAborted {
		o.notifySubOrder(ctx, order, task, subTotal)
	}
	if becameTerminal {
		o.notifyOrder(ctx, order, subTotal)
	}

	// 配额刚刚释放，立即重算准入
	if err := o.admission.RecomputeLocked(ctx, job.Owner); err != nil {
		return fmt.Errorf("admission recompute failed: %w", err)
	}

	return nil
}

// refreshProgressLocked 从文件条目状态重算订单进度，必要时推导终态
// 必须持有用户锁。返回子订单总数和订单是否刚转入终态。
func (o *Orchestrator) refreshProgressLocked(ctx context.Context, order *entity.Order) (int, bool, error) {
	total, err := o.files.CountByOrder(ctx, order.ID)
	if err != nil {
		return 0, false, fmt.Errorf("count order files failed: %w", err)
	}
	resolved, err := o.files.CountByOrderAndStates(ctx, order.ID, entity.ResolvedStates())
	if err != nil {
		return 0, false, fmt.Errorf("count resolved files failed: %w", err)
	}
	available, err := o.files.CountByOrderAndStates(ctx, order.ID,
		[]string{entity.FileStateAvailable, entity.FileStateDownloaded})
	if err != nil {
		return 0, false, fmt.Errorf("count available files failed: %w", err)
	}
	errored, err := o.files.CountByOrderAndStates(ctx, order.ID, entity.FailureStates())
	if err != nil {
		return 0, false, fmt.Errorf("count errored files failed: %w", err)
	}
	subTotal64, err := o.tasks.CountByOrder(ctx, order.ID)
	if err != nil {
		return 0, false, fmt.Errorf("count sub-orders failed: %w", err)
	}
	subTotal := int(subTotal64)

	now := time.Now()
	order.PercentComplete = Percent(resolved, total)
	order.AvailableFiles = int(available)
	order.ProgressUpdatedAt = now
	order.UpdatedAt = now

	becameTerminal := false
	if order.PercentComplete >= 100 && order.Status == entity.OrderStatusRunning {
		order.Status = DeriveFinalStatus(subTotal, order.PercentComplete, int(errored))
		order.WaitingForUser = true
		becameTerminal = IsTerminalStatus(order.Status)
	}

	if err := o.orders.Update(ctx, order); err != nil {
		return 0, false, fmt.Errorf("persist order progress failed: %w", err)
	}

	return subTotal, becameTerminal, nil
}

// mapJobFinalState 取回子系统终态 → Job 状态
func mapJobFinalState(finalState string) (string, error) {
	switch strings.ToUpper(finalState) {
	case "DONE", "SUCCESS":
		return entity.JobStatusDone, nil
	case "FAILED", "ERROR":
		return entity.JobStatusFailed, nil
	case "ABORTED":
		return entity.JobStatusAborted, nil
	}
	return "", errorutil.NonRetriable(fmt.Sprintf("unknown job final state: %s", finalState))
}

package mysql

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"dop/fulfill/internal/entity"
)

// JobDAO 取回 Job 数据访问对象
type JobDAO struct {
	db *gorm.DB
}

// NewJobDAO 创建 JobDAO 实例
func NewJobDAO(db *gorm.DB) *JobDAO {
	return &JobDAO{db: db}
}

// Create 创建取回 Job
func (dao *JobDAO) Create(ctx context.Context, job *entity.RetrievalJob) error {
	if err := dao.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("failed to create retrieval job: %w", err)
	}
	return nil
}

// GetByID 根据 Job ID 获取取回 Job
func (dao *JobDAO) GetByID(ctx context.Context, jobID string) (*entity.RetrievalJob, error) {
	var job entity.RetrievalJob
	result := dao.db.WithContext(ctx).Where("id = ?", jobID).First(&job)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to get retrieval job: %w", result.Error)
	}
	return &job, nil
}

// UpdateStatus 更新 Job 状态
func (dao *JobDAO) UpdateStatus(ctx context.Context, jobID, status string) error {
	result := dao.db.WithContext(ctx).
		Model(&entity.RetrievalJob{}).
		Where("id = ?", jobID).
		Updates(map[string]interface{}{
			"status":     status,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update job status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("retrieval job not found: %s", jobID)
	}
	return nil
}

// CountActiveOrPlannedByOwner 某用户 PLANNED/RUNNING 状态的 Job 数
func (dao *JobDAO) CountActiveOrPlannedByOwner(ctx context.Context, owner string) (int64, error) {
	var count int64
	result := dao.db.WithContext(ctx).
		Model(&entity.RetrievalJob{}).
		Where("owner = ? AND status IN ?", owner,
			[]string{entity.JobStatusPlanned, entity.JobStatusRunning}).
		Count(&count)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to count active jobs: %w", result.Error)
	}
	return count, nil
}

// CountActiveAndFutureByOwner 某用户 PENDING/PLANNED/RUNNING 状态的 Job 数（公平份额分子）
func (dao *JobDAO) CountActiveAndFutureByOwner(ctx context.Context, owner string) (int64, error) {
	var count int64
	result := dao.db.WithContext(ctx).
		Model(&entity.RetrievalJob{}).
		Where("owner = ? AND status IN ?", owner,
			[]string{entity.JobStatusPending, entity.JobStatusPlanned, entity.JobStatusRunning}).
		Count(&count)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to count owner workload: %w", result.Error)
	}
	return count, nil
}

// CountActiveAndFuture 全系统 PENDING/PLANNED/RUNNING 状态的 Job 数（公平份额分母）
func (dao *JobDAO) CountActiveAndFuture(ctx context.Context) (int64, error) {
	var count int64
	result := dao.db.WithContext(ctx).
		Model(&entity.RetrievalJob{}).
		Where("status IN ?",
			[]string{entity.JobStatusPending, entity.JobStatusPlanned, entity.JobStatusRunning}).
		Count(&count)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to count total workload: %w", result.Error)
	}
	return count, nil
}

// CountWaitingForUserByOwner 已完成但结果仍待用户取走的 Job 数
// 订单 waiting_for_user 置位期间这些 Job 仍占用准入配额。
func (dao *JobDAO) CountWaitingForUserByOwner(ctx context.Context, owner string) (int64, error) {
	var count int64
	result := dao.db.WithContext(ctx).
		Model(&entity.RetrievalJob{}).
		Joins("JOIN orders ON orders.id = retrieval_jobs.order_id").
		Where("retrieval_jobs.owner = ?", owner).
		Where("retrieval_jobs.status = ?", entity.JobStatusDone).
		Where("orders.waiting_for_user = ?", true).
		Where("orders.status NOT IN ?", []string{entity.OrderStatusExpired, entity.OrderStatusDeleted}).
		Count(&count)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to count waiting jobs: %w", result.Error)
	}
	return count, nil
}

// ListPendingByOwner 某用户等待准入的 Job，按创建时间升序
func (dao *JobDAO) ListPendingByOwner(ctx context.Context, owner string) ([]*entity.RetrievalJob, error) {
	var jobs []*entity.RetrievalJob
	result := dao.db.WithContext(ctx).
		Where("owner = ? AND status = ?", owner, entity.JobStatusPending).
		Order("created_at ASC").
		Find(&jobs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list pending jobs: %w", result.Error)
	}
	return jobs, nil
}

// ListAbortedByOrder 某订单下 ABORTED 状态的 Job（恢复订单时重新排队）
func (dao *JobDAO) ListAbortedByOrder(ctx context.Context, orderID string) ([]*entity.RetrievalJob, error) {
	var jobs []*entity.RetrievalJob
	result := dao.db.WithContext(ctx).
		Where("order_id = ? AND status = ?", orderID, entity.JobStatusAborted).
		Find(&jobs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list aborted jobs: %w", result.Error)
	}
	return jobs, nil
}

// ListActiveByOrder 某订单下 PENDING/PLANNED/RUNNING 状态的 Job
func (dao *JobDAO) ListActiveByOrder(ctx context.Context, orderID string) ([]*entity.RetrievalJob, error) {
	var jobs []*entity.RetrievalJob
	result := dao.db.WithContext(ctx).
		Where("order_id = ? AND status IN ?", orderID,
			[]string{entity.JobStatusPending, entity.JobStatusPlanned, entity.JobStatusRunning}).
		Find(&jobs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list active jobs: %w", result.Error)
	}
	return jobs, nil
}

package suborder

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"dop/fulfill/internal/business/bucketing"
	"dop/fulfill/internal/entity"
	"dop/fulfill/internal/notify"
	"dop/fulfill/pkg/logger"
)

// FilesTaskStore 子订单仓储接口（只定义，实现在 pkg/infra/mysql）
type FilesTaskStore interface {
	Create(ctx context.Context, task *entity.FilesTask) error
}

// DataFileStore 文件条目仓储接口
type DataFileStore interface {
	CreateBatch(ctx context.Context, files []*entity.OrderDataFile) error
	// ReassignToTask 将已有条目挂到新子订单并设置状态（Retry 场景）
	ReassignToTask(ctx context.Context, entryIDs []string, filesTaskID, state string) error
}

// JobStore 取回 Job 仓储接口
type JobStore interface {
	Create(ctx context.Context, job *entity.RetrievalJob) error
}

// Result 一个已落库的子订单
type Result struct {
	Task       *entity.FilesTask
	JobID      string // external 子订单为空
	FileCount  int
	TotalBytes int64
}

// Factory 子订单工厂
// internal 桶 → FilesTask + 取回 Job（PENDING 准入态，不立即可运行）；
// external 桶 → FilesTask（无 Job），文件立即 AVAILABLE。
type Factory struct {
	tasks    FilesTaskStore
	files    DataFileStore
	jobs     JobStore
	notifier notify.Notifier

	subOrderDuration time.Duration
	log              logger.Logger
}

// NewFactory 创建子订单工厂
func NewFactory(
	tasks FilesTaskStore,
	files DataFileStore,
	jobs JobStore,
	notifier notify.Notifier,
	subOrderDuration time.Duration,
	log logger.Logger,
) *Factory {
	return &Factory{
		tasks:            tasks,
		files:            files,
		jobs:             jobs,
		notifier:         notifier,
		subOrderDuration: subOrderDuration,
		log:              log,
	}
}

// Create 将一个已结算的桶固化为子订单
func (f *Factory) Create(ctx context.Context, order *entity.Order, datasetTaskID string, b *bucketing.Bucket, prio int) (*Result, error) {
	if len(b.Files) == 0 {
		return nil, fmt.Errorf("refusing to create an empty sub-order")
	}

	now := time.Now()
	task := &entity.FilesTask{
		ID:            uuid.New().String(),
		OrderID:       order.ID,
		DatasetTaskID: datasetTaskID,
		Owner:         order.Owner,
		External:      b.External,
		FileCount:     len(b.Files),
		TotalBytes:    b.TotalBytes,
		CreatedAt:     now,
	}

	result := &Result{
		Task:       task,
		FileCount:  len(b.Files),
		TotalBytes: b.TotalBytes,
	}

	fileState := entity.FileStatePending
	if b.External {
		// external 文件无需取回，落库即可下载
		fileState = entity.FileStateAvailable
	}

	if !b.External {
		jobID := uuid.New().String()
		task.JobID = &jobID
		result.JobID = jobID
	}

	if err := f.tasks.Create(ctx, task); err != nil {
		return nil, fmt.Errorf("create files task failed: %w", err)
	}

	if err := f.persistFiles(ctx, order, task, b, fileState, now); err != nil {
		return nil, err
	}

	if !b.External {
		expiresAt := now.Add(f.subOrderDuration)
		job := &entity.RetrievalJob{
			ID:          *task.JobID,
			Owner:       order.Owner,
			Role:        order.Role,
			OrderID:     order.ID,
			FilesTaskID: task.ID,
			Status:      entity.JobStatusPending,
			Priority:    prio,
			ExpiresAt:   &expiresAt,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := f.jobs.Create(ctx, job); err != nil {
			return nil, fmt.Errorf("create retrieval job failed: %w", err)
		}
	}

	if b.Oversized {
		// 面向操作员的告警，不是用户侧错误
		warning := fmt.Sprintf("order %s: sub-order %s contains a file exceeding the bucket byte threshold", order.ID, task.ID)
		if err := f.notifier.OperatorWarning(ctx, warning); err != nil {
			f.log.Warnf(ctx, "[Factory] Operator warning delivery failed: %v", err)
		}
	}

	f.log.Infof(ctx, "[Factory] Sub-order created: task=%s, class=%s, files=%d, bytes=%d",
		task.ID, class(b.External), len(b.Files), b.TotalBytes)

	return result, nil
}

// persistFiles 新建或重挂文件条目
func (f *Factory) persistFiles(ctx context.Context, order *entity.Order, task *entity.FilesTask, b *bucketing.Bucket, state string, now time.Time) error {
	var created []*entity.OrderDataFile
	var reused []string

	for _, file := range b.Files {
		if file.EntryID != "" {
			reused = append(reused, file.EntryID)
			continue
		}
		var size int64
		if file.ByteSize != nil {
			size = *file.ByteSize
		}
		created = append(created, &entity.OrderDataFile{
			ID:          uuid.New().String(),
			OrderID:     order.ID,
			FilesTaskID: task.ID,
			FileID:      file.FileID,
			Checksum:    file.Checksum,
			ByteSize:    size,
			Reference:   file.Reference,
			MimeType:    file.MimeType,
			State:       state,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}

	if len(created) > 0 {
		if err := f.files.CreateBatch(ctx, created); err != nil {
			return fmt.Errorf("persist file entries failed: %w", err)
		}
	}
	if len(reused) > 0 {
		if err := f.files.ReassignToTask(ctx, reused, task.ID, state); err != nil {
			return fmt.Errorf("reassign file entries failed: %w", err)
		}
	}

	return nil
}

func class(external bool) string {
	if external {
		return "external"
	}
	return "internal"
}

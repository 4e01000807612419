package mysql

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"dop/fulfill/internal/entity"
)

// FilesTaskDAO 子订单数据访问对象
type FilesTaskDAO struct {
	db *gorm.DB
}

// NewFilesTaskDAO 创建 FilesTaskDAO 实例
func NewFilesTaskDAO(db *gorm.DB) *FilesTaskDAO {
	return &FilesTaskDAO{db: db}
}

// Create 创建子订单
func (dao *FilesTaskDAO) Create(ctx context.Context, task *entity.FilesTask) error {
	if err := dao.db.WithContext(ctx).Create(task).Error; err != nil {
		return fmt.Errorf("failed to create files task: %w", err)
	}
	return nil
}

// CountByOrder 某订单下的子订单总数
func (dao *FilesTaskDAO) CountByOrder(ctx context.Context, orderID string) (int64, error) {
	var count int64
	result := dao.db.WithContext(ctx).
		Model(&entity.FilesTask{}).
		Where("order_id = ?", orderID).
		Count(&count)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to count files tasks: %w", result.Error)
	}
	return count, nil
}

// GetByJobID 根据取回 Job ID 获取子订单
func (dao *FilesTaskDAO) GetByJobID(ctx context.Context, jobID string) (*entity.FilesTask, error) {
	var task entity.FilesTask
	result := dao.db.WithContext(ctx).Where("job_id = ?", jobID).First(&task)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to get files task by job: %w", result.Error)
	}
	return &task, nil
}

// ListByOrder 某订单下的全部子订单
func (dao *FilesTaskDAO) ListByOrder(ctx context.Context, orderID string) ([]*entity.FilesTask, error) {
	var tasks []*entity.FilesTask
	result := dao.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("created_at ASC").
		Find(&tasks)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list files tasks: %w", result.Error)
	}
	return tasks, nil
}

// DeleteByOrder 删除某订单下的全部子订单
func (dao *FilesTaskDAO) DeleteByOrder(ctx context.Context, orderID string) error {
	result := dao.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Delete(&entity.FilesTask{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete files tasks: %w", result.Error)
	}
	return nil
}

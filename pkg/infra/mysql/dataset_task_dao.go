package mysql

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"dop/fulfill/internal/entity"
)

// DatasetTaskDAO 数据集任务数据访问对象
type DatasetTaskDAO struct {
	db *gorm.DB
}

// NewDatasetTaskDAO 创建 DatasetTaskDAO 实例
func NewDatasetTaskDAO(db *gorm.DB) *DatasetTaskDAO {
	return &DatasetTaskDAO{db: db}
}

// Create 创建数据集任务
func (dao *DatasetTaskDAO) Create(ctx context.Context, task *entity.DatasetTask) error {
	if err := dao.db.WithContext(ctx).Create(task).Error; err != nil {
		return fmt.Errorf("failed to create dataset task: %w", err)
	}
	return nil
}

// Update 全量保存数据集任务
func (dao *DatasetTaskDAO) Update(ctx context.Context, task *entity.DatasetTask) error {
	if err := dao.db.WithContext(ctx).Save(task).Error; err != nil {
		return fmt.Errorf("failed to update dataset task: %w", err)
	}
	return nil
}

// ListByOrder 某订单下的全部数据集任务
func (dao *DatasetTaskDAO) ListByOrder(ctx context.Context, orderID string) ([]*entity.DatasetTask, error) {
	var tasks []*entity.DatasetTask
	result := dao.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("created_at ASC").
		Find(&tasks)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list dataset tasks: %w", result.Error)
	}
	return tasks, nil
}

// DeleteByOrder 删除某订单下的全部数据集任务
func (dao *DatasetTaskDAO) DeleteByOrder(ctx context.Context, orderID string) error {
	result := dao.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Delete(&entity.DatasetTask{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete dataset tasks: %w", result.Error)
	}
	return nil
}

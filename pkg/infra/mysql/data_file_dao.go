package mysql

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"dop/fulfill/internal/entity"
)

// DataFileDAO 订单文件条目数据访问对象
type DataFileDAO struct {
	db *gorm.DB
}

// NewDataFileDAO 创建 DataFileDAO 实例
func NewDataFileDAO(db *gorm.DB) *DataFileDAO {
	return &DataFileDAO{db: db}
}

// CreateBatch 批量创建文件条目
func (dao *DataFileDAO) CreateBatch(ctx context.Context, files []*entity.OrderDataFile) error {
	if len(files) == 0 {
		return nil
	}
	if err := dao.db.WithContext(ctx).CreateInBatches(files, 500).Error; err != nil {
		return fmt.Errorf("failed to create file entries: %w", err)
	}
	return nil
}

// ReassignToTask 将已有条目挂到新子订单并设置状态（Retry 场景）
func (dao *DataFileDAO) ReassignToTask(ctx context.Context, entryIDs []string, filesTaskID, state string) error {
	if len(entryIDs) == 0 {
		return nil
	}
	result := dao.db.WithContext(ctx).
		Model(&entity.OrderDataFile{}).
		Where("id IN ?", entryIDs).
		Updates(map[string]interface{}{
			"files_task_id": filesTaskID,
			"state":         state,
			"last_error":    "",
			"updated_at":    time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to reassign file entries: %w", result.Error)
	}
	return nil
}

// CountByOrder 某订单下的文件条目总数
func (dao *DataFileDAO) CountByOrder(ctx context.Context, orderID string) (int64, error) {
	var count int64
	result := dao.db.WithContext(ctx).
		Model(&entity.OrderDataFile{}).
		Where("order_id = ?", orderID).
		Count(&count)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to count file entries: %w", result.Error)
	}
	return count, nil
}

// CountByOrderAndStates 某订单下处于指定状态的文件条目数
func (dao *DataFileDAO) CountByOrderAndStates(ctx context.Context, orderID string, states []string) (int64, error) {
	var count int64
	result := dao.db.WithContext(ctx).
		Model(&entity.OrderDataFile{}).
		Where("order_id = ? AND state IN ?", orderID, states).
		Count(&count)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to count file entries by state: %w", result.Error)
	}
	return count, nil
}

// MarkTaskFiles 批量设置某子订单全部文件的状态与错误信息
func (dao *DataFileDAO) MarkTaskFiles(ctx context.Context, filesTaskID, state, message string) error {
	result := dao.db.WithContext(ctx).
		Model(&entity.OrderDataFile{}).
		Where("files_task_id = ?", filesTaskID).
		Updates(map[string]interface{}{
			"state":      state,
			"last_error": message,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to mark task files: %w", result.Error)
	}
	return nil
}

// ListFileIDsByTask 某子订单下全部文件的目录系统标识
func (dao *DataFileDAO) ListFileIDsByTask(ctx context.Context, filesTaskID string) ([]string, error) {
	var fileIDs []string
	result := dao.db.WithContext(ctx).
		Model(&entity.OrderDataFile{}).
		Where("files_task_id = ?", filesTaskID).
		Pluck("file_id", &fileIDs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list task file IDs: %w", result.Error)
	}
	return fileIDs, nil
}

// ListErrorFiles 取数据集下 ERROR/DOWNLOAD_ERROR 状态的文件（最多 limit 条）
// 文件条目只记录子订单归属，数据集归属经 files_tasks 关联。
func (dao *DataFileDAO) ListErrorFiles(ctx context.Context, datasetTaskID string, limit int) ([]*entity.OrderDataFile, error) {
	var files []*entity.OrderDataFile
	result := dao.db.WithContext(ctx).
		Model(&entity.OrderDataFile{}).
		Joins("JOIN files_tasks ON files_tasks.id = order_data_files.files_task_id").
		Where("files_tasks.dataset_task_id = ?", datasetTaskID).
		Where("order_data_files.state IN ?", entity.ErrorStates()).
		Limit(limit).
		Find(&files)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list error files: %w", result.Error)
	}
	return files, nil
}

// ResetToPending 将条目重置为 PENDING 并清空错误信息
func (dao *DataFileDAO) ResetToPending(ctx context.Context, entryIDs []string) error {
	if len(entryIDs) == 0 {
		return nil
	}
	result := dao.db.WithContext(ctx).
		Model(&entity.OrderDataFile{}).
		Where("id IN ?", entryIDs).
		Updates(map[string]interface{}{
			"state":      entity.FileStatePending,
			"last_error": "",
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to reset file entries: %w", result.Error)
	}
	return nil
}

// DeleteByOrder 删除某订单下的全部文件条目
func (dao *DataFileDAO) DeleteByOrder(ctx context.Context, orderID string) error {
	result := dao.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Delete(&entity.OrderDataFile{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete file entries: %w", result.Error)
	}
	return nil
}

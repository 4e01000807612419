package mysql

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"dop/fulfill/internal/entity"
)

// OrderDAO 订单数据访问对象
type OrderDAO struct {
	db *gorm.DB
}

// NewOrderDAO 创建 OrderDAO 实例
func NewOrderDAO(db *gorm.DB) *OrderDAO {
	return &OrderDAO{db: db}
}

// Create 创建订单
func (dao *OrderDAO) Create(ctx context.Context, order *entity.Order) error {
	if err := dao.db.WithContext(ctx).Create(order).Error; err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}
	return nil
}

// GetByID 根据订单 ID 获取订单
func (dao *OrderDAO) GetByID(ctx context.Context, orderID string) (*entity.Order, error) {
	var order entity.Order
	result := dao.db.WithContext(ctx).Where("id = ?", orderID).First(&order)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to get order: %w", result.Error)
	}
	return &order, nil
}

// Update 全量保存订单
func (dao *OrderDAO) Update(ctx context.Context, order *entity.Order) error {
	result := dao.db.WithContext(ctx).Save(order)
	if result.Error != nil {
		return fmt.Errorf("failed to update order: %w", result.Error)
	}
	return nil
}

// ListRunning 所有处理中的订单
func (dao *OrderDAO) ListRunning(ctx context.Context) ([]*entity.Order, error) {
	var orders []*entity.Order
	result := dao.db.WithContext(ctx).
		Where("status = ?", entity.OrderStatusRunning).
		Find(&orders)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list running orders: %w", result.Error)
	}
	return orders, nil
}

// ListStale 进度更新时间早于 before 且尚未就此提醒过的 RUNNING 订单
// aside_notified_at 晚于 progress_updated_at 说明当前停滞已经通知过。
func (dao *OrderDAO) ListStale(ctx context.Context, before time.Time) ([]*entity.Order, error) {
	var orders []*entity.Order
	result := dao.db.WithContext(ctx).
		Where("status = ?", entity.OrderStatusRunning).
		Where("progress_updated_at < ?", before).
		Where("aside_notified_at IS NULL OR aside_notified_at < progress_updated_at").
		Find(&orders)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list stale orders: %w", result.Error)
	}
	return orders, nil
}

// ListExpired 过期时间已到且尚未清理的订单
func (dao *OrderDAO) ListExpired(ctx context.Context, now time.Time) ([]*entity.Order, error) {
	var orders []*entity.Order
	result := dao.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at < ?", now).
		Where("status NOT IN ?", []string{entity.OrderStatusExpired, entity.OrderStatusDeleted}).
		Find(&orders)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list expired orders: %w", result.Error)
	}
	return orders, nil
}

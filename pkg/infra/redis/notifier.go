package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"dop/fulfill/internal/notify"
)

// opsChannel 运维告警频道
const opsChannel = "fulfillment:ops"

// Notifier Redis Pub/Sub 通知发射器（实现 notify.Notifier）
type Notifier struct {
	rdb *redis.Client
}

// NewNotifier 创建通知发射器
func NewNotifier(addr, password string, db int) (*Notifier, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Notifier{rdb: rdb}, nil
}

// Publish 向用户专属频道发布通知
func (n *Notifier) Publish(ctx context.Context, owner string, notification *notify.Notification) error {
	payload, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("marshal notification failed: %w", err)
	}

	channel := fmt.Sprintf("fulfillment:notify:%s", owner)
	if err := n.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish notification failed: %w", err)
	}

	return nil
}

// OperatorWarning 发布运维侧告警
func (n *Notifier) OperatorWarning(ctx context.Context, message string) error {
	payload, err := json.Marshal(map[string]string{"warning": message})
	if err != nil {
		return fmt.Errorf("marshal operator warning failed: %w", err)
	}

	if err := n.rdb.Publish(ctx, opsChannel, payload).Err(); err != nil {
		return fmt.Errorf("publish operator warning failed: %w", err)
	}

	return nil
}

// Close 关闭 Redis 连接
func (n *Notifier) Close() error {
	return n.rdb.Close()
}

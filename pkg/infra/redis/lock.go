package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockTimeout 在等待窗口内未能获取锁
var ErrLockTimeout = errors.New("lock wait timed out")

// acquirePollInterval 获取锁的轮询间隔
const acquirePollInterval = 100 * time.Millisecond

// releaseScript 校验持有者后删除（避免释放他人的锁）
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

// LockClient 基于 Redis 的分布式锁（SET NX PX）
// 锁以订单归属用户为 key，保证同一用户的履约/重试不会并发执行。
type LockClient struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewLockClient 创建锁客户端
func NewLockClient(addr, password string, db int, ttl time.Duration) (*LockClient, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &LockClient{rdb: rdb, ttl: ttl}, nil
}

// Acquire 获取锁，在 wait 窗口内轮询；成功返回释放函数
func (c *LockClient) Acquire(ctx context.Context, key string, wait time.Duration) (func(), error) {
	token := uuid.New().String()
	deadline := time.Now().Add(wait)

	for {
		ok, err := c.rdb.SetNX(ctx, key, token, c.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("lock acquire failed: %w", err)
		}
		if ok {
			release := func() {
				// 释放失败不致命，TTL 到期后锁自动消失
				_ = c.rdb.Eval(context.Background(), releaseScript, []string{key}, token).Err()
			}
			return release, nil
		}

		if time.Now().After(deadline) {
			return nil, ErrLockTimeout
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(acquirePollInterval):
		}
	}
}

// Close 关闭 Redis 连接
func (c *LockClient) Close() error {
	return c.rdb.Close()
}

package lmstfy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bitleak/lmstfy/client"
	"github.com/google/uuid"

	"dop/fulfill/internal/entity"
	"dop/fulfill/internal/framework"
)

// deadSuffix 死信队列后缀
const deadSuffix = "_dead"

// Client Lmstfy 客户端封装
// 同时承担两个角色：事件队列的 MessageSource、取回子系统的投递端。
type Client struct {
	cli       *client.LmstfyClient
	namespace string

	// 投递目标队列
	retrievalQueue string
	abortQueue     string
}

// NewClient 创建 Lmstfy 客户端
func NewClient(host string, port int, namespace, token, retrievalQueue, abortQueue string) (*Client, error) {
	cli := client.NewLmstfyClient(host, port, namespace, token)
	return &Client{
		cli:            cli,
		namespace:      namespace,
		retrievalQueue: retrievalQueue,
		abortQueue:     abortQueue,
	}, nil
}

// Consume 消费消息（实现 MessageSource 接口）
func (c *Client) Consume(queue string, timeout time.Duration, ttr time.Duration) (*framework.Message, error) {
	// 将 timeout 转换为秒
	timeoutSec := uint32(timeout.Seconds())
	ttrSec := uint32(ttr.Seconds())

	job, err := c.cli.Consume(queue, ttrSec, timeoutSec)
	if err != nil {
		return nil, fmt.Errorf("lmstfy consume failed: %w", err)
	}

	// 超时未拉到消息
	if job == nil {
		return nil, nil
	}

	msg := &framework.Message{
		ID:    job.ID,
		Queue: job.Queue,
		Data:  job.Data,
		Extra: make(map[string]interface{}),
	}

	return msg, nil
}

// Ack 确认消息（实现 MessageSource 接口）
func (c *Client) Ack(queue string, jobID string) error {
	if err := c.cli.Ack(queue, jobID); err != nil {
		return fmt.Errorf("lmstfy ack failed: %w", err)
	}
	return nil
}

// Requeue 延迟重投消息（Release 语义：重新发布后确认原消息）
func (c *Client) Requeue(queue string, msg *framework.Message, delay time.Duration) error {
	if err := c.Publish(queue, msg.Data, 0, uint32(delay.Seconds())); err != nil {
		return err
	}
	return c.Ack(queue, msg.ID)
}

// Bury 将消息移入死信队列后确认原消息
func (c *Client) Bury(queue string, msg *framework.Message) error {
	if err := c.Publish(queue+deadSuffix, msg.Data, 0, 0); err != nil {
		return err
	}
	return c.Ack(queue, msg.ID)
}

// Publish 发布消息
func (c *Client) Publish(queue string, data []byte, ttl, delay uint32) error {
	_, err := c.cli.Publish(queue, data, ttl, 3, delay)
	if err != nil {
		return fmt.Errorf("lmstfy publish failed: %w", err)
	}
	return nil
}

// RetrievalRequest 取回 Job 投递载荷（取回子系统的输入契约）
type RetrievalRequest struct {
	RequestID     string   `json:"request_id"`
	JobID         string   `json:"job_id"`
	FileIDs       []string `json:"file_ids"`
	Owner         string   `json:"owner"`
	Role          string   `json:"role"`
	DurationHours int      `json:"duration_hours"`
	Priority      int      `json:"priority"`
}

// PublishRetrieval 将已准入的取回 Job 投递给取回子系统
func (c *Client) PublishRetrieval(ctx context.Context, job *entity.RetrievalJob, fileIDs []string, duration time.Duration) error {
	req := &RetrievalRequest{
		RequestID:     uuid.New().String(),
		JobID:         job.ID,
		FileIDs:       fileIDs,
		Owner:         job.Owner,
		Role:          job.Role,
		DurationHours: int(duration.Hours()),
		Priority:      job.Priority,
	}

	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal retrieval request failed: %w", err)
	}

	// ttl=0 永不过期, delay=0 立即可用
	return c.Publish(c.retrievalQueue, data, 0, 0)
}

// AbortRequest 取回 Job 中止请求
type AbortRequest struct {
	JobID string `json:"job_id"`
}

// PublishAbort 请求取回子系统中止 Job（不阻塞等待确认）
func (c *Client) PublishAbort(ctx context.Context, jobID string) error {
	data, err := json.Marshal(&AbortRequest{JobID: jobID})
	if err != nil {
		return fmt.Errorf("marshal abort request failed: %w", err)
	}
	return c.Publish(c.abortQueue, data, 0, 0)
}

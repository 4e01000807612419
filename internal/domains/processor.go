package domains

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bitleak/lmstfy/client"
	"github.com/google/uuid"

	"dop/fulfill/pkg/errorutil"
	"dop/fulfill/pkg/lmstfyx"
	"dop/fulfill/pkg/logger"
)

// 可重试错误的重投延迟
const releaseRetryIn = 30 * time.Second

// GetProcess 返回核心处理函数（注入到 Processor）
func GetProcess(log logger.Logger, svc *Services) lmstfyx.Proc {
	return func(ctx context.Context, lmstfyJob *client.Job) *lmstfyx.JobResp {
		startTime := time.Now()

		// 1. 解析 Job
		meta, raw, err := parseJob(ctx, lmstfyJob, log)
		if err != nil {
			log.Errorf(ctx, "[GetProcess] parseJob failed: %v", err)
			return &lmstfyx.JobResp{
				Action: lmstfyx.JobRespStatusBury,
			}
		}

		// 2. 注入 TraceID 等元信息到 Context
		ctx = context.WithValue(ctx, "trace_id", meta.RequestID)
		ctx = context.WithValue(ctx, "action_type", meta.ActionType)

		log.Infof(ctx, "[GetProcess] Processing job: action_type=%s, request_id=%s, id=%s",
			meta.ActionType, meta.RequestID, meta.ID)

		// 3. 从 HandlerMap 获取 Handler
		handlerFunc, ok := HandlerMap[meta.ActionType]
		if !ok {
			log.Errorf(ctx, "[GetProcess] handler not found for action_type: %s", meta.ActionType)
			return &lmstfyx.JobResp{
				Action: lmstfyx.JobRespStatusBury,
			}
		}

		// 4. 调用 Handler（捕获 panic）
		var resp *lmstfyx.JobResp
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Errorf(ctx, "[GetProcess] handler panic: %v", r)
					resp = &lmstfyx.JobResp{
						Action: lmstfyx.JobRespStatusBury,
					}
				}
			}()

			herr := handlerFunc(ctx, svc, meta, raw)
			resp = doJobReport(ctx, herr, log)
		}()

		// 5. 记录处理时长
		duration := time.Since(startTime)
		log.Infof(ctx, "[GetProcess] Processing complete: action=%d, duration=%v", resp.Action, duration)

		return resp
	}
}

// parseJob 解析 Job
func parseJob(ctx context.Context, lmstfyJob *client.Job, log logger.Logger) (*Meta, json.RawMessage, error) {
	var standardJob Job
	if err := json.Unmarshal(lmstfyJob.Data, &standardJob); err != nil {
		return nil, nil, fmt.Errorf("json unmarshal failed: %w", err)
	}

	if standardJob.Payload == nil || standardJob.Payload.Data == nil {
		return nil, nil, fmt.Errorf("invalid job structure: payload.data is nil")
	}

	data := standardJob.Payload.Data
	meta := &Meta{
		RequestID:  data.RequestID,
		Owner:      data.Owner,
		ActionType: data.ActionType,
		ID:         data.ID,
	}

	// RequestID 为空则生成一个
	if meta.RequestID == "" {
		meta.RequestID = uuid.New().String()
	}

	log.Debugf(ctx, "[parseJob] Parsed: action_type=%s, request_id=%s, id=%s",
		meta.ActionType, meta.RequestID, meta.ID)

	return meta, data.Data, nil
}

// doJobReport 根据 Handler 返回的错误生成 JobResp
// errorutil.Error 按 Retryable 标记处理；普通错误视为基础设施故障，延迟重投。
func doJobReport(ctx context.Context, err error, log logger.Logger) *lmstfyx.JobResp {
	if err == nil {
		return &lmstfyx.JobResp{
			Action: lmstfyx.JobRespStatusSuccess,
		}
	}

	var e *errorutil.Error
	if errors.As(err, &e) {
		if e.Retryable {
			log.Warnf(ctx, "[doJobReport] Retriable failure, releasing: %v", err)
			return &lmstfyx.JobResp{
				Action:  lmstfyx.JobRespStatusRelease,
				RetryIn: releaseRetryIn,
			}
		}
		log.Errorf(ctx, "[doJobReport] Non-retriable failure, burying: %v", err)
		return &lmstfyx.JobResp{
			Action: lmstfyx.JobRespStatusBury,
		}
	}

	log.Warnf(ctx, "[doJobReport] Infrastructure failure, releasing: %v", err)
	return &lmstfyx.JobResp{
		Action:  lmstfyx.JobRespStatusRelease,
		RetryIn: releaseRetryIn,
	}
}

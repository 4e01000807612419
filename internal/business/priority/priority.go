package priority

import (
	"context"
	"fmt"
	"math"
)

// 优先级档位
const (
	// MinUserPriority 普通用户优先级上限（普通用户被限制在 0-80 区间）
	MinUserPriority = 80
	// MaxAdminPriority 提升角色优先级上限（80-100 区间）
	MaxAdminPriority = 100
	// adminBand 提升角色的档位宽度
	adminBand = 20
)

// RoleAdmin 提升角色标识
const RoleAdmin = "admin"

// JobCounter 公平份额计算的数据来源
// "active and future" 指 PENDING/PLANNED/RUNNING 状态的取回 Job。
type JobCounter interface {
	CountActiveAndFutureByOwner(ctx context.Context, owner string) (int64, error)
	CountActiveAndFuture(ctx context.Context) (int64, error)
}

// Calculator 调度优先级计算器
// 用户当前占全系统排队工作量的比例越高，优先级越低；
// 提升角色在更高且更窄的档位内浮动，保证管理类任务先于批量用户任务被调度。
type Calculator struct {
	jobs JobCounter
}

// NewCalculator 创建优先级计算器
func NewCalculator(jobs JobCounter) *Calculator {
	return &Calculator{jobs: jobs}
}

// Compute 计算 0-100 的调度优先级
func (c *Calculator) Compute(ctx context.Context, owner, role string) (int, error) {
	userJobs, err := c.jobs.CountActiveAndFutureByOwner(ctx, owner)
	if err != nil {
		return 0, fmt.Errorf("count user jobs failed: %w", err)
	}
	totalJobs, err := c.jobs.CountActiveAndFuture(ctx)
	if err != nil {
		return 0, fmt.Errorf("count total jobs failed: %w", err)
	}

	rate := 1.0
	if totalJobs > 0 {
		rate = float64(userJobs) / float64(totalJobs)
	}

	return ForRate(rate, role), nil
}

// ForRate 按工作量占比与角色换算优先级
func ForRate(rate float64, role string) int {
	if role == RoleAdmin {
		return MaxAdminPriority - int(math.Floor(adminBand*rate))
	}
	return int(math.Floor(MinUserPriority * (1 - rate)))
}

package priority

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCounter struct {
	byOwner map[string]int64
	total   int64
}

func (f *fakeCounter) CountActiveAndFutureByOwner(ctx context.Context, owner string) (int64, error) {
	return f.byOwner[owner], nil
}

func (f *fakeCounter) CountActiveAndFuture(ctx context.Context) (int64, error) {
	return f.total, nil
}

func TestForRateUserBand(t *testing.T) {
	// 普通用户被限制在 0-80 区间
	assert.Equal(t, MinUserPriority, ForRate(0, "user"))
	assert.Equal(t, 40, ForRate(0.5, "user"))
	assert.Equal(t, 0, ForRate(1.0, "user"))
}

func TestForRateAdminBand(t *testing.T) {
	// 提升角色在 80-100 区间浮动
	assert.Equal(t, MaxAdminPriority, ForRate(0, RoleAdmin))
	assert.Equal(t, 90, ForRate(0.5, RoleAdmin))
	assert.Equal(t, MinUserPriority, ForRate(1.0, RoleAdmin))
}

func TestForRateDecreasesWithWorkloadShare(t *testing.T) {
	// 占比越高优先级越低，两个档位都单调不增
	for _, role := range []string{"user", RoleAdmin} {
		prev := ForRate(0, role)
		for rate := 0.1; rate <= 1.0; rate += 0.1 {
			cur := ForRate(rate, role)
			assert.LessOrEqual(t, cur, prev, "role=%s rate=%f", role, rate)
			prev = cur
		}
	}
}

func TestForRateAdminAlwaysAboveUserFloor(t *testing.T) {
	// 提升角色最忙时也不低于普通用户档位上限
	for rate := 0.0; rate <= 1.0; rate += 0.05 {
		assert.GreaterOrEqual(t, ForRate(rate, RoleAdmin), MinUserPriority)
	}
}

func TestComputeEmptySystem(t *testing.T) {
	// 系统空载时占比视为 1.0：首个订单拿最低档，避免除零
	calc := NewCalculator(&fakeCounter{byOwner: map[string]int64{}, total: 0})

	got, err := calc.Compute(context.Background(), "alice", "user")
	require.NoError(t, err)
	assert.Equal(t, 0, got)

	got, err = calc.Compute(context.Background(), "root", RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, MinUserPriority, got)
}

func TestComputeProportionalShare(t *testing.T) {
	calc := NewCalculator(&fakeCounter{
		byOwner: map[string]int64{"alice": 2, "bob": 8},
		total:   10,
	})

	alice, err := calc.Compute(context.Background(), "alice", "user")
	require.NoError(t, err)
	bob, err := calc.Compute(context.Background(), "bob", "user")
	require.NoError(t, err)

	// 轻载用户的新 Job 排在重载用户之前
	assert.Greater(t, alice, bob)
	assert.InDelta(t, 64, alice, 1)
	assert.InDelta(t, 16, bob, 1)
}

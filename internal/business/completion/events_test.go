package completion

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dop/fulfill/internal/entity"
	"dop/fulfill/pkg/errorutil"
)

// seedRunningOrder 预置一个 RUNNING 订单：单 internal 子订单 + Job + 文件
func seedRunningOrder(m *memStore, orderID, owner, jobID string, fileCount int) {
	order := seedOrder(m, orderID, owner)
	order.Status = entity.OrderStatusRunning

	taskID := "task-" + jobID
	m.tasks[taskID] = &entity.FilesTask{
		ID:        taskID,
		OrderID:   orderID,
		Owner:     owner,
		JobID:     &jobID,
		FileCount: fileCount,
	}
	m.jobs[jobID] = &entity.RetrievalJob{
		ID:          jobID,
		Owner:       owner,
		OrderID:     orderID,
		FilesTaskID: taskID,
		Status:      entity.JobStatusRunning,
	}
	for i := 0; i < fileCount; i++ {
		fid := jobID + "-f" + string(rune('a'+i))
		m.files[fid] = &entity.OrderDataFile{
			ID:          fid,
			OrderID:     orderID,
			FilesTaskID: taskID,
			FileID:      fid,
			ByteSize:    10,
			State:       entity.FileStatePending,
		}
	}
}

func TestOnJobFinishedSuccessCompletesOrder(t *testing.T) {
	m := newMemStore()
	notifier := &fakeNotifier{}
	seedRunningOrder(m, "o1", "alice", "j1", 2)

	o := newTestOrchestrator(m, &fakeResolver{}, notifier, okLocker{})
	require.NoError(t, o.OnJobFinished(context.Background(), "j1", "DONE", ""))

	assert.Equal(t, entity.JobStatusDone, m.jobs["j1"].Status)
	for _, f := range m.files {
		assert.Equal(t, entity.FileStateAvailable, f.State)
	}

	order := m.orders["o1"]
	assert.Equal(t, 100, order.PercentComplete)
	assert.Equal(t, entity.OrderStatusDone, order.Status)
	assert.True(t, order.WaitingForUser)
	assert.Equal(t, 2, order.AvailableFiles)

	// 子订单级 + 订单级通知
	require.Len(t, notifier.notifications, 2)
}

func TestOnJobFinishedFailureMarksErrorAndWarns(t *testing.T) {
	m := newMemStore()
	notifier := &fakeNotifier{}
	seedRunningOrder(m, "o1", "alice", "j1", 2)

	o := newTestOrchestrator(m, &fakeResolver{}, notifier, okLocker{})
	require.NoError(t, o.OnJobFinished(context.Background(), "j1", "FAILED", "staging backend down"))

	assert.Equal(t, entity.JobStatusFailed, m.jobs["j1"].Status)
	for _, f := range m.files {
		assert.Equal(t, entity.FileStateError, f.State)
		assert.Equal(t, "staging backend down", f.LastError)
	}

	// 全部文件有结果（即使是失败）→ 100%，完成但带警告
	order := m.orders["o1"]
	assert.Equal(t, 100, order.PercentComplete)
	assert.Equal(t, entity.OrderStatusDoneWithWarning, order.Status)
}

func TestOnJobFinishedPartialProgress(t *testing.T) {
	m := newMemStore()
	notifier := &fakeNotifier{}
	seedRunningOrder(m, "o1", "alice", "j1", 2)
	seedRunningOrder(m, "o1", "alice", "j2", 2)
	// 两次 seed 共用订单，保留一个实体
	m.orders["o1"].Status = entity.OrderStatusRunning

	o := newTestOrchestrator(m, &fakeResolver{}, notifier, okLocker{})
	require.NoError(t, o.OnJobFinished(context.Background(), "j1", "DONE", ""))

	order := m.orders["o1"]
	// 4 个文件完成 2 个
	assert.Equal(t, 50, order.PercentComplete)
	assert.Equal(t, entity.OrderStatusRunning, order.Status)
	assert.False(t, order.WaitingForUser)
}

func TestOnJobFinishedReleasesQuota(t *testing.T) {
	m := newMemStore()
	notifier := &fakeNotifier{}
	seedRunningOrder(m, "o1", "alice", "j1", 1)

	// 同一用户还有一个等待准入的 Job
	m.jobs["j2"] = &entity.RetrievalJob{
		ID:          "j2",
		Owner:       "alice",
		OrderID:     "o1",
		FilesTaskID: "task-j2",
		Status:      entity.JobStatusPending,
		CreatedAt:   time.Now(),
	}
	m.tasks["task-j2"] = &entity.FilesTask{ID: "task-j2", OrderID: "o1", Owner: "alice"}

	o := newTestOrchestrator(m, &fakeResolver{}, notifier, okLocker{})
	require.NoError(t, o.OnJobFinished(context.Background(), "j1", "DONE", ""))

	// 配额刚释放，等待中的 Job 立即晋升
	assert.Equal(t, entity.JobStatusPlanned, m.jobs["j2"].Status)
	assert.Equal(t, []string{"j2"}, m.retrievals)
}

func TestOnJobFinishedLockContentionIsRetriable(t *testing.T) {
	m := newMemStore()
	seedRunningOrder(m, "o1", "alice", "j1", 1)

	o := newTestOrchestrator(m, &fakeResolver{}, &fakeNotifier{}, busyLocker{})
	err := o.OnJobFinished(context.Background(), "j1", "DONE", "")

	// 锁竞争时事件延后重投，不丢失
	require.Error(t, err)
	assert.True(t, errorutil.IsRetryable(err))
	assert.Equal(t, entity.JobStatusRunning, m.jobs["j1"].Status)
}

func TestOnJobFinishedUnknownJobIsNotRetriable(t *testing.T) {
	m := newMemStore()
	o := newTestOrchestrator(m, &fakeResolver{}, &fakeNotifier{}, okLocker{})

	err := o.OnJobFinished(context.Background(), "missing", "DONE", "")
	require.Error(t, err)
	assert.False(t, errorutil.IsRetryable(err))
}

func TestOnJobFinishedUnknownFinalState(t *testing.T) {
	m := newMemStore()
	seedRunningOrder(m, "o1", "alice", "j1", 1)
	o := newTestOrchestrator(m, &fakeResolver{}, &fakeNotifier{}, okLocker{})

	err := o.OnJobFinished(context.Background(), "j1", "EXPLODED", "")
	require.Error(t, err)
	assert.False(t, errorutil.IsRetryable(err))
}

package retry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dop/fulfill/internal/business/admission"
	"dop/fulfill/internal/business/bucketing"
	"dop/fulfill/internal/business/priority"
	"dop/fulfill/internal/business/suborder"
	"dop/fulfill/internal/entity"
	"dop/fulfill/internal/notify"
	"dop/fulfill/pkg/errorutil"
	"dop/fulfill/pkg/logger"
)

// rstore 内存仓储，充当重试流程涉及的全部 Store 接口的测试替身
type rstore struct {
	orders   map[string]*entity.Order
	datasets []*entity.DatasetTask
	files    map[string]*entity.OrderDataFile
	fileDS   map[string]string // 文件条目 → 数据集任务
	tasks    map[string]*entity.FilesTask
	jobs     map[string]*entity.RetrievalJob

	retrievals []string
}

func newRStore() *rstore {
	return &rstore{
		orders: make(map[string]*entity.Order),
		files:  make(map[string]*entity.OrderDataFile),
		fileDS: make(map[string]string),
		tasks:  make(map[string]*entity.FilesTask),
		jobs:   make(map[string]*entity.RetrievalJob),
	}
}

func (s *rstore) GetByID(ctx context.Context, orderID string) (*entity.Order, error) {
	if o, ok := s.orders[orderID]; ok {
		return o, nil
	}
	return nil, fmt.Errorf("record not found: %s", orderID)
}

func (s *rstore) Update(ctx context.Context, order *entity.Order) error {
	s.orders[order.ID] = order
	return nil
}

func (s *rstore) ListByOrder(ctx context.Context, orderID string) ([]*entity.DatasetTask, error) {
	return s.datasets, nil
}

func (s *rstore) ListErrorFiles(ctx context.Context, datasetTaskID string, limit int) ([]*entity.OrderDataFile, error) {
	var out []*entity.OrderDataFile
	for id, f := range s.files {
		if s.fileDS[id] != datasetTaskID {
			continue
		}
		for _, st := range entity.ErrorStates() {
			if f.State == st {
				out = append(out, f)
				break
			}
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *rstore) ResetToPending(ctx context.Context, entryIDs []string) error {
	for _, id := range entryIDs {
		s.files[id].State = entity.FileStatePending
		s.files[id].LastError = ""
	}
	return nil
}

func (s *rstore) CreateBatch(ctx context.Context, files []*entity.OrderDataFile) error {
	for _, f := range files {
		s.files[f.ID] = f
	}
	return nil
}

func (s *rstore) ReassignToTask(ctx context.Context, entryIDs []string, filesTaskID, state string) error {
	for _, id := range entryIDs {
		s.files[id].FilesTaskID = filesTaskID
		s.files[id].State = state
	}
	return nil
}

func (s *rstore) ListFileIDsByTask(ctx context.Context, filesTaskID string) ([]string, error) {
	var ids []string
	for _, f := range s.files {
		if f.FilesTaskID == filesTaskID {
			ids = append(ids, f.FileID)
		}
	}
	return ids, nil
}

func (s *rstore) MarkTaskFiles(ctx context.Context, filesTaskID, state, message string) error {
	for _, f := range s.files {
		if f.FilesTaskID == filesTaskID {
			f.State = state
			f.LastError = message
		}
	}
	return nil
}

func (s *rstore) CountActiveOrPlannedByOwner(ctx context.Context, owner string) (int64, error) {
	var n int64
	for _, j := range s.jobs {
		if j.Owner == owner && (j.Status == entity.JobStatusPlanned || j.Status == entity.JobStatusRunning) {
			n++
		}
	}
	return n, nil
}

func (s *rstore) CountWaitingForUserByOwner(ctx context.Context, owner string) (int64, error) {
	return 0, nil
}

func (s *rstore) ListPendingByOwner(ctx context.Context, owner string) ([]*entity.RetrievalJob, error) {
	var out []*entity.RetrievalJob
	for _, j := range s.jobs {
		if j.Owner == owner && j.Status == entity.JobStatusPending {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

func (s *rstore) UpdateStatus(ctx context.Context, jobID, status string) error {
	s.jobs[jobID].Status = status
	return nil
}

func (s *rstore) CountActiveAndFutureByOwner(ctx context.Context, owner string) (int64, error) {
	var n int64
	for _, j := range s.jobs {
		if j.Owner == owner && !j.IsFinished() {
			n++
		}
	}
	return n, nil
}

func (s *rstore) CountActiveAndFuture(ctx context.Context) (int64, error) {
	var n int64
	for _, j := range s.jobs {
		if !j.IsFinished() {
			n++
		}
	}
	return n, nil
}

func (s *rstore) PublishRetrieval(ctx context.Context, job *entity.RetrievalJob, fileIDs []string, duration time.Duration) error {
	s.retrievals = append(s.retrievals, job.ID)
	return nil
}

type taskShim struct{ s *rstore }

func (t taskShim) Create(ctx context.Context, task *entity.FilesTask) error {
	t.s.tasks[task.ID] = task
	return nil
}

type jobShim struct{ s *rstore }

func (j jobShim) Create(ctx context.Context, job *entity.RetrievalJob) error {
	j.s.jobs[job.ID] = job
	return nil
}

type nopNotifier struct{}

func (nopNotifier) Publish(ctx context.Context, owner string, n *notify.Notification) error { return nil }
func (nopNotifier) OperatorWarning(ctx context.Context, message string) error               { return nil }

type okLocker struct{}

func (okLocker) Acquire(ctx context.Context, key string, wait time.Duration) (func(), error) {
	return func() {}, nil
}

type busyLocker struct{}

func (busyLocker) Acquire(ctx context.Context, key string, wait time.Duration) (func(), error) {
	return nil, errors.New("lock wait timed out")
}

const testDuration = time.Hour

func newTestEngine(s *rstore, locker Locker) *Engine {
	log := logger.NewNop()
	factory := suborder.NewFactory(taskShim{s}, s, jobShim{s}, nopNotifier{}, testDuration, log)
	prio := priority.NewCalculator(s)
	adm := admission.NewController(s, s, s, s, locker, 2, testDuration, time.Second, log)

	return NewEngine(s, s, s, factory, prio, adm, locker, Config{
		LockWait:         time.Second,
		SubOrderDuration: testDuration,
		Thresholds:       bucketing.Thresholds{MaxFiles: 100, MaxInternalBytes: 1 << 30, MaxExternalBytes: 1 << 30},
		PageSize:         10,
	}, log)
}

// seedFailedOrder 预置一个完成后带失败文件的订单
func seedFailedOrder(s *rstore, errorCount, okCount int) *entity.Order {
	order, _ := entity.NewOrder("o1", "alice", "user")
	order.Status = entity.OrderStatusDoneWithWarning
	order.WaitingForUser = true
	expires := time.Now().Add(48 * time.Hour)
	order.ExpiresAt = &expires
	s.orders["o1"] = order

	dsTask := &entity.DatasetTask{ID: "ds1", OrderID: "o1", Dataset: "ds"}
	s.datasets = append(s.datasets, dsTask)

	oldTask := &entity.FilesTask{ID: "old-task", OrderID: "o1", Owner: "alice"}
	s.tasks[oldTask.ID] = oldTask

	for i := 0; i < errorCount; i++ {
		id := fmt.Sprintf("err-%d", i)
		s.files[id] = &entity.OrderDataFile{
			ID: id, OrderID: "o1", FilesTaskID: oldTask.ID,
			FileID: id, ByteSize: 10, State: entity.FileStateError,
			LastError: "retrieval failed",
		}
		s.fileDS[id] = dsTask.ID
	}
	for i := 0; i < okCount; i++ {
		id := fmt.Sprintf("ok-%d", i)
		s.files[id] = &entity.OrderDataFile{
			ID: id, OrderID: "o1", FilesTaskID: oldTask.ID,
			FileID: id, ByteSize: 10, State: entity.FileStateAvailable,
		}
		s.fileDS[id] = dsTask.ID
	}
	return order
}

func TestRetryRebucketsFailedFiles(t *testing.T) {
	s := newRStore()
	order := seedFailedOrder(s, 2, 1)
	oldExpiry := *order.ExpiresAt

	e := newTestEngine(s, okLocker{})
	require.NoError(t, e.Retry(context.Background(), "o1"))

	// 不新建文件条目：失败条目被重挂到新子订单
	assert.Len(t, s.files, 3)
	var reassigned int
	for _, f := range s.files {
		if f.FilesTaskID != "old-task" {
			reassigned++
			assert.Equal(t, entity.FileStatePending, f.State)
		}
	}
	assert.Equal(t, 2, reassigned)

	// 成功文件不受影响
	assert.Equal(t, entity.FileStateAvailable, s.files["ok-0"].State)

	// 新 Job 创建并立即准入
	require.Len(t, s.retrievals, 1)
	assert.Equal(t, entity.OrderStatusRunning, order.Status)
	assert.False(t, order.WaitingForUser)

	// 过期时间从旧值延长 (1+2)×时长
	require.NotNil(t, order.ExpiresAt)
	assert.WithinDuration(t, oldExpiry.Add(3*testDuration), *order.ExpiresAt, 5*time.Second)
}

func TestRetryCleanOrderIsNoop(t *testing.T) {
	s := newRStore()
	order := seedFailedOrder(s, 0, 3)
	oldExpiry := *order.ExpiresAt
	oldStatus := order.Status

	e := newTestEngine(s, okLocker{})
	require.NoError(t, e.Retry(context.Background(), "o1"))

	// 干净订单上的重复重试不改变任何状态
	assert.Equal(t, oldStatus, order.Status)
	assert.Equal(t, oldExpiry, *order.ExpiresAt)
	assert.Len(t, s.tasks, 1)
	assert.Empty(t, s.jobs)
	assert.Empty(t, s.retrievals)
}

func TestRetryNeverShortensExpiration(t *testing.T) {
	s := newRStore()
	order := seedFailedOrder(s, 1, 0)
	// 过期时间已经很远：重试只能延长
	far := time.Now().Add(30 * 24 * time.Hour)
	order.ExpiresAt = &far

	e := newTestEngine(s, okLocker{})
	require.NoError(t, e.Retry(context.Background(), "o1"))

	assert.True(t, order.ExpiresAt.After(far))
}

func TestRetryExpiredBaseIsNow(t *testing.T) {
	s := newRStore()
	order := seedFailedOrder(s, 1, 0)
	// 过期时间已过：以当前时刻为基准重新起算
	past := time.Now().Add(-time.Hour)
	order.ExpiresAt = &past

	e := newTestEngine(s, okLocker{})
	require.NoError(t, e.Retry(context.Background(), "o1"))

	assert.WithinDuration(t, time.Now().Add(3*testDuration), *order.ExpiresAt, 5*time.Second)
}

func TestRetryTerminalOrderRejected(t *testing.T) {
	s := newRStore()
	order := seedFailedOrder(s, 1, 0)
	order.Status = entity.OrderStatusExpired

	e := newTestEngine(s, okLocker{})
	err := e.Retry(context.Background(), "o1")
	require.Error(t, err)
	assert.False(t, errorutil.IsRetryable(err))
}

func TestRetryLockContentionIsRetriable(t *testing.T) {
	s := newRStore()
	seedFailedOrder(s, 1, 0)

	e := newTestEngine(s, busyLocker{})
	err := e.Retry(context.Background(), "o1")
	require.Error(t, err)
	assert.True(t, errorutil.IsRetryable(err))
}

func TestRetryUnknownOrderRejected(t *testing.T) {
	s := newRStore()
	e := newTestEngine(s, okLocker{})

	err := e.Retry(context.Background(), "missing")
	require.Error(t, err)
	assert.False(t, errorutil.IsRetryable(err))
}

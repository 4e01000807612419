package sweep

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dop/fulfill/internal/entity"
	"dop/fulfill/internal/notify"
	"dop/fulfill/pkg/logger"
)

// sstore 内存仓储，充当扫描涉及的全部 Store 接口的测试替身
type sstore struct {
	orders map[string]*entity.Order
	files  map[string]*entity.OrderDataFile
	tasks  map[string]*entity.FilesTask
	jobs   map[string]*entity.RetrievalJob

	aborted []string
}

func newSStore() *sstore {
	return &sstore{
		orders: make(map[string]*entity.Order),
		files:  make(map[string]*entity.OrderDataFile),
		tasks:  make(map[string]*entity.FilesTask),
		jobs:   make(map[string]*entity.RetrievalJob),
	}
}

func (s *sstore) ListRunning(ctx context.Context) ([]*entity.Order, error) {
	var out []*entity.Order
	for _, o := range s.orders {
		if o.Status == entity.OrderStatusRunning {
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *sstore) ListStale(ctx context.Context, before time.Time) ([]*entity.Order, error) {
	var out []*entity.Order
	for _, o := range s.orders {
		if o.Status != entity.OrderStatusRunning || !o.ProgressUpdatedAt.Before(before) {
			continue
		}
		if o.AsideNotifiedAt != nil && o.AsideNotifiedAt.After(o.ProgressUpdatedAt) {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

func (s *sstore) ListExpired(ctx context.Context, now time.Time) ([]*entity.Order, error) {
	var out []*entity.Order
	for _, o := range s.orders {
		if o.IsExpired(now) && !o.IsTerminal() {
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *sstore) Update(ctx context.Context, order *entity.Order) error {
	s.orders[order.ID] = order
	return nil
}

func (s *sstore) CountByOrder(ctx context.Context, orderID string) (int64, error) {
	var n int64
	for _, f := range s.files {
		if f.OrderID == orderID {
			n++
		}
	}
	return n, nil
}

func (s *sstore) CountByOrderAndStates(ctx context.Context, orderID string, states []string) (int64, error) {
	var n int64
	for _, f := range s.files {
		if f.OrderID != orderID {
			continue
		}
		for _, st := range states {
			if f.State == st {
				n++
				break
			}
		}
	}
	return n, nil
}

func (s *sstore) DeleteByOrder(ctx context.Context, orderID string) error {
	for id, f := range s.files {
		if f.OrderID == orderID {
			delete(s.files, id)
		}
	}
	return nil
}

// taskStore / datasetStore 拆出来避免 DeleteByOrder 同名冲突
type taskStore struct{ s *sstore }

func (t taskStore) ListByOrder(ctx context.Context, orderID string) ([]*entity.FilesTask, error) {
	var out []*entity.FilesTask
	for _, task := range t.s.tasks {
		if task.OrderID == orderID {
			out = append(out, task)
		}
	}
	return out, nil
}

func (t taskStore) CountByOrder(ctx context.Context, orderID string) (int64, error) {
	tasks, _ := t.ListByOrder(ctx, orderID)
	return int64(len(tasks)), nil
}

func (t taskStore) DeleteByOrder(ctx context.Context, orderID string) error {
	for id, task := range t.s.tasks {
		if task.OrderID == orderID {
			delete(t.s.tasks, id)
		}
	}
	return nil
}

type datasetStore struct{ deleted []string }

func (d *datasetStore) DeleteByOrder(ctx context.Context, orderID string) error {
	d.deleted = append(d.deleted, orderID)
	return nil
}

func (s *sstore) GetByID(ctx context.Context, orderID string) (*entity.Order, error) {
	if o, ok := s.orders[orderID]; ok {
		return o, nil
	}
	return nil, fmt.Errorf("record not found: %s", orderID)
}

// jobStore 拆出来避免与订单侧 GetByID 同名冲突
type jobStore struct{ s *sstore }

func (j jobStore) GetByID(ctx context.Context, jobID string) (*entity.RetrievalJob, error) {
	if job, ok := j.s.jobs[jobID]; ok {
		return job, nil
	}
	return nil, fmt.Errorf("record not found: %s", jobID)
}

func (j jobStore) ListActiveByOrder(ctx context.Context, orderID string) ([]*entity.RetrievalJob, error) {
	var out []*entity.RetrievalJob
	for _, job := range j.s.jobs {
		if job.OrderID == orderID && !job.IsFinished() {
			out = append(out, job)
		}
	}
	return out, nil
}

func (j jobStore) UpdateStatus(ctx context.Context, jobID, status string) error {
	j.s.jobs[jobID].Status = status
	return nil
}

func (s *sstore) PublishAbort(ctx context.Context, jobID string) error {
	s.aborted = append(s.aborted, jobID)
	return nil
}

type fakeNotifier struct {
	notifications []*notify.Notification
	owners        []string
	warnings      []string
}

func (n *fakeNotifier) Publish(ctx context.Context, owner string, notification *notify.Notification) error {
	n.notifications = append(n.notifications, notification)
	n.owners = append(n.owners, owner)
	return nil
}

func (n *fakeNotifier) OperatorWarning(ctx context.Context, message string) error {
	n.warnings = append(n.warnings, message)
	return nil
}

type okLocker struct{}

func (okLocker) Acquire(ctx context.Context, key string, wait time.Duration) (func(), error) {
	return func() {}, nil
}

type busyLocker struct{}

func (busyLocker) Acquire(ctx context.Context, key string, wait time.Duration) (func(), error) {
	return nil, errors.New("lock wait timed out")
}

type fakeAdmission struct{ owners []string }

func (a *fakeAdmission) Recompute(ctx context.Context, owner string) error {
	a.owners = append(a.owners, owner)
	return nil
}

func newTestSweep(s *sstore, datasets *datasetStore, notifier *fakeNotifier, adm *fakeAdmission, locker Locker) *Sweep {
	return NewSweep(s, s, taskStore{s}, datasets, jobStore{s}, adm, s, locker, notifier, Config{
		AsideNotificationDelay: 72 * time.Hour,
		LockWait:               time.Second,
		AbortPollRetries:       2,
		AbortPollInterval:      time.Millisecond,
	}, logger.NewNop())
}

func seedOrder(s *sstore, id, owner, status string) *entity.Order {
	order, _ := entity.NewOrder(id, owner, "user")
	order.Status = status
	s.orders[id] = order
	return order
}

func addFile(s *sstore, orderID, fileID, state string) {
	s.files[fileID] = &entity.OrderDataFile{
		ID: fileID, OrderID: orderID, FileID: fileID, ByteSize: 10, State: state,
	}
}

func TestSweepRefreshesProgress(t *testing.T) {
	s := newSStore()
	order := seedOrder(s, "o1", "alice", entity.OrderStatusRunning)
	addFile(s, "o1", "f1", entity.FileStateAvailable)
	addFile(s, "o1", "f2", entity.FileStatePending)

	notifier := &fakeNotifier{}
	sw := newTestSweep(s, &datasetStore{}, notifier, &fakeAdmission{}, okLocker{})
	require.NoError(t, sw.Run(context.Background()))

	assert.Equal(t, 50, order.PercentComplete)
	assert.Equal(t, 1, order.AvailableFiles)
	assert.Equal(t, entity.OrderStatusRunning, order.Status)
	assert.Empty(t, notifier.notifications)
}

func TestSweepDerivesTerminalStatusAtFullProgress(t *testing.T) {
	s := newSStore()
	order := seedOrder(s, "o1", "alice", entity.OrderStatusRunning)
	s.tasks["t1"] = &entity.FilesTask{ID: "t1", OrderID: "o1"}
	addFile(s, "o1", "f1", entity.FileStateAvailable)
	addFile(s, "o1", "f2", entity.FileStateError)

	notifier := &fakeNotifier{}
	sw := newTestSweep(s, &datasetStore{}, notifier, &fakeAdmission{}, okLocker{})
	require.NoError(t, sw.Run(context.Background()))

	// 全部文件有结果，其中有失败 → 完成但带警告
	assert.Equal(t, 100, order.PercentComplete)
	assert.Equal(t, entity.OrderStatusDoneWithWarning, order.Status)
	assert.True(t, order.WaitingForUser)
	require.Len(t, notifier.notifications, 1)
	assert.Equal(t, entity.OrderStatusDoneWithWarning, notifier.notifications[0].Status)
}

func TestSweepAsideNotificationGroupedPerOwner(t *testing.T) {
	s := newSStore()
	stale := time.Now().Add(-100 * time.Hour)
	for _, id := range []string{"o1", "o2"} {
		o := seedOrder(s, id, "alice", entity.OrderStatusRunning)
		o.ProgressUpdatedAt = stale
		addFile(s, id, id+"-f", entity.FileStatePending)
	}
	o3 := seedOrder(s, "o3", "bob", entity.OrderStatusRunning)
	o3.ProgressUpdatedAt = stale
	addFile(s, "o3", "o3-f", entity.FileStatePending)

	notifier := &fakeNotifier{}
	sw := newTestSweep(s, &datasetStore{}, notifier, &fakeAdmission{}, okLocker{})
	require.NoError(t, sw.Run(context.Background()))

	// 每个用户一条聚合提醒，不随订单数膨胀
	require.Len(t, notifier.notifications, 2)
	assert.ElementsMatch(t, []string{"alice", "bob"}, notifier.owners)

	// 时间戳落库，下一轮不再重复提醒
	for _, id := range []string{"o1", "o2", "o3"} {
		require.NotNil(t, s.orders[id].AsideNotifiedAt)
	}
	notifier.notifications = nil
	require.NoError(t, sw.Run(context.Background()))
	assert.Empty(t, notifier.notifications)
}

func TestSweepExpiresOrderAndPurges(t *testing.T) {
	s := newSStore()
	order := seedOrder(s, "o1", "alice", entity.OrderStatusDone)
	past := time.Now().Add(-time.Hour)
	order.ExpiresAt = &past
	order.WaitingForUser = true

	jobID := "j1"
	s.tasks["t1"] = &entity.FilesTask{ID: "t1", OrderID: "o1", JobID: &jobID}
	s.jobs[jobID] = &entity.RetrievalJob{ID: jobID, OrderID: "o1", Status: entity.JobStatusDone}
	addFile(s, "o1", "f1", entity.FileStateAvailable)

	datasets := &datasetStore{}
	notifier := &fakeNotifier{}
	adm := &fakeAdmission{}
	sw := newTestSweep(s, datasets, notifier, adm, okLocker{})
	require.NoError(t, sw.Run(context.Background()))

	assert.Equal(t, entity.OrderStatusExpired, order.Status)
	assert.False(t, order.WaitingForUser)
	assert.Empty(t, s.files)
	assert.Empty(t, s.tasks)
	assert.Equal(t, []string{"o1"}, datasets.deleted)
	// Job 已结束，无需投递中止请求
	assert.Empty(t, s.aborted)
	require.Len(t, notifier.notifications, 1)
	assert.Equal(t, entity.OrderStatusExpired, notifier.notifications[0].Status)
	// 配额释放后重算该用户的准入
	assert.Equal(t, []string{"alice"}, adm.owners)
}

func TestSweepForcedExpirationAfterBoundedWait(t *testing.T) {
	s := newSStore()
	order := seedOrder(s, "o1", "alice", entity.OrderStatusRunning)
	past := time.Now().Add(-time.Hour)
	order.ExpiresAt = &past

	jobID := "j1"
	s.tasks["t1"] = &entity.FilesTask{ID: "t1", OrderID: "o1", JobID: &jobID}
	// Job 始终 RUNNING：取回子系统没有响应中止请求
	s.jobs[jobID] = &entity.RetrievalJob{ID: jobID, OrderID: "o1", Owner: "alice", Status: entity.JobStatusRunning}
	addFile(s, "o1", "f1", entity.FileStatePending)

	notifier := &fakeNotifier{}
	sw := newTestSweep(s, &datasetStore{}, notifier, &fakeAdmission{}, okLocker{})
	require.NoError(t, sw.Run(context.Background()))

	// 有界等待耗尽后强制推进：Job 本地置 ABORTED，清理照常执行
	assert.Equal(t, []string{jobID}, s.aborted)
	assert.Equal(t, entity.JobStatusAborted, s.jobs[jobID].Status)
	assert.Equal(t, entity.OrderStatusExpired, order.Status)
	assert.Empty(t, s.files)
}

func TestSweepPostponesExpirationWhenOwnerBusy(t *testing.T) {
	s := newSStore()
	order := seedOrder(s, "o1", "alice", entity.OrderStatusDone)
	past := time.Now().Add(-time.Hour)
	order.ExpiresAt = &past
	addFile(s, "o1", "f1", entity.FileStateAvailable)

	adm := &fakeAdmission{}
	sw := newTestSweep(s, &datasetStore{}, &fakeNotifier{}, adm, busyLocker{})
	require.NoError(t, sw.Run(context.Background()))

	// 锁被占用：本轮跳过，订单保持原样等待下一轮
	assert.Equal(t, entity.OrderStatusDone, order.Status)
	assert.Len(t, s.files, 1)
	assert.Empty(t, adm.owners)
}

func TestSweepRefreshSkipsBusyOwner(t *testing.T) {
	s := newSStore()
	order := seedOrder(s, "o1", "alice", entity.OrderStatusRunning)
	addFile(s, "o1", "f1", entity.FileStateAvailable)

	sw := newTestSweep(s, &datasetStore{}, &fakeNotifier{}, &fakeAdmission{}, busyLocker{})
	require.NoError(t, sw.Run(context.Background()))

	// 该用户的完成事件正在处理：本轮不动进度，下一轮再算
	assert.Equal(t, 0, order.PercentComplete)
	assert.Equal(t, entity.OrderStatusRunning, order.Status)
}

func TestSweepRefreshSkipsOrderThatLeftRunning(t *testing.T) {
	s := newSStore()
	order := seedOrder(s, "o1", "alice", entity.OrderStatusRunning)
	addFile(s, "o1", "f1", entity.FileStateAvailable)

	// 列出后、取到锁前订单被并发置为 PAUSED：锁内重读后放弃本次重算
	pausingLocker := lockHook{fn: func() {
		order.Status = entity.OrderStatusPaused
	}}
	sw := newTestSweep(s, &datasetStore{}, &fakeNotifier{}, &fakeAdmission{}, pausingLocker)
	require.NoError(t, sw.Run(context.Background()))

	assert.Equal(t, 0, order.PercentComplete)
	assert.Equal(t, entity.OrderStatusPaused, order.Status)
}

// lockHook 获取锁时执行回调，模拟锁竞争窗口内的并发写
type lockHook struct{ fn func() }

func (l lockHook) Acquire(ctx context.Context, key string, wait time.Duration) (func(), error) {
	l.fn()
	return func() {}, nil
}

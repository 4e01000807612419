package domains

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/bitleak/lmstfy/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dop/fulfill/pkg/errorutil"
	"dop/fulfill/pkg/lmstfyx"
	"dop/fulfill/pkg/logger"
)

func testLogger() logger.Logger { return logger.NewNop() }

// registerHandler 注册临时 Handler，测试结束后清理
func registerHandler(t *testing.T, actionType string, fn HandlerFunc) {
	t.Helper()
	HandlerMap[actionType] = fn
	t.Cleanup(func() { delete(HandlerMap, actionType) })
}

func envelope(t *testing.T, actionType, id string, data interface{}) *client.Job {
	t.Helper()
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		require.NoError(t, err)
		raw = b
	}
	b, err := json.Marshal(&Job{Payload: &JobPayload{Data: &JobPayloadData{
		Owner:      "alice",
		ActionType: actionType,
		ID:         id,
		Data:       raw,
	}}})
	require.NoError(t, err)
	return &client.Job{Data: b}
}

func TestProcessMalformedJobIsBuried(t *testing.T) {
	proc := GetProcess(testLogger(), &Services{})

	resp := proc(context.Background(), &client.Job{Data: []byte("{not json")})
	assert.Equal(t, lmstfyx.JobRespStatusBury, resp.Action)
}

func TestProcessMissingPayloadIsBuried(t *testing.T) {
	proc := GetProcess(testLogger(), &Services{})

	resp := proc(context.Background(), &client.Job{Data: []byte(`{"payload":{}}`)})
	assert.Equal(t, lmstfyx.JobRespStatusBury, resp.Action)
}

func TestProcessUnknownActionIsBuried(t *testing.T) {
	proc := GetProcess(testLogger(), &Services{})

	resp := proc(context.Background(), envelope(t, "no_such_action", "o1", nil))
	assert.Equal(t, lmstfyx.JobRespStatusBury, resp.Action)
}

func TestProcessRoutesToHandler(t *testing.T) {
	var gotMeta *Meta
	var gotRaw json.RawMessage
	registerHandler(t, "test_echo", func(ctx context.Context, svc *Services, meta *Meta, raw json.RawMessage) error {
		gotMeta = meta
		gotRaw = raw
		return nil
	})

	proc := GetProcess(testLogger(), &Services{})
	resp := proc(context.Background(), envelope(t, "test_echo", "o1", map[string]string{"order_id": "o1"}))

	assert.Equal(t, lmstfyx.JobRespStatusSuccess, resp.Action)
	require.NotNil(t, gotMeta)
	assert.Equal(t, "alice", gotMeta.Owner)
	assert.Equal(t, "o1", gotMeta.ID)
	// RequestID 缺省时自动生成
	assert.NotEmpty(t, gotMeta.RequestID)
	assert.JSONEq(t, `{"order_id":"o1"}`, string(gotRaw))
}

func TestProcessRetriableErrorIsReleased(t *testing.T) {
	registerHandler(t, "test_retriable", func(ctx context.Context, svc *Services, meta *Meta, raw json.RawMessage) error {
		return errorutil.Retriable("lock wait timed out")
	})

	proc := GetProcess(testLogger(), &Services{})
	resp := proc(context.Background(), envelope(t, "test_retriable", "o1", nil))

	assert.Equal(t, lmstfyx.JobRespStatusRelease, resp.Action)
	assert.Equal(t, releaseRetryIn, resp.RetryIn)
}

func TestProcessNonRetriableErrorIsBuried(t *testing.T) {
	registerHandler(t, "test_fatal", func(ctx context.Context, svc *Services, meta *Meta, raw json.RawMessage) error {
		return errorutil.NonRetriable("order is terminal")
	})

	proc := GetProcess(testLogger(), &Services{})
	resp := proc(context.Background(), envelope(t, "test_fatal", "o1", nil))

	assert.Equal(t, lmstfyx.JobRespStatusBury, resp.Action)
}

func TestProcessPlainErrorIsReleased(t *testing.T) {
	// 未分类错误按基础设施故障处理：延迟重投而不是丢弃
	registerHandler(t, "test_plain", func(ctx context.Context, svc *Services, meta *Meta, raw json.RawMessage) error {
		return fmt.Errorf("dial tcp: %w", errors.New("connection refused"))
	})

	proc := GetProcess(testLogger(), &Services{})
	resp := proc(context.Background(), envelope(t, "test_plain", "o1", nil))

	assert.Equal(t, lmstfyx.JobRespStatusRelease, resp.Action)
	assert.Equal(t, releaseRetryIn, resp.RetryIn)
}

func TestProcessHandlerPanicIsBuried(t *testing.T) {
	registerHandler(t, "test_panic", func(ctx context.Context, svc *Services, meta *Meta, raw json.RawMessage) error {
		panic("nil map write")
	})

	proc := GetProcess(testLogger(), &Services{})
	resp := proc(context.Background(), envelope(t, "test_panic", "o1", nil))

	assert.Equal(t, lmstfyx.JobRespStatusBury, resp.Action)
}

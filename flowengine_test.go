package flowengine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/flowengine/config"
	"github.com/BaSui01/flowengine/internal/channel"
	"github.com/BaSui01/flowengine/testutil/fixtures"
	"github.com/BaSui01/flowengine/workflow/callback"
	"github.com/BaSui01/flowengine/workflow/event"
	"github.com/BaSui01/flowengine/workflow/snapshot"
)

// =============================================================================
// 🧰 测试辅助
// =============================================================================

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Metrics.Namespace = "test"
	return cfg
}

func newTestRuntime(t *testing.T, cfg *config.Config, opts ...Option) (*Runtime, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	opts = append([]Option{WithLogger(zap.NewNop()), WithRegisterer(reg)}, opts...)
	rt, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close(context.Background()) })
	return rt, reg
}

func linearDSL(t *testing.T, updatedAt int64) []byte {
	t.Helper()
	wf := fixtures.Linear()
	wf.UpdatedAt = updatedAt
	data, err := json.Marshal(wf)
	require.NoError(t, err)
	return data
}

// =============================================================================
// 🚀 New
// =============================================================================

func TestNew_Defaults(t *testing.T) {
	rt, _ := newTestRuntime(t, testConfig())

	assert.NotNil(t, rt.Logger())
	assert.NotNil(t, rt.Collector())
	assert.NotNil(t, rt.Factory())
	assert.IsType(t, &event.MemoryRegistry{}, rt.Registry())
	assert.IsType(t, &snapshot.MemoryStore{}, rt.store)
	assert.Equal(t, "memory", rt.Config().Engine.SnapshotStore)
}

func TestNew_NilConfigUsesDefaults(t *testing.T) {
	rt, err := New(nil, WithLogger(zap.NewNop()), WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	defer rt.Close(context.Background())

	assert.Equal(t, config.DefaultConfig().Engine, rt.Config().Engine)
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Engine.SnapshotStore = "tape"

	_, err := New(cfg, WithLogger(zap.NewNop()))
	assert.ErrorContains(t, err, "snapshot_store")
}

func TestNew_MetricsDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Metrics.Enabled = false

	rt, _ := newTestRuntime(t, cfg)
	assert.Nil(t, rt.Collector())
}

func TestNew_StoreNone(t *testing.T) {
	cfg := testConfig()
	cfg.Engine.SnapshotStore = "none"

	rt, _ := newTestRuntime(t, cfg)
	assert.Nil(t, rt.store)
}

func TestNew_Overrides(t *testing.T) {
	reg := event.NewMemoryRegistry()
	store := snapshot.NewMemoryStore()

	rt, _ := newTestRuntime(t, testConfig(), WithEventRegistry(reg), WithSnapshotStore(store))
	assert.Same(t, reg, rt.Registry())
	assert.Same(t, store, rt.store)

	rt, _ = newTestRuntime(t, testConfig(), WithSnapshotStore(nil))
	assert.Nil(t, rt.store)
}

func TestNew_Redis(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := testConfig()
	cfg.Redis.Enabled = true
	cfg.Redis.Addr = mr.Addr()
	cfg.Engine.SnapshotStore = "redis"

	rt, _ := newTestRuntime(t, cfg)
	assert.IsType(t, &event.RedisRegistry{}, rt.Registry())
	assert.IsType(t, &snapshot.RedisStore{}, rt.store)

	res, err := rt.Run(context.Background(), Request{
		FlowID: "linear",
		DSL:    linearDSL(t, 42),
		Inputs: map[string]any{"input": "via redis"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "via redis", res.Outputs["output"])

	snap, err := rt.store.Get(context.Background(), "linear")
	require.NoError(t, err)
	assert.Equal(t, int64(42), snap.BuildTimestamp)
}

func TestNew_RedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := testConfig()
	cfg.Redis.Enabled = true
	cfg.Redis.Addr = addr

	_, err := New(cfg, WithLogger(zap.NewNop()), WithRegisterer(prometheus.NewRegistry()))
	assert.Error(t, err)
}

func TestNew_DatabaseStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flows.db")

	// 表结构由 migrate 子命令创建，这里直接建表
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&snapshot.Record{}))
	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	cfg := testConfig()
	cfg.Engine.SnapshotStore = "database"
	cfg.Database.Name = path

	rt, reg := newTestRuntime(t, cfg)
	assert.IsType(t, &snapshot.GormStore{}, rt.store)

	_, err = rt.Run(context.Background(), Request{
		FlowID: "linear",
		DSL:    linearDSL(t, 7),
		Inputs: map[string]any{"input": "x"},
	}, nil)
	require.NoError(t, err)

	snap, err := rt.store.Get(context.Background(), "linear")
	require.NoError(t, err)
	assert.Equal(t, int64(7), snap.BuildTimestamp)

	n, err := testutil.GatherAndCount(reg, "test_db_query_duration_seconds")
	require.NoError(t, err)
	assert.Positive(t, n)
}

// =============================================================================
// 🏃 Start / Run
// =============================================================================

func TestRuntime_StartRecvWait(t *testing.T) {
	rt, _ := newTestRuntime(t, testConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	x, err := rt.Start(ctx, Request{
		FlowID: "linear",
		DSL:    linearDSL(t, 0),
		Inputs: map[string]any{"input": "hello"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, x.RunID)
	assert.NotEmpty(t, x.EventID)
	assert.Equal(t, "linear", x.FlowID)

	var frames []*callback.Frame
	for {
		f, err := x.Recv(ctx)
		if errors.Is(err, channel.ErrClosed) {
			break
		}
		require.NoError(t, err)
		frames = append(frames, f)
	}
	require.NotEmpty(t, frames)
	for _, f := range frames {
		assert.Equal(t, x.RunID, f.ID)
	}
	last := frames[len(frames)-1]
	assert.Equal(t, callback.WorkflowNodeID, last.NodeID())
	assert.Equal(t, callback.FlowFinishReason, last.FinishReason())

	res, err := x.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Outputs["output"])

	ev, err := rt.Registry().Get(ctx, x.EventID)
	require.NoError(t, err)
	assert.Equal(t, event.StatusFinished, ev.Status)
	assert.Equal(t, rt.Config().Engine.EventTimeout, ev.Timeout)
}

func TestRuntime_RunKeepsEventID(t *testing.T) {
	rt, _ := newTestRuntime(t, testConfig())

	var count int
	res, err := rt.Run(context.Background(), Request{
		FlowID:  "linear",
		DSL:     linearDSL(t, 0),
		Inputs:  map[string]any{"input": "hi"},
		EventID: "event-fixed",
	}, func(*callback.Frame) error {
		count++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "hi", res.Outputs["output"])
	assert.Positive(t, count)

	ev, err := rt.Registry().Get(context.Background(), "event-fixed")
	require.NoError(t, err)
	assert.Equal(t, "linear", ev.FlowID)
}

func TestRuntime_RunStopsOnFrameError(t *testing.T) {
	rt, _ := newTestRuntime(t, testConfig())

	_, err := rt.Run(context.Background(), Request{
		FlowID: "linear",
		DSL:    linearDSL(t, 0),
		Inputs: map[string]any{"input": "hi"},
	}, func(*callback.Frame) error { return assert.AnError })
	assert.ErrorIs(t, err, assert.AnError)
}

func TestRuntime_StartInvalidDSL(t *testing.T) {
	rt, _ := newTestRuntime(t, testConfig())

	_, err := rt.Start(context.Background(), Request{FlowID: "bad", DSL: []byte("{nodes: [")})
	assert.Error(t, err)
}

func TestRuntime_StartFailsRun(t *testing.T) {
	rt, _ := newTestRuntime(t, testConfig())

	// 缺少必填输入
	res, err := rt.Run(context.Background(), Request{FlowID: "linear", DSL: linearDSL(t, 0)}, nil)
	assert.Error(t, err)
	if res != nil {
		assert.NotNil(t, res.Error)
	}
}

func TestRuntime_ResumeUnknownEvent(t *testing.T) {
	rt, _ := newTestRuntime(t, testConfig())

	err := rt.Resume(context.Background(), "missing", event.ResumeData{EventType: "resume", Content: "x"})
	assert.Error(t, err)
}

func TestExecution_WaitHonorsContext(t *testing.T) {
	x := &Execution{done: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := x.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

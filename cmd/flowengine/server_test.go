package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/flowengine"
	"github.com/BaSui01/flowengine/config"
	"github.com/BaSui01/flowengine/testutil/fixtures"
	"github.com/BaSui01/flowengine/workflow/callback"
)

// =============================================================================
// 🧰 测试辅助
// =============================================================================

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Metrics.Namespace = "test"

	reg := prometheus.NewRegistry()
	rt, err := flowengine.New(cfg, flowengine.WithLogger(zap.NewNop()), flowengine.WithRegisterer(reg))
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close(context.Background()) })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	srv := httptest.NewServer(NewServer(rt, reg).Handler(ctx))
	t.Cleanup(srv.Close)
	return srv
}

func linearJSON(t *testing.T) []byte {
	t.Helper()
	data, err := json.Marshal(fixtures.Linear())
	require.NoError(t, err)
	return data
}

func dialRun(t *testing.T, srv *httptest.Server) (*websocket.Conn, context.Context) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/run", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })
	return conn, ctx
}

// readFrames 读取直到服务端关闭连接，返回帧与关闭状态
func readFrames(t *testing.T, ctx context.Context, conn *websocket.Conn) ([]*callback.Frame, websocket.StatusCode) {
	t.Helper()
	var frames []*callback.Frame
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return frames, websocket.CloseStatus(err)
		}
		var f callback.Frame
		require.NoError(t, json.Unmarshal(data, &f))
		frames = append(frames, &f)
	}
}

// =============================================================================
// 🏥 基础端点
// =============================================================================

func TestServer_Health(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestServer_Version(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/version")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, Version, body["version"])
}

func TestServer_Metrics(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "test_http_requests_total")
}

// =============================================================================
// 🏃 /v1/run
// =============================================================================

func TestServer_RunStreamsFrames(t *testing.T) {
	srv := newTestServer(t)
	conn, ctx := dialRun(t, srv)

	msg, err := json.Marshal(map[string]any{
		"flow_id": "linear",
		"dsl":     json.RawMessage(linearJSON(t)),
		"inputs":  map[string]any{"input": "over the wire"},
	})
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, msg))

	frames, status := readFrames(t, ctx, conn)
	assert.Equal(t, websocket.StatusNormalClosure, status)
	require.NotEmpty(t, frames)

	last := frames[len(frames)-1]
	assert.Equal(t, callback.WorkflowNodeID, last.NodeID())
	assert.Equal(t, callback.FlowFinishReason, last.FinishReason())
	assert.Equal(t, 0, last.Code)
}

func TestServer_RunInvalidMessage(t *testing.T) {
	srv := newTestServer(t)
	conn, ctx := dialRun(t, srv)

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("not json")))

	frames, status := readFrames(t, ctx, conn)
	assert.Empty(t, frames)
	assert.Equal(t, websocket.StatusUnsupportedData, status)
}

func TestServer_RunBuildError(t *testing.T) {
	srv := newTestServer(t)
	conn, ctx := dialRun(t, srv)

	msg, err := json.Marshal(map[string]any{
		"flow_id": "broken",
		"dsl":     map[string]any{"id": "broken", "nodes": []any{}, "edges": []any{}},
	})
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, msg))

	frames, status := readFrames(t, ctx, conn)
	assert.Empty(t, frames)
	assert.Equal(t, websocket.StatusInternalError, status)
}

// =============================================================================
// ⏯️ /v1/resume
// =============================================================================

func TestServer_Resume(t *testing.T) {
	srv := newTestServer(t)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"bad body", "{", http.StatusBadRequest},
		{"missing event id", `{"content":"x"}`, http.StatusBadRequest},
		{"unknown event", `{"event_id":"nope","event_type":"resume","content":"x"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(srv.URL+"/v1/resume", "application/json", strings.NewReader(tt.body))
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestServer_ResumeWrongMethod(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/v1/resume")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

// =============================================================================
// 🎯 命令分发
// =============================================================================

func TestDispatch_Version(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, dispatch(context.Background(), []string{"version"}, &out))
	assert.Contains(t, out.String(), "flowengine dev")
}

func TestDispatch_Unknown(t *testing.T) {
	var out bytes.Buffer
	assert.ErrorContains(t, dispatch(context.Background(), []string{"fly"}, &out), "unknown command")
	assert.Contains(t, out.String(), "Usage:")

	assert.Error(t, dispatch(context.Background(), nil, &out))
}

func TestDispatch_MigrateArgs(t *testing.T) {
	var out bytes.Buffer
	ctx := context.Background()

	assert.Error(t, dispatch(ctx, []string{"migrate"}, &out))
	assert.ErrorContains(t, dispatch(ctx, []string{"migrate", "sideways"}, &out), "unknown migrate subcommand")
	assert.ErrorContains(t, dispatch(ctx, []string{"migrate", "steps"}, &out), "step count")
	assert.ErrorContains(t, dispatch(ctx, []string{"migrate", "steps", "0"}, &out), "invalid step count")
	assert.NoError(t, dispatch(ctx, []string{"migrate", "help"}, &out))
}

func TestDispatch_MigrateSQLite(t *testing.T) {
	if testing.Short() {
		t.Skip("sqlite3 migration driver requires cgo")
	}
	path := filepath.Join(t.TempDir(), "flows.db")
	url := "file:" + path + "?mode=rwc"
	ctx := context.Background()

	var out bytes.Buffer
	require.NoError(t, dispatch(ctx, []string{"migrate", "up", "--db-type", "sqlite", "--db-url", url}, &out))
	assert.Contains(t, out.String(), "Current version: 1")

	out.Reset()
	require.NoError(t, dispatch(ctx, []string{"migrate", "steps", "-1", "--db-type", "sqlite", "--db-url", url}, &out))
	assert.Contains(t, out.String(), "Current version: 0")
}

func TestDispatch_Run(t *testing.T) {
	dir := t.TempDir()
	dslPath := filepath.Join(dir, "linear.json")
	require.NoError(t, os.WriteFile(dslPath, linearJSON(t), 0o600))

	cfgPath := filepath.Join(dir, "config.yaml")
	cfgYAML := "observability:\n  log:\n    output_paths: [\"" + filepath.Join(dir, "app.log") + "\"]\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfgYAML), 0o600))

	var out bytes.Buffer
	err := dispatch(context.Background(), []string{
		"run", "--config", cfgPath, "--dsl", dslPath, "--inputs", `{"input":"cli"}`,
	}, &out)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.NotEmpty(t, lines)

	var last callback.Frame
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &last))
	assert.Equal(t, callback.FlowFinishReason, last.FinishReason())
}

func TestDispatch_RunArgs(t *testing.T) {
	var out bytes.Buffer
	ctx := context.Background()

	assert.ErrorContains(t, dispatch(ctx, []string{"run"}, &out), "--dsl is required")
	assert.ErrorContains(t, dispatch(ctx, []string{"run", "--dsl", "/nope.json"}, &out), "read protocol")
}

func TestDispatch_Health(t *testing.T) {
	srv := newTestServer(t)

	var out bytes.Buffer
	require.NoError(t, dispatch(context.Background(), []string{"health", "--addr", srv.URL}, &out))
	assert.Equal(t, "OK\n", out.String())
}

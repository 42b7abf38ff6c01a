package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/flowengine"
	"github.com/BaSui01/flowengine/internal/server"
	"github.com/BaSui01/flowengine/types"
	"github.com/BaSui01/flowengine/workflow/callback"
	"github.com/BaSui01/flowengine/workflow/event"
)

// =============================================================================
// 🖥️ Server
// =============================================================================

// Server 将 Runtime 暴露为 HTTP/websocket 服务
type Server struct {
	rt       *flowengine.Runtime
	gatherer prometheus.Gatherer
	logger   *zap.Logger
}

// NewServer 创建服务；gatherer 为 nil 时使用默认注册表
func NewServer(rt *flowengine.Runtime, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		rt:       rt,
		gatherer: gatherer,
		logger:   rt.Logger().With(zap.String("component", "api")),
	}
}

// Handler 构建路由与中间件链；ctx 控制限流清理协程的生命周期
func (s *Server) Handler(ctx context.Context) http.Handler {
	cfg := s.rt.Config()
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /version", s.handleVersion)
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	mux.HandleFunc("GET /v1/run", s.handleRun)
	mux.HandleFunc("POST /v1/resume", s.handleResume)

	return Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.rt.Collector()),
		OTelTracing(),
		RateLimiter(ctx, cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst, s.logger),
	)
}

// Serve 启动 HTTP 服务并阻塞到 ctx 结束
func (s *Server) Serve(ctx context.Context) error {
	serverCfg, err := server.ConfigFrom(s.rt.Config().Server)
	if err != nil {
		return err
	}
	m := server.NewManager(s.Handler(ctx), serverCfg, s.rt.Logger())
	return m.Run(ctx)
}

// =============================================================================
// 🏥 健康检查
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": time.Now().UTC()})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version":    Version,
		"build_time": BuildTime,
		"git_commit": GitCommit,
	})
}

// =============================================================================
// 🏃 运行与恢复
// =============================================================================

// RunMessage 客户端在 websocket 建立后发送的第一条消息
type RunMessage struct {
	FlowID  string              `json:"flow_id"`
	DSL     json.RawMessage     `json:"dsl"`
	Inputs  map[string]any      `json:"inputs"`
	History []types.NodeHistory `json:"history,omitempty"`
	EventID string              `json:"event_id,omitempty"`
}

// handleRun 读取一条 RunMessage，然后逐帧推送直到工作流结束帧
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	var msg RunMessage
	_, data, err := conn.Read(ctx)
	if err != nil {
		s.logger.Debug("read run message failed", zap.Error(err))
		return
	}
	if err := json.Unmarshal(data, &msg); err != nil || len(msg.DSL) == 0 {
		conn.Close(websocket.StatusUnsupportedData, "invalid run message")
		return
	}
	if msg.FlowID == "" {
		conn.Close(websocket.StatusPolicyViolation, "flow_id is required")
		return
	}

	// 客户端断开即取消运行
	ctx = conn.CloseRead(ctx)

	sent := false
	_, err = s.rt.Run(ctx, flowengine.Request{
		FlowID:  msg.FlowID,
		DSL:     msg.DSL,
		Inputs:  msg.Inputs,
		History: msg.History,
		EventID: msg.EventID,
	}, func(f *callback.Frame) error {
		payload, err := json.Marshal(f)
		if err != nil {
			return err
		}
		sent = true
		return conn.Write(ctx, websocket.MessageText, payload)
	})

	var wsErr websocket.CloseError
	switch {
	case errors.As(err, &wsErr), errors.Is(err, context.Canceled):
		s.logger.Debug("client left before run finished", zap.String("flow_id", msg.FlowID))
		return
	case err != nil && !sent:
		// 构建失败时没有任何帧，通过关闭原因告知客户端
		conn.Close(websocket.StatusInternalError, truncateReason(err.Error()))
		return
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

// websocket 关闭原因最长 123 字节
func truncateReason(s string) string {
	if len(s) > 120 {
		return s[:120]
	}
	return s
}

// ResumeRequest 问答节点的回答
type ResumeRequest struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	Content   string `json:"content"`
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	var req ResumeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.EventID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "event_id is required"})
		return
	}

	err := s.rt.Resume(r.Context(), req.EventID, event.ResumeData{
		EventType: req.EventType,
		Content:   req.Content,
	})
	switch {
	case errors.Is(err, event.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "event not found"})
	case err != nil:
		s.logger.Error("resume failed", zap.String("event_id", req.EventID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "resume failed"})
	default:
		w.WriteHeader(http.StatusAccepted)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

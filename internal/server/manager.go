package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/flowengine/config"
	"github.com/BaSui01/flowengine/internal/tlsutil"
)

// =============================================================================
// 🌐 HTTP 服务器管理器
// =============================================================================

// Manager 管理 flowengine serve 的 HTTP 监听与优雅关闭
type Manager struct {
	server   *http.Server
	listener net.Listener
	errCh    chan error
	config   Config
	logger   *zap.Logger
	mu       sync.RWMutex
	closed   bool
}

// Config 服务器配置
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	MaxHeaderBytes  int
	ShutdownTimeout time.Duration
	// 非 nil 时以 HTTPS 提供服务
	TLS *tls.Config
}

// DefaultConfig 返回默认服务器配置
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    0,
		IdleTimeout:     120 * time.Second,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: 15 * time.Second,
	}
}

// ConfigFrom 将应用配置转换为服务器配置；配置了证书时加载 TLS
func ConfigFrom(sc config.ServerConfig) (Config, error) {
	cfg := DefaultConfig()
	cfg.Addr = ":" + strconv.Itoa(sc.HTTPPort)
	cfg.ReadTimeout = sc.ReadTimeout
	// 流式输出的连接可能持续很久，0 表示不限制写超时
	cfg.WriteTimeout = sc.WriteTimeout
	if sc.ShutdownTimeout > 0 {
		cfg.ShutdownTimeout = sc.ShutdownTimeout
	}
	if sc.TLSCertFile != "" {
		tlsCfg, err := tlsutil.ServerTLSConfig(sc.TLSCertFile, sc.TLSKeyFile)
		if err != nil {
			return Config{}, err
		}
		cfg.TLS = tlsCfg
	}
	return cfg, nil
}

// NewManager 创建服务器管理器
func NewManager(handler http.Handler, config Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	server := &http.Server{
		Addr:           config.Addr,
		Handler:        handler,
		ReadTimeout:    config.ReadTimeout,
		WriteTimeout:   config.WriteTimeout,
		IdleTimeout:    config.IdleTimeout,
		MaxHeaderBytes: config.MaxHeaderBytes,
		TLSConfig:      config.TLS,
	}

	return &Manager{
		server: server,
		errCh:  make(chan error, 1),
		config: config,
		logger: logger.With(zap.String("component", "http_server")),
	}
}

// =============================================================================
// 🎯 核心方法
// =============================================================================

// Start 开始监听（非阻塞）
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("server is closed")
	}
	if m.listener != nil {
		return fmt.Errorf("server already started")
	}

	listener, err := net.Listen("tcp", m.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", m.config.Addr, err)
	}
	if m.config.TLS != nil {
		listener = tls.NewListener(listener, m.config.TLS)
	}

	m.listener = listener
	m.logger.Info("starting HTTP server",
		zap.String("addr", listener.Addr().String()),
		zap.Bool("tls", m.config.TLS != nil),
	)

	go m.serve(listener)
	return nil
}

func (m *Manager) serve(listener net.Listener) {
	if err := m.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		m.logger.Error("HTTP server failed", zap.Error(err))
		select {
		case m.errCh <- err:
		default:
		}
	}
}

// Shutdown 优雅关闭服务器
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	m.logger.Info("shutting down HTTP server")

	shutdownCtx, cancel := context.WithTimeout(ctx, m.config.ShutdownTimeout)
	defer cancel()

	if err := m.server.Shutdown(shutdownCtx); err != nil {
		m.logger.Error("HTTP server shutdown failed", zap.Error(err))
		return err
	}
	m.listener = nil
	m.logger.Info("HTTP server stopped")
	return nil
}

// Run 启动服务器并阻塞到 ctx 结束或服务异常退出，然后优雅关闭
func (m *Manager) Run(ctx context.Context) error {
	if err := m.Start(); err != nil {
		return err
	}

	var serveErr error
	select {
	case <-ctx.Done():
		m.logger.Info("shutdown requested", zap.Error(context.Cause(ctx)))
	case serveErr = <-m.errCh:
		m.logger.Error("server exited unexpectedly", zap.Error(serveErr))
	}

	// ctx 已结束，关闭时使用独立的超时
	if err := m.Shutdown(context.WithoutCancel(ctx)); err != nil {
		return errors.Join(serveErr, err)
	}
	return serveErr
}

// Errors 返回异步的服务错误
func (m *Manager) Errors() <-chan error {
	return m.errCh
}

// =============================================================================
// 🔧 辅助方法
// =============================================================================

// Addr 返回实际监听地址；未启动时返回配置地址
func (m *Manager) Addr() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.listener != nil {
		return m.listener.Addr().String()
	}
	return m.config.Addr
}

// IsRunning 检查服务器是否未关闭
func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.closed
}

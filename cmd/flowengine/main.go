// =============================================================================
// flowengine 主入口
// =============================================================================
// 工作流引擎命令行：单次运行、HTTP/websocket 服务、快照表迁移
//
// 使用方法:
//
//	flowengine run --dsl flow.yaml --inputs '{"input":"hi"}'  # 运行一次并输出帧
//	flowengine serve --config config.yaml                     # 启动服务
//	flowengine migrate up                                     # 创建快照表
//	flowengine health --addr http://localhost:8080            # 健康检查
//	flowengine version                                        # 显示版本信息
// =============================================================================

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/BaSui01/flowengine"
	"github.com/BaSui01/flowengine/config"
	"github.com/BaSui01/flowengine/workflow/callback"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := dispatch(ctx, os.Args[1:], os.Stdout)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func dispatch(ctx context.Context, args []string, out io.Writer) error {
	if len(args) < 1 {
		printUsage(out)
		return fmt.Errorf("missing command")
	}

	switch args[0] {
	case "run":
		return runOnce(ctx, args[1:], out)
	case "serve":
		return runServe(ctx, args[1:])
	case "migrate":
		return runMigrate(ctx, args[1:], out)
	case "health":
		return runHealthCheck(ctx, args[1:], out)
	case "version":
		printVersion(out)
		return nil
	case "help", "-h", "--help":
		printUsage(out)
		return nil
	default:
		printUsage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

// =============================================================================
// 🏃 run 命令
// =============================================================================

// runOnce 运行一次工作流，每帧输出一行 JSON
func runOnce(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(out)
	configPath := fs.String("config", "", "Path to config file")
	dslPath := fs.String("dsl", "", "Path to workflow protocol (JSON or YAML)")
	flowID := fs.String("flow-id", "", "Flow id (default: protocol file name)")
	inputs := fs.String("inputs", "{}", "Start node inputs as a JSON object")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dslPath == "" {
		return fmt.Errorf("--dsl is required")
	}

	data, err := os.ReadFile(*dslPath)
	if err != nil {
		return fmt.Errorf("read protocol: %w", err)
	}
	var in map[string]any
	if err := json.Unmarshal([]byte(*inputs), &in); err != nil {
		return fmt.Errorf("parse inputs: %w", err)
	}
	if *flowID == "" {
		base := filepath.Base(*dslPath)
		*flowID = strings.TrimSuffix(base, filepath.Ext(base))
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	// 单次运行不需要进程级指标
	cfg.Metrics.Enabled = false

	rt, err := newRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.Close(context.WithoutCancel(ctx))

	enc := json.NewEncoder(out)
	_, err = rt.Run(ctx, flowengine.Request{FlowID: *flowID, DSL: data, Inputs: in}, func(f *callback.Frame) error {
		return enc.Encode(f)
	})
	return err
}

// =============================================================================
// 🖥️ serve 命令
// =============================================================================

func runServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	rt, err := newRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.Close(context.WithoutCancel(ctx))

	logger := rt.Logger()
	defer logger.Sync()
	logger.Info("starting flowengine",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	if err := NewServer(rt, nil).Serve(ctx); err != nil {
		return err
	}
	logger.Info("flowengine stopped")
	return nil
}

// =============================================================================
// 🏥 health 命令
// =============================================================================

func runHealthCheck(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	fs.SetOutput(out)
	addr := fs.String("addr", "http://localhost:8080", "Server address")
	if err := fs.Parse(args); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(*addr, "/")+"/health", nil)
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: status %d", resp.StatusCode)
	}
	fmt.Fprintln(out, "OK")
	return nil
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	if path != "" {
		loader = loader.WithConfigPath(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return flowengine.NewLogger(cfg.Observability.Log)
}

func newRuntime(cfg *config.Config) (*flowengine.Runtime, error) {
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	return flowengine.New(cfg, flowengine.WithLogger(logger))
}

func printVersion(out io.Writer) {
	fmt.Fprintf(out, "flowengine %s\n", Version)
	fmt.Fprintf(out, "  Build Time: %s\n", BuildTime)
	fmt.Fprintf(out, "  Git Commit: %s\n", GitCommit)
}

func printUsage(out io.Writer) {
	fmt.Fprintln(out, `flowengine - workflow execution engine

Usage:
  flowengine <command> [options]

Commands:
  run       Run a workflow once and print its frames as JSON lines
  serve     Start the HTTP/websocket server
  migrate   Snapshot table migrations
  health    Check server health
  version   Show version information
  help      Show this help message

Options for 'run':
  --dsl <path>       Workflow protocol file (JSON or YAML)
  --inputs <json>    Start node inputs
  --flow-id <id>     Flow id (default: protocol file name)
  --config <path>    Path to configuration file (YAML)

Options for 'serve':
  --config <path>    Path to configuration file (YAML)

Endpoints:
  GET  /health       Liveness
  GET  /version      Build information
  GET  /metrics      Prometheus metrics
  GET  /v1/run       Websocket: send one run message, receive frames
  POST /v1/resume    Answer an interrupted question node

Examples:
  flowengine run --dsl flow.yaml --inputs '{"input":"hello"}'
  flowengine serve --config /etc/flowengine/config.yaml
  flowengine migrate up --config /etc/flowengine/config.yaml
  flowengine health --addr http://localhost:8080`)
}

// Package flowengine wires configuration, observability, the event registry
// and the snapshot store into a ready-to-use workflow runtime.
//
// Usage:
//
//	rt, err := flowengine.New(cfg, flowengine.WithLLMClient(myLLM))
//	defer rt.Close(ctx)
//
//	exec, err := rt.Start(ctx, flowengine.Request{FlowID: "demo", DSL: protocol, Inputs: in})
//	for {
//		f, err := exec.Recv(ctx)
//		if errors.Is(err, channel.ErrClosed) {
//			break
//		}
//		...
//	}
//	res, err := exec.Wait(ctx)
package flowengine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/BaSui01/flowengine/config"
	"github.com/BaSui01/flowengine/internal/cache"
	"github.com/BaSui01/flowengine/internal/channel"
	"github.com/BaSui01/flowengine/internal/ctxkeys"
	"github.com/BaSui01/flowengine/internal/database"
	"github.com/BaSui01/flowengine/internal/metrics"
	"github.com/BaSui01/flowengine/internal/telemetry"
	"github.com/BaSui01/flowengine/types"
	"github.com/BaSui01/flowengine/workflow"
	"github.com/BaSui01/flowengine/workflow/callback"
	"github.com/BaSui01/flowengine/workflow/event"
	"github.com/BaSui01/flowengine/workflow/node"
	"github.com/BaSui01/flowengine/workflow/snapshot"
)

// =============================================================================
// ⚙️ 选项
// =============================================================================

type options struct {
	logger     *zap.Logger
	registerer prometheus.Registerer
	deps       node.Deps
	registry   event.Registry
	store      snapshot.Store
	storeSet   bool
}

// Option configures the runtime created by [New].
type Option func(*options)

// WithLogger overrides the logger built from the log config.
func WithLogger(l *zap.Logger) Option { return func(o *options) { o.logger = l } }

// WithRegisterer registers metrics on reg instead of the default registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithLLMClient sets the client used by llm and message nodes.
func WithLLMClient(c node.LLMClient) Option { return func(o *options) { o.deps.LLM = c } }

// WithClassifier sets the classifier used by decision nodes.
func WithClassifier(c node.Classifier) Option { return func(o *options) { o.deps.Classifier = c } }

// WithPluginClient sets the client used by plugin nodes.
func WithPluginClient(c node.PluginClient) Option { return func(o *options) { o.deps.Plugin = c } }

// WithEventRegistry overrides the registry selected from the redis config.
func WithEventRegistry(r event.Registry) Option { return func(o *options) { o.registry = r } }

// WithSnapshotStore overrides the store selected by engine.snapshot_store.
// A nil store disables snapshot caching.
func WithSnapshotStore(s snapshot.Store) Option {
	return func(o *options) {
		o.store = s
		o.storeSet = true
	}
}

// =============================================================================
// 🚀 Runtime
// =============================================================================

// Runtime owns the long-lived collaborators of the engine.
type Runtime struct {
	cfg       *config.Config
	root      *zap.Logger
	logger    *zap.Logger
	providers *telemetry.Providers
	collector *metrics.Collector
	cache     *cache.Manager
	db        *database.PoolManager
	registry  event.Registry
	store     snapshot.Store
	factory   *workflow.EngineFactory
}

// New builds a runtime from cfg. A nil cfg uses the defaults.
func New(cfg *config.Config, opts ...Option) (rt *Runtime, err error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	logger := o.logger
	if logger == nil {
		if logger, err = NewLogger(cfg.Observability.Log); err != nil {
			return nil, err
		}
	}
	rt = &Runtime{cfg: cfg, root: logger, logger: logger.With(zap.String("component", "runtime"))}
	defer func() {
		if err != nil {
			_ = rt.Close(context.Background())
		}
	}()

	if rt.providers, err = telemetry.Init(cfg.Observability.Telemetry, logger); err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	if cfg.Metrics.Enabled {
		reg := o.registerer
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		rt.collector = metrics.NewCollectorWithRegisterer(cfg.Metrics.Namespace, reg, logger)
	}

	if cfg.Redis.Enabled {
		if rt.cache, err = cache.NewManager(cacheConfig(cfg.Redis), logger); err != nil {
			return nil, err
		}
	}

	rt.registry = o.registry
	if rt.registry == nil {
		if rt.cache != nil {
			rt.registry = event.NewRedisRegistry(rt.cache, logger)
		} else {
			rt.registry = event.NewMemoryRegistry()
		}
	}

	if o.storeSet {
		rt.store = o.store
	} else if rt.store, err = rt.openStore(); err != nil {
		return nil, err
	}

	builder := workflow.NewBuilder(
		workflow.WithNodeRegistry(node.NewRegistry(o.deps)),
		workflow.WithTelemetry(rt.providers.Telemetry()),
		workflow.WithMetrics(rt.collector),
		workflow.WithLogger(logger),
		workflow.WithClampProgress(cfg.Engine.ClampProgress),
		workflow.WithDefaultNodeTimeout(cfg.Engine.NodeTimeout),
	)
	rt.factory = workflow.NewEngineFactory(builder, rt.store, rt.collector, logger)

	rt.logger.Info("runtime initialized",
		zap.String("snapshot_store", cfg.Engine.SnapshotStore),
		zap.Bool("redis", rt.cache != nil),
		zap.Bool("metrics", rt.collector != nil),
	)
	return rt, nil
}

func cacheConfig(rc config.RedisConfig) cache.Config {
	cc := cache.DefaultConfig()
	cc.Addr = rc.Addr
	cc.Password = rc.Password
	cc.DB = rc.DB
	if rc.PoolSize > 0 {
		cc.PoolSize = rc.PoolSize
	}
	cc.MinIdleConns = rc.MinIdleConns
	if rc.KeyPrefix != "" {
		cc.KeyPrefix = rc.KeyPrefix
	}
	return cc
}

// openStore 按 engine.snapshot_store 选择快照存储
func (rt *Runtime) openStore() (snapshot.Store, error) {
	switch rt.cfg.Engine.SnapshotStore {
	case "none":
		return nil, nil
	case "memory":
		return snapshot.NewMemoryStore(), nil
	case "redis":
		if rt.cache == nil {
			return nil, errors.New("redis snapshot store requires redis.enabled")
		}
		return snapshot.NewRedisStore(rt.cache, rt.cfg.Engine.SnapshotTTL), nil
	case "database":
		db, err := database.Open(rt.cfg.Database, rt.collector, rt.root)
		if err != nil {
			return nil, err
		}
		rt.db = db
		return snapshot.NewGormStore(db.DB(), rt.root), nil
	default:
		return nil, fmt.Errorf("unknown snapshot store %q", rt.cfg.Engine.SnapshotStore)
	}
}

// Config returns the configuration the runtime was built with.
func (rt *Runtime) Config() *config.Config { return rt.cfg }

// Logger returns the root logger.
func (rt *Runtime) Logger() *zap.Logger { return rt.root }

// Collector returns the metrics collector, nil when metrics are disabled.
func (rt *Runtime) Collector() *metrics.Collector { return rt.collector }

// Registry returns the event registry used for interrupts.
func (rt *Runtime) Registry() event.Registry { return rt.registry }

// Factory returns the engine factory.
func (rt *Runtime) Factory() *workflow.EngineFactory { return rt.factory }

// Close releases external connections and flushes telemetry.
func (rt *Runtime) Close(ctx context.Context) error {
	var errs []error
	if rt.db != nil {
		errs = append(errs, rt.db.Close())
	}
	if rt.cache != nil {
		errs = append(errs, rt.cache.Close())
	}
	errs = append(errs, rt.providers.Shutdown(ctx))
	return errors.Join(errs...)
}

// =============================================================================
// 🏃 运行
// =============================================================================

// Request describes one workflow run.
type Request struct {
	FlowID string
	// DSL is the workflow protocol, JSON or YAML.
	DSL     []byte
	Inputs  map[string]any
	History []types.NodeHistory
	// EventID identifies the run for resume; generated when empty.
	EventID string
}

// Execution is a run in progress. Frames must be drained with Recv for the
// run to finish.
type Execution struct {
	RunID   string
	EventID string
	FlowID  string

	handler *callback.Handler
	done    chan struct{}
	result  *node.RunResult
	err     error
}

// Recv returns the next frame. It returns channel.ErrClosed after the
// workflow end frame.
func (x *Execution) Recv(ctx context.Context) (*callback.Frame, error) {
	return x.handler.Recv(ctx)
}

// Wait blocks until the run finishes and returns the end node result.
func (x *Execution) Wait(ctx context.Context) (*node.RunResult, error) {
	select {
	case <-x.done:
		return x.result, x.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Start builds the engine for req and runs it in the background.
func (rt *Runtime) Start(ctx context.Context, req Request) (*Execution, error) {
	engine, err := rt.factory.BuildFromBytes(ctx, req.FlowID, req.DSL)
	if err != nil {
		return nil, err
	}

	x := &Execution{
		RunID:   uuid.NewString(),
		EventID: req.EventID,
		FlowID:  req.FlowID,
		done:    make(chan struct{}),
	}
	if x.EventID == "" {
		x.EventID = uuid.NewString()
	}
	if err := rt.registry.Register(ctx, &event.Event{
		EventID:   x.EventID,
		FlowID:    req.FlowID,
		Status:    event.StatusRunning,
		Timeout:   rt.cfg.Engine.EventTimeout,
		CreatedAt: time.Now().Unix(),
	}); err != nil {
		return nil, fmt.Errorf("register event: %w", err)
	}

	ctx = ctxkeys.WithRunID(ctx, x.RunID)
	ctx = ctxkeys.WithFlowID(ctx, req.FlowID)
	ctx = ctxkeys.WithEventID(ctx, x.EventID)

	chains := engine.NewChains()
	x.handler = callback.NewHandler(callback.Config{
		SID:           x.RunID,
		EventID:       x.EventID,
		FlowID:        req.FlowID,
		Chains:        chains,
		EndOutputMode: engine.EndOutputMode(),
		Registry:      rt.registry,
		Metrics:       rt.collector,
		Logger:        rt.root,
	})
	x.handler.Start(ctx)

	logger := rt.logger.With(
		zap.String("run_id", x.RunID),
		zap.String("event_id", x.EventID),
		zap.String("flow_id", req.FlowID),
	)

	go func() {
		defer close(x.done)
		if err := x.handler.OnWorkflowStart(ctx); err != nil {
			logger.Warn("workflow start frame failed", zap.Error(err))
		}

		res, err := engine.Run(ctx, workflow.RunRequest{
			Inputs:    req.Inputs,
			History:   req.History,
			Callbacks: x.handler,
			Registry:  rt.registry,
			Chains:    chains,
		})

		end := res
		if err != nil && (end == nil || end.Error == nil) {
			end = &node.RunResult{Error: types.WrapError(err, types.ErrEngineRun, "workflow run failed")}
		}
		if endErr := x.handler.OnWorkflowEnd(ctx, end); endErr != nil {
			logger.Warn("workflow end frame failed", zap.Error(endErr))
		}
		if finErr := rt.registry.OnFinished(context.WithoutCancel(ctx), x.EventID); finErr != nil {
			logger.Warn("mark event finished failed", zap.Error(finErr))
		}
		x.result, x.err = res, err
	}()

	return x, nil
}

// Run starts req and hands every frame to onFrame until the run ends.
// A nil onFrame discards the frames.
func (rt *Runtime) Run(ctx context.Context, req Request, onFrame func(*callback.Frame) error) (*node.RunResult, error) {
	x, err := rt.Start(ctx, req)
	if err != nil {
		return nil, err
	}
	for {
		f, err := x.Recv(ctx)
		if errors.Is(err, channel.ErrClosed) {
			break
		}
		if err != nil {
			return nil, err
		}
		if onFrame != nil {
			if err := onFrame(f); err != nil {
				return nil, err
			}
		}
	}
	return x.Wait(ctx)
}

// Resume answers the question-answer node interrupted under eventID.
func (rt *Runtime) Resume(ctx context.Context, eventID string, data event.ResumeData) error {
	return rt.registry.Resume(ctx, eventID, data)
}

package workflow

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/BaSui01/flowengine/internal/metrics"
	"github.com/BaSui01/flowengine/types"
	"github.com/BaSui01/flowengine/workflow/dsl"
	"github.com/BaSui01/flowengine/workflow/node"
	"github.com/BaSui01/flowengine/workflow/snapshot"
	"github.com/BaSui01/flowengine/workflow/variable"
)

// EngineFactory 带快照缓存的引擎构建入口
type EngineFactory struct {
	builder *Builder
	store   snapshot.Store
	parser  *dsl.Parser
	metrics *metrics.Collector
	logger  *zap.Logger
}

// NewEngineFactory creates a factory. A nil store disables caching.
func NewEngineFactory(b *Builder, store snapshot.Store, collector *metrics.Collector, logger *zap.Logger) *EngineFactory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EngineFactory{
		builder: b,
		store:   store,
		parser:  dsl.NewParser(),
		metrics: collector,
		logger:  logger.With(zap.String("component", "engine_factory")),
	}
}

// BuildFromBytes parses a JSON or YAML protocol and builds its engine.
func (f *EngineFactory) BuildFromBytes(ctx context.Context, flowID string, data []byte) (*Engine, error) {
	wf, err := f.parser.Parse(data)
	if err != nil {
		return nil, err
	}
	return f.Build(ctx, flowID, wf)
}

// Build returns the cached engine of flowID when its snapshot was built
// from the same protocol version, and builds and caches a new one
// otherwise. Cache failures never fail the build.
func (f *EngineFactory) Build(ctx context.Context, flowID string, wf *dsl.Workflow) (*Engine, error) {
	if wf == nil {
		return nil, types.NewStructuralError(types.ErrEngineBuild, "workflow is nil")
	}
	if f.store != nil && wf.UpdatedAt != 0 {
		if e := f.load(ctx, flowID, wf.UpdatedAt); e != nil {
			return e, nil
		}
	}

	e, err := f.builder.Build(wf)
	if err != nil {
		return nil, err
	}
	if f.store != nil {
		if blob := e.Dumps(); len(blob) > 0 {
			if _, err := f.store.Put(ctx, flowID, blob, e.BuildTimestamp()); err != nil {
				f.logger.Warn("save engine snapshot failed", zap.String("flow_id", flowID), zap.Error(err))
			}
		}
	}
	return e, nil
}

func (f *EngineFactory) load(ctx context.Context, flowID string, updatedAt int64) *Engine {
	snap, err := f.store.Get(ctx, flowID)
	if err != nil {
		if !errors.Is(err, snapshot.ErrNotFound) {
			f.logger.Warn("load engine snapshot failed", zap.String("flow_id", flowID), zap.Error(err))
		}
		f.metrics.RecordCacheMiss("engine")
		return nil
	}
	if snap.BuildTimestamp != updatedAt {
		f.logger.Debug("engine snapshot is stale",
			zap.String("flow_id", flowID),
			zap.Int64("snapshot_timestamp", snap.BuildTimestamp),
			zap.Int64("updated_at", updatedAt),
		)
		f.metrics.RecordCacheMiss("engine")
		return nil
	}
	e, ts := Loads(snap.Data, f.builder)
	if e == nil || ts != updatedAt {
		f.metrics.RecordCacheMiss("engine")
		return nil
	}
	f.metrics.RecordCacheHit("engine")
	return e
}

// DebugNode builds the single node of a one-node protocol, for running a
// node in isolation.
func (b *Builder) DebugNode(wf *dsl.Workflow) (node.Node, error) {
	if wf == nil || len(wf.Nodes) == 0 {
		return nil, types.NewStructuralError(types.ErrProtocolValidate, "node configuration information not found")
	}
	if _, err := variable.NewPool(wf.Nodes); err != nil {
		return nil, err
	}
	return b.registry.Create(wf.Nodes[0])
}

package workflow

import (
	"context"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/BaSui01/flowengine/types"
	"github.com/BaSui01/flowengine/workflow/dsl"
)

// snapshotVersion 快照格式版本，格式变化时递增使旧快照失效
const snapshotVersion = 1

type engineSnapshot struct {
	Version        int           `json:"version"`
	BuildTimestamp int64         `json:"build_timestamp"`
	Workflow       *dsl.Workflow `json:"workflow"`
}

// Dumps serializes the engine to an opaque blob. The blob holds the
// protocol and the build stamp; the run state is per run and never part of
// it. Failures are logged, recorded on the workflow.dumps span and yield nil.
func (e *Engine) Dumps() []byte {
	_, span := e.telemetry.Start(context.Background(), "workflow.dumps")
	defer span.End()

	blob, err := json.Marshal(engineSnapshot{
		Version:        snapshotVersion,
		BuildTimestamp: e.buildTimestamp,
		Workflow:       e.wf,
	})
	if err != nil {
		se := types.WrapError(err, types.ErrEngineRun, "engine dumps failed")
		span.RecordError(se)
		e.logger.Error("engine dumps failed", zap.String("flow_id", e.wf.ID), zap.Error(err))
		return nil
	}
	span.SetAttributes(map[string]any{"flow_id": e.wf.ID, "bytes": len(blob)})
	return blob
}

// Loads rebuilds an engine from a Dumps blob with b. It returns (nil, 0)
// when the blob cannot be restored.
func Loads(blob []byte, b *Builder) (*Engine, int64) {
	if len(blob) == 0 || b == nil {
		return nil, 0
	}
	var snap engineSnapshot
	if err := json.Unmarshal(blob, &snap); err != nil {
		b.logger.Warn("engine loads failed", zap.Error(err))
		return nil, 0
	}
	if snap.Version != snapshotVersion || snap.Workflow == nil {
		b.logger.Warn("engine snapshot rejected", zap.Int("version", snap.Version))
		return nil, 0
	}
	e, err := b.build(snap.Workflow, snap.BuildTimestamp)
	if err != nil {
		b.logger.Warn("engine rebuild from snapshot failed", zap.Error(err))
		return nil, 0
	}
	return e, snap.BuildTimestamp
}

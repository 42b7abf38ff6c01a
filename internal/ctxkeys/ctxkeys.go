// Package ctxkeys 定义在一次工作流运行中沿 context 传递的标识。
package ctxkeys

import "context"

// contextKey 用于在 context 中存储值的键类型
type contextKey string

const (
	traceIDKey contextKey = "trace_id"
	runIDKey   contextKey = "run_id"
	flowIDKey  contextKey = "flow_id"
	eventIDKey contextKey = "event_id"
)

func withString(ctx context.Context, key contextKey, v string) context.Context {
	return context.WithValue(ctx, key, v)
}

func getString(ctx context.Context, key contextKey) (string, bool) {
	v, ok := ctx.Value(key).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithTraceID 设置 TraceID
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return withString(ctx, traceIDKey, traceID)
}

// TraceID 获取 TraceID
func TraceID(ctx context.Context) (string, bool) { return getString(ctx, traceIDKey) }

// WithRunID 设置本次运行的 ID
func WithRunID(ctx context.Context, runID string) context.Context {
	return withString(ctx, runIDKey, runID)
}

// RunID 获取运行 ID
func RunID(ctx context.Context) (string, bool) { return getString(ctx, runIDKey) }

// WithFlowID 设置工作流 ID
func WithFlowID(ctx context.Context, flowID string) context.Context {
	return withString(ctx, flowIDKey, flowID)
}

// FlowID 获取工作流 ID
func FlowID(ctx context.Context) (string, bool) { return getString(ctx, flowIDKey) }

// WithEventID 设置事件 ID，用于中断后恢复
func WithEventID(ctx context.Context, eventID string) context.Context {
	return withString(ctx, eventIDKey, eventID)
}

// EventID 获取事件 ID
func EventID(ctx context.Context) (string, bool) { return getString(ctx, eventIDKey) }

package workflow

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// TaskGroup 一次运行内的节点任务组
// 任一任务返回错误即取消组内其余任务，Wait 返回第一个错误
type TaskGroup struct {
	g      *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
}

// NewTaskGroup creates a group whose context derives from parent.
func NewTaskGroup(parent context.Context) *TaskGroup {
	ctx, cancel := context.WithCancel(parent)
	g, gctx := errgroup.WithContext(ctx)
	return &TaskGroup{g: g, ctx: gctx, cancel: cancel}
}

// Go spawns fn with the group context. It may be called from inside a
// running task.
func (t *TaskGroup) Go(fn func(ctx context.Context) error) {
	t.g.Go(func() error { return fn(t.ctx) })
}

// Context returns the group context. It is cancelled on the first error
// or by Cancel.
func (t *TaskGroup) Context() context.Context {
	return t.ctx
}

// Cancel cancels every running task.
func (t *TaskGroup) Cancel() {
	t.cancel()
}

// Wait blocks until every task returns and releases the group context.
func (t *TaskGroup) Wait() error {
	err := t.g.Wait()
	t.cancel()
	return err
}

package workflow

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/flowengine/testutil"
)

func TestTaskGroup_WaitsForNestedTasks(t *testing.T) {
	t.Parallel()

	g := NewTaskGroup(context.Background())
	var n atomic.Int32
	g.Go(func(ctx context.Context) error {
		n.Add(1)
		for i := 0; i < 3; i++ {
			g.Go(func(ctx context.Context) error {
				time.Sleep(10 * time.Millisecond)
				n.Add(1)
				return nil
			})
		}
		return nil
	})
	require.NoError(t, g.Wait())
	assert.EqualValues(t, 4, n.Load())
}

func TestTaskGroup_FirstErrorCancelsOthers(t *testing.T) {
	t.Parallel()

	g := NewTaskGroup(context.Background())
	boom := errors.New("boom")
	cancelled := make(chan struct{})

	g.Go(func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			close(cancelled)
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return nil
		}
	})
	g.Go(func(ctx context.Context) error { return boom })

	err := g.Wait()
	assert.ErrorIs(t, err, boom)
	_, ok := testutil.WaitForChannel[struct{}](cancelled, time.Second)
	assert.True(t, ok)
}

func TestTaskGroup_Cancel(t *testing.T) {
	t.Parallel()

	g := NewTaskGroup(context.Background())
	g.Go(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	g.Cancel()
	assert.ErrorIs(t, g.Wait(), context.Canceled)
	assert.Error(t, g.Context().Err())
}

package event

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/flowengine/internal/cache"
)

func newRedisRegistry(t *testing.T) *RedisRegistry {
	t.Helper()
	mr := miniredis.RunT(t)
	m, err := cache.NewManager(cache.Config{Addr: mr.Addr(), DefaultTTL: time.Minute}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return NewRedisRegistry(m, zap.NewNop())
}

func registries(t *testing.T) map[string]Registry {
	return map[string]Registry{
		"memory": NewMemoryRegistry(),
		"redis":  newRedisRegistry(t),
	}
}

func TestRegistry_Lifecycle(t *testing.T) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := reg.Get(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, reg.Register(ctx, &Event{EventID: "ev-1", FlowID: "flow"}))
			ev, err := reg.Get(ctx, "ev-1")
			require.NoError(t, err)
			assert.Equal(t, StatusRunning, ev.Status)
			assert.Equal(t, DefaultTimeout, ev.Timeout)

			require.NoError(t, reg.OnInterruptNodeStart(ctx, "ev-1", "question-answer::1", time.Minute))
			ev, err = reg.Get(ctx, "ev-1")
			require.NoError(t, err)
			assert.Equal(t, StatusInterrupted, ev.Status)
			assert.Equal(t, "question-answer::1", ev.NodeID)
			assert.Equal(t, time.Minute, ev.Timeout)

			require.NoError(t, reg.OnInterruptNodeEnd(ctx, "ev-1"))
			ev, err = reg.Get(ctx, "ev-1")
			require.NoError(t, err)
			assert.Equal(t, StatusRunning, ev.Status)
			assert.Empty(t, ev.NodeID)

			require.NoError(t, reg.OnFinished(ctx, "ev-1"))
			ev, err = reg.Get(ctx, "ev-1")
			require.NoError(t, err)
			assert.Equal(t, StatusFinished, ev.Status)

			assert.ErrorIs(t, reg.OnFinished(ctx, "missing"), ErrNotFound)
		})
	}
}

func TestRegistry_ResumeRoundTrip(t *testing.T) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, reg.Register(ctx, &Event{EventID: "ev-2", Timeout: time.Minute}))
			ev, err := reg.Get(ctx, "ev-2")
			require.NoError(t, err)

			go func() {
				time.Sleep(20 * time.Millisecond)
				_ = reg.Resume(ctx, "ev-2", ResumeData{EventType: ActionResume, Content: "A"})
			}()

			raw, err := reg.FetchResumeData(ctx, ev.NodeQueueName(), 3*time.Second)
			require.NoError(t, err)

			var data ResumeData
			require.NoError(t, json.Unmarshal(raw, &data))
			assert.Equal(t, ActionResume, data.EventType)
			assert.Equal(t, "A", data.Content)
			assert.NotZero(t, data.Timestamp)
		})
	}
}

func TestRegistry_WorkflowQueueOrder(t *testing.T) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ev := &Event{EventID: "ev-3"}
			for _, s := range []string{"a", "b", "c"} {
				require.NoError(t, reg.WriteResumeData(ctx, ev.WorkflowQueueName(), []byte(s), time.Minute))
			}
			for _, want := range []string{"a", "b", "c"} {
				got, err := reg.FetchResumeData(ctx, ev.WorkflowQueueName(), time.Second)
				require.NoError(t, err)
				assert.Equal(t, want, string(got))
			}
		})
	}
}

func TestRegistry_FetchTimeout(t *testing.T) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			_, err := reg.FetchResumeData(context.Background(), "workflow:event:none:node", time.Second)
			assert.ErrorIs(t, err, ErrResumeTimeout)
		})
	}
}

func TestRegistry_ResumeUnknownEvent(t *testing.T) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			err := reg.Resume(context.Background(), "nope", ResumeData{EventType: ActionAbort})
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

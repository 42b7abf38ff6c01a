package channel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatch_SetReleasesWaiters(t *testing.T) {
	t.Parallel()

	l := NewLatch()
	assert.False(t, l.IsSet())

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, l.Wait(context.Background()))
		}()
	}

	l.Set()
	l.Set()
	wg.Wait()
	assert.True(t, l.IsSet())
}

func TestLatch_ZeroValue(t *testing.T) {
	t.Parallel()

	var l Latch
	assert.False(t, l.IsSet())
	l.Set()
	<-l.Done()
	assert.True(t, l.IsSet())
}

func TestLatch_WaitCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := NewLatch().Wait(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLatch_TrySetOnlyOnce(t *testing.T) {
	t.Parallel()

	l := NewLatch()
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		won int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.TrySet() {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, won)
	assert.False(t, l.TrySet())
}

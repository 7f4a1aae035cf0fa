package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"librarylend/internal/logger"
)

func TestPoolRunsEveryTask(t *testing.T) {
	p := NewPool(4, 100, logger.Discard())
	var n atomic.Int32
	for i := 0; i < 50; i++ {
		assert.True(t, p.Submit(func(context.Context) { n.Add(1) }))
	}
	p.Stop()
	assert.Equal(t, int32(50), n.Load())
}

func TestPoolRejectsAfterStop(t *testing.T) {
	p := NewPool(1, 1, logger.Discard())
	p.Stop()
	p.Stop()
	assert.False(t, p.Submit(func(context.Context) {}))
}

func TestPoolRejectsWhenFull(t *testing.T) {
	p := NewPool(1, 1, logger.Discard())
	block := make(chan struct{})
	started := make(chan struct{})

	assert.True(t, p.Submit(func(context.Context) {
		close(started)
		<-block
	}))
	<-started
	assert.True(t, p.Submit(func(context.Context) {}))
	assert.False(t, p.Submit(func(context.Context) {}))

	close(block)
	p.Stop()
}

func TestPoolSurvivesPanics(t *testing.T) {
	p := NewPool(1, 10, logger.Discard())
	var ran atomic.Bool
	p.Submit(func(context.Context) { panic("boom") })
	p.Submit(func(context.Context) { ran.Store(true) })
	p.Stop()
	assert.True(t, ran.Load())
}

func TestShutdownCancelsBlockedTasksAtDeadline(t *testing.T) {
	p := NewPool(1, 10, logger.Discard())
	started := make(chan struct{})
	var canceled atomic.Int32

	blocked := func(ctx context.Context) {
		<-ctx.Done()
		canceled.Add(1)
	}
	require.True(t, p.Submit(func(ctx context.Context) {
		close(started)
		blocked(ctx)
	}))
	require.True(t, p.Submit(blocked))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	begin := time.Now()
	err := p.Shutdown(ctx)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(begin), 2*time.Second)
	assert.Equal(t, int32(2), canceled.Load(), "queued task runs with a canceled context")
	assert.False(t, p.Submit(func(context.Context) {}))
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestShutdownDrainsWithinDeadline(t *testing.T) {
	p := NewPool(2, 10, logger.Discard())
	var n atomic.Int32
	var live atomic.Int32
	for i := 0; i < 5; i++ {
		p.Submit(func(ctx context.Context) {
			if ctx.Err() == nil {
				live.Add(1)
			}
			n.Add(1)
		})
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))
	assert.Equal(t, int32(5), n.Load())
	assert.Equal(t, int32(5), live.Load())
}

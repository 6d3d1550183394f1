package taskqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNeverExceedsLimit(t *testing.T) {
	const limit, units = 3, 20
	q := New[int](limit)

	var running, peak atomic.Int32
	for i := 0; i < units; i++ {
		q.Enqueue(context.Background(), i, func(ctx context.Context, _ int) error {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			running.Add(-1)
			return nil
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Drain(ctx))
	assert.LessOrEqual(t, peak.Load(), int32(limit))
	assert.Equal(t, int32(limit), peak.Load())
}

func TestStartOrderIsFIFO(t *testing.T) {
	q := New[int](1)

	var mu sync.Mutex
	var started []int
	for i := 0; i < 10; i++ {
		q.Enqueue(context.Background(), i, func(ctx context.Context, n int) error {
			mu.Lock()
			started = append(started, n)
			mu.Unlock()
			return nil
		})
	}

	require.NoError(t, q.Drain(context.Background()))
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, started)
}

func TestClearQueuedThenDrain(t *testing.T) {
	q := New[int](2)
	release := make(chan struct{})

	var ran atomic.Int32
	for i := 0; i < 6; i++ {
		q.Enqueue(context.Background(), i, func(ctx context.Context, _ int) error {
			ran.Add(1)
			<-release
			return nil
		})
	}
	require.Eventually(t, func() bool { return q.Running() == 2 }, time.Second, time.Millisecond)

	assert.Equal(t, 4, q.ClearQueued())
	assert.Equal(t, 0, q.Queued())

	drained := make(chan error, 1)
	go func() { drained <- q.Drain(context.Background()) }()

	select {
	case <-drained:
		t.Fatal("drain returned while units were running")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-drained)
	assert.Equal(t, int32(2), ran.Load())
}

func TestDrainHonoursContext(t *testing.T) {
	q := New[int](1)
	block := make(chan struct{})
	defer close(block)
	q.Enqueue(context.Background(), 0, func(ctx context.Context, _ int) error {
		<-block
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Drain(ctx), context.DeadlineExceeded)
}

func TestErrorsAndPanicsReachHandler(t *testing.T) {
	var mu sync.Mutex
	failed := map[int]error{}
	q := New(1, WithErrorHandler(func(arg int, err error) {
		mu.Lock()
		failed[arg] = err
		mu.Unlock()
	}))

	boom := errors.New("boom")
	q.Enqueue(context.Background(), 1, func(ctx context.Context, _ int) error { return boom })
	q.Enqueue(context.Background(), 2, func(ctx context.Context, _ int) error { panic("bad unit") })
	q.Enqueue(context.Background(), 3, func(ctx context.Context, _ int) error { return nil })

	require.NoError(t, q.Drain(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.ErrorIs(t, failed[1], boom)
	assert.ErrorContains(t, failed[2], "bad unit")
	assert.NotContains(t, failed, 3)
}

func TestDrainOnIdleQueue(t *testing.T) {
	q := New[string](0)
	assert.Equal(t, 1, q.Limit())
	assert.NoError(t, q.Drain(context.Background()))
}

func TestTryEnqueueNeverOvershoots(t *testing.T) {
	const maxQueued = 3
	q := New[int](1)
	release := make(chan struct{})
	block := func(ctx context.Context, _ int) error {
		<-release
		return nil
	}

	require.True(t, q.TryEnqueue(context.Background(), 0, block, maxQueued))
	require.Eventually(t, func() bool { return q.Running() == 1 }, time.Second, time.Millisecond)

	var accepted atomic.Int32
	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if q.TryEnqueue(context.Background(), i, block, maxQueued) {
				accepted.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(maxQueued), accepted.Load())
	assert.Equal(t, maxQueued, q.Queued())

	close(release)
	require.NoError(t, q.Drain(context.Background()))
}

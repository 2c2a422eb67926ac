package scheduler

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

func TestScheduler_ConcurrencyBound(t *testing.T) {
	s := New("test-bound", 5)
	ctx := context.Background()

	var current, peak int32
	futures := make([]*Future[int], 0, 100)
	for i := 0; i < 100; i++ {
		i := i
		futures = append(futures, Submit(s, ctx, func(context.Context) (int, error) {
			n := atomic.AddInt32(&current, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&current, -1)
			return i, nil
		}))
	}

	results := WaitAll(ctx, futures)
	for i, r := range results {
		require.NoError(t, r.Err)
		assert.Equal(t, i, r.Value)
	}
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(5))
	assert.Greater(t, atomic.LoadInt32(&peak), int32(0))
	assert.Equal(t, 0, s.InFlight())
	assert.Equal(t, 0, s.Queued())
}

func TestScheduler_FIFODispatch(t *testing.T) {
	s := New("test-fifo", 1)
	ctx := context.Background()

	release := make(chan struct{})
	blocker := Submit(s, ctx, func(context.Context) (struct{}, error) {
		<-release
		return struct{}{}, nil
	})

	var mu sync.Mutex
	var order []int
	futures := make([]*Future[struct{}], 0, 10)
	for i := 0; i < 10; i++ {
		i := i
		futures = append(futures, Submit(s, ctx, func(context.Context) (struct{}, error) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return struct{}{}, nil
		}))
	}
	assert.Equal(t, 10, s.Queued())

	close(release)
	_, err := blocker.Wait(ctx)
	require.NoError(t, err)
	WaitAll(ctx, futures)

	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
}

func TestScheduler_FailuresReleaseSlots(t *testing.T) {
	s := New("test-failures", 1)
	ctx := context.Background()
	boom := errors.New("boom")

	panicking := Submit(s, ctx, func(context.Context) (string, error) {
		panic("bad input")
	})
	failing := Submit(s, ctx, func(context.Context) (string, error) {
		return "", boom
	})
	ok := Submit(s, ctx, func(context.Context) (string, error) {
		return "done", nil
	})

	_, err := panicking.Wait(ctx)
	assert.ErrorIs(t, err, ErrTaskPanicked)
	assert.Contains(t, err.Error(), "bad input")

	_, err = failing.Wait(ctx)
	assert.ErrorIs(t, err, boom)

	v, err := ok.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "done", v)
}

func TestScheduler_InFlightAndQueued(t *testing.T) {
	s := New("test-gauges", 2)
	ctx := context.Background()

	started := make(chan struct{}, 5)
	release := make(chan struct{})
	futures := make([]*Future[int], 0, 5)
	for i := 0; i < 5; i++ {
		futures = append(futures, Submit(s, ctx, func(context.Context) (int, error) {
			started <- struct{}{}
			<-release
			return 0, nil
		}))
	}

	<-started
	<-started
	assert.Equal(t, 2, s.InFlight())
	assert.Equal(t, 3, s.Queued())

	close(release)
	WaitAll(ctx, futures)
	assert.Equal(t, 0, s.InFlight())
}

func TestScheduler_LimitClamped(t *testing.T) {
	assert.Equal(t, 1, New("test-clamp", 0).Limit())
	assert.Equal(t, 1, New("test-clamp", -3).Limit())
}

func TestFuture_WaitHonoursContext(t *testing.T) {
	s := New("test-wait", 1)
	release := make(chan struct{})
	defer close(release)

	f := Submit(s, context.Background(), func(context.Context) (int, error) {
		<-release
		return 1, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := f.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

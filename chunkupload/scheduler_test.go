package chunkupload

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	config := DefaultConfig()
	config.PollInterval = 5 * time.Millisecond
	config.HungThreshold = 0
	config.ChunkTimeout = 0
	return config
}

func TestScheduler_NeverExceedsConcurrencyLimit(t *testing.T) {
	config := testConfig()
	config.Concurrency = 3

	var rngMu sync.Mutex
	rng := rand.New(rand.NewSource(42))
	var inFlight, maxInFlight int32
	var failedOnce, running sync.Map
	var duplicates int32

	upload := func(ctx context.Context, c Chunk) error {
		if _, loaded := running.LoadOrStore(c.Index, true); loaded {
			atomic.AddInt32(&duplicates, 1)
		}
		defer running.Delete(c.Index)

		n := atomic.AddInt32(&inFlight, 1)
		defer atomic.AddInt32(&inFlight, -1)
		for {
			m := atomic.LoadInt32(&maxInFlight)
			if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
				break
			}
		}

		rngMu.Lock()
		latency := time.Duration(rng.Intn(8)) * time.Millisecond
		rngMu.Unlock()
		time.Sleep(latency)

		if c.Index%5 == 0 {
			if _, loaded := failedOnce.LoadOrStore(c.Index, true); !loaded {
				return errors.New("transient")
			}
		}
		return nil
	}

	scheduler := NewScheduler(config, upload, log.NewLogger())
	succeeded := map[int]int{}
	scheduler.OnSuccess(func(c Chunk) {
		succeeded[c.Index]++
	})

	err := scheduler.Run(context.Background(), Split(25*10, 10))

	require.NoError(t, err)
	assert.LessOrEqual(t, atomic.LoadInt32(&maxInFlight), int32(3))
	assert.Equal(t, int32(0), atomic.LoadInt32(&duplicates), "a chunk was uploaded twice in parallel")
	require.Len(t, succeeded, 25)
	for index, count := range succeeded {
		assert.Equal(t, 1, count, "chunk %d", index)
	}
	assert.Equal(t, int64(5), scheduler.Stats().FailedCount())
}

func TestScheduler_RetryIsQueuedBehindUntriedChunks(t *testing.T) {
	config := testConfig()
	config.Concurrency = 1

	var failed bool
	upload := func(ctx context.Context, c Chunk) error {
		if c.Index == 0 && !failed {
			failed = true
			return errors.New("transient")
		}
		return nil
	}

	scheduler := NewScheduler(config, upload, log.NewLogger())
	var order []int
	var attempts []int
	scheduler.OnDispatch(func(c Chunk) {
		order = append(order, c.Index)
		attempts = append(attempts, c.Attempt)
	})

	err := scheduler.Run(context.Background(), Split(30, 10))

	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 0}, order)
	assert.Equal(t, []int{0, 0, 0, 1}, attempts)
}

func TestScheduler_RetriesExhausted(t *testing.T) {
	config := testConfig()
	config.MaxRetries = 3

	cause := errors.New("connection refused")
	var attempts int32
	upload := func(ctx context.Context, c Chunk) error {
		if c.Index == 1 {
			atomic.AddInt32(&attempts, 1)
			return cause
		}
		return nil
	}

	err := NewScheduler(config, upload, log.NewLogger()).Run(context.Background(), Split(30, 10))

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, int32(4), atomic.LoadInt32(&attempts))
}

func TestScheduler_PermanentErrorIsNotRetried(t *testing.T) {
	var attempts int32
	upload := func(ctx context.Context, c Chunk) error {
		atomic.AddInt32(&attempts, 1)
		return Permanent(errors.New("bad request"))
	}

	config := testConfig()
	config.Concurrency = 1
	err := NewScheduler(config, upload, log.NewLogger()).Run(context.Background(), Split(10, 10))

	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestScheduler_Cancellation(t *testing.T) {
	config := testConfig()
	config.Concurrency = 2

	started := make(chan int, 10)
	upload := func(ctx context.Context, c Chunk) error {
		started <- c.Index
		<-ctx.Done()
		return ctx.Err()
	}

	scheduler := NewScheduler(config, upload, log.NewLogger())
	var dispatched int32
	scheduler.OnDispatch(func(Chunk) { atomic.AddInt32(&dispatched, 1) })

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- scheduler.Run(ctx, Split(100, 10)) }()

	<-started
	<-started
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrCancelled)
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop after cancellation")
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(&dispatched))
}

func TestScheduler_PauseAndResume(t *testing.T) {
	config := testConfig()
	config.Concurrency = 1

	var uploaded int32
	upload := func(ctx context.Context, c Chunk) error {
		atomic.AddInt32(&uploaded, 1)
		return nil
	}

	scheduler := NewScheduler(config, upload, log.NewLogger())
	scheduler.Pause()
	require.True(t, scheduler.Paused())

	errCh := make(chan error, 1)
	go func() { errCh <- scheduler.Run(context.Background(), Split(30, 10)) }()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&uploaded), "nothing is dispatched while paused")

	scheduler.Resume()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not finish after resume")
	}
	assert.Equal(t, int32(3), atomic.LoadInt32(&uploaded))
}

func TestScheduler_ChunkTimeoutIsRetried(t *testing.T) {
	config := testConfig()
	config.ChunkTimeout = 20 * time.Millisecond

	var attempts int32
	upload := func(ctx context.Context, c Chunk) error {
		if atomic.AddInt32(&attempts, 1) == 1 {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}

	err := NewScheduler(config, upload, log.NewLogger()).Run(context.Background(), Split(10, 10))

	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))
}

func TestScheduler_HungChunkIsCancelledAndRetried(t *testing.T) {
	config := testConfig()
	config.Concurrency = 1
	config.HungThreshold = 20 * time.Millisecond

	var chunk1Attempts int32
	upload := func(ctx context.Context, c Chunk) error {
		if c.Index == 1 && atomic.AddInt32(&chunk1Attempts, 1) == 1 {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}

	scheduler := NewScheduler(config, upload, log.NewLogger())
	scheduler.hungCheckInterval = 5 * time.Millisecond

	err := scheduler.Run(context.Background(), Split(20, 10))

	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&chunk1Attempts))
}

func TestScheduler_BackoffDelaysRedispatch(t *testing.T) {
	config := testConfig()
	config.BaseBackoff = 40 * time.Millisecond

	var mu sync.Mutex
	var times []time.Time
	upload := func(ctx context.Context, c Chunk) error {
		mu.Lock()
		defer mu.Unlock()
		times = append(times, time.Now())
		if len(times) == 1 {
			return errors.New("transient")
		}
		return nil
	}

	err := NewScheduler(config, upload, log.NewLogger()).Run(context.Background(), Split(10, 10))

	require.NoError(t, err)
	require.Len(t, times, 2)
	assert.GreaterOrEqual(t, times[1].Sub(times[0]), 40*time.Millisecond)
}

func TestScheduler_EmptyPlan(t *testing.T) {
	upload := func(ctx context.Context, c Chunk) error {
		t.Fatal("no chunk should be uploaded")
		return nil
	}

	err := NewScheduler(testConfig(), upload, log.NewLogger()).Run(context.Background(), nil)

	require.NoError(t, err)
}

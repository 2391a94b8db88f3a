package chunkupload

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
)

// UploadFunc uploads a single chunk attempt.
type UploadFunc func(ctx context.Context, c Chunk) error

// Scheduler drives chunk uploads with a bounded number of parallel attempts.
// The pending queue and the in-flight set are owned by the Run loop only; workers
// just run the UploadFunc and report back.
type Scheduler struct {
	limit             int
	policy            RetryPolicy
	pollInterval      time.Duration
	chunkTimeout      time.Duration
	hungThreshold     time.Duration
	hungCheckInterval time.Duration

	upload     UploadFunc
	onDispatch func(Chunk)
	onSuccess  func(Chunk)

	paused atomic.Bool
	wake   chan struct{}

	logger log.Logger
	stats  *Stats
}

type queuedChunk struct {
	chunk     Chunk
	notBefore time.Time
}

type attemptResult struct {
	chunk Chunk
	err   error
	took  time.Duration
}

// NewScheduler creates a Scheduler from the config.
func NewScheduler(config Config, upload UploadFunc, logger log.Logger) *Scheduler {
	if logger == nil {
		logger = log.NewLogger()
	}

	return &Scheduler{
		limit:             config.Concurrency,
		policy:            NewRetryPolicy(config),
		pollInterval:      config.PollInterval,
		chunkTimeout:      config.ChunkTimeout,
		hungThreshold:     config.HungThreshold,
		hungCheckInterval: time.Second,
		upload:            upload,
		onDispatch:        func(Chunk) {},
		onSuccess:         func(Chunk) {},
		wake:              make(chan struct{}, 1),
		logger:            logger,
		stats:             NewStats(),
	}
}

// OnDispatch registers a hook called by the scheduler loop right before an attempt starts.
func (s *Scheduler) OnDispatch(fn func(Chunk)) {
	s.onDispatch = fn
}

// OnSuccess registers a hook called by the scheduler loop for every acknowledged chunk.
// Calls are never concurrent.
func (s *Scheduler) OnSuccess(fn func(Chunk)) {
	s.onSuccess = fn
}

// Pause stops dispatching new attempts. In-flight attempts are not interrupted.
func (s *Scheduler) Pause() {
	s.paused.Store(true)
	s.notify()
}

// Resume continues dispatching after Pause.
func (s *Scheduler) Resume() {
	s.paused.Store(false)
	s.notify()
}

// Paused reports whether dispatching is paused. Attempts started before the pause
// may still be running.
func (s *Scheduler) Paused() bool {
	return s.paused.Load()
}

// Stats returns the attempt statistics.
func (s *Scheduler) Stats() *Stats {
	return s.stats
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run uploads the pending chunks. It returns nil once every chunk was acknowledged,
// the fatal error as soon as a chunk can not be retried anymore, or an ErrCancelled
// error when ctx is cancelled. In-flight attempts are aborted and awaited before Run returns.
func (s *Scheduler) Run(ctx context.Context, pending []Chunk) error {
	if s.limit < 1 {
		return fmt.Errorf("%w: concurrency limit %d", ErrInvariant, s.limit)
	}

	queue := make([]queuedChunk, 0, len(pending))
	for _, c := range pending {
		queue = append(queue, queuedChunk{chunk: c})
	}

	inFlight := make(map[int]Chunk, s.limit)
	// Every worker sends exactly one result and at most limit workers exist.
	results := make(chan attemptResult, s.limit)

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	var fatal error
	for {
		if fatal == nil && ctx.Err() != nil {
			fatal = fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
			cancelRun()
		}

		if fatal != nil {
			if len(inFlight) == 0 {
				return fatal
			}
		} else {
			if len(queue) == 0 && len(inFlight) == 0 {
				return nil
			}

			if !s.paused.Load() {
				var err error
				queue, err = s.dispatch(runCtx, queue, inFlight, results)
				if err != nil {
					fatal = err
					cancelRun()
					continue
				}
			}
		}

		done := ctx.Done()
		if fatal != nil {
			done = nil
		}

		select {
		case r := <-results:
			delete(inFlight, r.chunk.Index)
			if err := s.handleResult(ctx, r, &queue, fatal != nil); err != nil {
				fatal = err
				cancelRun()
			}
		case <-s.wake:
		case <-ticker.C:
		case <-done:
		}
	}
}

func (s *Scheduler) dispatch(ctx context.Context, queue []queuedChunk, inFlight map[int]Chunk, results chan<- attemptResult) ([]queuedChunk, error) {
	now := time.Now()
	rest := make([]queuedChunk, 0, len(queue))

	for _, q := range queue {
		if len(inFlight) >= s.limit || q.notBefore.After(now) {
			rest = append(rest, q)
			continue
		}

		if _, ok := inFlight[q.chunk.Index]; ok {
			return nil, fmt.Errorf("%w: chunk %d dispatched twice", ErrInvariant, q.chunk.Index)
		}

		inFlight[q.chunk.Index] = q.chunk
		s.onDispatch(q.chunk)
		go s.attempt(ctx, q.chunk, results)
	}

	if len(inFlight) > s.limit {
		return nil, fmt.Errorf("%w: %d chunks in flight, limit is %d", ErrInvariant, len(inFlight), s.limit)
	}

	return rest, nil
}

func (s *Scheduler) handleResult(ctx context.Context, r attemptResult, queue *[]queuedChunk, draining bool) error {
	if r.err == nil {
		s.stats.RecordSuccess(r.took)
		s.logger.Debugf("Chunk %d uploaded in %v", r.chunk.Index, r.took.Round(time.Millisecond))
		s.onSuccess(r.chunk)
		return nil
	}

	s.stats.RecordFailure()
	if draining || ctx.Err() != nil {
		return nil
	}

	decision := s.policy.OnFailure(r.chunk, r.err)
	if !decision.Retry {
		s.logger.Errorf("Chunk %d failed: %s", r.chunk.Index, decision.Err)
		return decision.Err
	}

	s.logger.Warnf("Chunk %d attempt %d failed, retry %d/%d scheduled: %s",
		r.chunk.Index, decision.Chunk.Attempt, decision.Chunk.Attempt, s.policy.MaxRetries, r.err)

	q := queuedChunk{chunk: decision.Chunk}
	if decision.Delay > 0 {
		q.notBefore = time.Now().Add(decision.Delay)
	}
	*queue = append(*queue, q)

	return nil
}

func (s *Scheduler) attempt(ctx context.Context, c Chunk, results chan<- attemptResult) {
	start := time.Now()

	var attemptCtx context.Context
	var cancel context.CancelFunc
	if s.chunkTimeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, s.chunkTimeout)
	} else {
		attemptCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	// The last allowed attempt is never cut short.
	if s.hungThreshold > 0 && c.Attempt < s.policy.MaxRetries {
		go s.detectHungUpload(attemptCtx, cancel, start, c.Index)
	}

	s.logger.Debugf("Uploading chunk %d (attempt %d/%d) [finished=%d] [avg=%v]",
		c.Index, c.Attempt+1, s.policy.MaxRetries+1,
		s.stats.FinishedCount(), s.stats.Average().Round(time.Millisecond))

	err := s.upload(attemptCtx, c)
	if err != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = fmt.Errorf("chunk %d timed out after %s: %w", c.Index, time.Since(start).Round(time.Millisecond), err)
	}

	results <- attemptResult{chunk: c, err: err, took: time.Since(start)}
}

func (s *Scheduler) detectHungUpload(ctx context.Context, cancel context.CancelFunc, start time.Time, index int) {
	ticker := time.NewTicker(s.hungCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.stats.FinishedCount() == 0 {
				continue
			}
			elapsed := time.Since(start)
			avg := s.stats.Average()
			if elapsed-avg > s.hungThreshold {
				s.logger.Warnf("Found hung chunk upload (chunk %d); canceling request after %s (avg: %s)",
					index, elapsed.Round(time.Second), avg.Round(time.Second))
				cancel()
				return
			}
		}
	}
}

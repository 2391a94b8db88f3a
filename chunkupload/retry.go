package chunkupload

import (
	"fmt"
	"time"
)

// RetryPolicy decides whether a failed chunk attempt is retried.
type RetryPolicy struct {
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// NewRetryPolicy creates the retry policy described by the config.
func NewRetryPolicy(config Config) RetryPolicy {
	return RetryPolicy{
		MaxRetries:  config.MaxRetries,
		BaseBackoff: config.BaseBackoff,
		MaxBackoff:  config.MaxBackoff,
	}
}

// RetryDecision is the outcome of RetryPolicy.OnFailure.
type RetryDecision struct {
	// Retry is false if the failure is fatal for the session.
	Retry bool
	// Chunk carries the incremented attempt counter.
	Chunk Chunk
	// Delay is how long the chunk has to wait before it is dispatched again.
	Delay time.Duration
	// Err is set if Retry is false.
	Err error
}

// OnFailure records a failed attempt of the chunk. The chunk is re-queued as long as
// its attempt counter does not exceed MaxRetries.
func (p RetryPolicy) OnFailure(c Chunk, cause error) RetryDecision {
	c.Attempt++

	if IsPermanent(cause) {
		return RetryDecision{
			Chunk: c,
			Err:   fmt.Errorf("chunk %d failed with a non-retryable error: %w", c.Index, cause),
		}
	}

	if c.Attempt > p.MaxRetries {
		return RetryDecision{
			Chunk: c,
			Err:   fmt.Errorf("%w: chunk %d failed %d times: %w", ErrRetriesExhausted, c.Index, c.Attempt, cause),
		}
	}

	return RetryDecision{
		Retry: true,
		Chunk: c,
		Delay: p.Backoff(c.Attempt),
	}
}

// Backoff returns the capped exponential delay before the given retry (1-based).
func (p RetryPolicy) Backoff(retry int) time.Duration {
	if p.BaseBackoff <= 0 || retry < 1 {
		return 0
	}

	d := p.BaseBackoff
	for i := 1; i < retry; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}

	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

package chunkupload

import (
	"fmt"
	"net/http"
	"time"
)

// DefaultChunkSize has to match the chunk size the remote collaborator was configured with.
const DefaultChunkSize int64 = 5 * 1024 * 1024

// Config holds configuration for the upload engine.
type Config struct {
	// ChunkSize is the fixed size of every chunk but the last one.
	// Default: 5 MiB
	ChunkSize int64

	// Concurrency is the maximum number of chunk uploads in flight for one session.
	// Default: 3
	Concurrency int

	// MaxRetries is the number of retries per chunk after its first failed attempt.
	// Default: 3
	MaxRetries int

	// BaseBackoff is the delay before the first retry of a chunk, doubled on every further retry.
	// Zero disables backoff.
	BaseBackoff time.Duration

	// MaxBackoff caps the retry delay.
	// Default: 10 seconds
	MaxBackoff time.Duration

	// ChunkTimeout bounds a single chunk upload attempt. Zero disables the timeout.
	// Default: 2 minutes
	ChunkTimeout time.Duration

	// HungThreshold is the duration after which a chunk upload is considered hung
	// if it exceeds the average upload time by this amount. Zero disables hung detection.
	// Default: 30 seconds
	HungThreshold time.Duration

	// PollInterval is how often the scheduler loop wakes up without any other event.
	// Default: 50 milliseconds
	PollInterval time.Duration

	// ProgressWindow is the number of samples used for speed calculation.
	// Default: 10
	ProgressWindow int

	// CancelTimeout bounds the best-effort server side cancel call.
	// Default: 10 seconds
	CancelTimeout time.Duration

	// CompleteTimeout bounds the complete call. Cancelling the session does not interrupt it.
	// Default: 2 minutes
	CompleteTimeout time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		ChunkSize:       DefaultChunkSize,
		Concurrency:     3,
		MaxRetries:      3,
		BaseBackoff:     0,
		MaxBackoff:      10 * time.Second,
		ChunkTimeout:    2 * time.Minute,
		HungThreshold:   30 * time.Second,
		PollInterval:    50 * time.Millisecond,
		ProgressWindow:  10,
		CancelTimeout:   10 * time.Second,
		CompleteTimeout: 2 * time.Minute,
	}
}

// Validate checks that the configuration can drive an upload.
func (c Config) Validate() error {
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", c.ChunkSize)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative, got %d", c.MaxRetries)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", c.PollInterval)
	}
	if c.ProgressWindow < 2 {
		return fmt.Errorf("progress window must hold at least 2 samples, got %d", c.ProgressWindow)
	}
	return nil
}

// DefaultHTTPClient creates an HTTP client optimized for chunk uploads.
func DefaultHTTPClient() *http.Client {
	return &http.Client{
		// No timeout - individual chunk timeouts are handled via context
		Timeout: 0,
		Transport: &http.Transport{
			MaxIdleConns:        50,
			MaxConnsPerHost:     20,
			IdleConnTimeout:     10 * time.Second,
			TLSHandshakeTimeout: 5 * time.Second,
			Proxy:               http.ProxyFromEnvironment,
		},
	}
}

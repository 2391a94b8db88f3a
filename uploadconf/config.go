package uploadconf

import (
	"fmt"
	"time"

	"github.com/bitrise-io/go-chunkupload/chunkupload"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/docker/go-units"
)

// Backends
const (
	BackendHTTP = "http"
	BackendS3   = "s3"
)

// Config is the environment based configuration of the chunkupload tool.
type Config struct {
	Backend     string `env:"CHUNKUPLOAD_BACKEND,opt[http,s3]"`
	Destination string `env:"CHUNKUPLOAD_DESTINATION"`
	Verbose     bool   `env:"CHUNKUPLOAD_VERBOSE"`
	Analytics   bool   `env:"CHUNKUPLOAD_ANALYTICS"`

	APIURL   string `env:"CHUNKUPLOAD_API_URL"`
	APIToken Secret `env:"CHUNKUPLOAD_API_TOKEN"`

	Bucket          string `env:"CHUNKUPLOAD_S3_BUCKET"`
	Region          string `env:"CHUNKUPLOAD_S3_REGION"`
	AccessKeyID     string `env:"CHUNKUPLOAD_S3_ACCESS_KEY_ID"`
	SecretAccessKey Secret `env:"CHUNKUPLOAD_S3_SECRET_ACCESS_KEY"`

	// ChunkSize is a human readable size, like 5MiB or 8mb.
	ChunkSize      string         `env:"CHUNKUPLOAD_CHUNK_SIZE"`
	Concurrency    int            `env:"CHUNKUPLOAD_CONCURRENCY"`
	MaxRetries     *int           `env:"CHUNKUPLOAD_MAX_RETRIES"`
	BaseBackoff    time.Duration  `env:"CHUNKUPLOAD_RETRY_BACKOFF"`
	ChunkTimeout   time.Duration  `env:"CHUNKUPLOAD_CHUNK_TIMEOUT"`
	HungThreshold  *time.Duration `env:"CHUNKUPLOAD_HUNG_THRESHOLD"`
	SessionRetries uint           `env:"CHUNKUPLOAD_SESSION_RETRIES"`
	SessionWait    time.Duration  `env:"CHUNKUPLOAD_SESSION_RETRY_WAIT"`
}

// DefaultConfig ...
func DefaultConfig() Config {
	engine := chunkupload.DefaultConfig()
	return Config{
		Backend:        BackendHTTP,
		ChunkSize:      units.BytesSize(float64(engine.ChunkSize)),
		Concurrency:    engine.Concurrency,
		ChunkTimeout:   engine.ChunkTimeout,
		SessionRetries: 2,
		SessionWait:    5 * time.Second,
	}
}

// Load parses the environment on top of the defaults and validates the backend settings.
func Load(envRepository env.Repository) (Config, error) {
	config := DefaultConfig()
	if err := NewInputParser(envRepository).Parse(&config); err != nil {
		return Config{}, err
	}
	if err := config.validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

func (c Config) validate() error {
	switch c.Backend {
	case BackendHTTP:
		if c.APIURL == "" {
			return fmt.Errorf("CHUNKUPLOAD_API_URL must be set for the %s backend", c.Backend)
		}
	case BackendS3:
		if c.Bucket == "" || c.Region == "" {
			return fmt.Errorf("CHUNKUPLOAD_S3_BUCKET and CHUNKUPLOAD_S3_REGION must be set for the %s backend", c.Backend)
		}
	default:
		return fmt.Errorf("unknown backend: %s", c.Backend)
	}
	return nil
}

// EngineConfig converts the settings to the upload engine configuration.
func (c Config) EngineConfig() (chunkupload.Config, error) {
	engine := chunkupload.DefaultConfig()

	if c.ChunkSize != "" {
		size, err := units.RAMInBytes(c.ChunkSize)
		if err != nil {
			return chunkupload.Config{}, fmt.Errorf("parse chunk size: %w", err)
		}
		engine.ChunkSize = size
	}
	if c.Concurrency != 0 {
		engine.Concurrency = c.Concurrency
	}
	if c.MaxRetries != nil {
		engine.MaxRetries = *c.MaxRetries
	}
	if c.BaseBackoff != 0 {
		engine.BaseBackoff = c.BaseBackoff
	}
	if c.ChunkTimeout != 0 {
		engine.ChunkTimeout = c.ChunkTimeout
	}
	if c.HungThreshold != nil {
		engine.HungThreshold = *c.HungThreshold
	}

	if err := engine.Validate(); err != nil {
		return chunkupload.Config{}, err
	}
	return engine, nil
}

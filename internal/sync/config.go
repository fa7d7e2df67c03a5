package sync

import (
	"errors"
	"time"

	"github.com/conorfennell/knolsync/internal/remote"
)

// RetryConfig bounds the exponential backoff of remote calls.
type RetryConfig struct {
	MaxAttempts  uint64        `koanf:"max_attempts" validate:"gte=1"`
	InitialDelay time.Duration `koanf:"initial_delay" validate:"gt=0"`
	MaxDelay     time.Duration `koanf:"max_delay" validate:"gtefield=InitialDelay"`
}

// Config controls an Engine.
type Config struct {
	Credentials remote.Credentials `koanf:"-"`

	// Interval between background cycles. Zero disables Run.
	Interval           time.Duration `koanf:"interval" validate:"gte=0"`
	CallTimeout        time.Duration `koanf:"call_timeout" validate:"gte=0"`
	PushBatchSize      int           `koanf:"push_batch_size" validate:"gte=0"`
	ApplyBatchSize     int           `koanf:"apply_batch_size" validate:"gte=0"`
	TombstoneRetention time.Duration `koanf:"tombstone_retention" validate:"gte=0"`
	Retry              RetryConfig   `koanf:"retry"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Interval:           5 * time.Minute,
		CallTimeout:        30 * time.Second,
		PushBatchSize:      200,
		ApplyBatchSize:     500,
		TombstoneRetention: 30 * 24 * time.Hour,
		Retry: RetryConfig{
			MaxAttempts:  5,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     30 * time.Second,
		},
	}
}

func (c Config) withDefaults() (Config, error) {
	def := DefaultConfig()
	if c.CallTimeout == 0 {
		c.CallTimeout = def.CallTimeout
	}
	if c.PushBatchSize == 0 {
		c.PushBatchSize = def.PushBatchSize
	}
	if c.ApplyBatchSize == 0 {
		c.ApplyBatchSize = def.ApplyBatchSize
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = def.Retry.MaxAttempts
	}
	if c.Retry.InitialDelay == 0 {
		c.Retry.InitialDelay = def.Retry.InitialDelay
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = max(def.Retry.MaxDelay, c.Retry.InitialDelay)
	}

	switch {
	case c.Interval < 0, c.CallTimeout < 0, c.TombstoneRetention < 0:
		return c, errors.New("sync durations must not be negative")
	case c.PushBatchSize < 0, c.ApplyBatchSize < 0:
		return c, errors.New("sync batch sizes must not be negative")
	case c.Retry.InitialDelay < 0, c.Retry.MaxDelay < c.Retry.InitialDelay:
		return c, errors.New("sync retry delays must satisfy 0 < initial_delay <= max_delay")
	}
	return c, nil
}

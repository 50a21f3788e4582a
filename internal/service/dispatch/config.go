package dispatch

import "time"

// Config tunes the campaign dispatcher.
type Config struct {
	// BatchSize is how many recipients are buffered before a bulk enqueue
	// on the email queue. Progress and the pause/cancel check happen on
	// batch boundaries.
	BatchSize int

	// ProgressInterval throttles progress writes for very large batches.
	ProgressInterval time.Duration

	// EmailLogTTL bounds how long per-recipient send records are kept.
	EmailLogTTL time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() *Config {
	return &Config{
		BatchSize:        100,
		ProgressInterval: 5 * time.Second,
		EmailLogTTL:      0, // falls back to domain.DefaultEmailLogTTL
	}
}

func (c *Config) batchSize() int {
	if c.BatchSize <= 0 {
		return 100
	}
	return c.BatchSize
}

package queue

import (
	"log"
	"strings"
	"time"
)

// OverflowPolicy selects what happens when a queue is at capacity.
type OverflowPolicy string

const (
	// PolicyDropOldest evicts the oldest queued event to admit the new one.
	PolicyDropOldest OverflowPolicy = "drop_oldest"
	// PolicyDropNewest rejects the incoming event and leaves the queue unchanged.
	PolicyDropNewest OverflowPolicy = "drop_newest"
	// PolicyBlock suspends the producer until space frees or its context ends.
	PolicyBlock OverflowPolicy = "block"
)

// ParseOverflowPolicy normalises a policy label.
func ParseOverflowPolicy(raw string) (OverflowPolicy, bool) {
	switch OverflowPolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case PolicyDropOldest:
		return PolicyDropOldest, true
	case PolicyDropNewest:
		return PolicyDropNewest, true
	case PolicyBlock:
		return PolicyBlock, true
	default:
		return "", false
	}
}

// Defaults applied when configuration values are missing or invalid.
const (
	DefaultMaxSize      = 500
	DefaultBatchSize    = 8
	DefaultBatchTimeout = 100 * time.Millisecond
	DefaultPolicy       = PolicyDropOldest

	maxAllowedSize      = 1_000_000
	maxAllowedBatchSize = 10_000
)

// Config describes the limits shared by every destination queue.
type Config struct {
	MaxSize             int            `json:"max_size"`
	BatchSize           int            `json:"batch_size"`
	BatchTimeout        time.Duration  `json:"batch_timeout"`
	OverflowPolicy      OverflowPolicy `json:"overflow_policy"`
	FlushOnConfigChange bool           `json:"flush_on_config_change"`
}

// DefaultConfig returns the documented queue defaults.
func DefaultConfig() Config {
	return Config{
		MaxSize:             DefaultMaxSize,
		BatchSize:           DefaultBatchSize,
		BatchTimeout:        DefaultBatchTimeout,
		OverflowPolicy:      DefaultPolicy,
		FlushOnConfigChange: true,
	}
}

// Sanitize replaces invalid values with defaults, logging each correction.
func (c Config) Sanitize(logger *log.Logger) Config {
	logf := func(format string, args ...any) {
		if logger != nil {
			logger.Printf(format, args...)
		}
	}
	if c.MaxSize <= 0 || c.MaxSize > maxAllowedSize {
		logf("invalid queue max_size=%d, using default %d", c.MaxSize, DefaultMaxSize)
		c.MaxSize = DefaultMaxSize
	}
	if c.BatchSize <= 0 || c.BatchSize > maxAllowedBatchSize {
		logf("invalid queue batch_size=%d, using default %d", c.BatchSize, DefaultBatchSize)
		c.BatchSize = DefaultBatchSize
	}
	if c.BatchSize > c.MaxSize {
		logf("queue batch_size=%d exceeds max_size=%d, clamping", c.BatchSize, c.MaxSize)
		c.BatchSize = c.MaxSize
	}
	if c.BatchTimeout <= 0 {
		logf("invalid queue batch_timeout=%s, using default %s", c.BatchTimeout, DefaultBatchTimeout)
		c.BatchTimeout = DefaultBatchTimeout
	}
	policy, ok := ParseOverflowPolicy(string(c.OverflowPolicy))
	if !ok {
		logf("invalid queue overflow_policy=%q, using default %s", c.OverflowPolicy, DefaultPolicy)
		policy = DefaultPolicy
	}
	c.OverflowPolicy = policy
	return c
}

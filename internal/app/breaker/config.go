package breaker

import (
	"log"
	"time"
)

// Config tunes a circuit breaker. Zero or negative values fall back to defaults.
type Config struct {
	FailureThreshold    int           `json:"failure_threshold"`
	RecoveryTimeout     time.Duration `json:"recovery_timeout"`
	SuccessThreshold    int           `json:"success_threshold"`
	Timeout             time.Duration `json:"timeout"`
	HalfOpenMaxCalls    int           `json:"half_open_max_calls"`
	InitialBackoff      time.Duration `json:"initial_backoff"`
	MaxBackoff          time.Duration `json:"max_backoff"`
	Jitter              bool          `json:"jitter"`
	HealthCheckInterval time.Duration `json:"health_check_interval"`
	MetricsWindow       int           `json:"metrics_window"`
}

// DefaultConfig returns the breaker defaults used for TAK destinations.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:    5,
		RecoveryTimeout:     60 * time.Second,
		SuccessThreshold:    3,
		Timeout:             30 * time.Second,
		HalfOpenMaxCalls:    3,
		InitialBackoff:      time.Second,
		MaxBackoff:          300 * time.Second,
		Jitter:              true,
		HealthCheckInterval: 30 * time.Second,
		MetricsWindow:       100,
	}
}

// Sanitize replaces invalid values with defaults, logging each correction.
func (c Config) Sanitize(logger *log.Logger) Config {
	def := DefaultConfig()
	logf := func(format string, args ...any) {
		if logger != nil {
			logger.Printf(format, args...)
		}
	}
	if c.FailureThreshold <= 0 {
		logf("invalid breaker failure_threshold=%d, using default %d", c.FailureThreshold, def.FailureThreshold)
		c.FailureThreshold = def.FailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		logf("invalid breaker recovery_timeout=%s, using default %s", c.RecoveryTimeout, def.RecoveryTimeout)
		c.RecoveryTimeout = def.RecoveryTimeout
	}
	if c.SuccessThreshold <= 0 {
		logf("invalid breaker success_threshold=%d, using default %d", c.SuccessThreshold, def.SuccessThreshold)
		c.SuccessThreshold = def.SuccessThreshold
	}
	if c.Timeout <= 0 {
		logf("invalid breaker timeout=%s, using default %s", c.Timeout, def.Timeout)
		c.Timeout = def.Timeout
	}
	if c.HalfOpenMaxCalls <= 0 {
		logf("invalid breaker half_open_max_calls=%d, using default %d", c.HalfOpenMaxCalls, def.HalfOpenMaxCalls)
		c.HalfOpenMaxCalls = def.HalfOpenMaxCalls
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = def.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = def.MaxBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		logf("breaker max_backoff=%s below initial_backoff=%s, raising", c.MaxBackoff, c.InitialBackoff)
		c.MaxBackoff = c.InitialBackoff
	}
	if c.HealthCheckInterval < 0 {
		c.HealthCheckInterval = def.HealthCheckInterval
	}
	if c.MetricsWindow <= 0 {
		c.MetricsWindow = def.MetricsWindow
	}
	return c
}
